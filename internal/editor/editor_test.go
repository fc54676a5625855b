package editor_test

import (
	"testing"
	"time"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/editor"
	"github.com/Dizro/Collaborative-Code-Editor/internal/engine"
	"github.com/Dizro/Collaborative-Code-Editor/internal/presence"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{ sent []session.Envelope }

func (c *nopConn) Send(env session.Envelope) error {
	c.sent = append(c.sent, env)
	return nil
}

// fakeWidget 模拟真实控件：SetText 会同步触发变更回调
type fakeWidget struct {
	text        string
	caret       Position
	setCalls    int
	placeholder string
	onChange    func()
}

type Position = editor.Position

func (w *fakeWidget) Text() string             { return w.text }
func (w *fakeWidget) Caret() Position          { return w.caret }
func (w *fakeWidget) SetCaret(p Position)      { w.caret = p }
func (w *fakeWidget) ShowPlaceholder(m string) { w.placeholder = m }
func (w *fakeWidget) SetText(text string) {
	w.text = text
	w.setCalls++
	if w.onChange != nil {
		w.onChange()
	}
}

// type 模拟用户键入：修改文本后触发回调
func (w *fakeWidget) typeText(text string) {
	w.text = text
	if w.onChange != nil {
		w.onChange()
	}
}

type manualTimers struct{ fns []func() }

type manualTimer struct{ stopped bool }

func (t *manualTimer) Stop() bool { t.stopped = true; return true }

func (m *manualTimers) AfterFunc(_ time.Duration, f func()) presence.Timer {
	t := &manualTimer{}
	m.fns = append(m.fns, func() {
		if !t.stopped {
			f()
		}
	})
	return t
}

func (m *manualTimers) fireAll() {
	fns := m.fns
	m.fns = nil
	for _, f := range fns {
		f()
	}
}

type fixture struct {
	eng    *engine.Engine
	remote *engine.Engine
	pres   *presence.Store
	widget *fakeWidget
	rec    *editor.Reconciler
	timers *manualTimers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := engine.New(storage.NewDocument("a"), &nopConn{}, engine.Author{ID: "u-a", Name: "alice"})
	remote := engine.New(storage.NewDocument("b"), &nopConn{}, engine.Author{ID: "u-b", Name: "bob"})
	timers := &manualTimers{}
	pres := presence.NewStore(&nopConn{}, domain.Presence{Username: "alice"}, presence.Options{AfterFunc: timers.AfterFunc})
	w := &fakeWidget{}
	rec := editor.New(eng, pres, w, editor.Options{AfterFunc: timers.AfterFunc})
	w.onChange = func() { require.NoError(t, rec.OnLocalEdit()) }
	return &fixture{eng: eng, remote: remote, pres: pres, widget: w, rec: rec, timers: timers}
}

// sync 把 remote 的全部操作投递给本地引擎
func (f *fixture) sync() {
	f.eng.ApplyRemote(f.remote.Document().Log())
}

func TestReconciler_OpenLoadsContent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.eng.CreateFile("a.ts", "line1\nline2"))
	f.pres.SetCursor(&domain.Cursor{LineNumber: 5})

	f.rec.Open("a.ts")

	assert.Equal(t, "line1\nline2", f.widget.text)
	assert.Equal(t, Position{Line: 1, Column: 1}, f.widget.caret)
	self := f.pres.Self()
	assert.True(t, self.InFile("a.ts"))
	assert.Nil(t, self.Cursor, "切换文件时清除光标")
	assert.Equal(t, 1, f.eng.Pending(), "载入内容不应产生本地写入")
}

func TestReconciler_RemoteChangeNoFeedbackLoop(t *testing.T) {
	// Arrange
	f := newFixture(t)
	require.NoError(t, f.remote.CreateFile("a.ts", "hello"))
	f.sync()
	f.rec.Open("a.ts")
	f.widget.caret = Position{Line: 1, Column: 4}
	logBefore := len(f.eng.Document().Log())

	// Act: 远端修改内容
	require.NoError(t, f.remote.WriteContent("a.ts", "hello world"))
	f.sync()

	// Assert
	assert.Equal(t, "hello world", f.widget.text)
	assert.Equal(t, Position{Line: 1, Column: 4}, f.widget.caret, "整体替换后恢复光标")
	assert.Equal(t, logBefore+1, len(f.eng.Document().Log()), "只有远端操作进入日志，没有回显写入")
	assert.Zero(t, f.eng.Pending())
}

func TestReconciler_CaretClampedAfterShrink(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.CreateFile("a.ts", "one\ntwo\nthree"))
	f.sync()
	f.rec.Open("a.ts")
	f.widget.caret = Position{Line: 3, Column: 6}

	require.NoError(t, f.remote.WriteContent("a.ts", "x"))
	f.sync()

	assert.Equal(t, Position{Line: 1, Column: 2}, f.widget.caret)
}

func TestReconciler_LocalEditWritesAndTyping(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.eng.CreateFile("a.ts", ""))
	f.rec.Open("a.ts")

	f.widget.typeText("a")
	f.widget.typeText("ab")

	entry, _ := f.eng.File("a.ts")
	assert.Equal(t, "ab", entry.Content)
	assert.Equal(t, "alice", entry.LastEditedBy)
	assert.True(t, f.pres.Self().IsTyping)

	// 静默期结束，输入中标记被清除；两次按键只剩最后一个定时器有效
	f.timers.fireAll()
	assert.False(t, f.pres.Self().IsTyping)
}

// 场景 4：本地在 a.ts 中输入的同时，另一个文件的远端更新到达，a.ts 的控件不受影响
func TestReconciler_RemoteUpdateForOtherFileIgnored(t *testing.T) {
	// Arrange
	f := newFixture(t)
	require.NoError(t, f.remote.CreateFile("a.ts", ""))
	require.NoError(t, f.remote.CreateFile("b.ts", "b"))
	f.sync()
	f.rec.Open("a.ts")
	f.widget.typeText("typing...")
	f.widget.caret = Position{Line: 1, Column: 10}
	setCalls := f.widget.setCalls

	// Act
	require.NoError(t, f.remote.WriteContent("b.ts", "changed"))
	f.sync()

	// Assert
	assert.Equal(t, "typing...", f.widget.text)
	assert.Equal(t, Position{Line: 1, Column: 10}, f.widget.caret)
	assert.Equal(t, setCalls, f.widget.setCalls)
}

func TestReconciler_OpenMissingFileShowsPlaceholder(t *testing.T) {
	f := newFixture(t)

	assert.NotPanics(t, func() { f.rec.Open("ghost.ts") })

	assert.True(t, f.rec.Missing())
	assert.Equal(t, "", f.widget.text)
	assert.Contains(t, f.widget.placeholder, "ghost.ts")
	f.widget.typeText("ignored")
	assert.False(t, f.eng.Document().Has(storage.Files, "ghost.ts"), "不存在的文件上的输入不会复活它")
}

func TestReconciler_ConcurrentDeleteOfOpenFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.remote.CreateFile("a.ts", "content"))
	f.sync()
	f.rec.Open("a.ts")

	require.NoError(t, f.remote.Delete("a.ts"))
	f.sync()

	assert.True(t, f.rec.Missing())
	assert.Equal(t, "", f.widget.text)
}

func TestReconciler_SwitchFileTearsDownPrevious(t *testing.T) {
	// Arrange
	f := newFixture(t)
	var overlays []string
	f.rec = editor.New(f.eng, f.pres, f.widget, editor.Options{
		AfterFunc: f.timers.AfterFunc,
		OnOverlays: func(path string, others []presence.Other) {
			overlays = append(overlays, path)
		},
	})
	f.widget.onChange = func() { require.NoError(t, f.rec.OnLocalEdit()) }
	require.NoError(t, f.remote.CreateFile("a.ts", "A"))
	require.NoError(t, f.remote.CreateFile("b.ts", "B"))
	f.sync()
	f.rec.Open("a.ts")
	f.widget.typeText("A!")
	f.rec.OnCaretMove(Position{Line: 1, Column: 2})
	f.rec.OnSelection(&domain.Selection{StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 2})

	// Act
	f.rec.Open("b.ts")

	// Assert
	assert.Equal(t, "B", f.widget.text)
	self := f.pres.Self()
	assert.Nil(t, self.Cursor)
	assert.Nil(t, self.Selection)
	assert.False(t, self.IsTyping, "切换文件时结束输入中状态")
	assert.Equal(t, "b.ts", f.rec.Path())

	// 旧文件的更新不再影响控件
	require.NoError(t, f.remote.WriteContent("a.ts", "A changed"))
	f.sync()
	assert.Equal(t, "B", f.widget.text)

	// 覆盖层只针对当前文件
	file := "b.ts"
	f.pres.ApplyRemote("c2", "u-b", domain.Presence{Username: "bob", SelectedFile: &file})
	require.NotEmpty(t, overlays)
	assert.Equal(t, "b.ts", overlays[len(overlays)-1])
	require.Len(t, f.rec.Overlays(), 1)

	f.rec.Close()
	n := len(overlays)
	f.pres.ApplyRemote("c2", "u-b", domain.Presence{Username: "bob"})
	assert.Len(t, overlays, n, "关闭后不再计算覆盖层")
	assert.Nil(t, f.rec.Overlays())
}

func TestClampPosition(t *testing.T) {
	tests := []struct {
		text string
		in   Position
		want Position
	}{
		{"", Position{Line: 3, Column: 3}, Position{Line: 1, Column: 1}},
		{"abc\nde", Position{Line: 2, Column: 9}, Position{Line: 2, Column: 3}},
		{"abc", Position{Line: 0, Column: 0}, Position{Line: 1, Column: 1}},
		{"héllo", Position{Line: 1, Column: 6}, Position{Line: 1, Column: 6}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, editor.ClampPosition(tc.text, tc.in))
	}
}
