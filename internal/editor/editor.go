// Package editor 把共享存储中当前打开文件的内容同步到一个持有焦点的文本编辑控件，
// 同时把本地按键写回存储，且不会造成 远端更新 -> 控件变化 -> 本地写入 的回环。
package editor

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/engine"
	"github.com/Dizro/Collaborative-Code-Editor/internal/presence"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
	"github.com/sirupsen/logrus"
)

// DefaultTypingTimeout 最后一次按键后多久清除 "输入中" 标记
const DefaultTypingTimeout = time.Second

// Position 是控件中的光标位置，行列都从 1 开始
type Position struct {
	Line   int
	Column int
}

// Widget 是编辑控件的最小接口。SetText 可能同步触发控件自己的变更回调
// (也就是再次调用 Reconciler.OnLocalEdit)。
type Widget interface {
	Text() string
	SetText(text string)
	Caret() Position
	SetCaret(pos Position)
}

// Placeholder 是可选接口：控件能显示 "文件不存在" 之类的占位状态
type Placeholder interface {
	ShowPlaceholder(msg string)
}

// Options 配置 Reconciler
type Options struct {
	TypingTimeout time.Duration
	AfterFunc     presence.AfterFunc
	// OnOverlays 在当前文件中其他人的光标/选区变化时调用
	OnOverlays func(path string, others []presence.Other)
}

// Reconciler 是编辑器协调循环
type Reconciler struct {
	eng    *engine.Engine
	pres   *presence.Store
	widget Widget
	opts   Options

	applying atomic.Bool // 正在把权威内容写入控件

	mu          sync.Mutex
	path        string
	missing     bool
	unsubFile   storage.Unsubscribe
	unsubPeers  storage.Unsubscribe
	typingTimer presence.Timer
	typing      bool

	log *logrus.Entry
}

// New 创建协调器
func New(eng *engine.Engine, pres *presence.Store, widget Widget, opts Options) *Reconciler {
	if eng == nil || pres == nil || widget == nil {
		panic("editor.New: engine, presence and widget are required")
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) presence.Timer { return time.AfterFunc(d, f) }
	}
	return &Reconciler{
		eng:    eng,
		pres:   pres,
		widget: widget,
		opts:   opts,
		log:    logrus.WithField("component", "editor"),
	}
}

// Path 返回当前打开的文件
func (r *Reconciler) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Missing 表示当前路径没有文件条目 (例如被并发删除)
func (r *Reconciler) Missing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missing
}

// Open 切换到 path：拆除上一个文件的订阅和覆盖层，清除本地光标/选区，
// 订阅新文件并载入当前内容。
func (r *Reconciler) Open(path string) {
	r.teardown()

	r.pres.Update(func(p *domain.Presence) {
		p.Cursor = nil
		p.Selection = nil
		p.SelectedFile = &path
	})

	unsubFile := r.eng.OnFileChange(func(fc engine.FileChange) {
		if fc.Path == r.Path() {
			r.onStorageChange(fc)
		}
	})
	unsubPeers := r.pres.OnChange(r.refreshOverlays)

	r.mu.Lock()
	r.path = path
	r.unsubFile = unsubFile
	r.unsubPeers = unsubPeers
	r.mu.Unlock()

	entry, ok := r.eng.File(path)
	if !ok || entry.IsDir() {
		r.showMissing(path)
	} else {
		r.mu.Lock()
		r.missing = false
		r.mu.Unlock()
		r.replaceText(entry.Content, Position{Line: 1, Column: 1})
	}
	r.refreshOverlays()
	r.log.WithField("path", path).Debug("Opened file")
}

// Close 拆除当前文件的全部订阅
func (r *Reconciler) Close() {
	r.teardown()
	r.mu.Lock()
	r.path = ""
	r.mu.Unlock()
}

func (r *Reconciler) teardown() {
	r.mu.Lock()
	unsubFile, unsubPeers := r.unsubFile, r.unsubPeers
	r.unsubFile, r.unsubPeers = nil, nil
	if r.typingTimer != nil {
		r.typingTimer.Stop()
		r.typingTimer = nil
	}
	wasTyping := r.typing
	r.typing = false
	r.mu.Unlock()

	if unsubFile != nil {
		unsubFile()
	}
	if unsubPeers != nil {
		unsubPeers()
	}
	if wasTyping {
		r.pres.SetTyping(false)
	}
}

// OnLocalEdit 由控件的变更回调调用。正在应用远端内容时忽略，防止回环。
func (r *Reconciler) OnLocalEdit() error {
	if r.applying.Load() {
		return nil
	}
	r.mu.Lock()
	path, missing := r.path, r.missing
	r.mu.Unlock()
	if path == "" || missing {
		return nil
	}
	if err := r.eng.WriteContent(path, r.widget.Text()); err != nil {
		return err
	}
	r.markTyping()
	return nil
}

// OnCaretMove 把控件光标同步到 presence
func (r *Reconciler) OnCaretMove(pos Position) {
	r.pres.SetCursor(&domain.Cursor{LineNumber: pos.Line, Column: pos.Column})
}

// OnSelection 把控件选区同步到 presence，nil 表示没有选区
func (r *Reconciler) OnSelection(sel *domain.Selection) {
	r.pres.SetSelection(sel)
}

// Overlays 返回当前文件中其他人的 presence
func (r *Reconciler) Overlays() []presence.Other {
	path := r.Path()
	if path == "" {
		return nil
	}
	return r.pres.OthersInFile(path)
}

func (r *Reconciler) refreshOverlays() {
	if r.opts.OnOverlays == nil {
		return
	}
	path := r.Path()
	if path == "" {
		return
	}
	r.opts.OnOverlays(path, r.pres.OthersInFile(path))
}

func (r *Reconciler) markTyping() {
	r.mu.Lock()
	if r.typingTimer != nil {
		r.typingTimer.Stop()
	}
	r.typingTimer = r.opts.AfterFunc(r.opts.TypingTimeout, r.typingExpired)
	start := !r.typing
	r.typing = true
	r.mu.Unlock()
	if start {
		r.pres.SetTyping(true)
	}
}

func (r *Reconciler) typingExpired() {
	r.mu.Lock()
	if !r.typing {
		r.mu.Unlock()
		return
	}
	r.typing = false
	r.typingTimer = nil
	r.mu.Unlock()
	r.pres.SetTyping(false)
}

func (r *Reconciler) onStorageChange(fc engine.FileChange) {
	if fc.Entry == nil || fc.Entry.IsDir() {
		r.showMissing(fc.Path)
		return
	}
	r.mu.Lock()
	r.missing = false
	r.mu.Unlock()
	if r.applying.Load() {
		return
	}
	if r.widget.Text() == fc.Entry.Content {
		return
	}
	r.replaceText(fc.Entry.Content, r.widget.Caret())
}

// replaceText 整体替换控件内容并恢复光标，期间设置 applying 标记
func (r *Reconciler) replaceText(text string, caret Position) {
	r.applying.Store(true)
	defer r.applying.Store(false)
	r.widget.SetText(text)
	r.widget.SetCaret(ClampPosition(text, caret))
}

func (r *Reconciler) showMissing(path string) {
	r.mu.Lock()
	r.missing = true
	r.mu.Unlock()
	r.replaceText("", Position{Line: 1, Column: 1})
	if ph, ok := r.widget.(Placeholder); ok {
		ph.ShowPlaceholder("File " + path + " does not exist")
	}
}

// ClampPosition 把 pos 限制在 text 的有效范围内
func ClampPosition(text string, pos Position) Position {
	lines := strings.Split(text, "\n")
	if pos.Line < 1 {
		pos.Line = 1
	}
	if pos.Line > len(lines) {
		pos.Line = len(lines)
	}
	maxCol := len([]rune(lines[pos.Line-1])) + 1
	if pos.Column < 1 {
		pos.Column = 1
	}
	if pos.Column > maxCol {
		pos.Column = maxCol
	}
	return pos
}
