package vote_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/engine"
	"github.com/Dizro/Collaborative-Code-Editor/internal/remote"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session/sessiontest"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
	"github.com/Dizro/Collaborative-Code-Editor/internal/vote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedParticipants int

func (n fixedParticipants) Count() int { return int(n) }

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, source, language string) (remote.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, language+":"+source)
	if f.err != nil {
		return remote.ExecutionResult{}, f.err
	}
	return remote.ExecutionResult{Stdout: "ok\n", Output: "ok\n"}, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingConn struct {
	mu   sync.Mutex
	sent []session.Envelope
}

func (c *recordingConn) Send(env session.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *recordingConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for _, env := range c.sent {
		if env.Type == session.TypeEvent {
			names = append(names, env.Event.Name)
		}
	}
	return names
}

func syncGo(f func()) { f() }

func newRequester(t *testing.T, requireVote bool, others int, exec remote.Executor, opts vote.Options) (*vote.Machine, *engine.Engine, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	eng := engine.New(storage.NewDocument("req"), conn, engine.Author{ID: "u-req", Name: "req"})
	require.NoError(t, eng.UpdateSettings(func(s *domain.RoomSettings) { s.RequireVoteForCompilation = requireVote }))
	require.NoError(t, eng.CreateFile("main.py", "print('ok')"))
	if opts.Go == nil {
		opts.Go = syncGo
	}
	m := vote.New(eng, conn, exec, fixedParticipants(others), opts)
	return m, eng, conn
}

func TestQuorum(t *testing.T) {
	tests := []struct{ n, want int }{{0, 1}, {1, 1}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {10, 5}}
	for _, tc := range tests {
		assert.Equal(t, tc.want, vote.Quorum(tc.n), "n=%d", tc.n)
	}
}

func TestMachine_NoVoteRequiredCompilesDirectly(t *testing.T) {
	// Arrange
	exec := &fakeExecutor{}
	var states []vote.State
	var result vote.Result
	m, eng, conn := newRequester(t, false, 3, exec, vote.Options{
		OnState:  func(s vote.State) { states = append(states, s) },
		OnResult: func(r vote.Result) { result = r },
	})

	// Act
	err := m.RequestCompile("main.py")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []vote.State{vote.Compiling, vote.Idle}, states, "跳过投票阶段")
	assert.Equal(t, []string{"python:print('ok')"}, exec.calls)
	assert.Equal(t, []string{vote.EventResult}, conn.events())
	assert.Equal(t, "ok\n", result.Stdout)
	assert.Equal(t, "main.py", result.Path)
	last, ok := m.LastResult()
	require.True(t, ok)
	assert.Equal(t, result.RequestID, last.RequestID)
	assert.Zero(t, eng.Tally())
}

func TestMachine_QuorumProperty(t *testing.T) {
	// 对每个参与人数 N，验证在达到 ceil(N/2) 票之前不编译，恰好达到时编译
	for n := 1; n <= 7; n++ {
		t.Run(fmt.Sprintf("participants=%d", n), func(t *testing.T) {
			exec := &fakeExecutor{}
			m, eng, _ := newRequester(t, true, n-1, exec, vote.Options{})
			required := vote.Quorum(n)

			require.NoError(t, m.RequestCompile("main.py"))
			votes := 1 // 请求者自己的一票
			for votes < required {
				assert.Equal(t, vote.VotingInProgress, m.State(), "votes=%d", votes)
				assert.Zero(t, exec.count())

				voter := engine.New(storage.NewDocument(fmt.Sprintf("v%d", votes)), &recordingConn{},
					engine.Author{ID: fmt.Sprintf("u-v%d", votes)})
				require.NoError(t, voter.CastVote())
				eng.ApplyRemote(voter.Document().Log())
				votes++
			}
			assert.Equal(t, 1, exec.count(), "达到法定票数时恰好编译一次")
			assert.Equal(t, vote.Idle, m.State())
			assert.Zero(t, eng.Tally(), "结束后清空投票")
		})
	}
}

func TestMachine_DuplicateVotesDoNotCount(t *testing.T) {
	exec := &fakeExecutor{}
	m, eng, _ := newRequester(t, true, 3, exec, vote.Options{})
	require.NoError(t, m.RequestCompile("main.py"))

	// 请求者再次投票仍然只有一个键
	require.NoError(t, eng.CastVote())
	votes, required := m.Progress()
	assert.Equal(t, 1, votes)
	assert.Equal(t, 2, required)
	assert.Equal(t, vote.VotingInProgress, m.State())
}

func TestMachine_OwnVoteAlreadyPresentStillCompiles(t *testing.T) {
	// Arrange: 请求者在之前的提示中已经投过票
	exec := &fakeExecutor{}
	m, eng, _ := newRequester(t, true, 0, exec, vote.Options{})
	require.NoError(t, eng.CastVote())

	// Act
	err := m.RequestCompile("main.py")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, exec.count(), "单人房间自己的一票即达到法定票数")
	assert.Equal(t, vote.Idle, m.State())
	assert.Zero(t, eng.Tally())
}

func TestMachine_StaleVotesDoNotCountTowardsNewRound(t *testing.T) {
	// Arrange: 4 人房间，上一轮留下一张已离开成员的票
	exec := &fakeExecutor{}
	m, eng, _ := newRequester(t, true, 3, exec, vote.Options{})
	gone := engine.New(storage.NewDocument("gone"), &recordingConn{}, engine.Author{ID: "u-gone"})
	require.NoError(t, gone.CastVote())
	eng.ApplyRemote(gone.Document().Log())
	require.Equal(t, 1, eng.Tally())

	// Act
	require.NoError(t, m.RequestCompile("main.py"))

	// Assert
	assert.Equal(t, vote.VotingInProgress, m.State())
	assert.Zero(t, exec.count())
	assert.Equal(t, map[string]bool{"u-req": true}, eng.Votes(), "只剩本轮请求者的票")

	// 本轮第二张票到达后才编译
	voter := engine.New(storage.NewDocument("v1"), &recordingConn{}, engine.Author{ID: "u-v1"})
	voter.ApplyRemote(eng.Document().Log())
	require.NoError(t, voter.CastVote())
	eng.ApplyRemote(voter.Document().Log())
	assert.Equal(t, 1, exec.count())
	assert.Equal(t, vote.Idle, m.State())
}

func TestMachine_FailureReturnsToIdleWithoutBroadcast(t *testing.T) {
	// Arrange
	exec := &fakeExecutor{err: &remote.ServiceError{Service: "execution", Status: 502, Message: "down"}}
	var gotErr error
	m, eng, conn := newRequester(t, false, 0, exec, vote.Options{OnError: func(err error) { gotErr = err }})

	// Act
	err := m.RequestCompile("main.py")

	// Assert
	require.NoError(t, err, "异步失败不通过返回值报告")
	assert.Equal(t, vote.Idle, m.State())
	require.Error(t, gotErr)
	f, ok := engine.AsFailure(gotErr)
	require.True(t, ok)
	assert.Equal(t, engine.KindRemoteService, f.Kind)
	assert.True(t, errors.Is(gotErr, remote.ErrRemoteService))
	assert.Empty(t, conn.events(), "失败时不广播结果")
	_, ok = m.LastResult()
	assert.False(t, ok)
	assert.Zero(t, eng.Tally())
	assert.Equal(t, 1, exec.count(), "不自动重试")
}

func TestMachine_BusyAndMissingFile(t *testing.T) {
	var queued []func()
	m, _, _ := newRequester(t, false, 0, &fakeExecutor{}, vote.Options{Go: func(f func()) { queued = append(queued, f) }})

	require.NoError(t, m.RequestCompile("main.py"))
	assert.Equal(t, vote.Compiling, m.State())
	err := m.RequestCompile("main.py")
	require.Error(t, err)
	assert.ErrorIs(t, err, vote.ErrBusy)

	queued[0]()
	assert.Equal(t, vote.Idle, m.State())

	err = m.RequestCompile("nope.py")
	assert.ErrorIs(t, err, engine.ErrPathNotFound)
}

func TestMachine_HandleEvents(t *testing.T) {
	m, _, _ := newRequester(t, true, 1, &fakeExecutor{}, vote.Options{})

	req := vote.Request{ID: "r1", RequestedBy: "u-x", Path: "main.py"}
	ev, _ := session.NewEvent(vote.EventRequest, req)
	assert.True(t, m.HandleEvent(ev))
	got, ok := m.Incoming()
	require.True(t, ok)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, vote.Idle, m.State(), "收到请求不改变本地状态")

	res, _ := session.NewEvent(vote.EventResult, vote.Result{RequestID: "r1", ExecutionResult: remote.ExecutionResult{Output: "done"}})
	assert.True(t, m.HandleEvent(res))
	_, ok = m.Incoming()
	assert.False(t, ok, "结果到达后清除提示")
	last, _ := m.LastResult()
	assert.Equal(t, "done", last.Output)

	assert.False(t, m.HandleEvent(session.Event{Name: "reaction"}))
}

// voteHandler 把会话消息分派给引擎和状态机
type voteHandler struct {
	eng *engine.Engine
	m   *vote.Machine
}

func (h *voteHandler) HandleEnvelope(env session.Envelope) {
	switch env.Type {
	case session.TypeOp:
		h.eng.ApplyRemote(env.Ops)
	case session.TypeAck:
		h.eng.Ack(env.Acks)
	case session.TypeSnapshot:
		_ = h.eng.Resync(env.Snapshot.State)
	case session.TypeEvent:
		h.m.HandleEvent(*env.Event)
	}
}

func (h *voteHandler) HandleStatus(session.Status) {}

// 场景 3：4 个参与者，要求投票；1 人请求，再 1 人投票 (2/4 >= 2) 时自动进入 Compiling
func TestScenario_FourParticipantsTwoVotes(t *testing.T) {
	// Arrange
	net := sessiontest.NewNetwork("room-vote")
	exec := &fakeExecutor{}
	type peer struct {
		eng    *engine.Engine
		m      *vote.Machine
		states []vote.State
	}
	peers := map[string]*peer{}
	for _, id := range []string{"a", "b", "c", "d"} {
		p := &peer{}
		conn := net.Connect(id, "u-"+id, nil)
		p.eng = engine.New(storage.NewDocument(id), conn, engine.Author{ID: "u-" + id, Name: id})
		p.m = vote.New(p.eng, conn, exec, fixedParticipants(3), vote.Options{
			Go:      syncGo,
			OnState: func(s vote.State) { p.states = append(p.states, s) },
		})
		conn.Attach(&voteHandler{eng: p.eng, m: p.m})
		peers[id] = p
	}
	net.Settle()
	a, b := peers["a"], peers["b"]
	require.NoError(t, a.eng.UpdateSettings(func(s *domain.RoomSettings) { s.RequireVoteForCompilation = true }))
	require.NoError(t, a.eng.CreateFile("main.py", "print(42)"))
	net.Settle()

	// Act 1: a 发起请求
	require.NoError(t, a.m.RequestCompile("main.py"))
	net.Settle()

	// Assert 1
	assert.Equal(t, vote.VotingInProgress, a.m.State())
	assert.Zero(t, exec.count())
	for _, id := range []string{"b", "c", "d"} {
		_, ok := peers[id].m.Incoming()
		assert.True(t, ok, "%s 应收到投票提示", id)
		assert.Equal(t, vote.Idle, peers[id].m.State())
	}

	// Act 2: b 投票
	require.NoError(t, b.m.Vote())
	net.Settle()

	// Assert 2
	assert.Equal(t, []vote.State{vote.VotingInProgress, vote.Compiling, vote.Idle}, a.states)
	assert.Equal(t, 1, exec.count(), "只有请求者执行编译")
	for id, p := range peers {
		assert.Zero(t, p.eng.Tally(), "%s 的投票已清空", id)
		res, ok := p.m.LastResult()
		require.True(t, ok, "%s 应看到结果", id)
		assert.Equal(t, "ok\n", res.Stdout)
	}
	_, ok := b.m.Incoming()
	assert.False(t, ok)
}
