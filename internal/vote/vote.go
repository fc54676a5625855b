// Package vote 实现编译投票状态机：Idle -> VotingInProgress -> Compiling -> Idle。
// 票数记录在共享存储的 compilationVotes 容器中 (每个投票者一个键)，
// 请求和结果通过临时广播事件通知其他成员。
package vote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dizro/Collaborative-Code-Editor/internal/engine"
	"github.com/Dizro/Collaborative-Code-Editor/internal/remote"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	EventRequest = "compilation-request"
	EventResult  = "compilation-result"
)

// ErrBusy 已经有一轮投票或编译在进行
var ErrBusy = errors.New("compilation already in progress")

// State 状态机的状态
type State int

const (
	Idle State = iota
	VotingInProgress
	Compiling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case VotingInProgress:
		return "VotingInProgress"
	case Compiling:
		return "Compiling"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Request 是 compilation-request 事件的负载
type Request struct {
	ID          string `json:"id"`
	RequestedBy string `json:"requestedBy"`
	Username    string `json:"username"`
	Path        string `json:"path"`
	Language    string `json:"language"`
	Timestamp   int64  `json:"timestamp"`
}

// Result 是 compilation-result 事件的负载
type Result struct {
	RequestID   string `json:"requestId"`
	RequestedBy string `json:"requestedBy"`
	Path        string `json:"path"`
	remote.ExecutionResult
	Timestamp int64 `json:"timestamp"`
}

// Participants 返回房间中其他连接的数量
type Participants interface {
	Count() int
}

// Quorum 返回 n 个参与者时需要的赞成票数 ceil(n/2)，至少为 1
func Quorum(n int) int {
	if n < 1 {
		n = 1
	}
	return (n + 1) / 2
}

// Options 配置 Machine
type Options struct {
	// Go 运行编译任务，默认新开 goroutine；测试可以同步执行
	Go      func(func())
	Timeout time.Duration
	Now     func() time.Time

	OnState  func(State)
	OnPrompt func(Request)
	OnResult func(Result)
	OnError  func(error)
}

// Machine 是一个客户端上的投票状态机
type Machine struct {
	eng    *engine.Engine
	conn   session.Sender
	exec   remote.Executor
	others Participants
	opts   Options

	mu       sync.Mutex
	state    State
	request  *Request // 本地发起且尚未结束的请求
	incoming *Request // 其他人发起、等待本地投票的请求
	last     *Result

	log *logrus.Entry
}

// New 创建状态机并订阅投票容器
func New(eng *engine.Engine, conn session.Sender, exec remote.Executor, others Participants, opts Options) *Machine {
	if eng == nil || conn == nil || exec == nil || others == nil {
		panic("vote.New: engine, connection, executor and participants are required")
	}
	if opts.Go == nil {
		opts.Go = func(f func()) { go f() }
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Machine{
		eng:    eng,
		conn:   conn,
		exec:   exec,
		others: others,
		opts:   opts,
		log:    logrus.WithFields(logrus.Fields{"component": "vote", "user_id": eng.Author().ID}),
	}
	eng.OnVotesChange(m.evaluate)
	return m
}

// State 返回当前状态
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Progress 返回当前赞成票数和所需票数
func (m *Machine) Progress() (votes, required int) {
	return m.eng.Tally(), Quorum(m.others.Count() + 1)
}

// Incoming 返回等待本地响应的投票请求
func (m *Machine) Incoming() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming == nil {
		return Request{}, false
	}
	return *m.incoming, true
}

// LastResult 返回最近一次编译结果
func (m *Machine) LastResult() (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Result{}, false
	}
	return *m.last, true
}

// RequestCompile 请求编译 path。房间要求投票时进入 VotingInProgress 并投出自己的一票，
// 否则直接进入 Compiling。
func (m *Machine) RequestCompile(path string) error {
	entry, ok := m.eng.File(path)
	if !ok || entry.IsDir() {
		return &engine.Failure{Kind: engine.KindPathNotFound, Op: "compile", Path: path, Err: engine.ErrPathNotFound}
	}
	author := m.eng.Author()
	req := Request{
		ID:          uuid.NewString(),
		RequestedBy: author.ID,
		Username:    author.Name,
		Path:        path,
		Language:    entry.Language,
		Timestamp:   m.opts.Now().UnixMilli(),
	}

	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		return &engine.Failure{Kind: engine.KindInvalidInput, Op: "compile", Path: path, Err: ErrBusy}
	}
	m.request = &req
	voting := m.eng.Settings().RequireVoteForCompilation
	if !voting {
		m.state = Compiling
		m.mu.Unlock()
		m.emitState(Compiling)
		m.opts.Go(func() { m.compile(req) })
		return nil
	}
	m.state = VotingInProgress
	m.mu.Unlock()
	m.emitState(VotingInProgress)

	// 上一轮未结束留下的票不计入本轮；先于请求事件发出，保证其他成员的新票排在删除之后
	if err := m.eng.ClearVotes(); err != nil {
		m.reset()
		return err
	}
	ev, err := session.NewEvent(EventRequest, req)
	if err == nil {
		if err := m.conn.Send(session.Envelope{Type: session.TypeEvent, Event: &ev}); err != nil {
			m.log.WithError(err).Warn("Compilation request broadcast failed")
		}
	}
	if err := m.eng.CastVote(); err != nil {
		m.reset()
		return err
	}
	// 票值未变时存储不会通知，这里显式检查一次；单人房间在这里就达到法定票数
	m.evaluate()
	return nil
}

// Vote 响应其他人的投票请求
func (m *Machine) Vote() error {
	m.mu.Lock()
	m.incoming = nil
	m.mu.Unlock()
	return m.eng.CastVote()
}

// HandleEvent 处理其他成员广播的投票相关事件，其他事件返回 false
func (m *Machine) HandleEvent(ev session.Event) bool {
	switch ev.Name {
	case EventRequest:
		var req Request
		if err := ev.Decode(&req); err != nil {
			m.log.WithError(err).Warn("Bad compilation request event")
			return true
		}
		m.mu.Lock()
		m.incoming = &req
		m.mu.Unlock()
		if m.opts.OnPrompt != nil {
			m.opts.OnPrompt(req)
		}
		return true
	case EventResult:
		var res Result
		if err := ev.Decode(&res); err != nil {
			m.log.WithError(err).Warn("Bad compilation result event")
			return true
		}
		m.mu.Lock()
		m.last = &res
		if m.incoming != nil && m.incoming.ID == res.RequestID {
			m.incoming = nil
		}
		m.mu.Unlock()
		if m.opts.OnResult != nil {
			m.opts.OnResult(res)
		}
		return true
	}
	return false
}

// evaluate 在投票容器变化时检查是否达到法定票数
func (m *Machine) evaluate() {
	m.mu.Lock()
	if m.state != VotingInProgress || m.request == nil {
		m.mu.Unlock()
		return
	}
	votes, required := m.Progress()
	if votes < required {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"votes": votes, "required": required}).Debug("Waiting for votes")
		return
	}
	m.state = Compiling
	req := *m.request
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"votes": votes, "required": required}).Info("Quorum reached, compiling")
	m.emitState(Compiling)
	m.opts.Go(func() { m.compile(req) })
}

func (m *Machine) compile(req Request) {
	entry, ok := m.eng.File(req.Path)
	if !ok {
		m.finishWithError(req, &engine.Failure{Kind: engine.KindPathNotFound, Op: "compile", Path: req.Path, Err: engine.ErrPathNotFound})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()
	out, err := m.exec.Execute(ctx, entry.Content, entry.Language)
	if err != nil {
		m.finishWithError(req, &engine.Failure{Kind: engine.KindRemoteService, Op: "compile", Path: req.Path, Err: err})
		return
	}

	res := Result{RequestID: req.ID, RequestedBy: req.RequestedBy, Path: req.Path, ExecutionResult: out, Timestamp: m.opts.Now().UnixMilli()}
	ev, err := session.NewEvent(EventResult, res)
	if err == nil {
		if err := m.conn.Send(session.Envelope{Type: session.TypeEvent, Event: &ev}); err != nil {
			m.log.WithError(err).Warn("Compilation result broadcast failed")
		}
	}
	if err := m.eng.ClearVotes(); err != nil {
		m.log.WithError(err).Warn("Failed to clear votes")
	}
	m.mu.Lock()
	m.last = &res
	m.mu.Unlock()
	m.reset()
	if m.opts.OnResult != nil {
		m.opts.OnResult(res)
	}
}

// finishWithError 回到 Idle，只在本地报告错误，不广播结果，也不自动重试
func (m *Machine) finishWithError(req Request, err error) {
	m.log.WithError(err).WithField("request_id", req.ID).Warn("Compilation failed")
	if cerr := m.eng.ClearVotes(); cerr != nil {
		m.log.WithError(cerr).Warn("Failed to clear votes")
	}
	m.reset()
	if m.opts.OnError != nil {
		m.opts.OnError(err)
	}
}

func (m *Machine) reset() {
	m.mu.Lock()
	m.state = Idle
	m.request = nil
	m.mu.Unlock()
	m.emitState(Idle)
}

func (m *Machine) emitState(s State) {
	if m.opts.OnState != nil {
		m.opts.OnState(s)
	}
}
