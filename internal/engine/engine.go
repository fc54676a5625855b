// Package engine 是变更引擎：把用户意图翻译成共享存储操作，
// 乐观地应用到本地副本，排队交给会话通道，并合并远端操作。
//
// 本地写入永不回滚。如果远端的并发写入在 LWW 比较中胜出，
// 即使本地那条操作仍在等待回执，可见值也会被远端值替换。
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Author 标识本地用户，用于 lastEditedBy、聊天和投票
type Author struct {
	ID   string
	Name string
}

// Option 配置 Engine
type Option func(*Engine)

// WithClock 替换时间来源 (测试用)
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMessageIDs 替换聊天消息 ID 的生成函数
func WithMessageIDs(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newMessageID = gen
		}
	}
}

type pendingOp struct {
	op   storage.Operation
	sent bool
}

// Engine 持有本地副本和出站队列
type Engine struct {
	doc    *storage.Document
	conn   session.Sender
	author Author

	now          func() time.Time
	newMessageID func() string

	mu      sync.Mutex
	pending []pendingOp // 按提交顺序排列，收到回执后移除

	sendMu sync.Mutex // 串行化发送，保持每个发送方的 FIFO 顺序
	log    *logrus.Entry
}

// New 创建引擎。连接对象显式注入，不依赖全局客户端。
func New(doc *storage.Document, conn session.Sender, author Author, opts ...Option) *Engine {
	if doc == nil {
		panic("engine.New: document cannot be nil")
	}
	if conn == nil {
		panic("engine.New: connection cannot be nil")
	}
	e := &Engine{
		doc:          doc,
		conn:         conn,
		author:       author,
		now:          time.Now,
		newMessageID: uuid.NewString,
		log: logrus.WithFields(logrus.Fields{
			"component": "engine",
			"conn_id":   doc.Actor(),
			"user_id":   author.ID,
		}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Document 返回本地副本
func (e *Engine) Document() *storage.Document { return e.doc }

// Author 返回本地用户
func (e *Engine) Author() Author { return e.author }

// Pending 返回尚未被中继确认的本地操作数
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Converged 表示没有等待确认的本地操作
func (e *Engine) Converged() bool { return e.Pending() == 0 }

// apply 把一组操作应用到本地副本并提交。任何一条非法都会在应用前返回错误。
func (e *Engine) apply(ops ...storage.Operation) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	applied := make([]storage.Operation, 0, len(ops))
	for _, op := range ops {
		done, err := e.doc.ApplyLocal(op)
		if err != nil {
			return err
		}
		applied = append(applied, done)
	}
	e.mu.Lock()
	for _, op := range applied {
		e.pending = append(e.pending, pendingOp{op: op})
	}
	e.mu.Unlock()

	if err := e.Flush(); err != nil {
		// 本地状态依然有效，操作留在队列里等待恢复
		e.log.WithError(err).WithField("queued", e.Pending()).Debug("Operations queued while transport unavailable")
	}
	return nil
}

// Flush 把所有尚未发送的操作作为一个信封发送。
// 传输不可用时返回 KindTransportUnavailable 的 *Failure，操作保留在队列中。
func (e *Engine) Flush() error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	var batch []storage.Operation
	for _, p := range e.pending {
		if !p.sent {
			batch = append(batch, p.op)
		}
	}
	e.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := e.conn.Send(session.Envelope{Type: session.TypeOp, Ops: batch}); err != nil {
		return &Failure{Kind: KindTransportUnavailable, Op: "flush", Err: fmt.Errorf("%w: %v", session.ErrTransportUnavailable, err)}
	}

	sent := make(map[string]struct{}, len(batch))
	for _, op := range batch {
		sent[op.ID] = struct{}{}
	}
	e.mu.Lock()
	for i := range e.pending {
		if _, ok := sent[e.pending[i].op.ID]; ok {
			e.pending[i].sent = true
		}
	}
	e.mu.Unlock()
	e.log.WithField("ops", len(batch)).Debug("Operations sent")
	return nil
}

// Ack 处理中继回执，移除已确认的操作
func (e *Engine) Ack(ids []string) {
	if len(ids) == 0 {
		return
	}
	acked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}
	e.mu.Lock()
	kept := e.pending[:0]
	for _, p := range e.pending {
		if _, ok := acked[p.op.ID]; !ok {
			kept = append(kept, p)
		}
	}
	e.pending = kept
	e.mu.Unlock()
}

// Reconnected 在传输恢复后调用：所有未确认的操作按原顺序重发。
// 中继按 ID 去重，所以重复发送是安全的。
func (e *Engine) Reconnected() error {
	e.mu.Lock()
	for i := range e.pending {
		e.pending[i].sent = false
	}
	n := len(e.pending)
	e.mu.Unlock()
	if n > 0 {
		e.log.WithField("ops", n).Info("Resending unacknowledged operations")
	}
	return e.Flush()
}

// ApplyRemote 合并其他副本的操作。非法操作被记录并跳过，不会影响其余操作。
func (e *Engine) ApplyRemote(ops []storage.Operation) int {
	changed := 0
	for _, op := range ops {
		ok, err := e.doc.ApplyRemote(op)
		if err != nil {
			e.log.WithError(err).WithField("op_id", op.ID).Warn("Ignoring invalid remote operation")
			continue
		}
		if ok {
			changed++
		}
	}
	return changed
}

// Resync 合并中继发来的完整状态 (加入或重连时的快照)
func (e *Engine) Resync(st storage.State) error {
	n, err := e.doc.Merge(st)
	if err != nil {
		return fmt.Errorf("engine: resync: %w", err)
	}
	e.log.WithField("changed", n).Debug("Merged snapshot")
	return nil
}

func (e *Engine) nowMillis() int64 { return e.now().UnixMilli() }
