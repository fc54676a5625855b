// Package client 把一个会话连接装配成完整的房间客户端：
// 共享存储引擎、presence、编译投票都通过同一个注入的连接收发消息。
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/engine"
	"github.com/Dizro/Collaborative-Code-Editor/internal/presence"
	"github.com/Dizro/Collaborative-Code-Editor/internal/remote"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
	"github.com/Dizro/Collaborative-Code-Editor/internal/vote"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config 房间客户端配置
type Config struct {
	RoomID   string
	Author   engine.Author
	Self     domain.Presence
	Executor remote.Executor

	Presence presence.Options
	Vote     vote.Options
	Engine   []engine.Option

	// NoWelcome 为 true 时首次进入空房间不创建 welcome.md
	NoWelcome bool
	// SystemMessages 为 true 时在观察到成员加入/离开时写入系统消息
	SystemMessages bool

	OnStatus func(session.Status)
	OnError  func(error)
}

// Room 是一个房间的客户端副本，实现 session.Handler
type Room struct {
	cfg      Config
	Engine   *engine.Engine
	Presence *presence.Store
	Vote     *vote.Machine

	mu     sync.Mutex
	connID string
	status session.Status
	ready  chan struct{}
	synced bool

	log *logrus.Entry
}

// New 创建房间客户端，conn 是已经建立或正在建立的会话连接
func New(conn session.Sender, cfg Config) *Room {
	if conn == nil {
		panic("client.New: connection cannot be nil")
	}
	if cfg.Executor == nil {
		panic("client.New: executor cannot be nil")
	}
	if cfg.Author.ID == "" {
		panic("client.New: author id cannot be empty")
	}
	if cfg.Self.Username == "" {
		cfg.Self.Username = cfg.Author.Name
	}
	// 每个副本使用独立的 actor，同一用户的多个标签页也不会冲突
	doc := storage.NewDocument(cfg.Author.ID + "/" + uuid.NewString())
	eng := engine.New(doc, conn, cfg.Author, cfg.Engine...)
	pres := presence.NewStore(conn, cfg.Self, cfg.Presence)
	r := &Room{
		cfg:      cfg,
		Engine:   eng,
		Presence: pres,
		Vote:     vote.New(eng, conn, cfg.Executor, pres, cfg.Vote),
		status:   session.StatusConnecting,
		ready:    make(chan struct{}),
		log:      logrus.WithFields(logrus.Fields{"component": "client", "room_id": cfg.RoomID, "user_id": cfg.Author.ID}),
	}
	return r
}

// ConnectionID 返回中继分配的连接 ID，收到快照之前为空
func (r *Room) ConnectionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connID
}

// Status 返回最近的连接状态
func (r *Room) Status() session.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Ready 在收到第一个快照后关闭
func (r *Room) Ready() <-chan struct{} { return r.ready }

// WaitReady 等待第一个快照
func (r *Room) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for room %s: %w", r.cfg.RoomID, ctx.Err())
	}
}

// HandleEnvelope 分派入站消息
func (r *Room) HandleEnvelope(env session.Envelope) {
	logCtx := r.log.WithFields(logrus.Fields{"type": env.Type, "sender": env.Sender})
	switch env.Type {
	case session.TypeSnapshot:
		if env.Snapshot != nil {
			r.handleSnapshot(*env.Snapshot)
		}
	case session.TypeOp:
		r.Engine.ApplyRemote(env.Ops)
	case session.TypeAck:
		r.Engine.Ack(env.Acks)
	case session.TypePresence:
		if env.Presence != nil {
			r.Presence.ApplyRemote(env.Sender, env.UserID, *env.Presence)
		}
	case session.TypeJoin:
		r.Presence.Join(env.Sender, env.UserID)
		r.systemMessage(fmt.Sprintf("%s joined the room", env.UserID))
	case session.TypeLeave:
		name := env.UserID
		for _, o := range r.Presence.Others() {
			if o.ConnectionID == env.Sender && o.Presence.Username != "" {
				name = o.Presence.Username
			}
		}
		r.Presence.Remove(env.Sender)
		r.systemMessage(fmt.Sprintf("%s left the room", name))
	case session.TypeEvent:
		if env.Event == nil {
			return
		}
		if r.Vote.HandleEvent(*env.Event) {
			return
		}
		if env.Event.Name == presence.EventReaction {
			if err := r.Presence.ReceiveReaction(env.Sender, *env.Event); err != nil {
				logCtx.WithError(err).Warn("Bad reaction event")
			}
			return
		}
		logCtx.WithField("event", env.Event.Name).Debug("Ignoring unknown event")
	case session.TypeError:
		logCtx.WithField("error", env.Error).Warn("Relay reported an error")
		if r.cfg.OnError != nil {
			r.cfg.OnError(fmt.Errorf("relay: %s", env.Error))
		}
	default:
		logCtx.Debug("Ignoring envelope")
	}
}

func (r *Room) handleSnapshot(snap session.Snapshot) {
	r.mu.Lock()
	r.connID = snap.ConnectionID
	first := !r.synced
	r.synced = true
	r.mu.Unlock()

	if err := r.Engine.Resync(snap.State); err != nil {
		r.log.WithError(err).Error("Failed to merge room snapshot")
		r.report(err)
	}
	r.Presence.Reset(snap.Peers)
	if !r.cfg.NoWelcome {
		if created, err := r.Engine.EnsureWelcomeFile(len(snap.Peers)); err != nil {
			r.log.WithError(err).Warn("Failed to create welcome file")
		} else if created {
			r.log.Info("Created welcome file in empty room")
		}
	}
	if err := r.Presence.Resend(); err != nil {
		r.log.WithError(err).Debug("Presence resend deferred")
	}
	if first {
		close(r.ready)
	}
}

// HandleStatus 记录连接状态，重连后补发未确认的操作
func (r *Room) HandleStatus(s session.Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
	r.log.WithField("status", s.String()).Debug("Session status changed")

	if s == session.StatusConnected {
		if err := r.Engine.Reconnected(); err != nil {
			r.log.WithError(err).Warn("Failed to resend pending operations")
		}
	}
	if r.cfg.OnStatus != nil {
		r.cfg.OnStatus(s)
	}
}

func (r *Room) systemMessage(text string) {
	if !r.cfg.SystemMessages || !r.Engine.Settings().EnableTextChat {
		return
	}
	if _, err := r.Engine.PostSystemMessage(text); err != nil {
		r.log.WithError(err).Debug("System message not posted")
	}
}

func (r *Room) report(err error) {
	if r.cfg.OnError != nil {
		r.cfg.OnError(err)
	}
}

// Close 停止 presence 定时器
func (r *Room) Close() {
	r.Presence.Close()
}
