package session

import (
	"fmt"
	"sync"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
	"github.com/sirupsen/logrus"
)

// Member 是中继视角下的一个房间连接。Deliver 必须是非阻塞的，
// 返回 false 表示消息被丢弃 (例如发送队列已满)。
type Member interface {
	ConnectionID() string
	UserID() string
	Deliver(env Envelope) bool
}

type memberState struct {
	member   Member
	presence *domain.Presence
}

// Relay 是一个房间的中继核心：在同一把锁内合并并转发操作，
// 从而给出全房间一致的投递顺序；按操作 ID 去重，并向发送方回执。
// 它不关心底层连接是 WebSocket 还是内存管道。
type Relay struct {
	mu      sync.Mutex
	roomID  string
	doc     *storage.Document
	members map[string]*memberState
	order   []string // 加入顺序，用于稳定的 Peers 输出
	log     *logrus.Entry
}

// NewRelay 以 doc 作为房间的权威副本创建中继
func NewRelay(roomID string, doc *storage.Document) *Relay {
	if doc == nil {
		panic("session.NewRelay: document cannot be nil")
	}
	return &Relay{
		roomID:  roomID,
		doc:     doc,
		members: make(map[string]*memberState),
		log:     logrus.WithFields(logrus.Fields{"component": "relay", "room_id": roomID}),
	}
}

// Document 返回中继持有的房间副本
func (r *Relay) Document() *storage.Document { return r.doc }

// Len 返回当前连接数
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Peers 返回当前连接及其最近的 presence，按加入顺序
func (r *Relay) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peersLocked("")
}

// Join 把连接加入房间：先给它发送初始快照 (文档状态 + 其他人的 presence)，
// 再通知其他成员。同一连接 ID 重复加入会替换旧的 Member。
func (r *Relay) Join(m Member) Snapshot {
	connID := m.ConnectionID()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[connID]; !exists {
		r.order = append(r.order, connID)
	}
	r.members[connID] = &memberState{member: m}

	snap := Snapshot{
		ConnectionID: connID,
		State:        r.doc.State(),
		Peers:        r.peersLocked(connID),
	}
	if !m.Deliver(Envelope{Type: TypeSnapshot, Snapshot: &snap}) {
		r.log.WithField("conn_id", connID).Warn("Snapshot dropped, member send queue full")
	}
	r.broadcastLocked(connID, Envelope{Type: TypeJoin, Sender: connID, UserID: m.UserID()})
	r.log.WithFields(logrus.Fields{"conn_id": connID, "user_id": m.UserID(), "members": len(r.members)}).Info("Member joined")
	return snap
}

// Leave 移除连接并广播 leave，使其他副本清除它的 presence。
func (r *Relay) Leave(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.members[connID]
	if !ok {
		return false
	}
	delete(r.members, connID)
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.broadcastLocked(connID, Envelope{Type: TypeLeave, Sender: connID, UserID: st.member.UserID()})
	r.log.WithFields(logrus.Fields{"conn_id": connID, "members": len(r.members)}).Info("Member left")
	return true
}

// Handle 处理成员发来的信封，返回本次新合并的操作 (重复的不包含)。
func (r *Relay) Handle(connID string, env Envelope) ([]storage.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.members[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, connID)
	}
	logCtx := r.log.WithFields(logrus.Fields{"conn_id": connID, "type": env.Type})

	switch env.Type {
	case TypeOp:
		fresh, acks := r.mergeLocked(env.Ops, logCtx)
		if len(acks) > 0 {
			st.member.Deliver(Envelope{Type: TypeAck, Acks: acks})
		}
		if len(fresh) > 0 {
			r.broadcastLocked(connID, Envelope{Type: TypeOp, Sender: connID, UserID: st.member.UserID(), Ops: fresh})
		}
		return fresh, nil

	case TypePresence:
		if env.Presence == nil {
			return nil, fmt.Errorf("%w: presence envelope without record", ErrMalformed)
		}
		p := env.Presence.Clone()
		st.presence = &p
		r.broadcastLocked(connID, Envelope{Type: TypePresence, Sender: connID, UserID: st.member.UserID(), Presence: &p})
		return nil, nil

	case TypeEvent:
		if env.Event == nil {
			return nil, fmt.Errorf("%w: event envelope without event", ErrMalformed)
		}
		r.broadcastLocked(connID, Envelope{Type: TypeEvent, Sender: connID, UserID: st.member.UserID(), Event: env.Event})
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, env.Type)
}

// ApplyExternal 处理来自其他中继实例的信封 (已由源实例完成去重和回执)，
// 投递给本实例的全部成员。
func (r *Relay) ApplyExternal(env Envelope) []storage.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, local := r.members[env.Sender]; local {
		// 本实例发出的消息经由 pub/sub 回到自己
		return nil
	}
	switch env.Type {
	case TypeOp:
		fresh, _ := r.mergeLocked(env.Ops, r.log.WithField("source", "external"))
		if len(fresh) == 0 {
			return nil
		}
		env.Ops = fresh
		r.broadcastLocked("", env)
		return fresh
	case TypePresence, TypeEvent, TypeJoin, TypeLeave:
		r.broadcastLocked("", env)
	}
	return nil
}

// mergeLocked 合并操作，返回新操作和需要回执的 ID (重复和非法的操作也回执，避免客户端无限重传)。
func (r *Relay) mergeLocked(ops []storage.Operation, logCtx *logrus.Entry) ([]storage.Operation, []string) {
	var fresh []storage.Operation
	acks := make([]string, 0, len(ops))
	for _, op := range ops {
		if op.ID == "" {
			logCtx.Warn("Dropping operation without id")
			continue
		}
		acks = append(acks, op.ID)
		if r.doc.Applied(op.ID) {
			continue
		}
		if _, err := r.doc.ApplyRemote(op); err != nil {
			logCtx.WithError(err).WithField("op_id", op.ID).Warn("Rejected invalid operation")
			continue
		}
		fresh = append(fresh, op)
	}
	return fresh, acks
}

func (r *Relay) broadcastLocked(except string, env Envelope) {
	for _, id := range r.order {
		if id == except {
			continue
		}
		st := r.members[id]
		if !st.member.Deliver(env) {
			r.log.WithFields(logrus.Fields{"conn_id": id, "type": env.Type}).Warn("Member send queue full, message dropped")
		}
	}
}

func (r *Relay) peersLocked(except string) []Peer {
	peers := make([]Peer, 0, len(r.order))
	for _, id := range r.order {
		if id == except {
			continue
		}
		st := r.members[id]
		peer := Peer{ConnectionID: id, UserID: st.member.UserID()}
		if st.presence != nil {
			p := st.presence.Clone()
			peer.Presence = &p
		}
		peers = append(peers, peer)
	}
	return peers
}
