// Package session 定义客户端与中继之间的会话通道：
// JSON 信封格式、组件依赖的发送接口、房间中继核心以及基于 WebSocket 的客户端传输。
package session

import (
	"encoding/json"
	"fmt"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
)

// MessageType 信封类型
type MessageType string

const (
	TypeOp       MessageType = "op"       // 共享存储操作
	TypePresence MessageType = "presence" // 完整的 presence 记录
	TypeEvent    MessageType = "event"    // 临时广播事件 (投票、反应)
	TypeJoin     MessageType = "join"     // 有连接加入房间
	TypeLeave    MessageType = "leave"    // 有连接离开房间
	TypeSnapshot MessageType = "snapshot" // 加入时的初始同步
	TypeAck      MessageType = "ack"      // 中继确认收到的操作 ID
	TypeError    MessageType = "error"    // 中继拒绝了请求
)

var knownTypes = map[MessageType]bool{
	TypeOp: true, TypePresence: true, TypeEvent: true, TypeJoin: true,
	TypeLeave: true, TypeSnapshot: true, TypeAck: true, TypeError: true,
}

// Envelope 是会话通道上传输的唯一消息形状
type Envelope struct {
	Type     MessageType         `json:"type"`
	Sender   string              `json:"sender,omitempty"` // 源连接 ID，由中继填写
	UserID   string              `json:"userId,omitempty"`
	Ops      []storage.Operation `json:"ops,omitempty"`
	Presence *domain.Presence    `json:"presence,omitempty"`
	Event    *Event              `json:"event,omitempty"`
	Snapshot *Snapshot           `json:"snapshot,omitempty"`
	Acks     []string            `json:"acks,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// Event 是应用层的临时广播事件
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent 构造事件，payload 编码为 JSON
func NewEvent(name string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("session: marshal event %s: %w", name, err)
	}
	return Event{Name: name, Payload: raw}, nil
}

// Decode 把事件负载解码到 v
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("session: event %s has no payload", e.Name)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("session: decode event %s: %w", e.Name, err)
	}
	return nil
}

// Peer 描述房间里的另一个连接
type Peer struct {
	ConnectionID string           `json:"connectionId"`
	UserID       string           `json:"userId"`
	Presence     *domain.Presence `json:"presence,omitempty"`
}

// Snapshot 是加入房间时中继发给新连接的初始状态
type Snapshot struct {
	ConnectionID string        `json:"connectionId"`
	State        storage.State `json:"state"`
	Peers        []Peer        `json:"peers"`
}

// Encode 序列化信封
func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("session: encode %s envelope: %w", env.Type, err)
	}
	return b, nil
}

// Decode 解析信封并检查类型
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !knownTypes[env.Type] {
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, string(env.Type))
	}
	return env, nil
}
