// Package sessiontest 提供内存中的会话网络，供测试在不启动真实中继的情况下
// 连接多个客户端。投递是排队的，测试通过 Settle 显式推进，结果完全确定。
package sessiontest

import (
	"fmt"
	"sync"

	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
)

// Network 是一个房间的内存中继
type Network struct {
	Relay *session.Relay

	mu    sync.Mutex
	conns []*Conn
}

// NewNetwork 创建一个空房间
func NewNetwork(roomID string) *Network {
	return &Network{Relay: session.NewRelay(roomID, storage.NewDocument("relay-"+roomID))}
}

// Conn 是一个客户端连接，同时实现 session.Sender 和 session.Member
type Conn struct {
	net     *Network
	id      string
	userID  string
	handler session.Handler

	mu     sync.Mutex
	inbox  []session.Envelope
	online bool
	// Sent 记录所有成功发出的信封，便于断言
	Sent []session.Envelope
}

// Connect 创建连接并加入房间，handler 可以稍后通过 Attach 设置
func (n *Network) Connect(connID, userID string, h session.Handler) *Conn {
	c := &Conn{net: n, id: connID, userID: userID, handler: h}
	n.mu.Lock()
	n.conns = append(n.conns, c)
	n.mu.Unlock()
	c.Online()
	return c
}

// Attach 设置入站处理器
func (c *Conn) Attach(h session.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Conn) ConnectionID() string { return c.id }
func (c *Conn) UserID() string       { return c.userID }

// Deliver 把消息放入收件箱，等待 Settle 投递
func (c *Conn) Deliver(env session.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.online {
		return false
	}
	c.inbox = append(c.inbox, env)
	return true
}

// Send 把信封交给中继；离线时返回 session.ErrTransportUnavailable
func (c *Conn) Send(env session.Envelope) error {
	c.mu.Lock()
	online := c.online
	c.mu.Unlock()
	if !online {
		return session.ErrTransportUnavailable
	}
	if _, err := c.net.Relay.Handle(c.id, env); err != nil {
		return fmt.Errorf("sessiontest: relay rejected envelope: %w", err)
	}
	c.mu.Lock()
	c.Sent = append(c.Sent, env)
	c.mu.Unlock()
	return nil
}

// Offline 模拟断线：中继广播 leave，之后 Send 失败
func (c *Conn) Offline() {
	c.mu.Lock()
	c.online = false
	c.inbox = nil
	h := c.handler
	c.mu.Unlock()
	c.net.Relay.Leave(c.id)
	if h != nil {
		h.HandleStatus(session.StatusDisconnected)
	}
}

// Online 模拟 (重新) 连接：加入房间并收到快照，然后通知 Connected
func (c *Conn) Online() {
	c.mu.Lock()
	c.online = true
	h := c.handler
	c.mu.Unlock()
	c.net.Relay.Join(c)
	if h != nil {
		h.HandleStatus(session.StatusConnected)
	}
}

// Pending 返回尚未投递的入站消息数
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbox)
}

// DeliverOne 投递收件箱里最早的一条消息，返回是否有消息
func (c *Conn) DeliverOne() bool {
	c.mu.Lock()
	if len(c.inbox) == 0 || c.handler == nil {
		c.mu.Unlock()
		return false
	}
	env := c.inbox[0]
	c.inbox = c.inbox[1:]
	h := c.handler
	c.mu.Unlock()
	h.HandleEnvelope(env)
	return true
}

// Settle 反复投递所有连接的收件箱直到全部为空
func (n *Network) Settle() {
	for {
		n.mu.Lock()
		conns := append([]*Conn(nil), n.conns...)
		n.mu.Unlock()
		progressed := false
		for _, c := range conns {
			for c.DeliverOne() {
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}
