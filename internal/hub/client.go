package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
)

// sendBuffer 每个客户端发送队列的长度
const sendBuffer = 256

// Client 代表一个连接到 Hub 的 WebSocket 客户端，同时是房间中继的成员。
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	roomID   string
	connID   string
	identity domain.Identity

	mu     sync.Mutex // 保护 send 的关闭
	closed bool
	send   chan []byte
}

// NewClient 创建一个新的 Client 实例，连接 ID 随机生成
func NewClient(hub *Hub, conn *websocket.Conn, roomID string, identity domain.Identity) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		roomID:   roomID,
		connID:   "conn-" + uuid.NewString(),
		identity: identity,
		send:     make(chan []byte, sendBuffer),
	}
}

func (c *Client) RoomID() string            { return c.roomID }
func (c *Client) ConnectionID() string      { return c.connID }
func (c *Client) UserID() string            { return c.identity.ID }
func (c *Client) Identity() domain.Identity { return c.identity }

// Deliver 编码信封并非阻塞地放入发送队列，队列已满或已关闭时返回 false。
func (c *Client) Deliver(env session.Envelope) bool {
	data, err := session.Encode(env)
	if err != nil {
		c.logCtx().WithError(err).Error("Failed to encode envelope")
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend 关闭发送队列，WritePump 随后发送关闭帧并退出。重复调用是安全的。
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) logCtx() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"room_id": c.roomID, "conn_id": c.connID, "user_id": c.identity.ID})
}

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// ReadPump 把 WebSocket 上的信封交给 Hub，在自己的 goroutine 中运行。
func (c *Client) ReadPump() {
	defer func() {
		if !c.hub.submit(HubMessage{Type: MsgUnregister, Client: c}, time.Second) {
			c.logCtx().Warn("Timeout sending unregister message to Hub channel")
		}
		c.conn.Close()
		c.logCtx().Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logCtx().WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.logCtx().Debug("WebSocket connection closed normally or read error")
			}
			break
		}
		if messageType != websocket.TextMessage {
			c.logCtx().Debugf("Received non-text message type: %d", messageType)
			continue
		}

		env, err := session.Decode(message)
		if err != nil {
			c.logCtx().WithError(err).Warn("Dropping malformed envelope")
			c.Deliver(session.Envelope{Type: session.TypeError, Error: err.Error()})
			continue
		}
		// 中继只信任连接自身的身份
		env.Sender, env.UserID = c.connID, c.identity.ID

		// 队列满时等待，而不是丢弃操作
		if !c.hub.submit(HubMessage{Type: MsgEnvelope, Client: c, Envelope: env}, writeWait) {
			c.logCtx().Warn("Hub message channel full, dropping client message")
		}
	}
}

// WritePump 把发送队列中的消息写到 WebSocket，并定期发送 Ping。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logCtx().Debug("writePump exited")
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了 send 通道
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logCtx().WithError(err).Warn("Failed to write message to websocket")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logCtx().WithError(err).Warn("Failed to send ping message")
				return
			}
		}
	}
}

// CloseConn 关闭底层连接，ReadPump 随后退出并注销客户端
func (c *Client) CloseConn() { c.conn.Close() }
