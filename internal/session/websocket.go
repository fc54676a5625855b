package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer. 快照包含全部文件内容，所以比较大。
	maxMessageSize = 8 << 20
)

// WebSocketConfig 配置客户端 WebSocket 传输
type WebSocketConfig struct {
	URL          string      // 例如 ws://localhost:8080/ws/room/room-abc?token=...
	Header       http.Header // 握手时附带的请求头 (Authorization)
	Dialer       *websocket.Dialer
	ReconnectMin time.Duration // 首次重连等待，默认 500ms
	ReconnectMax time.Duration // 最大重连等待，默认 10s
	SendBuffer   int           // 发送队列长度，默认 256
}

// WebSocketTransport 是会话通道的 WebSocket 实现，断线后自动重连。
// 断线期间 Send 返回 ErrTransportUnavailable，由调用方 (引擎) 负责排队重发。
type WebSocketTransport struct {
	cfg WebSocketConfig
	log *logrus.Entry

	mu        sync.Mutex
	send      chan []byte
	connected bool
	closed    bool
}

// NewWebSocketTransport 创建传输，调用 Run 后才开始连接
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &WebSocketTransport{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{"component": "ws-transport"}),
	}
}

// Send 把信封放入当前连接的发送队列 (非阻塞)
func (t *WebSocketTransport) Send(env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if !t.connected {
		return ErrTransportUnavailable
	}
	select {
	case t.send <- data:
		return nil
	default:
		return ErrTransportUnavailable
	}
}

// Connected 返回当前是否已连接
func (t *WebSocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Run 建立连接并在断线后按指数退避重连，直到 ctx 结束。
// 入站信封和状态变化在 Run 的 goroutine 中同步回调 h。
func (t *WebSocketTransport) Run(ctx context.Context, h Handler) error {
	defer func() {
		t.mu.Lock()
		t.closed = true
		t.connected = false
		t.mu.Unlock()
	}()

	backoff := t.cfg.ReconnectMin
	for {
		h.HandleStatus(StatusConnecting)
		conn, _, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.WithError(err).WithField("retry_in", backoff).Warn("Dial failed")
			h.HandleStatus(StatusDisconnected)
		} else {
			backoff = t.cfg.ReconnectMin
			err = t.serve(ctx, conn, h)
			h.HandleStatus(StatusDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.WithError(err).Info("Connection lost, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > t.cfg.ReconnectMax {
			backoff = t.cfg.ReconnectMax
		}
	}
}

// serve 运行一条连接的读写泵，任意一方退出即关闭连接
func (t *WebSocketTransport) serve(ctx context.Context, conn *websocket.Conn, h Handler) error {
	send := make(chan []byte, t.cfg.SendBuffer)
	t.mu.Lock()
	t.send = send
	t.connected = true
	t.mu.Unlock()
	h.HandleStatus(StatusConnected)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.readPump(conn, h) })
	g.Go(func() error { return t.writePump(gctx, conn, send) })
	// 任一泵退出后关闭连接，让另一个也退出
	g.Go(func() error {
		<-gctx.Done()
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		return conn.Close()
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *WebSocketTransport) readPump(conn *websocket.Conn, h Handler) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := Decode(data)
		if err != nil {
			t.log.WithError(err).Warn("Dropping malformed envelope")
			continue
		}
		h.HandleEnvelope(env)
	}
}

func (t *WebSocketTransport) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
