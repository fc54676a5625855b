package hub

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// 导入仓库会在一个信封里带上大量操作
	maxMessageSize = 8 << 20

	// 单次记录/发布的超时
	effectTimeout = 5 * time.Second
)

// 消息类型
const (
	MsgRegister   = "register"
	MsgUnregister = "unregister"
	MsgEnvelope   = "message"
)

// HubMessage 定义了在 Hub 内部通道传递的消息
type HubMessage struct {
	Type     string           // MsgRegister / MsgUnregister / MsgEnvelope
	Client   *Client          // 消息来源的客户端
	Envelope session.Envelope // 仅用于 MsgEnvelope
}

// effect 是中继处理之后需要的 IO：记录操作并发布给其他实例
type effect struct {
	roomID string
	userID string
	ops    []storage.Operation
	env    session.Envelope
}

// Hub 维护本实例的 WebSocket 客户端，并在单个循环中把它们的消息交给房间中继，
// 从而保持每个连接的消息顺序。记录和发布在另一个 goroutine 里按顺序执行，不阻塞循环。
type Hub struct {
	messageChan chan HubMessage
	effects     chan effect

	// map[roomID]map[*Client]bool
	rooms   map[string]map[*Client]bool
	roomsMu sync.RWMutex

	collabService *service.CollaborationService

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(collabService *service.CollaborationService) *Hub {
	if collabService == nil {
		panic("CollaborationService cannot be nil for Hub")
	}
	return &Hub{
		messageChan:   make(chan HubMessage, 1024),
		effects:       make(chan effect, 4096),
		rooms:         make(map[string]map[*Client]bool),
		collabService: collabService,
		done:          make(chan struct{}),
	}
}

// Run 启动 Hub 的主事件处理循环，应在单独的 goroutine 中运行，Stop 后返回。
func (h *Hub) Run() {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")

	h.wg.Add(1)
	go h.runEffects()

	for {
		select {
		case msg := <-h.messageChan:
			switch msg.Type {
			case MsgRegister:
				h.registerClient(msg.Client)
			case MsgUnregister:
				h.unregisterClient(msg.Client)
			case MsgEnvelope:
				h.handleEnvelope(msg.Client, msg.Envelope)
			default:
				log.Warnf("Hub: Received unknown message type: %s", msg.Type)
			}
		case <-h.done:
			h.closeAllClients()
			log.Info("Hub is shutting down...")
			return
		}
	}
}

// registerClient 把客户端加入房间中继，失败时通知客户端并关闭连接
func (h *Hub) registerClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return
	}
	logCtx := client.logCtx().WithField("action", "registerClient")

	// 先登记再加入中继：快照一旦投递，ClientCount 已经包含该客户端
	h.roomsMu.Lock()
	if _, ok := h.rooms[client.RoomID()]; !ok {
		h.rooms[client.RoomID()] = make(map[*Client]bool)
	}
	h.rooms[client.RoomID()][client] = true
	h.roomsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()
	if _, err := h.collabService.JoinRoom(ctx, client.RoomID(), client); err != nil {
		logCtx.WithError(err).Warn("Failed to join room")
		h.forget(client)
		client.Deliver(session.Envelope{Type: session.TypeError, Error: err.Error()})
		client.closeSend()
		return
	}

	h.queueEffect(effect{
		roomID: client.RoomID(),
		env:    session.Envelope{Type: session.TypeJoin, Sender: client.ConnectionID(), UserID: client.UserID()},
	})
	logCtx.Info("Client registered to Hub")
}

// unregisterClient 先移出中继再关闭 send 通道，中继之后不会再向它投递
func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return
	}
	roomID := client.RoomID()
	logCtx := client.logCtx().WithField("action", "unregisterClient")

	if !h.forget(client) {
		// 注册失败的客户端也会走到这里
		client.closeSend()
		logCtx.Debug("Client not registered, nothing to remove")
		return
	}

	if h.collabService.LeaveRoom(roomID, client.ConnectionID()) {
		h.queueEffect(effect{
			roomID: roomID,
			env:    session.Envelope{Type: session.TypeLeave, Sender: client.ConnectionID(), UserID: client.UserID()},
		})
	}
	client.closeSend()
	logCtx.Info("Client unregistered from Hub")
}

// forget 把客户端移出本实例的房间表，返回它之前是否在表中
func (h *Hub) forget(client *Client) bool {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	roomClients, ok := h.rooms[client.RoomID()]
	if !ok || !roomClients[client] {
		return false
	}
	delete(roomClients, client)
	if len(roomClients) == 0 {
		delete(h.rooms, client.RoomID())
		client.logCtx().Info("Room empty on this instance")
	}
	return true
}

// handleEnvelope 把客户端的信封交给中继，并把结果排入 effects
func (h *Hub) handleEnvelope(client *Client, env session.Envelope) {
	logCtx := client.logCtx().WithField("type", env.Type)

	fresh, err := h.collabService.HandleMessage(client.RoomID(), client.ConnectionID(), env)
	if err != nil {
		logCtx.WithError(err).Warn("Relay rejected message")
		client.Deliver(session.Envelope{Type: session.TypeError, Error: err.Error()})
		return
	}

	out := session.Envelope{Type: env.Type, Sender: client.ConnectionID(), UserID: client.UserID()}
	switch env.Type {
	case session.TypeOp:
		if len(fresh) == 0 {
			return
		}
		out.Ops = fresh
	case session.TypePresence:
		out.Presence = env.Presence
	case session.TypeEvent:
		out.Event = env.Event
	}
	h.queueEffect(effect{roomID: client.RoomID(), userID: client.UserID(), ops: fresh, env: out})
}

func (h *Hub) queueEffect(e effect) {
	select {
	case h.effects <- e:
	default:
		logrus.WithFields(logrus.Fields{"room_id": e.roomID, "type": e.env.Type}).
			Error("Hub effects queue full, dropping record/publish")
	}
}

// runEffects 按入队顺序记录操作并发布给其他实例
func (h *Hub) runEffects() {
	defer h.wg.Done()
	for {
		select {
		case e := <-h.effects:
			h.applyEffect(e)
		case <-h.done:
			// 尽量把已经入队的记录完
			for {
				select {
				case e := <-h.effects:
					h.applyEffect(e)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) applyEffect(e effect) {
	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()
	if len(e.ops) > 0 {
		if err := h.collabService.RecordOps(ctx, e.roomID, e.userID, e.ops); err != nil {
			logrus.WithField("room_id", e.roomID).WithError(err).Error("Failed to record operations")
		}
	}
	_ = h.collabService.Publish(ctx, e.roomID, e.env)
}

func (h *Hub) closeAllClients() {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	for roomID, clients := range h.rooms {
		for client := range clients {
			h.collabService.LeaveRoom(roomID, client.ConnectionID())
			client.closeSend()
		}
		delete(h.rooms, roomID)
	}
}

// --- 公共方法 ---

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)，队列已满返回 false。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case h.messageChan <- msg:
		return true
	default:
		logrus.WithField("message_type", msg.Type).Warn("Hub message channel full, dropping message")
		return false
	}
}

// submit 等待最多 timeout 把消息放入队列，Hub 已停止时返回 false
func (h *Hub) submit(msg HubMessage, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case h.messageChan <- msg:
		return true
	case <-h.done:
		return false
	case <-timer.C:
		return false
	}
}

// ClientCount 返回房间在本实例上的客户端数量
func (h *Hub) ClientCount(roomID string) int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms[roomID])
}

// Stop 停止主循环，断开所有客户端并等待已排队的记录完成，然后关闭房间订阅。
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		h.collabService.Close()
	})
}
