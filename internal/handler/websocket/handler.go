package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	httphandler "github.com/Dizro/Collaborative-Code-Editor/internal/handler/http"
	"github.com/Dizro/Collaborative-Code-Editor/internal/hub"
	"github.com/Dizro/Collaborative-Code-Editor/internal/middleware"
	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
)

// WebSocketHandler 负责处理 WebSocket 升级请求和客户端注册
type WebSocketHandler struct {
	upgrader      websocket.Upgrader
	hub           *hub.Hub
	collabService *service.CollaborationService
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。allowedOrigin 为空或 "*" 时不检查来源。
func NewWebSocketHandler(h *hub.Hub, collabService *service.CollaborationService, allowedOrigin string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if collabService == nil {
		panic("CollaborationService cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}

	return &WebSocketHandler{upgrader: upgrader, hub: h, collabService: collabService}
}

// HandleConnection 处理 WebSocket 连接请求
// URL 预期格式: /ws/room/{roomId}
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		logrus.Warn("WS Handler: Identity not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	roomID := c.Param("roomId")
	logCtx := logrus.WithFields(logrus.Fields{"user_id": identity.ID, "room_id": roomID})

	if !service.ValidRoomID(roomID) {
		logCtx.Warn("WS Handler: Invalid room ID format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room ID format"})
		return
	}

	// 升级前先打开房间并检查准入，失败时还能返回普通的 HTTP 错误。
	// Hub 注册时会再检查一次。
	relay, err := h.collabService.OpenRoom(c.Request.Context(), roomID)
	if err != nil {
		logCtx.WithError(err).Error("WS Handler: Failed to open room")
		httphandler.HandleServiceError(c, err)
		return
	}
	if err := h.collabService.Admit(relay, identity.ID); err != nil {
		logCtx.WithError(err).Info("WS Handler: Join rejected")
		httphandler.HandleServiceError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误响应
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}

	client := hub.NewClient(h.hub, conn, roomID, identity)
	if !h.hub.QueueMessage(hub.HubMessage{Type: hub.MsgRegister, Client: client}) {
		logCtx.Error("WS Handler: Hub message channel full, failed to register client")
		client.CloseConn()
		return
	}
	client.Run()
	logCtx.WithField("conn_id", client.ConnectionID()).Info("WS Handler: Client connected")
}
