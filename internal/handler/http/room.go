package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/middleware"
	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
)

// RoomHandler 封装了与房间管理相关的 HTTP 处理逻辑
type RoomHandler struct {
	roomService   *service.RoomService
	collabService *service.CollaborationService
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, collabService *service.CollaborationService) *RoomHandler {
	if roomService == nil || collabService == nil {
		panic("RoomService and CollaborationService cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService, collabService: collabService}
}

// CreateRoomResponse 定义创建房间成功的响应结构体
type CreateRoomResponse struct {
	RoomID   string              `json:"roomId"`
	URL      string              `json:"url"`
	Settings domain.RoomSettings `json:"settings"`
}

// RoomResponse 查询房间的响应
type RoomResponse struct {
	ID       string              `json:"id"`
	Settings domain.RoomSettings `json:"settings"`
}

// CreateRoom 创建新房间，请求体中的设置覆盖默认值
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	settings := domain.DefaultRoomSettings()
	settings.RoomName = service.DefaultNewRoomName
	if err := c.ShouldBindJSON(&settings); err != nil && !errors.Is(err, io.EOF) {
		logrus.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}

	creatorID := ""
	if identity, ok := middleware.IdentityFrom(c); ok {
		creatorID = identity.ID
	}
	logCtx := logrus.WithField("user_id", creatorID)

	room, normalized, err := h.roomService.CreateRoom(c.Request.Context(), creatorID, settings)
	if err != nil {
		logCtx.WithError(err).Error("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("room_id", room.ID).Info("Handler.CreateRoom: Room created successfully")
	c.JSON(http.StatusOK, CreateRoomResponse{
		RoomID:   room.ID,
		URL:      "/rooms/" + room.ID,
		Settings: normalized,
	})
}

// GetRoom 返回房间设置，房间不存在时按默认设置创建
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	logCtx := logrus.WithField("room_id", roomID)

	// 已打开的房间以共享存储中的设置为准
	if live, ok := h.collabService.LiveSettings(roomID); ok {
		c.JSON(http.StatusOK, RoomResponse{ID: roomID, Settings: live})
		return
	}

	room, created, err := h.roomService.GetOrCreateRoom(c.Request.Context(), roomID)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.GetRoom: Failed to load room")
		HandleServiceError(c, err)
		return
	}
	if created {
		logCtx.Info("Handler.GetRoom: Room created with default settings")
	}

	settings, err := room.ParseSettings()
	if err != nil {
		logCtx.WithError(err).Error("Handler.GetRoom: Stored settings are corrupt")
		HandleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, RoomResponse{ID: room.ID, Settings: settings})
}
