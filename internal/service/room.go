package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
)

const (
	// DefaultNewRoomName 显式创建房间时未给名称使用的默认名
	DefaultNewRoomName = "Untitled Room"
	// MaxRoomUsers 房间人数上限的最大允许值
	MaxRoomUsers = 50
)

// roomIDPattern 外部传入的房间 ID 只允许这些字符
var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RoomService 负责房间元数据相关的业务逻辑。
type RoomService struct {
	roomRepo repository.RoomRepository
	now      func() time.Time
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(roomRepo repository.RoomRepository) *RoomService {
	if roomRepo == nil {
		panic("RoomRepository cannot be nil for RoomService")
	}
	return &RoomService{roomRepo: roomRepo, now: time.Now}
}

// ValidRoomID 检查房间 ID 格式
func ValidRoomID(id string) bool { return roomIDPattern.MatchString(id) }

// CreateRoom 以 settings 创建新房间，ID 形如 room-xxxxxxxxxx。
func (s *RoomService) CreateRoom(ctx context.Context, creatorID string, settings domain.RoomSettings) (*domain.Room, domain.RoomSettings, error) {
	logCtx := logrus.WithField("creator_id", creatorID)

	settings = normalizeSettings(settings)
	id, err := s.generateUniqueRoomID(ctx)
	if err != nil {
		logCtx.WithError(err).Error("Failed to generate unique room id")
		return nil, settings, ErrInternalServer
	}
	logCtx = logCtx.WithField("room_id", id)

	room := &domain.Room{ID: id, CreatorID: creatorID, LastActive: s.now()}
	if err := room.SetSettings(settings); err != nil {
		logCtx.WithError(err).Error("Failed to encode room settings")
		return nil, settings, ErrInternalServer
	}
	if err := s.roomRepo.Create(ctx, room); err != nil {
		logCtx.WithError(err).Error("Failed to save new room to database")
		return nil, settings, ErrInternalServer
	}

	logCtx.WithField("private", settings.IsPrivate).Info("Room created successfully")
	return room, settings, nil
}

// GetOrCreateRoom 返回房间，不存在时以默认设置创建 (首次加入即创建)。
// created 表示本次调用是否创建了房间。
func (s *RoomService) GetOrCreateRoom(ctx context.Context, roomID string) (room *domain.Room, created bool, err error) {
	logCtx := logrus.WithField("room_id", roomID)
	if !ValidRoomID(roomID) {
		return nil, false, fmt.Errorf("%w: malformed room id", ErrInvalidInput)
	}

	room, err = s.roomRepo.FindByID(ctx, roomID)
	if err == nil {
		return room, false, nil
	}
	if !errors.Is(err, repository.ErrRoomNotFound) {
		logCtx.WithError(err).Error("GetOrCreateRoom: Repository error")
		return nil, false, ErrInternalServer
	}

	room = &domain.Room{ID: roomID, LastActive: s.now()}
	if err := room.SetSettings(domain.DefaultRoomSettings()); err != nil {
		return nil, false, ErrInternalServer
	}
	if err := s.roomRepo.Create(ctx, room); err != nil {
		if errors.Is(err, repository.ErrDuplicateEntry) {
			// 并发的首次加入，另一方已经创建
			existing, findErr := s.roomRepo.FindByID(ctx, roomID)
			if findErr == nil {
				return existing, false, nil
			}
			err = findErr
		}
		logCtx.WithError(err).Error("GetOrCreateRoom: Failed to create room")
		return nil, false, ErrInternalServer
	}
	logCtx.Info("Room created on first join")
	return room, true, nil
}

// FindRoomByID 查找房间，不存在返回 ErrRoomNotFound
func (s *RoomService) FindRoomByID(ctx context.Context, roomID string) (*domain.Room, error) {
	logCtx := logrus.WithField("room_id", roomID)
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			logCtx.Debug("FindRoomByID: Room not found")
			return nil, ErrRoomNotFound
		}
		logCtx.WithError(err).Error("FindRoomByID: Repository error")
		return nil, ErrInternalServer
	}
	return room, nil
}

// TouchRoom 更新房间的最后活跃时间，失败只记录日志
func (s *RoomService) TouchRoom(ctx context.Context, roomID string) {
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Debug("TouchRoom: room not loaded")
		return
	}
	room.LastActive = s.now()
	if err := s.roomRepo.Save(ctx, room); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("TouchRoom: failed to save last active time")
	}
}

// normalizeSettings 填充缺省名称并把人数上限限制在 [1, MaxRoomUsers]
func normalizeSettings(settings domain.RoomSettings) domain.RoomSettings {
	settings.RoomName = strings.TrimSpace(settings.RoomName)
	if settings.RoomName == "" {
		settings.RoomName = DefaultNewRoomName
	}
	if settings.MaxUsers <= 0 {
		settings.MaxUsers = domain.DefaultRoomSettings().MaxUsers
	}
	if settings.MaxUsers > MaxRoomUsers {
		settings.MaxUsers = MaxRoomUsers
	}
	if settings.AllowedUsers == nil {
		settings.AllowedUsers = []string{}
	}
	return settings
}

// generateUniqueRoomID 生成未被占用的房间 ID
func (s *RoomService) generateUniqueRoomID(ctx context.Context) (string, error) {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ_-"
	const idLength = 10
	const maxAttempts = 10

	b := make([]byte, idLength)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for i := range b {
			b[i] = letters[int(b[i])%len(letters)]
		}
		id := "room-" + string(b)

		exists, err := s.roomRepo.Exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("database error checking room id: %w", err)
		}
		if !exists {
			return id, nil
		}
		logrus.WithField("room_id", id).Warnf("Generated room id already exists, retrying (attempt %d)...", attempt+1)
	}
	return "", fmt.Errorf("failed to generate a unique room id after %d attempts", maxAttempts)
}
