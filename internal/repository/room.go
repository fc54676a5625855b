package repository

import (
	"context"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
)

// RoomRepository 定义了房间元数据的存储和检索操作。
type RoomRepository interface {
	// FindByID 根据房间 ID 查找房间，不存在时返回 ErrRoomNotFound。
	FindByID(ctx context.Context, id string) (*domain.Room, error)

	// Create 插入新房间，ID 冲突时返回 ErrDuplicateEntry。
	Create(ctx context.Context, room *domain.Room) error

	// Save 保存房间信息 (存在则更新)。
	Save(ctx context.Context, room *domain.Room) error

	// FindAllActive 根据一组房间 ID 查询房间列表，主要用于快照任务。
	FindAllActive(ctx context.Context, roomIDs []string) ([]domain.Room, error)

	// Exists 检查房间 ID 是否已被占用。
	Exists(ctx context.Context, id string) (bool, error)
}
