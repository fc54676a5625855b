package repository

import (
	"context"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
)

// SnapshotRepository 定义了快照数据在持久化存储（数据库）中的操作。
type SnapshotRepository interface {
	// GetLatestSnapshot 获取指定房间的最新快照记录，没有快照时返回 ErrSnapshotNotFound。
	GetLatestSnapshot(ctx context.Context, roomID string) (*domain.Snapshot, error)

	// SaveSnapshot 保存快照记录到数据库。
	SaveSnapshot(ctx context.Context, snapshot *domain.Snapshot) error
}
