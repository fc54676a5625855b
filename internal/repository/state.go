package repository

import (
	"context"
	"time"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
)

// Subscription 是对房间频道的订阅
type Subscription interface {
	// Channel 返回收到的原始消息，订阅关闭后通道被关闭
	Channel() <-chan []byte
	Close() error
}

// StateRepository 定义了与房间实时状态相关的操作，通常由 Redis 实现。
type StateRepository interface {
	// === Sequencing ===

	// NextSeq 原子地为房间分配 n 个连续顺序号，返回最后一个。
	NextSeq(ctx context.Context, roomID string, n int) (uint64, error)

	// GetCurrentSeq 获取房间当前的最新顺序号，没有记录时为 0。
	GetCurrentSeq(ctx context.Context, roomID string) (uint64, error)

	// === Counters ===

	// IncrementOpCount 原子地把房间的操作计数器增加 n，返回新值。
	IncrementOpCount(ctx context.Context, roomID string, n int) (int64, error)

	// GetOpCount 获取自上次快照以来的操作数。
	GetOpCount(ctx context.Context, roomID string) (int64, error)

	// ResetOpCount 重置房间的操作计数器（通常在生成快照后调用）。
	ResetOpCount(ctx context.Context, roomID string) error

	// === Operation History ===

	// PushHistory 把操作追加到房间的最近操作队列，并保持队列长度。
	PushHistory(ctx context.Context, roomID string, records []domain.OperationRecord) error

	// GetRecentHistory 获取最近的 limit 条操作，按顺序号升序。
	GetRecentHistory(ctx context.Context, roomID string, limit int) ([]domain.OperationRecord, error)

	// === Snapshot Caching ===

	// GetSnapshotCache 尝试从缓存中获取快照，未命中返回 ErrNotFound。
	GetSnapshotCache(ctx context.Context, roomID string) (*domain.Snapshot, error)

	// SetSnapshotCache 将快照存入缓存，ttl 为 0 表示不过期。
	SetSnapshotCache(ctx context.Context, roomID string, snapshot *domain.Snapshot, ttl time.Duration) error

	// === Rate Limiting ===

	// CheckRateLimit 递增 key 的计数，超过 limit 时返回 true。
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// === PubSub ===

	// Publish 把已处理的信封发布到房间频道，供其他实例转发。
	Publish(ctx context.Context, roomID string, payload []byte) error

	// Subscribe 订阅房间频道。
	Subscribe(ctx context.Context, roomID string) (Subscription, error)

	// === Snapshot Worker State ===

	// GetLastSnapshotTime 获取上次快照的时间，没有记录时返回零值。
	GetLastSnapshotTime(ctx context.Context, roomID string) (time.Time, error)

	// SetLastSnapshotTime 记录上次快照的时间。
	SetLastSnapshotTime(ctx context.Context, roomID string, timestamp time.Time, ttl time.Duration) error

	// === Active Rooms ===

	// MarkRoomActive 记录房间在本实例上有连接。
	MarkRoomActive(ctx context.Context, roomID string) error

	// GetActiveRooms 返回所有实例上记录过的活跃房间。
	GetActiveRooms(ctx context.Context) ([]string, error)

	// CleanupRoomState 清理房间相关的实时状态 (保留顺序号)。
	CleanupRoomState(ctx context.Context, roomID string) error
}
