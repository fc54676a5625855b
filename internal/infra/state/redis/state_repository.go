package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
)

const (
	// historyLimit 每个房间在 Redis 中保留的最近操作数
	historyLimit = 200
	// counterTTL 操作计数器的过期时间，房间长期无人时自动清除
	counterTTL = 24 * time.Hour
	// subscriptionBuffer 订阅转发通道的缓冲大小
	subscriptionBuffer = 256
)

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "cce:"
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// --- Key Generation Helpers ---
func (r *RedisStateRepository) roomSeqKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:seq", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomOpCountKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:op_count", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomHistoryKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:ops", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomSnapshotCacheKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:snapshot", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomLastSnapshotKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:last_snapshot", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) roomPubSubChannel(roomID string) string {
	return fmt.Sprintf("%sroom:%s:pubsub", r.keyPrefix, roomID)
}

func (r *RedisStateRepository) activeRoomsKey() string {
	return r.keyPrefix + "rooms:active"
}

// --- Sequencing ---

// NextSeq 原子地分配 n 个顺序号，返回最后一个
func (r *RedisStateRepository) NextSeq(ctx context.Context, roomID string, n int) (uint64, error) {
	if n <= 0 {
		return r.GetCurrentSeq(ctx, roomID)
	}
	key := r.roomSeqKey(roomID)
	last, err := r.client.IncrBy(ctx, key, int64(n)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: failed to increment seq for room %s on key %s: %w", roomID, key, err)
	}
	return uint64(last), nil
}

// GetCurrentSeq 获取房间当前的最新顺序号
func (r *RedisStateRepository) GetCurrentSeq(ctx context.Context, roomID string) (uint64, error) {
	key := r.roomSeqKey(roomID)
	s, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil // Key 不存在视为 0
		}
		return 0, fmt.Errorf("redis: failed to get seq for room %s from %s: %w", roomID, key, err)
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: failed to parse seq '%s' for room %s: %w", s, roomID, err)
	}
	return seq, nil
}

// --- Counters ---

// IncrementOpCount 原子地增加房间的操作计数器
func (r *RedisStateRepository) IncrementOpCount(ctx context.Context, roomID string, n int) (int64, error) {
	key := r.roomOpCountKey(roomID)
	pipe := r.client.Pipeline()
	incr := pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis: failed to increment op count for room %s on key %s: %w", roomID, key, err)
	}
	return incr.Val(), nil
}

// GetOpCount 获取自上次快照以来的操作数
func (r *RedisStateRepository) GetOpCount(ctx context.Context, roomID string) (int64, error) {
	key := r.roomOpCountKey(roomID)
	n, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: failed to get op count for room %s from %s: %w", roomID, key, err)
	}
	return n, nil
}

// ResetOpCount 重置房间的操作计数器
func (r *RedisStateRepository) ResetOpCount(ctx context.Context, roomID string) error {
	key := r.roomOpCountKey(roomID)
	if err := r.client.Set(ctx, key, "0", counterTTL).Err(); err != nil {
		return fmt.Errorf("redis: failed to reset op count for room %s on key %s: %w", roomID, key, err)
	}
	return nil
}

// --- Operation History ---

// PushHistory 追加操作并裁剪到最近 historyLimit 条
func (r *RedisStateRepository) PushHistory(ctx context.Context, roomID string, records []domain.OperationRecord) error {
	if len(records) == 0 {
		return nil
	}
	key := r.roomHistoryKey(roomID)
	values := make([]interface{}, 0, len(records))
	for _, rec := range records {
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("redis: failed to marshal operation %s for history: %w", rec.OpID, err)
		}
		values = append(values, string(b))
	}
	pipe := r.client.Pipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, -historyLimit, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to push history for room %s on key %s: %w", roomID, key, err)
	}
	return nil
}

// GetRecentHistory 获取最近的 limit 条操作
func (r *RedisStateRepository) GetRecentHistory(ctx context.Context, roomID string, limit int) ([]domain.OperationRecord, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	key := r.roomHistoryKey(roomID)
	items, err := r.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get history for room %s from %s: %w", roomID, key, err)
	}
	records := make([]domain.OperationRecord, 0, len(items))
	for _, item := range items {
		var rec domain.OperationRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			logrus.WithField("room_id", roomID).WithError(err).Warn("redis: skipping unreadable history entry")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// --- Snapshot Caching ---

// GetSnapshotCache 尝试从 Redis 缓存中获取快照
func (r *RedisStateRepository) GetSnapshotCache(ctx context.Context, roomID string) (*domain.Snapshot, error) {
	key := r.roomSnapshotCacheKey(roomID)
	s, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("redis: failed to get snapshot cache for room %s from %s: %w", roomID, key, err)
	}
	var snapshot domain.Snapshot
	if err := json.Unmarshal([]byte(s), &snapshot); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal snapshot cache for room %s: %w", roomID, err)
	}
	return &snapshot, nil
}

// SetSnapshotCache 将快照存入 Redis 缓存
func (r *RedisStateRepository) SetSnapshotCache(ctx context.Context, roomID string, snapshot *domain.Snapshot, ttl time.Duration) error {
	key := r.roomSnapshotCacheKey(roomID)
	b, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal snapshot for cache (room %s, version %d): %w", roomID, snapshot.Version, err)
	}
	if err := r.client.Set(ctx, key, string(b), ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set snapshot cache for room %s on key %s: %w", roomID, key, err)
	}
	return nil
}

// --- Rate Limiting ---

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	key = r.keyPrefix + "ratelimit:" + key
	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: pipeline failed for rate limit check on key %s: %w", key, err)
	}
	return incr.Val() > int64(limit), nil
}

// --- PubSub ---

// Publish 将信封发布到房间频道
func (r *RedisStateRepository) Publish(ctx context.Context, roomID string, payload []byte) error {
	channel := r.roomPubSubChannel(roomID)
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"channel":      channel,
			"payload_size": len(payload),
			"room_id":      roomID,
		}).WithError(err).Error("Redis Publish failed")
		return fmt.Errorf("redis: failed to publish to channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe 订阅房间频道，返回前确认订阅已生效
func (r *RedisStateRepository) Subscribe(ctx context.Context, roomID string) (repository.Subscription, error) {
	channel := r.roomPubSubChannel(roomID)
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: failed to subscribe to channel %s: %w", channel, err)
	}
	sub := &subscription{ps: ps, out: make(chan []byte, subscriptionBuffer)}
	go sub.forward()
	return sub, nil
}

type subscription struct {
	ps        *redis.PubSub
	out       chan []byte
	closeOnce sync.Once
}

func (s *subscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- []byte(msg.Payload)
	}
}

func (s *subscription) Channel() <-chan []byte { return s.out }

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.ps.Close() })
	return err
}

// --- Snapshot Worker State ---

// GetLastSnapshotTime 获取上次快照的时间
func (r *RedisStateRepository) GetLastSnapshotTime(ctx context.Context, roomID string) (time.Time, error) {
	key := r.roomLastSnapshotKey(roomID)
	ms, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("redis: failed to get last snapshot time for room %s: %w", roomID, err)
	}
	return time.UnixMilli(ms), nil
}

// SetLastSnapshotTime 记录上次快照的时间
func (r *RedisStateRepository) SetLastSnapshotTime(ctx context.Context, roomID string, timestamp time.Time, ttl time.Duration) error {
	key := r.roomLastSnapshotKey(roomID)
	if err := r.client.Set(ctx, key, timestamp.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("redis: failed to set last snapshot time for room %s: %w", roomID, err)
	}
	return nil
}

// --- Active Rooms ---

// MarkRoomActive 把房间加入活跃集合
func (r *RedisStateRepository) MarkRoomActive(ctx context.Context, roomID string) error {
	if err := r.client.SAdd(ctx, r.activeRoomsKey(), roomID).Err(); err != nil {
		return fmt.Errorf("redis: failed to mark room %s active: %w", roomID, err)
	}
	return nil
}

// GetActiveRooms 返回活跃房间集合
func (r *RedisStateRepository) GetActiveRooms(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.activeRoomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list active rooms: %w", err)
	}
	return ids, nil
}

// CleanupRoomState 删除房间的计数器和最近操作历史，并移出活跃集合。
// 顺序号和快照缓存保留，房间重新打开后顺序号继续递增，并能直接从缓存恢复。
func (r *RedisStateRepository) CleanupRoomState(ctx context.Context, roomID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx,
		r.roomOpCountKey(roomID),
		r.roomHistoryKey(roomID),
		r.roomLastSnapshotKey(roomID),
	)
	pipe.SRem(ctx, r.activeRoomsKey(), roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: failed to cleanup state for room %s: %w", roomID, err)
	}
	return nil
}
