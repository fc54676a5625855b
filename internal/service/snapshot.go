package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
)

const (
	// snapshotCacheTTL 快照在 Redis 中的缓存时间
	snapshotCacheTTL = 30 * time.Minute
	// lastSnapshotTTL 上次快照时间的记录保留时长
	lastSnapshotTTL = 24 * time.Hour
)

// RoomStateSource 提供房间在本实例上的权威副本状态
type RoomStateSource interface {
	RoomState(roomID string) (storage.State, bool)
}

// SnapshotService 负责房间共享存储快照的加载和生成。
type SnapshotService struct {
	snapshotRepo repository.SnapshotRepository // DB 操作
	stateRepo    repository.StateRepository    // Redis 缓存和计数器
	now          func() time.Time
}

// NewSnapshotService 创建 SnapshotService 实例。
func NewSnapshotService(snapshotRepo repository.SnapshotRepository, stateRepo repository.StateRepository) *SnapshotService {
	if snapshotRepo == nil || stateRepo == nil {
		panic("All repositories must be non-nil for SnapshotService")
	}
	return &SnapshotService{snapshotRepo: snapshotRepo, stateRepo: stateRepo, now: time.Now}
}

// LoadRoomState 返回房间最新的快照状态及其包含的最后顺序号。
// 缓存优先，数据库备用，数据库命中后异步回填缓存；都没有时返回空状态和 0。
func (s *SnapshotService) LoadRoomState(ctx context.Context, roomID string) (storage.State, uint64, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "operation": "LoadRoomState"})

	// 1. Redis 缓存
	cached, err := s.stateRepo.GetSnapshotCache(ctx, roomID)
	switch {
	case err == nil && cached != nil:
		st, parseErr := storage.DecodeState(cached.Data)
		if parseErr == nil {
			logCtx.WithField("version", cached.Version).Debug("Snapshot cache hit")
			return st, cached.Version, nil
		}
		// 缓存数据损坏，继续从 DB 获取
		logCtx.WithError(parseErr).Error("Failed to decode snapshot state from cache")
	case errors.Is(err, repository.ErrNotFound):
		logCtx.Debug("Snapshot cache miss")
	case err != nil:
		logCtx.WithError(err).Warn("Failed to get snapshot from cache")
	}

	// 2. 数据库
	snap, err := s.snapshotRepo.GetLatestSnapshot(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrSnapshotNotFound) {
			logCtx.Info("No snapshot found in database, starting from empty state")
			st, _ := storage.DecodeState("")
			return st, 0, nil
		}
		logCtx.WithError(err).Error("Failed to get latest snapshot from database")
		return storage.State{}, 0, ErrInternalServer
	}
	st, err := storage.DecodeState(snap.Data)
	if err != nil {
		logCtx.WithError(err).Error("Failed to decode snapshot state from database")
		return storage.State{}, 0, ErrInternalServer
	}

	logCtx.WithField("version", snap.Version).Info("Snapshot loaded from database")
	// 3. 异步回填缓存
	go func(toCache domain.Snapshot) {
		if err := s.stateRepo.SetSnapshotCache(context.Background(), toCache.RoomID, &toCache, snapshotCacheTTL); err != nil {
			logrus.WithFields(logrus.Fields{"room_id": toCache.RoomID, "version": toCache.Version}).
				WithError(err).Warn("Failed to warm snapshot cache after DB load")
		}
	}(*snap)

	return st, snap.Version, nil
}

// CheckAndGenerateSnapshot 检查房间自上次快照以来的操作数和时间间隔，满足条件时生成快照。
// 返回是否生成了快照。
func (s *SnapshotService) CheckAndGenerateSnapshot(ctx context.Context, roomID string, source RoomStateSource) (bool, error) {
	logCtx := logrus.WithField("room_id", roomID)

	// 1. 自上次快照以来的操作数
	opCount, err := s.stateRepo.GetOpCount(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Error("Failed to get op count since last snapshot")
		return false, ErrInternalServer
	}
	if opCount == 0 {
		logCtx.Debug("No new operations since last snapshot")
		return false, nil
	}
	lastTime, err := s.stateRepo.GetLastSnapshotTime(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to get last snapshot time, treating as never")
		lastTime = time.Time{}
	}

	// 2. 计算快照间隔并判断是否需要生成
	interval := calculateSnapshotInterval(int(opCount))
	if !s.shouldGenerateSnapshot(lastTime, interval) {
		logCtx.Debugf("Snapshot condition not met (Last: %s, Interval: %s, OpsSince: %d)",
			lastTime.Format(time.RFC3339), interval, opCount)
		return false, nil
	}

	logCtx.Info("Snapshot condition met, attempting to generate snapshot.")
	if err := s.generateSnapshot(ctx, roomID, source); err != nil {
		logCtx.WithError(err).Error("Snapshot generation failed.")
		return false, err
	}
	return true, nil
}

// FlushRoom 在房间有未快照的操作时立即生成快照，不考虑间隔 (用于卸载房间前)。
func (s *SnapshotService) FlushRoom(ctx context.Context, roomID string, source RoomStateSource) error {
	opCount, err := s.stateRepo.GetOpCount(ctx, roomID)
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("FlushRoom: failed to get op count, snapshotting anyway")
		opCount = 1
	}
	if opCount == 0 {
		return nil
	}
	return s.generateSnapshot(ctx, roomID, source)
}

// generateSnapshot 实际执行快照生成。
func (s *SnapshotService) generateSnapshot(ctx context.Context, roomID string, source RoomStateSource) error {
	logCtx := logrus.WithField("room_id", roomID)

	// 1. 先取顺序号再取状态：顺序号不超过 seq 的操作在分配顺序号前已经合并进副本
	seq, err := s.stateRepo.GetCurrentSeq(ctx, roomID)
	if err != nil {
		logCtx.WithError(err).Error("Snapshot: Failed to get current seq from state repository")
		return ErrInternalServer
	}
	st, ok := source.RoomState(roomID)
	if !ok {
		logCtx.Warn("Snapshot: room is not loaded on this instance")
		return fmt.Errorf("%w: room %s is not loaded", ErrRoomNotFound, roomID)
	}

	// 2. 编码并保存到数据库
	data, err := storage.EncodeState(st)
	if err != nil {
		logCtx.WithError(err).Error("Snapshot: Failed to encode room state")
		return ErrInternalServer
	}
	now := s.now().UTC()
	snapshot := &domain.Snapshot{RoomID: roomID, Data: data, Version: seq, CreatedAt: now}
	if err := s.snapshotRepo.SaveSnapshot(ctx, snapshot); err != nil {
		logCtx.WithError(err).Error("Snapshot: Failed to save snapshot to database repository")
		return ErrInternalServer
	}

	// 3. 更新缓存，失败只记录
	if err := s.stateRepo.SetSnapshotCache(ctx, roomID, snapshot, snapshotCacheTTL); err != nil {
		logCtx.WithError(err).Warn("Snapshot: Failed to update snapshot cache after generation")
	}

	// 4. 重置计数器并记录时间
	if err := s.stateRepo.ResetOpCount(ctx, roomID); err != nil {
		logCtx.WithError(err).Warn("Snapshot: Failed to reset op_count in state repository")
	}
	if err := s.stateRepo.SetLastSnapshotTime(ctx, roomID, now, lastSnapshotTTL); err != nil {
		logCtx.WithError(err).Warn("Snapshot: Failed to record last snapshot time")
	}

	logCtx.WithField("version", seq).Info("Snapshot generated and saved.")
	return nil
}

func calculateSnapshotInterval(opCountSinceLast int) time.Duration {
	if opCountSinceLast > 100 {
		return 30 * time.Second
	} else if opCountSinceLast > 20 {
		return 2 * time.Minute
	}
	return 10 * time.Minute
}

func (s *SnapshotService) shouldGenerateSnapshot(lastSnapshotTime time.Time, interval time.Duration) bool {
	return lastSnapshotTime.IsZero() || s.now().Sub(lastSnapshotTime) >= interval
}
