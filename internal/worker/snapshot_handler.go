package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
)

const (
	roomCheckTimeout   = 30 * time.Second
	maxParallelChecks  = 8
	DefaultIdleTimeout = 10 * time.Minute
)

// ActiveRooms 是本实例已打开的房间
type ActiveRooms interface {
	service.RoomStateSource
	ActiveRoomIDs() []string
	EvictIdle(ctx context.Context, idleFor time.Duration) []string
}

// SnapshotChecker 检查并生成房间快照
type SnapshotChecker interface {
	CheckAndGenerateSnapshot(ctx context.Context, roomID string, source service.RoomStateSource) (bool, error)
}

// SnapshotCheckHandler 处理周期性的快照检查任务，之后卸载空闲房间
type SnapshotCheckHandler struct {
	rooms       ActiveRooms
	snapshots   SnapshotChecker
	idleTimeout time.Duration
}

// NewSnapshotCheckHandler 创建 Handler 实例，idleTimeout <= 0 时使用 DefaultIdleTimeout
func NewSnapshotCheckHandler(rooms ActiveRooms, snapshots SnapshotChecker, idleTimeout time.Duration) *SnapshotCheckHandler {
	if rooms == nil {
		panic("ActiveRooms cannot be nil for SnapshotCheckHandler")
	}
	if snapshots == nil {
		panic("SnapshotChecker cannot be nil for SnapshotCheckHandler")
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &SnapshotCheckHandler{rooms: rooms, snapshots: snapshots, idleTimeout: idleTimeout}
}

// ProcessTask 实现 asynq.Handler 接口。单个房间失败只记录日志，不让整个周期任务重试。
func (h *SnapshotCheckHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	roomIDs := h.rooms.ActiveRoomIDs()
	if len(roomIDs) > 0 {
		logCtx.Infof("Checking snapshots for %d active rooms", len(roomIDs))
	}

	var generated, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChecks)
	for _, roomID := range roomIDs {
		roomID := roomID
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, roomCheckTimeout)
			defer cancel()
			ok, err := h.snapshots.CheckAndGenerateSnapshot(checkCtx, roomID, h.rooms)
			switch {
			case err != nil:
				failed.Add(1)
				logCtx.WithField("room_id", roomID).WithError(err).Error("Snapshot check/generation failed for room")
			case ok:
				generated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	evicted := h.rooms.EvictIdle(ctx, h.idleTimeout)

	entry := logCtx.WithFields(logrus.Fields{
		"rooms":     len(roomIDs),
		"generated": generated.Load(),
		"failed":    failed.Load(),
		"evicted":   len(evicted),
	})
	if failed.Load() > 0 {
		entry.Warn("Periodic snapshot check completed with errors")
	} else {
		entry.Info("Periodic snapshot check completed")
	}
	return nil
}
