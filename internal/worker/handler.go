package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
	"github.com/Dizro/Collaborative-Code-Editor/internal/tasks"
)

// OpPersistHandler 把操作记录写入数据库
type OpPersistHandler struct {
	opRepo repository.OperationRepository
}

// NewOpPersistHandler 创建 Handler 实例
func NewOpPersistHandler(opRepo repository.OperationRepository) *OpPersistHandler {
	if opRepo == nil {
		panic("OperationRepository cannot be nil for OpPersistHandler")
	}
	return &OpPersistHandler{opRepo: opRepo}
}

// taskLogger 返回带任务信息的日志上下文
func taskLogger(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})
}

// ProcessTask 实现 asynq.Handler 接口。重复投递是安全的，op_id 冲突的记录会被跳过。
func (h *OpPersistHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	payload, err := tasks.ParseOpPersistPayload(t)
	if err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logCtx = logCtx.WithFields(logrus.Fields{"room_id": payload.RoomID, "records": len(payload.Records)})

	if err := h.opRepo.SaveBatch(ctx, payload.Records); err != nil {
		logCtx.WithError(err).Error("Failed to save operation batch")
		return fmt.Errorf("failed to save %d operations for room %s: %w", len(payload.Records), payload.RoomID, err)
	}

	logCtx.Debug("Operation persistence task processed successfully")
	return nil
}
