package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
)

// 任务类型常量
const (
	TypeOpPersist             = "op:persist"     // 操作日志持久化
	TypeSnapshotPeriodicCheck = "snapshot:check" // 周期性快照检查
)

// QueueCritical 操作日志持久化使用的队列
const QueueCritical = "critical"

// OpPersistPayload 是操作日志持久化任务的数据
type OpPersistPayload struct {
	RoomID  string                   `json:"room_id"`
	Records []domain.OperationRecord `json:"records"`
}

// NewOpPersistTask 创建一个操作日志持久化任务，records 属于同一个房间
func NewOpPersistTask(roomID string, records []domain.OperationRecord) (*asynq.Task, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("op persist task for room %s has no records", roomID)
	}
	payload, err := json.Marshal(OpPersistPayload{RoomID: roomID, Records: records})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal op persist payload: %w", err)
	}
	return asynq.NewTask(TypeOpPersist, payload, asynq.Queue(QueueCritical), asynq.MaxRetry(10)), nil
}

// ParseOpPersistPayload 解析任务数据
func ParseOpPersistPayload(t *asynq.Task) (OpPersistPayload, error) {
	var payload OpPersistPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal op persist payload: %w", err)
	}
	return payload, nil
}

// NewSnapshotCheckTask 创建周期性快照检查任务 (无数据)
func NewSnapshotCheckTask() *asynq.Task {
	return asynq.NewTask(TypeSnapshotPeriodicCheck, nil)
}
