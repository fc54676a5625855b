package repository

import (
	"context"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
)

// OperationRepository 定义了操作日志的持久化和查询。
type OperationRepository interface {
	// SaveBatch 批量保存操作记录，OpID 已存在的记录被忽略。
	SaveBatch(ctx context.Context, records []domain.OperationRecord) error

	// GetCountSince 获取房间中顺序号大于 seq 的操作数量，用于判断是否需要生成快照。
	GetCountSince(ctx context.Context, roomID string, seq uint64) (int64, error)

	// ListSince 按顺序号升序返回房间中顺序号大于 seq 的操作，limit <= 0 表示不限制。
	// 用于在最新快照之上重放操作日志。
	ListSince(ctx context.Context, roomID string, seq uint64, limit int) ([]domain.OperationRecord, error)
}
