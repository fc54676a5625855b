package gormpersistence

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
)

// saveBatchSize 每条 INSERT 语句最多包含的记录数
const saveBatchSize = 200

// GormOperationRepository 是 OperationRepository 接口的 GORM 实现
type GormOperationRepository struct {
	db *gorm.DB
}

// NewGormOperationRepository 创建 GormOperationRepository 实例
func NewGormOperationRepository(db *gorm.DB) *GormOperationRepository {
	if db == nil {
		panic("database connection cannot be nil for GormOperationRepository")
	}
	return &GormOperationRepository{db: db}
}

// SaveBatch 批量插入操作记录，op_id 冲突的记录被跳过 (任务重试时会重复投递)
func (r *GormOperationRepository) SaveBatch(ctx context.Context, records []domain.OperationRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "op_id"}}, DoNothing: true}).
		CreateInBatches(&records, saveBatchSize).Error
	if err != nil {
		return fmt.Errorf("gorm: failed to save operation batch (size %d): %w", len(records), err)
	}
	return nil
}

// GetCountSince 统计顺序号大于 seq 的操作数
func (r *GormOperationRepository) GetCountSince(ctx context.Context, roomID string, seq uint64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.OperationRecord{}).
		Where("room_id = ? AND seq > ?", roomID, seq).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("gorm: failed to count operations for room %s since seq %d: %w", roomID, seq, err)
	}
	return count, nil
}

// ListSince 按顺序号升序返回 seq 之后的操作
func (r *GormOperationRepository) ListSince(ctx context.Context, roomID string, seq uint64, limit int) ([]domain.OperationRecord, error) {
	var records []domain.OperationRecord
	query := r.db.WithContext(ctx).
		Where("room_id = ? AND seq > ?", roomID, seq).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("gorm: failed to list operations for room %s since seq %d: %w", roomID, seq, err)
	}
	return records, nil
}
