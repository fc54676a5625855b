package mocks

import (
	"context"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/stretchr/testify/mock"
)

// OperationRepository 是 repository.OperationRepository 的 Mock
type OperationRepository struct {
	mock.Mock
}

func (_m *OperationRepository) SaveBatch(ctx context.Context, records []domain.OperationRecord) error {
	return _m.Called(ctx, records).Error(0)
}

func (_m *OperationRepository) GetCountSince(ctx context.Context, roomID string, seq uint64) (int64, error) {
	ret := _m.Called(ctx, roomID, seq)
	var r0 int64
	if v, ok := ret.Get(0).(int64); ok {
		r0 = v
	}
	return r0, ret.Error(1)
}

func (_m *OperationRepository) ListSince(ctx context.Context, roomID string, seq uint64, limit int) ([]domain.OperationRecord, error) {
	ret := _m.Called(ctx, roomID, seq, limit)
	var r0 []domain.OperationRecord
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]domain.OperationRecord)
	}
	return r0, ret.Error(1)
}
