package mocks

import (
	"context"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/stretchr/testify/mock"
)

// SnapshotRepository 是 repository.SnapshotRepository 的 Mock
type SnapshotRepository struct {
	mock.Mock
}

func (_m *SnapshotRepository) GetLatestSnapshot(ctx context.Context, roomID string) (*domain.Snapshot, error) {
	ret := _m.Called(ctx, roomID)
	var r0 *domain.Snapshot
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*domain.Snapshot)
	}
	return r0, ret.Error(1)
}

func (_m *SnapshotRepository) SaveSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	return _m.Called(ctx, snapshot).Error(0)
}
