package mocks

import (
	"context"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/stretchr/testify/mock"
)

// RoomRepository 是 repository.RoomRepository 的 Mock
type RoomRepository struct {
	mock.Mock
}

func (_m *RoomRepository) FindByID(ctx context.Context, id string) (*domain.Room, error) {
	ret := _m.Called(ctx, id)
	var r0 *domain.Room
	if rf, ok := ret.Get(0).(func(context.Context, string) *domain.Room); ok {
		r0 = rf(ctx, id)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).(*domain.Room)
	}
	return r0, ret.Error(1)
}

func (_m *RoomRepository) Create(ctx context.Context, room *domain.Room) error {
	return _m.Called(ctx, room).Error(0)
}

func (_m *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	return _m.Called(ctx, room).Error(0)
}

func (_m *RoomRepository) FindAllActive(ctx context.Context, roomIDs []string) ([]domain.Room, error) {
	ret := _m.Called(ctx, roomIDs)
	var r0 []domain.Room
	if ret.Get(0) != nil {
		r0 = ret.Get(0).([]domain.Room)
	}
	return r0, ret.Error(1)
}

func (_m *RoomRepository) Exists(ctx context.Context, id string) (bool, error) {
	ret := _m.Called(ctx, id)
	return ret.Bool(0), ret.Error(1)
}
