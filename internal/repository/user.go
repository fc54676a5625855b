package repository

import (
	"context"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
)

// UserRepository 定义了注册用户的存储和检索操作。
type UserRepository interface {
	// FindByUsername 根据用户名查找用户，不存在时返回 ErrUserNotFound。
	FindByUsername(ctx context.Context, username string) (*domain.User, error)

	// FindByID 根据用户 ID 查找用户，不存在时返回 ErrUserNotFound。
	FindByID(ctx context.Context, id uint) (*domain.User, error)

	// Save 保存用户信息，存在则更新，否则创建 (填充 ID)。
	Save(ctx context.Context, user *domain.User) error
}
