package service_test // 测试包

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository/mocks"
	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
)

// --- 测试 Register 方法 ---

func TestAuthService_Register_Success(t *testing.T) {
	// Arrange: 准备 Mock 对象, Service 实例, 和测试数据
	mockUserRepo := new(mocks.UserRepository) // 创建 Mock UserRepository
	jwtSecret := "very-secret-key"
	jwtExpiry := 1 // 1 小时过期 (用于 NewAuthService)
	authService, err := service.NewAuthService(mockUserRepo, jwtSecret, jwtExpiry)
	require.NoError(t, err, "创建 AuthService 不应失败") // 使用 require 确保前置条件满足

	ctx := context.Background()
	username := "newbie"
	password := "StrongPass123"
	email := "newbie@example.com"

	// 设置 Mock 预期:
	// 1. 当 FindByUsername 被调用时，模拟用户不存在
	mockUserRepo.On("FindByUsername", ctx, username).
		Return(nil, repository.ErrUserNotFound). // 返回预设的 "未找到" 错误
		Once()                                   // 预期调用一次

	// 2. 当 Save 被调用时，模拟保存成功，并填充 ID/时间戳
	//    匹配器只读字段；Register 返回前会清空密码，所以哈希在 Run 中记录
	var savedHash string
	mockUserRepo.On("Save", ctx, mock.MatchedBy(func(user *domain.User) bool {
		return user.Username == username && user.Email == email
	})).
		Run(func(args mock.Arguments) { // 模拟数据库填充字段
			userArg := args.Get(1).(*domain.User)
			savedHash = userArg.Password
			userArg.ID = 5                                   // 假设分配的 ID 是 5
			userArg.CreatedAt = time.Now().Add(-time.Second) // 模拟创建时间
			userArg.UpdatedAt = time.Now().Add(-time.Second) // 模拟更新时间
		}).
		Return(nil). // 返回 nil 表示 Save 成功
		Once()       // 预期调用一次

	// Act: 执行被测试的 Register 方法
	registeredUser, err := authService.Register(ctx, username, password, email)

	// Assert: 验证 Register 的结果
	assert.NoError(t, err, "成功注册时不应有错误")
	assert.NotNil(t, registeredUser, "成功注册时应返回用户对象")
	// 验证保存时密码已被正确哈希
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(savedHash), []byte(password)), "密码应被正确哈希")
	if registeredUser != nil { // 添加检查避免 nil panic
		assert.Equal(t, uint(5), registeredUser.ID, "返回的用户 ID 应为 5")
		assert.Equal(t, username, registeredUser.Username)
		assert.Equal(t, email, registeredUser.Email)
		assert.Empty(t, registeredUser.Password, "返回的用户密码应为空") // Service 应清除密码
		assert.False(t, registeredUser.CreatedAt.IsZero(), "创建时间应被设置")
		assert.False(t, registeredUser.UpdatedAt.IsZero(), "更新时间应被设置")
	}

	// Verify: 确保 Mock 的所有预期都被满足
	mockUserRepo.AssertExpectations(t)
}

func TestAuthService_Register_UsernameTaken(t *testing.T) {
	// Arrange
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "secret", 1)
	ctx := context.Background()
	username := "existingUser"

	// 设置 Mock 预期: FindByUsername 找到一个已存在的用户
	existingUser := &domain.User{ID: 10, Username: username}
	mockUserRepo.On("FindByUsername", ctx, username).Return(existingUser, nil).Once()
	// 预期 Save 不会被调用

	// Act
	_, err := authService.Register(ctx, username, "password", "email@test.com")

	// Assert
	require.Error(t, err, "用户名已存在时应返回错误") // 使用 require 强调错误必须发生
	assert.True(t, errors.Is(err, service.ErrRegistrationFailed), "错误类型应为 ErrRegistrationFailed")

	// Verify
	mockUserRepo.AssertExpectations(t)
	// 明确断言 Save 没有被调用 (更严格的验证)
	mockUserRepo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestAuthService_Register_SaveFails_DuplicateEntry(t *testing.T) {
	// Arrange
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "secret", 1)
	ctx := context.Background()
	username := "anotherNewUser"

	// 设置 Mock 预期:
	// 1. FindByUsername 找不到用户
	mockUserRepo.On("FindByUsername", ctx, username).Return(nil, repository.ErrUserNotFound).Once()
	// 2. Save 调用时模拟数据库返回唯一约束错误
	mockUserRepo.On("Save", ctx, mock.AnythingOfType("*domain.User")).Return(repository.ErrDuplicateEntry).Once()

	// Act
	_, err := authService.Register(ctx, username, "password", "email2@test.com")

	// Assert
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrRegistrationFailed), "保存冲突时应返回 ErrRegistrationFailed")

	// Verify
	mockUserRepo.AssertExpectations(t)
}

// --- 测试 Login 方法 ---

func TestAuthService_Login_Success(t *testing.T) {
	// Arrange
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "test-secret", 24)
	ctx := context.Background()
	username := "testuser"
	password := "password123"
	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	userInDb := &domain.User{ID: 1, Username: username, Password: string(hashedPassword)}

	// 设置 Mock 预期: FindByUsername 成功找到用户
	mockUserRepo.On("FindByUsername", ctx, username).Return(userInDb, nil).Once()

	// Act
	token, err := authService.Login(ctx, username, password)

	// Assert
	require.NoError(t, err)
	claims, err := service.ParseSessionToken(token, "test-secret")
	require.NoError(t, err, "签发的令牌应能通过验证")
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, username, claims.Username)
	assert.False(t, claims.Guest)
	assert.NotEmpty(t, claims.Color[0])

	// Verify
	mockUserRepo.AssertExpectations(t)
}

func TestAuthService_Login_UserNotFound(t *testing.T) {
	// Arrange
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "test-secret", 24)
	ctx := context.Background()
	username := "nonexistent"

	// 设置 Mock 预期: FindByUsername 找不到用户
	mockUserRepo.On("FindByUsername", ctx, username).Return(nil, repository.ErrUserNotFound).Once()

	// Act
	token, err := authService.Login(ctx, username, "password")

	// Assert
	require.Error(t, err)
	assert.Empty(t, token)
	assert.True(t, errors.Is(err, service.ErrAuthenticationFailed))

	// Verify
	mockUserRepo.AssertExpectations(t)
}

func TestAuthService_Login_IncorrectPassword(t *testing.T) {
	// Arrange
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "test-secret", 24)
	ctx := context.Background()
	username := "testuser"
	correctPassword := "password123"
	incorrectPassword := "wrongpassword"
	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte(correctPassword), bcrypt.DefaultCost)
	userInDb := &domain.User{ID: 1, Username: username, Password: string(hashedPassword)}

	// 设置 Mock 预期: FindByUsername 找到用户
	mockUserRepo.On("FindByUsername", ctx, username).Return(userInDb, nil).Once()

	// Act
	token, err := authService.Login(ctx, username, incorrectPassword)

	// Assert
	require.Error(t, err)
	assert.Empty(t, token)
	assert.True(t, errors.Is(err, service.ErrAuthenticationFailed))

	// Verify
	mockUserRepo.AssertExpectations(t)
}
func TestAuthService_Register_InvalidInput(t *testing.T) {
	mockUserRepo := new(mocks.UserRepository)
	authService, _ := service.NewAuthService(mockUserRepo, "secret", 1)

	_, err := authService.Register(context.Background(), "  ", "password", "")

	assert.ErrorIs(t, err, service.ErrInvalidInput)
	mockUserRepo.AssertNotCalled(t, "FindByUsername", mock.Anything, mock.Anything)
}

// --- 测试访客会话和令牌解析 ---

func TestAuthService_GuestSession(t *testing.T) {
	// Arrange
	authService, err := service.NewAuthService(new(mocks.UserRepository), "guest-secret", 1)
	require.NoError(t, err)

	// Act
	token, ident, err := authService.GuestSession(context.Background(), "")

	// Assert
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ident.ID, "user-"))
	assert.Equal(t, "Anonymous", ident.Username)
	assert.NotEqual(t, ident.Color[0], ident.Color[1], "渐变应包含两种不同颜色")

	claims, err := service.ParseSessionToken(token, "guest-secret")
	require.NoError(t, err)
	assert.True(t, claims.Guest)
	assert.Equal(t, ident, claims.Identity())
}

func TestParseSessionToken_Rejects(t *testing.T) {
	authService, _ := service.NewAuthService(new(mocks.UserRepository), "right-secret", 1)
	token, _, err := authService.GuestSession(context.Background(), "ada")
	require.NoError(t, err)

	t.Run("Wrong secret", func(t *testing.T) {
		_, err := service.ParseSessionToken(token, "wrong-secret")
		assert.Error(t, err)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := service.ParseSessionToken("not-a-token", "right-secret")
		assert.Error(t, err)
	})
}

func TestNewAuthService_EmptySecret(t *testing.T) {
	_, err := service.NewAuthService(new(mocks.UserRepository), "", 1)
	assert.Error(t, err)
	assert.Panics(t, func() { _, _ = service.NewAuthService(nil, "s", 1) })
}
