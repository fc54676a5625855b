package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
)

// userColors 头像渐变色板，按身份 ID 取相邻两种颜色
var userColors = []string{
	"#FF0000", "#4CAF50", "#2196F3", "#FFC107", "#9C27B0",
	"#00BCD4", "#FF9800", "#795548", "#607D8B", "#E91E63",
}

const defaultAvatar = "https://liveblocks.io/avatars/avatar-%d.png"

// SessionClaims 是会话令牌携带的身份信息
type SessionClaims struct {
	Username string    `json:"username"`
	Avatar   string    `json:"avatar,omitempty"`
	Color    [2]string `json:"color"`
	Guest    bool      `json:"guest,omitempty"`
	jwt.RegisteredClaims
}

// Identity 把令牌内容转换成领域身份
func (c *SessionClaims) Identity() domain.Identity {
	return domain.Identity{ID: c.Subject, Username: c.Username, Avatar: c.Avatar, Color: c.Color}
}

// ParseSessionToken 验证 HS256 签名和过期时间，返回令牌中的身份
func ParseSessionToken(tokenStr, secret string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token or missing subject")
	}
	return claims, nil
}

// AuthService 是身份提供方适配：本地注册用户和匿名访客都换取同一种会话令牌。
type AuthService struct {
	userRepo  repository.UserRepository
	jwtSecret []byte
	jwtExpiry time.Duration
	now       func() time.Time
}

// NewAuthService 创建 AuthService 实例。
func NewAuthService(userRepo repository.UserRepository, jwtSecretKey string, jwtExpiryHours int) (*AuthService, error) {
	if userRepo == nil {
		panic("UserRepository cannot be nil for AuthService")
	}
	if jwtSecretKey == "" {
		return nil, fmt.Errorf("JWT secret key cannot be empty")
	}
	if jwtExpiryHours <= 0 {
		jwtExpiryHours = 24
	}
	return &AuthService{
		userRepo:  userRepo,
		jwtSecret: []byte(jwtSecretKey),
		jwtExpiry: time.Duration(jwtExpiryHours) * time.Hour,
		now:       time.Now,
	}, nil
}

// Register 处理用户注册。
func (s *AuthService) Register(ctx context.Context, username, password, email string) (*domain.User, error) {
	logCtx := logrus.WithFields(logrus.Fields{"username": username, "email": email})

	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	existing, err := s.userRepo.FindByUsername(ctx, username)
	switch {
	case err == nil && existing != nil:
		logCtx.Warn("Registration failed: Username already exists")
		return nil, ErrRegistrationFailed
	case err != nil && !errors.Is(err, repository.ErrUserNotFound):
		logCtx.WithError(err).Error("Database error checking username")
		return nil, ErrInternalServer
	}

	hashedPassword, err := hashPassword(password)
	if err != nil {
		logCtx.WithError(err).Error("Failed to hash password during registration")
		return nil, ErrInternalServer
	}

	user := &domain.User{
		Username: username,
		Password: hashedPassword,
		Email:    email,
	}
	if err := s.userRepo.Save(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEntry) {
			logCtx.WithError(err).Warn("Registration failed: Username or email already exists (repo error)")
			return nil, ErrRegistrationFailed
		}
		logCtx.WithError(err).Error("Database error during user creation")
		return nil, ErrInternalServer
	}

	logCtx.WithField("user_id", user.ID).Info("User registered successfully")
	user.Password = "" // 清除密码哈希再返回
	return user, nil
}

// Login 校验密码并签发会话令牌。
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	logCtx := logrus.WithField("username", username)

	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			logCtx.WithError(err).Warn("Login attempt failed: User not found")
		} else {
			logCtx.WithError(err).Warn("Login attempt failed: Error finding user")
		}
		return "", ErrAuthenticationFailed // 对客户端统一返回认证失败
	}
	if user == nil {
		logCtx.Warn("Login attempt failed: User not found (repo returned nil user without error)")
		return "", ErrAuthenticationFailed
	}

	if !checkPassword(password, user.Password) {
		logCtx.Warn("Login attempt failed: Invalid password")
		return "", ErrAuthenticationFailed
	}

	token, err := s.generateJWT(identityForUser(user), false)
	if err != nil {
		logCtx.WithError(err).Error("Failed to generate JWT token during login")
		return "", ErrInternalServer
	}

	logCtx.WithField("user_id", user.ID).Info("User logged in successfully")
	return token, nil
}

// GuestSession 为匿名访客签发会话令牌，name 为空时使用 "Anonymous"。
func (s *AuthService) GuestSession(ctx context.Context, name string) (string, domain.Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Anonymous"
	}
	id := "user-" + uuid.NewString()
	ident := domain.Identity{
		ID:       id,
		Username: name,
		Avatar:   fmt.Sprintf(defaultAvatar, colorIndex(id)%30),
		Color:    colorPair(id),
	}
	token, err := s.generateJWT(ident, true)
	if err != nil {
		logrus.WithField("user_id", id).WithError(err).Error("Failed to generate guest token")
		return "", domain.Identity{}, ErrInternalServer
	}
	logrus.WithFields(logrus.Fields{"user_id": id, "username": name}).Info("Guest session issued")
	return token, ident, nil
}

// --- 私有辅助函数 ---

// hashPassword 使用 bcrypt 对密码进行哈希处理
func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to generate hash from password: %w", err)
	}
	return string(bytes), nil
}

// checkPassword 验证提供的密码是否与存储的哈希匹配
func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func identityForUser(user *domain.User) domain.Identity {
	id := "user-" + strconv.FormatUint(uint64(user.ID), 10)
	avatar := user.Avatar
	if avatar == "" {
		avatar = fmt.Sprintf(defaultAvatar, user.ID%30)
	}
	return domain.Identity{ID: id, Username: user.Username, Avatar: avatar, Color: colorPair(id)}
}

func colorIndex(id string) int {
	h := 0
	for _, r := range id {
		h = (h*31 + int(r)) & 0x7fffffff
	}
	return h
}

// colorPair 对同一个身份 ID 总是返回相同的渐变色
func colorPair(id string) [2]string {
	i := colorIndex(id) % len(userColors)
	return [2]string{userColors[i], userColors[(i+1)%len(userColors)]}
}

// generateJWT 为身份签发 HS256 令牌
func (s *AuthService) generateJWT(ident domain.Identity, guest bool) (string, error) {
	now := s.now()
	claims := SessionClaims{
		Username: ident.Username,
		Avatar:   ident.Avatar,
		Color:    ident.Color,
		Guest:    guest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
		},
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
