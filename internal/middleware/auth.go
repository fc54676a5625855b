package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
)

// 上下文中保存认证结果的键
const (
	ContextIdentity = "identity"
	ContextUserID   = "user_id"
	ContextGuest    = "guest"
)

// ErrMissingAuthHeader 表示请求没有携带 token
var ErrMissingAuthHeader = errors.New("missing Authorization header")

// Auth 返回一个 Gin 中间件，验证会话 token 并把身份放入上下文。
// token 取自 Authorization: Bearer 头；浏览器的 WebSocket 无法设置请求头，因此也接受 token 查询参数。
func Auth(jwtSecret string) gin.HandlerFunc {
	if jwtSecret == "" {
		panic("JWT secret cannot be empty for Auth middleware")
	}

	return func(c *gin.Context) {
		// 1. 提取 Token
		tokenStr, err := extractToken(c)
		if err != nil {
			if errors.Is(err, ErrMissingAuthHeader) {
				logrus.Debug("Auth middleware: Missing token")
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			} else {
				logrus.Warnf("Auth middleware: Malformed token format: %v", err)
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token format"})
			}
			c.Abort()
			return
		}

		// 2. 验证 Token
		claims, err := service.ParseSessionToken(tokenStr, jwtSecret)
		if err != nil {
			logCtx := logrus.WithError(err)
			logCtx.Warn("Auth middleware: Invalid token")
			var validationError *jwt.ValidationError
			if errors.As(err, &validationError) && validationError.Errors&jwt.ValidationErrorExpired != 0 {
				logCtx.Debug("Reason: Token is expired")
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		// 3. 写入上下文
		identity := claims.Identity()
		c.Set(ContextIdentity, identity)
		c.Set(ContextUserID, identity.ID)
		c.Set(ContextGuest, claims.Guest)
		logrus.WithField("user_id", identity.ID).Debug("Auth middleware: User authenticated via JWT")

		c.Next()
	}
}

// IdentityFrom 返回 Auth 中间件放入上下文的身份
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return domain.Identity{}, false
	}
	identity, ok := v.(domain.Identity)
	return identity, ok && identity.ID != ""
}

// extractToken 从请求头或 token 查询参数提取 Token
func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query("token"); q != "" {
			return q, nil
		}
		return "", ErrMissingAuthHeader
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", jwt.ErrTokenMalformed
	}
	return parts[1], nil
}
