package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisstate "github.com/Dizro/Collaborative-Code-Editor/internal/infra/state/redis"
	"github.com/Dizro/Collaborative-Code-Editor/internal/middleware"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository/mocks"
	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
)

const testSecret = "middleware-secret"

func init() { gin.SetMode(gin.TestMode) }

func guestToken(t *testing.T) string {
	t.Helper()
	authService, err := service.NewAuthService(new(mocks.UserRepository), testSecret, 1)
	require.NoError(t, err)
	token, _, err := authService.GuestSession(context.Background(), "Ada")
	require.NoError(t, err)
	return token
}

func newAuthRouter() *gin.Engine {
	r := gin.New()
	r.GET("/me", middleware.Auth(testSecret), func(c *gin.Context) {
		identity, ok := middleware.IdentityFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": identity.ID, "username": identity.Username, "guest": c.GetBool(middleware.ContextGuest)})
	})
	return r
}

func TestAuth(t *testing.T) {
	token := guestToken(t)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &service.SessionClaims{
		Username: "old",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-old",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name       string
		url        string
		header     string
		wantStatus int
	}{
		{name: "bearer header", url: "/me", header: "Bearer " + token, wantStatus: http.StatusOK},
		{name: "query parameter", url: "/me?token=" + token, wantStatus: http.StatusOK},
		{name: "missing token", url: "/me", wantStatus: http.StatusUnauthorized},
		{name: "malformed header", url: "/me", header: "Token abc", wantStatus: http.StatusUnauthorized},
		{name: "wrong secret", url: "/me", header: "Bearer " + token + "x", wantStatus: http.StatusUnauthorized},
		{name: "expired", url: "/me", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
	}
	router := newAuthRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Contains(t, w.Body.String(), `"username":"Ada"`)
				assert.Contains(t, w.Body.String(), `"guest":true`)
			}
		})
	}
}

func TestAuth_PanicsOnEmptySecret(t *testing.T) {
	assert.Panics(t, func() { middleware.Auth("") })
}

type failingLimiter struct{}

func (failingLimiter) CheckRateLimit(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimit(t *testing.T) {
	// Arrange
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := redisstate.NewRedisStateRepository(client, "test:")

	r := gin.New()
	r.GET("/ping", middleware.RateLimit(limiter, 2, time.Minute), func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	// Act
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, w.Code)
	}

	// Assert
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	r := gin.New()
	r.GET("/ping", middleware.RateLimit(failingLimiter{}, 1, time.Minute), func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	w := httptest.NewRecorder()

	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_PanicsOnBadConfig(t *testing.T) {
	assert.Panics(t, func() { middleware.RateLimit(nil, 1, time.Second) })
	assert.Panics(t, func() { middleware.RateLimit(failingLimiter{}, 0, time.Second) })
	assert.Panics(t, func() { middleware.RateLimit(failingLimiter{}, 1, 0) })
}
