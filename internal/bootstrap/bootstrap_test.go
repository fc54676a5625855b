package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	// Arrange
	setRequiredEnv(t)
	for _, key := range []string{"SERVER_PORT", "LOG_LEVEL", "APP_ENV", "REDIS_KEY_PREFIX", "RATE_LIMIT_MAX",
		"RATE_LIMIT_WINDOW", "JWT_EXPIRY_HOURS", "EXECUTION_SERVICE_URL", "ANALYSIS_AUTH_URL", "ROOM_IDLE_TIMEOUT"} {
		t.Setenv(key, "")
	}

	// Act
	cfg, err := LoadConfig()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "cce:", cfg.KeyPrefix)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.Equal(t, time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 24, cfg.JWTExpiryHours)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, defaultExecutionURL, cfg.ExecutionURL)
	assert.False(t, cfg.AnalysisEnabled())
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RATE_LIMIT_WINDOW", "5")
	t.Setenv("ROOM_IDLE_TIMEOUT", "90s")
	t.Setenv("LOG_LEVEL", "loud")

	cfg, err := LoadConfig()

	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.Equal(t, "info", cfg.LogLevel, "无效的日志级别回退为 info")
}

func TestLoadConfig_Errors(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing redis", env: map[string]string{"REDIS_ADDR": ""}},
		{name: "missing secret", env: map[string]string{"JWT_SECRET": ""}},
		{name: "bad int", env: map[string]string{"RATE_LIMIT_MAX": "many"}},
		{name: "zero limit", env: map[string]string{"RATE_LIMIT_MAX": "0"}},
		{name: "bad duration", env: map[string]string{"RATE_LIMIT_WINDOW": "soon"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()

			assert.Error(t, err)
		})
	}
}

type allowAll struct{}

func (allowAll) CheckRateLimit(context.Context, string, int, time.Duration) (bool, error) {
	return false, nil
}

func TestNewRouter_PingAndCORS(t *testing.T) {
	// Arrange
	gin.SetMode(gin.TestMode)
	cfg := &Config{JWTSecret: "secret", CORSOrigin: "http://app.test", RateLimitMax: 10, RateLimitWindow: time.Second}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	// 处理器只注册不调用
	router := NewRouter(cfg, log, Handlers{}, allowAll{})

	// Act
	ping := httptest.NewRecorder()
	router.ServeHTTP(ping, httptest.NewRequest(http.MethodGet, "/ping", nil))
	preflight := httptest.NewRecorder()
	router.ServeHTTP(preflight, httptest.NewRequest(http.MethodOptions, "/api/rooms", nil))

	// Assert
	assert.Equal(t, http.StatusOK, ping.Code)
	assert.JSONEq(t, `{"message":"pong"}`, ping.Body.String())
	assert.Equal(t, http.StatusNoContent, preflight.Code)
	assert.Equal(t, "http://app.test", preflight.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewRouter_RequiresAuthForCompile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &Config{JWTSecret: "secret", CORSOrigin: "*", RateLimitMax: 10, RateLimitWindow: time.Second}
	router := NewRouter(cfg, logrus.New(), Handlers{}, allowAll{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/compile", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
