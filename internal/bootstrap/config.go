package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const defaultExecutionURL = "https://emkc.org/api/v2/piston"

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	DBUser          string
	DBPassword      string
	DBHost          string
	DBPort          string
	DBName          string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	JWTSecret       string
	ServerPort      string
	LogLevel        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	JWTExpiryHours  int
	AppEnv          string // development / production
	KeyPrefix       string // Redis Key 前缀
	CORSOrigin      string
	WorkerThreads   int
	IdleTimeout     time.Duration // 空闲房间卸载时间

	ExecutionURL    string
	AnalysisAuthURL string
	AnalysisAPIURL  string
	AnalysisAuthKey string
	AnalysisModel   string
}

// LoadConfig 从环境变量加载配置，.env 文件 (如果存在) 先被加载
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:          os.Getenv("DB_USER"),
		DBPassword:      os.Getenv("DB_PASSWORD"),
		DBHost:          os.Getenv("DB_HOST"),
		DBPort:          os.Getenv("DB_PORT"),
		DBName:          os.Getenv("DB_NAME"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		ServerPort:      envOr("SERVER_PORT", "8080"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		AppEnv:          envOr("APP_ENV", "development"),
		KeyPrefix:       envOr("REDIS_KEY_PREFIX", "cce:"),
		CORSOrigin:      envOr("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
		ExecutionURL:    envOr("EXECUTION_SERVICE_URL", defaultExecutionURL),
		AnalysisAuthURL: os.Getenv("ANALYSIS_AUTH_URL"),
		AnalysisAPIURL:  os.Getenv("ANALYSIS_API_URL"),
		AnalysisAuthKey: os.Getenv("ANALYSIS_AUTH_KEY"),
		AnalysisModel:   os.Getenv("ANALYSIS_MODEL"),
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimitMax, err = envInt("RATE_LIMIT_MAX", 100); err != nil {
		return nil, err
	}
	if cfg.JWTExpiryHours, err = envInt("JWT_EXPIRY_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.WorkerThreads, err = envInt("WORKER_CONCURRENCY", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW", time.Second); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = envDuration("ROOM_IDLE_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}

	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// AnalysisEnabled 分析代理需要完整的上游配置
func (c *Config) AnalysisEnabled() bool {
	return c.AnalysisAuthURL != "" && c.AnalysisAPIURL != "" && c.AnalysisAuthKey != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s: %w", key, err)
	}
	return n, nil
}

// envDuration 接受 time.ParseDuration 格式，纯数字按秒处理
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s: %w", key, err)
	}
	return d, nil
}
