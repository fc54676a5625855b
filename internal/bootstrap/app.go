package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "github.com/Dizro/Collaborative-Code-Editor/internal/handler/http"
	wsHandler "github.com/Dizro/Collaborative-Code-Editor/internal/handler/websocket"
	"github.com/Dizro/Collaborative-Code-Editor/internal/hub"
	gormpersistence "github.com/Dizro/Collaborative-Code-Editor/internal/infra/persistence/gorm"
	"github.com/Dizro/Collaborative-Code-Editor/internal/infra/setup"
	redisstate "github.com/Dizro/Collaborative-Code-Editor/internal/infra/state/redis"
	"github.com/Dizro/Collaborative-Code-Editor/internal/middleware"
	"github.com/Dizro/Collaborative-Code-Editor/internal/remote"
	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
	"github.com/Dizro/Collaborative-Code-Editor/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	Worker      *worker.WorkerServer
	Hub         *hub.Hub
	HttpServer  *http.Server

	collab    *service.CollaborationService
	snapshots *service.SnapshotService
}

// Handlers 是路由需要的全部处理器
type Handlers struct {
	Auth *httpHandler.AuthHandler
	Room *httpHandler.RoomHandler
	Code *httpHandler.CodeHandler
	WS   *wsHandler.WebSocketHandler
}

// NewLogger 按配置创建 logger，生产环境输出 JSON
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	// 各包使用全局 logrus，保持一致
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(level)
	return log
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := NewLogger(cfg)
	instanceID := uuid.NewString()
	log.WithFields(logrus.Fields{"env": cfg.AppEnv, "instance_id": instanceID}).Info("Configuration loaded successfully")

	// 3. 初始化基础设施
	db, err := setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	if err := setup.MigrateDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisClientOpt)
	log.Info("Infrastructure initialized successfully")

	// 4. 初始化 Repositories
	userRepo := gormpersistence.NewGormUserRepository(db)
	roomRepo := gormpersistence.NewGormRoomRepository(db)
	opRepo := gormpersistence.NewGormOperationRepository(db)
	snapshotRepo := gormpersistence.NewGormSnapshotRepository(db)
	stateRepo := redisstate.NewRedisStateRepository(redisClient, cfg.KeyPrefix)

	// 5. 初始化 Services
	authService, err := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTExpiryHours)
	if err != nil {
		return nil, fmt.Errorf("failed to create AuthService: %w", err)
	}
	roomService := service.NewRoomService(roomRepo)
	snapshotService := service.NewSnapshotService(snapshotRepo, stateRepo)
	collabService := service.NewCollaborationService(opRepo, stateRepo, snapshotService, roomService, asynqClient, instanceID)
	compileService := service.NewCompileService(remote.NewPistonClient(cfg.ExecutionURL, nil))
	var analysisService *service.AnalysisService
	if cfg.AnalysisEnabled() {
		analysisService = service.NewAnalysisService(remote.NewCompletionClient(remote.CompletionConfig{
			AuthURL: cfg.AnalysisAuthURL,
			APIURL:  cfg.AnalysisAPIURL,
			AuthKey: cfg.AnalysisAuthKey,
			Model:   cfg.AnalysisModel,
		}, nil))
	} else {
		log.Warn("Analysis service is not configured, /api/analyze-code will return 503")
	}
	log.Info("Services initialized")

	// 6. Hub 和 Worker
	hubInstance := hub.NewHub(collabService)
	snapshotChecks := worker.NewSnapshotCheckHandler(collabService, snapshotService, cfg.IdleTimeout)
	workerServer := worker.NewWorkerServer(redisClientOpt, opRepo, snapshotChecks, instanceID, cfg.WorkerThreads, log)

	// 7. 初始化 Handlers 和路由
	handlers := Handlers{
		Auth: httpHandler.NewAuthHandler(authService),
		Room: httpHandler.NewRoomHandler(roomService, collabService),
		Code: httpHandler.NewCodeHandler(compileService, analysisService),
		WS:   wsHandler.NewWebSocketHandler(hubInstance, collabService, cfg.CORSOrigin),
	}
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := NewRouter(cfg, log, handlers, stateRepo)

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		RedisClient: redisClient,
		AsynqClient: asynqClient,
		Worker:      workerServer,
		Hub:         hubInstance,
		HttpServer:  httpServer,
		collab:      collabService,
		snapshots:   snapshotService,
	}, nil
}

// NewRouter 注册中间件和全部路由
func NewRouter(cfg *Config, log *logrus.Logger, h Handlers, limiter middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(CORSMiddleware(cfg.CORSOrigin))

	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	api := router.Group("/api")
	api.Use(middleware.RateLimit(limiter, cfg.RateLimitMax, cfg.RateLimitWindow))
	authRoutes := api.Group("/auth")
	{
		authRoutes.POST("/register", h.Auth.Register)
		authRoutes.POST("/login", h.Auth.Login)
		authRoutes.POST("/session", h.Auth.Session)
	}
	roomRoutes := api.Group("/rooms")
	{
		roomRoutes.POST("", h.Room.CreateRoom)
		roomRoutes.POST("/create", h.Room.CreateRoom)
		roomRoutes.GET("/:roomId", h.Room.GetRoom)
	}
	codeRoutes := api.Group("").Use(middleware.Auth(cfg.JWTSecret))
	{
		codeRoutes.POST("/compile", h.Code.Compile)
		codeRoutes.POST("/analyze-code", h.Code.Analyze)
	}

	wsRoutes := router.Group("/ws").Use(middleware.Auth(cfg.JWTSecret))
	{
		wsRoutes.GET("/room/:roomId", h.WS.HandleConnection)
	}
	return router
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() error {
	go a.Hub.Run()
	a.Log.Info("Hub routine started")

	if err := a.Worker.Start(); err != nil {
		return err
	}
	a.Log.Info("Asynq worker server started")

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
	return nil
}

// Shutdown 优雅地关闭应用：先停止接收请求，再为打开的房间生成快照，最后关闭 Hub、后台任务和连接
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	}

	if a.collab != nil && a.snapshots != nil {
		for _, roomID := range a.collab.ActiveRoomIDs() {
			if err := a.snapshots.FlushRoom(ctx, roomID, a.collab); err != nil {
				a.Log.WithField("room_id", roomID).WithError(err).Warn("Failed to flush room snapshot")
			}
		}
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.Worker != nil {
		a.Worker.Shutdown()
	}
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	a.Log.Info("Application shutdown complete.")
}

// CORSMiddleware 允许配置的来源跨域访问
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		statusCode := c.Writer.Status()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  time.Since(startTime).Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
		})

		if errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String(); errorMessage != "" {
			entry.Error(errorMessage)
			return
		}
		switch {
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Debug("Request handled")
		}
	}
}
