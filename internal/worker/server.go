package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
	"github.com/Dizro/Collaborative-Code-Editor/internal/tasks"
)

// SnapshotCheckSchedule 周期性快照检查的调度表达式
const SnapshotCheckSchedule = "@every 1m"

// SnapshotCheckUnique 防止实例停顿时检查任务堆积
const SnapshotCheckUnique = 50 * time.Second

// InstanceQueue 返回实例专用的队列名。快照检查只处理本实例打开的房间，
// 所以必须由调度它的实例自己消费。
func InstanceQueue(instanceID string) string {
	return "instance:" + instanceID
}

// WorkerServer 封装了 Asynq Worker Server 和周期任务调度器的启动和关闭逻辑
type WorkerServer struct {
	server    *asynq.Server
	queue     string
	scheduler *asynq.Scheduler
	scheduled bool
	log       *logrus.Entry
	opRepo    repository.OperationRepository
	snapshots *SnapshotCheckHandler
}

// NewWorkerServer 创建一个新的 WorkerServer 实例
func NewWorkerServer(redisOpt asynq.RedisClientOpt, opRepo repository.OperationRepository, snapshots *SnapshotCheckHandler, instanceID string, concurrency int, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")
	if concurrency <= 0 {
		concurrency = 10
	}
	queue := InstanceQueue(instanceID)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				tasks.QueueCritical: 6,
				"default":           3,
				"low":               1,
				queue:               2,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskLogger(ctx, task).WithField("component", "worker_server").Errorf("Task failed: %v", err)
			}),
			Logger: logEntry,
		},
	)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: logEntry})

	return &WorkerServer{
		server:    server,
		scheduler: scheduler,
		queue:     queue,
		log:       logEntry,
		opRepo:    opRepo,
		snapshots: snapshots,
	}
}

// Mux 返回注册了全部任务处理器的 ServeMux
func (ws *WorkerServer) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeOpPersist, NewOpPersistHandler(ws.opRepo))
	if ws.snapshots != nil {
		mux.Handle(tasks.TypeSnapshotPeriodicCheck, ws.snapshots)
	}
	return mux
}

// Start 启动 Worker Server 和调度器，不阻塞
func (ws *WorkerServer) Start() error {
	ws.log.Info("Worker server starting...")
	if err := ws.server.Start(ws.Mux()); err != nil {
		return fmt.Errorf("could not start worker server: %w", err)
	}
	if ws.snapshots == nil {
		return nil
	}
	_, err := ws.scheduler.Register(SnapshotCheckSchedule, tasks.NewSnapshotCheckTask(),
		asynq.Queue(ws.queue), asynq.MaxRetry(0), asynq.Unique(SnapshotCheckUnique))
	if err != nil {
		return fmt.Errorf("failed to register snapshot check schedule: %w", err)
	}
	if err := ws.scheduler.Start(); err != nil {
		return fmt.Errorf("could not start scheduler: %w", err)
	}
	ws.scheduled = true
	return nil
}

// Shutdown 优雅地关闭调度器和 Worker Server，在 Start 返回之后调用
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	if ws.scheduled {
		ws.scheduler.Shutdown()
	}
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
