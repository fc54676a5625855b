package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
	"github.com/Dizro/Collaborative-Code-Editor/internal/tasks"
)

// relaySender 是中继自己写入操作时使用的发送方
const relaySender = "relay"

// relayLogLimit 中继副本在内存中保留的操作日志条数
const relayLogLimit = 1000

const roomLoadTimeout = 15 * time.Second

// TaskEnqueuer 把后台任务放入队列，*asynq.Client 满足该接口
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// relayMessage 是发布到房间频道的消息，origin 用于忽略本实例发出的消息
type relayMessage struct {
	Origin   string           `json:"origin"`
	Envelope session.Envelope `json:"envelope"`
}

type roomEntry struct {
	relay     *session.Relay
	sub       repository.Subscription // 房间频道订阅，随房间卸载关闭
	idleSince time.Time               // 最后一个成员离开的时间，有成员时为零值
}

// CollaborationService 管理本实例上打开的房间中继：
// 加载副本、准入检查、操作记录 (顺序号、历史、持久化任务) 和跨实例转发。
type CollaborationService struct {
	opRepo     repository.OperationRepository
	stateRepo  repository.StateRepository
	snapshots  *SnapshotService
	rooms      *RoomService
	enqueuer   TaskEnqueuer
	instanceID string

	mu     sync.Mutex
	relays map[string]*roomEntry
	loads  singleflight.Group
	now    func() time.Time
}

// NewCollaborationService 创建 CollaborationService 实例。
func NewCollaborationService(
	opRepo repository.OperationRepository,
	stateRepo repository.StateRepository,
	snapshots *SnapshotService,
	rooms *RoomService,
	enqueuer TaskEnqueuer,
	instanceID string,
) *CollaborationService {
	if opRepo == nil || stateRepo == nil || snapshots == nil || rooms == nil || enqueuer == nil {
		panic("All dependencies must be non-nil for CollaborationService")
	}
	if instanceID == "" {
		panic("instanceID cannot be empty for CollaborationService")
	}
	return &CollaborationService{
		opRepo:     opRepo,
		stateRepo:  stateRepo,
		snapshots:  snapshots,
		rooms:      rooms,
		enqueuer:   enqueuer,
		instanceID: instanceID,
		relays:     make(map[string]*roomEntry),
		now:        time.Now,
	}
}

// InstanceID 返回本实例 ID
func (s *CollaborationService) InstanceID() string { return s.instanceID }

// OpenRoom 返回房间在本实例上的中继，必要时创建房间并加载副本。
// 同一房间的并发加载只执行一次。
func (s *CollaborationService) OpenRoom(ctx context.Context, roomID string) (*session.Relay, error) {
	if relay := s.lookup(roomID); relay != nil {
		return relay, nil
	}
	v, err, _ := s.loads.Do(roomID, func() (interface{}, error) {
		if relay := s.lookup(roomID); relay != nil {
			return relay, nil
		}
		// 多个调用方共享同一次加载，不跟随第一个调用方取消
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), roomLoadTimeout)
		defer cancel()

		// 先订阅再加载，加载期间其他实例发布的操作缓存在订阅通道里
		sub, err := s.stateRepo.Subscribe(loadCtx, roomID)
		if err != nil {
			logrus.WithField("room_id", roomID).WithError(err).Error("Failed to subscribe room channel")
			return nil, ErrInternalServer
		}
		relay, err := s.loadRelay(loadCtx, roomID)
		if err != nil {
			_ = sub.Close()
			return nil, err
		}
		s.mu.Lock()
		s.relays[roomID] = &roomEntry{relay: relay, sub: sub, idleSince: s.now()}
		s.mu.Unlock()
		go s.forwardExternal(roomID, sub)
		return relay, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session.Relay), nil
}

func (s *CollaborationService) lookup(roomID string) *session.Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.relays[roomID]; ok {
		return e.relay
	}
	return nil
}

// loadRelay 以 快照 + 之后的操作日志 + Redis 最近历史 构建房间副本
func (s *CollaborationService) loadRelay(ctx context.Context, roomID string) (*session.Relay, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "operation": "loadRelay"})

	// 1. 房间元数据 (首次加入即创建)
	room, _, err := s.rooms.GetOrCreateRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	// 2. 最新快照
	st, version, err := s.snapshots.LoadRoomState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	doc := storage.NewDocument(relaySender+"-"+s.instanceID, storage.WithLogLimit(relayLogLimit))
	if _, err := doc.Merge(st); err != nil {
		logCtx.WithError(err).Error("Failed to merge snapshot state")
		return nil, ErrInternalServer
	}

	// 3. 重放快照之后的操作日志
	records, err := s.opRepo.ListSince(ctx, roomID, version, 0)
	if err != nil {
		logCtx.WithError(err).Error("Failed to list operations since snapshot")
		return nil, ErrInternalServer
	}
	lastSeq := version
	replayed := 0
	for _, rec := range records {
		replayed += s.replay(doc, rec, logCtx)
		if rec.Seq > lastSeq {
			lastSeq = rec.Seq
		}
	}

	// 4. Redis 里可能还有尚未写入数据库的操作
	recent, err := s.stateRepo.GetRecentHistory(ctx, roomID, 0)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to get recent history, continuing with persisted log only")
	}
	for _, rec := range recent {
		if rec.Seq > lastSeq {
			replayed += s.replay(doc, rec, logCtx)
		}
	}

	// 5. 新房间写入初始设置
	if doc.Len(storage.Settings) == 0 {
		if err := s.seedSettings(ctx, roomID, room, doc); err != nil {
			logCtx.WithError(err).Warn("Failed to seed room settings")
		}
	}

	logCtx.WithFields(logrus.Fields{"version": version, "replayed": replayed}).Info("Room relay loaded")
	return session.NewRelay(roomID, doc), nil
}

func (s *CollaborationService) replay(doc *storage.Document, rec domain.OperationRecord, logCtx *logrus.Entry) int {
	op := operationFromRecord(rec)
	if doc.Applied(op.ID) {
		return 0
	}
	applied, err := doc.ApplyRemote(op)
	if err != nil {
		logCtx.WithError(err).WithField("op_id", op.ID).Warn("Skipping invalid operation in log")
		return 0
	}
	if applied {
		return 1
	}
	return 0
}

// seedSettings 把房间创建时的设置按字段写入副本并记录到操作日志
func (s *CollaborationService) seedSettings(ctx context.Context, roomID string, room *domain.Room, doc *storage.Document) error {
	settings, err := room.ParseSettings()
	if err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Stored room settings unreadable, using defaults")
		settings = domain.DefaultRoomSettings()
	}
	fields, err := settings.Fields()
	if err != nil {
		return err
	}
	ops := make([]storage.Operation, 0, len(fields))
	for name, raw := range fields {
		applied, err := doc.ApplyLocal(storage.SetField(storage.Settings, name, raw))
		if err != nil {
			return fmt.Errorf("seed settings field %s: %w", name, err)
		}
		ops = append(ops, applied)
	}
	if err := s.RecordOps(ctx, roomID, relaySender, ops); err != nil {
		return err
	}
	return s.Publish(ctx, roomID, session.Envelope{Type: session.TypeOp, Sender: relaySender, Ops: ops})
}

// Admit 检查用户能否加入房间：人数上限和私有房间白名单。
func (s *CollaborationService) Admit(relay *session.Relay, userID string) error {
	settings := RoomSettingsOf(relay.Document())
	if relay.Len() >= settings.MaxUsers {
		return ErrRoomFull
	}
	if !settings.Allows(userID) {
		return ErrRoomPrivate
	}
	return nil
}

// RoomSettingsOf 从副本读取当前设置，缺失字段取默认值
func RoomSettingsOf(doc *storage.Document) domain.RoomSettings {
	fields, err := doc.Get(storage.Settings)
	if err != nil {
		return domain.DefaultRoomSettings()
	}
	settings, err := domain.SettingsFromFields(fields)
	if err != nil {
		logrus.WithError(err).Warn("Room settings in storage are malformed, using defaults")
	}
	return settings
}

// JoinRoom 打开房间并在准入检查通过后把成员加入中继。
func (s *CollaborationService) JoinRoom(ctx context.Context, roomID string, m session.Member) (session.Snapshot, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "conn_id": m.ConnectionID(), "user_id": m.UserID()})

	relay, err := s.OpenRoom(ctx, roomID)
	if err != nil {
		return session.Snapshot{}, err
	}

	s.mu.Lock()
	e, ok := s.relays[roomID]
	if !ok || e.relay != relay {
		// 加载完成后房间刚好被卸载
		s.mu.Unlock()
		logCtx.Warn("Room was evicted during join, retrying")
		return s.JoinRoom(ctx, roomID, m)
	}
	if err := s.Admit(relay, m.UserID()); err != nil {
		s.mu.Unlock()
		logCtx.WithError(err).Info("Join rejected")
		return session.Snapshot{}, err
	}
	e.idleSince = time.Time{}
	snap := relay.Join(m)
	s.mu.Unlock()

	if err := s.stateRepo.MarkRoomActive(ctx, roomID); err != nil {
		logCtx.WithError(err).Warn("Failed to mark room active")
	}
	go s.rooms.TouchRoom(context.Background(), roomID)
	return snap, nil
}

// LeaveRoom 把连接移出中继，房间为空时开始计算空闲时间
func (s *CollaborationService) LeaveRoom(roomID, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.relays[roomID]
	if !ok {
		return false
	}
	left := e.relay.Leave(connID)
	if e.relay.Len() == 0 && e.idleSince.IsZero() {
		e.idleSince = s.now()
	}
	return left
}

// HandleMessage 把成员发来的信封交给中继，返回新合并的操作。
func (s *CollaborationService) HandleMessage(roomID, connID string, env session.Envelope) ([]storage.Operation, error) {
	relay := s.lookup(roomID)
	if relay == nil {
		return nil, ErrRoomNotFound
	}
	fresh, err := relay.Handle(connID, env)
	if err != nil {
		if errors.Is(err, session.ErrMalformed) || errors.Is(err, session.ErrUnsupported) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
		}
		return nil, err
	}
	return fresh, nil
}

// RecordOps 为新合并的操作分配顺序号，写入最近历史、递增计数器并投递持久化任务。
func (s *CollaborationService) RecordOps(ctx context.Context, roomID, userID string, ops []storage.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "ops": len(ops)})

	// 1. 顺序号
	last, err := s.stateRepo.NextSeq(ctx, roomID, len(ops))
	if err != nil {
		logCtx.WithError(err).Error("Failed to allocate operation seq")
		return ErrInternalServer
	}
	first := last - uint64(len(ops)) + 1
	records := make([]domain.OperationRecord, len(ops))
	for i, op := range ops {
		records[i] = recordFromOperation(roomID, userID, first+uint64(i), op)
	}

	// 2. 最近历史和计数器，失败不影响持久化
	if err := s.stateRepo.PushHistory(ctx, roomID, records); err != nil {
		logCtx.WithError(err).Warn("Failed to push operations to history")
	}
	if _, err := s.stateRepo.IncrementOpCount(ctx, roomID, len(records)); err != nil {
		logCtx.WithError(err).Warn("Failed to increment op count")
	}

	// 3. 后台持久化
	task, err := tasks.NewOpPersistTask(roomID, records)
	if err != nil {
		logCtx.WithError(err).Error("Failed to build op persist task")
		return ErrInternalServer
	}
	info, err := s.enqueuer.EnqueueContext(ctx, task)
	if err != nil {
		logCtx.WithError(err).Error("Failed to enqueue op persist task")
		return ErrInternalServer
	}
	logCtx.WithFields(logrus.Fields{"task_id": info.ID, "last_seq": last}).Debug("Operations recorded")
	return nil
}

// Publish 把本实例处理过的信封发布给其他实例
func (s *CollaborationService) Publish(ctx context.Context, roomID string, env session.Envelope) error {
	payload, err := json.Marshal(relayMessage{Origin: s.instanceID, Envelope: env})
	if err != nil {
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}
	if err := s.stateRepo.Publish(ctx, roomID, payload); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Failed to publish envelope")
		return err
	}
	return nil
}

// forwardExternal 把房间频道上的消息交给 HandleExternal，订阅关闭后退出
func (s *CollaborationService) forwardExternal(roomID string, sub repository.Subscription) {
	for payload := range sub.Channel() {
		s.HandleExternal(roomID, payload)
	}
	logrus.WithField("room_id", roomID).Debug("Room channel subscription closed")
}

// HandleExternal 处理其他实例发布的消息，忽略本实例自己发出的。
func (s *CollaborationService) HandleExternal(roomID string, payload []byte) []storage.Operation {
	var msg relayMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		logrus.WithField("room_id", roomID).WithError(err).Warn("Dropping malformed relay message")
		return nil
	}
	if msg.Origin == s.instanceID {
		return nil
	}
	relay := s.lookup(roomID)
	if relay == nil {
		return nil
	}
	return relay.ApplyExternal(msg.Envelope)
}

// ActiveRoomIDs 返回本实例上打开的房间
func (s *CollaborationService) ActiveRoomIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.relays))
	for id := range s.relays {
		ids = append(ids, id)
	}
	return ids
}

// RoomState 实现 RoomStateSource
func (s *CollaborationService) RoomState(roomID string) (storage.State, bool) {
	relay := s.lookup(roomID)
	if relay == nil {
		return storage.State{}, false
	}
	return relay.Document().State(), true
}

// EvictIdle 为空闲超过 idleFor 的房间生成快照并卸载，返回卸载的房间。
func (s *CollaborationService) EvictIdle(ctx context.Context, idleFor time.Duration) []string {
	type candidate struct {
		roomID string
		relay  *session.Relay
		clock  uint64
	}
	now := s.now()
	var candidates []candidate
	s.mu.Lock()
	for id, e := range s.relays {
		if e.relay.Len() == 0 && !e.idleSince.IsZero() && now.Sub(e.idleSince) >= idleFor {
			candidates = append(candidates, candidate{roomID: id, relay: e.relay, clock: e.relay.Document().Clock()})
		}
	}
	s.mu.Unlock()

	var evicted []string
	for _, c := range candidates {
		logCtx := logrus.WithField("room_id", c.roomID)
		if err := s.snapshots.FlushRoom(ctx, c.roomID, s); err != nil {
			logCtx.WithError(err).Warn("Failed to snapshot idle room, keeping it loaded")
			continue
		}
		s.mu.Lock()
		e, ok := s.relays[c.roomID]
		// 快照期间有人加入或有新的外部操作则保留
		if ok && e.relay == c.relay && e.relay.Len() == 0 && e.relay.Document().Clock() == c.clock {
			delete(s.relays, c.roomID)
			evicted = append(evicted, c.roomID)
			if e.sub != nil {
				_ = e.sub.Close()
			}
		}
		s.mu.Unlock()
	}
	for _, id := range evicted {
		if err := s.stateRepo.CleanupRoomState(ctx, id); err != nil {
			logrus.WithField("room_id", id).WithError(err).Warn("Failed to cleanup room state")
		}
		logrus.WithField("room_id", id).Info("Idle room evicted")
	}
	return evicted
}

// Close 关闭所有房间频道订阅，房间副本保留在内存中直到进程退出
func (s *CollaborationService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.relays {
		if e.sub != nil {
			if err := e.sub.Close(); err != nil {
				logrus.WithField("room_id", id).WithError(err).Warn("Failed to close room subscription")
			}
			e.sub = nil
		}
	}
}

// LiveSettings 返回已打开房间当前的设置，房间未在本实例打开时 ok 为 false
func (s *CollaborationService) LiveSettings(roomID string) (domain.RoomSettings, bool) {
	relay := s.lookup(roomID)
	if relay == nil {
		return domain.RoomSettings{}, false
	}
	return RoomSettingsOf(relay.Document()), true
}
