package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	redisstate "github.com/Dizro/Collaborative-Code-Editor/internal/infra/state/redis"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository/mocks"
	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
	"github.com/Dizro/Collaborative-Code-Editor/internal/tasks"
)

// fakeEnqueuer 记录投递的任务
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(f.tasks)), Type: task.Type()}, nil
}

func (f *fakeEnqueuer) records(t *testing.T) []domain.OperationRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OperationRecord
	for _, task := range f.tasks {
		payload, err := tasks.ParseOpPersistPayload(task)
		require.NoError(t, err)
		out = append(out, payload.Records...)
	}
	return out
}

// member 是记录收到信封的房间成员
type member struct {
	id, user string
	mu       sync.Mutex
	got      []session.Envelope
}

func (m *member) ConnectionID() string { return m.id }
func (m *member) UserID() string       { return m.user }
func (m *member) Deliver(env session.Envelope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, env)
	return true
}

func (m *member) ofType(typ session.MessageType) []session.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Envelope
	for _, env := range m.got {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type collabFixture struct {
	svc       *service.CollaborationService
	stateRepo *redisstate.RedisStateRepository
	roomRepo  *mocks.RoomRepository
	snapRepo  *mocks.SnapshotRepository
	opRepo    *mocks.OperationRepository
	enqueuer  *fakeEnqueuer
}

func newCollabFixture(t *testing.T, stateRepo *redisstate.RedisStateRepository, instanceID string, settings domain.RoomSettings) *collabFixture {
	t.Helper()
	f := &collabFixture{
		stateRepo: stateRepo,
		roomRepo:  new(mocks.RoomRepository),
		snapRepo:  new(mocks.SnapshotRepository),
		opRepo:    new(mocks.OperationRepository),
		enqueuer:  &fakeEnqueuer{},
	}
	room := &domain.Room{ID: "room-1"}
	require.NoError(t, room.SetSettings(settings))
	f.roomRepo.On("FindByID", mock.Anything, "room-1").Return(room, nil).Maybe()
	f.roomRepo.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.snapRepo.On("GetLatestSnapshot", mock.Anything, "room-1").Return(nil, repository.ErrSnapshotNotFound).Maybe()
	f.opRepo.On("ListSince", mock.Anything, "room-1", mock.Anything, 0).Return(nil, nil).Maybe()

	snapshots := service.NewSnapshotService(f.snapRepo, stateRepo)
	rooms := service.NewRoomService(f.roomRepo)
	f.svc = service.NewCollaborationService(f.opRepo, stateRepo, snapshots, rooms, f.enqueuer, instanceID)
	t.Cleanup(f.svc.Close)
	return f
}

func fileOp(t *testing.T, id, path, content string, lamport uint64) storage.Operation {
	t.Helper()
	op, err := storage.Set(storage.Files, path, domain.FileEntry{Content: content, Type: domain.KindFile, Language: domain.LanguageForPath(path)})
	require.NoError(t, err)
	op.ID = id
	op.Sender = "conn-a"
	op.Clock = storage.Stamp{Lamport: lamport, Actor: "conn-a"}
	return op
}

func TestCollaborationService_JoinRoom_SeedsSettings(t *testing.T) {
	// Arrange
	stateRepo, _ := newStateRepo(t)
	settings := domain.DefaultRoomSettings()
	settings.RoomName = "Pairing"
	f := newCollabFixture(t, stateRepo, "inst-1", settings)
	m := &member{id: "conn-a", user: "user-1"}

	// Act
	snap, err := f.svc.JoinRoom(context.Background(), "room-1", m)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "conn-a", snap.ConnectionID)
	raw, ok := snap.State.Containers[storage.Settings]["roomName"]
	require.True(t, ok, "初始快照应包含房间设置")
	assert.JSONEq(t, `"Pairing"`, string(raw.Value))
	require.Len(t, m.ofType(session.TypeSnapshot), 1)

	records := f.enqueuer.records(t)
	require.NotEmpty(t, records, "写入的设置应进入操作日志")
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Seq)
		assert.Equal(t, string(storage.Settings), rec.Container)
	}
	assert.Equal(t, []string{"room-1"}, f.svc.ActiveRoomIDs())
}

func TestCollaborationService_Admit(t *testing.T) {
	ctx := context.Background()

	t.Run("room full", func(t *testing.T) {
		stateRepo, _ := newStateRepo(t)
		settings := domain.DefaultRoomSettings()
		settings.MaxUsers = 1
		f := newCollabFixture(t, stateRepo, "inst-1", settings)

		_, err := f.svc.JoinRoom(ctx, "room-1", &member{id: "conn-a", user: "user-1"})
		require.NoError(t, err)
		_, err = f.svc.JoinRoom(ctx, "room-1", &member{id: "conn-b", user: "user-2"})

		assert.ErrorIs(t, err, service.ErrRoomFull)
	})

	t.Run("private room allow-list", func(t *testing.T) {
		stateRepo, _ := newStateRepo(t)
		settings := domain.DefaultRoomSettings()
		settings.IsPrivate = true
		settings.AllowedUsers = []string{"user-1"}
		f := newCollabFixture(t, stateRepo, "inst-1", settings)

		_, err := f.svc.JoinRoom(ctx, "room-1", &member{id: "conn-b", user: "user-2"})
		assert.ErrorIs(t, err, service.ErrRoomPrivate)

		_, err = f.svc.JoinRoom(ctx, "room-1", &member{id: "conn-a", user: "user-1"})
		assert.NoError(t, err)
	})
}

func TestCollaborationService_HandleMessageAndRecord(t *testing.T) {
	// Arrange
	stateRepo, _ := newStateRepo(t)
	f := newCollabFixture(t, stateRepo, "inst-1", domain.DefaultRoomSettings())
	ctx := context.Background()
	a := &member{id: "conn-a", user: "user-1"}
	b := &member{id: "conn-b", user: "user-2"}
	_, err := f.svc.JoinRoom(ctx, "room-1", a)
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, "room-1", b)
	require.NoError(t, err)
	seeded := len(f.enqueuer.records(t))
	op := fileOp(t, "op-1", "main.ts", "let x = 1", 100)

	// Act
	fresh, err := f.svc.HandleMessage("room-1", "conn-a", session.Envelope{Type: session.TypeOp, Ops: []storage.Operation{op}})
	require.NoError(t, err)
	require.NoError(t, f.svc.RecordOps(ctx, "room-1", "user-1", fresh))
	dup, err := f.svc.HandleMessage("room-1", "conn-a", session.Envelope{Type: session.TypeOp, Ops: []storage.Operation{op}})

	// Assert
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
	assert.Empty(t, dup, "重复的操作不应再次合并")
	assert.Len(t, b.ofType(session.TypeOp), 1)
	assert.Len(t, a.ofType(session.TypeAck), 2, "发送方每次都应收到回执")

	records := f.enqueuer.records(t)
	require.Len(t, records, seeded+1)
	last := records[len(records)-1]
	assert.Equal(t, "op-1", last.OpID)
	assert.Equal(t, "user-1", last.UserID)
	assert.Equal(t, uint64(seeded+1), last.Seq)

	history, err := stateRepo.GetRecentHistory(ctx, "room-1", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "op-1", history[0].OpID)
	count, err := stateRepo.GetOpCount(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(seeded+1), count)
}

func TestCollaborationService_HandleMessage_Errors(t *testing.T) {
	// Arrange
	stateRepo, _ := newStateRepo(t)
	f := newCollabFixture(t, stateRepo, "inst-1", domain.DefaultRoomSettings())
	_, err := f.svc.JoinRoom(context.Background(), "room-1", &member{id: "conn-a", user: "user-1"})
	require.NoError(t, err)

	// Act
	_, errUnknownRoom := f.svc.HandleMessage("room-2", "conn-a", session.Envelope{Type: session.TypeOp})
	_, errBadType := f.svc.HandleMessage("room-1", "conn-a", session.Envelope{Type: session.TypeSnapshot})

	// Assert
	assert.ErrorIs(t, errUnknownRoom, service.ErrRoomNotFound)
	assert.ErrorIs(t, errBadType, service.ErrInvalidOperation)
}

func TestCollaborationService_HandleExternal(t *testing.T) {
	// Arrange
	stateRepo, _ := newStateRepo(t)
	f := newCollabFixture(t, stateRepo, "inst-1", domain.DefaultRoomSettings())
	m := &member{id: "conn-a", user: "user-1"}
	_, err := f.svc.JoinRoom(context.Background(), "room-1", m)
	require.NoError(t, err)

	env := session.Envelope{Type: session.TypeOp, Sender: "conn-remote", UserID: "user-9", Ops: []storage.Operation{fileOp(t, "op-ext", "x.py", "print(1)", 7)}}
	own, err := json.Marshal(map[string]any{"origin": "inst-1", "envelope": env})
	require.NoError(t, err)
	other, err := json.Marshal(map[string]any{"origin": "inst-2", "envelope": env})
	require.NoError(t, err)

	// Act
	fromSelf := f.svc.HandleExternal("room-1", own)
	fromOther := f.svc.HandleExternal("room-1", other)
	malformed := f.svc.HandleExternal("room-1", []byte("{"))

	// Assert
	assert.Empty(t, fromSelf, "本实例发出的消息应被忽略")
	assert.Len(t, fromOther, 1)
	assert.Empty(t, malformed)
	assert.Len(t, m.ofType(session.TypeOp), 1)
	st, ok := f.svc.RoomState("room-1")
	require.True(t, ok)
	assert.Contains(t, st.Containers[storage.Files], "x.py")
}

func TestCollaborationService_CrossInstanceFanOut(t *testing.T) {
	// Arrange: 两个实例共享同一个 Redis
	stateRepo, _ := newStateRepo(t)
	ctx := context.Background()
	one := newCollabFixture(t, stateRepo, "inst-1", domain.DefaultRoomSettings())
	two := newCollabFixture(t, stateRepo, "inst-2", domain.DefaultRoomSettings())
	a := &member{id: "conn-a", user: "user-1"}
	b := &member{id: "conn-b", user: "user-2"}
	_, err := one.svc.JoinRoom(ctx, "room-1", a)
	require.NoError(t, err)
	_, err = two.svc.JoinRoom(ctx, "room-1", b)
	require.NoError(t, err)

	// Act
	env := session.Envelope{Type: session.TypeOp, Ops: []storage.Operation{fileOp(t, "op-1", "main.ts", "x", 50)}}
	fresh, err := one.svc.HandleMessage("room-1", "conn-a", env)
	require.NoError(t, err)
	require.NoError(t, one.svc.Publish(ctx, "room-1", session.Envelope{Type: session.TypeOp, Sender: "conn-a", UserID: "user-1", Ops: fresh}))

	// Assert
	assert.Eventually(t, func() bool {
		st, ok := two.svc.RoomState("room-1")
		_, has := st.Containers[storage.Files]["main.ts"]
		return ok && has
	}, 2*time.Second, 10*time.Millisecond, "另一个实例应收到操作")
	assert.Eventually(t, func() bool {
		for _, env := range b.ofType(session.TypeOp) {
			for _, op := range env.Ops {
				if op.ID == "op-1" {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCollaborationService_ReloadReplaysHistory(t *testing.T) {
	// Arrange: 第一个实例记录操作后卸载
	stateRepo, _ := newStateRepo(t)
	ctx := context.Background()
	first := newCollabFixture(t, stateRepo, "inst-1", domain.DefaultRoomSettings())
	_, err := first.svc.JoinRoom(ctx, "room-1", &member{id: "conn-a", user: "user-1"})
	require.NoError(t, err)
	fresh, err := first.svc.HandleMessage("room-1", "conn-a", session.Envelope{Type: session.TypeOp, Ops: []storage.Operation{fileOp(t, "op-1", "keep.ts", "kept", 40)}})
	require.NoError(t, err)
	require.NoError(t, first.svc.RecordOps(ctx, "room-1", "user-1", fresh))

	// Act: 新实例打开同一个房间
	second := newCollabFixture(t, stateRepo, "inst-2", domain.DefaultRoomSettings())
	relay, err := second.svc.OpenRoom(ctx, "room-1")

	// Assert
	require.NoError(t, err)
	raw, ok := relay.Document().Lookup(storage.Files, "keep.ts")
	require.True(t, ok, "Redis 中的最近历史应被重放")
	var entry domain.FileEntry
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, "kept", entry.Content)
	assert.Empty(t, second.enqueuer.records(t), "已有设置时不应重复写入")
}

func TestCollaborationService_EvictIdle(t *testing.T) {
	// Arrange
	stateRepo, _ := newStateRepo(t)
	f := newCollabFixture(t, stateRepo, "inst-1", domain.DefaultRoomSettings())
	ctx := context.Background()
	_, err := f.svc.JoinRoom(ctx, "room-1", &member{id: "conn-a", user: "user-1"})
	require.NoError(t, err)
	f.snapRepo.On("SaveSnapshot", mock.Anything, mock.AnythingOfType("*domain.Snapshot")).Return(nil).Once()

	// Act
	busy := f.svc.EvictIdle(ctx, 0)
	assert.True(t, f.svc.LeaveRoom("room-1", "conn-a"))
	evicted := f.svc.EvictIdle(ctx, 0)

	// Assert
	assert.Empty(t, busy, "有成员的房间不应卸载")
	assert.Equal(t, []string{"room-1"}, evicted)
	assert.Empty(t, f.svc.ActiveRoomIDs())
	f.snapRepo.AssertExpectations(t)
	_, ok := f.svc.RoomState("room-1")
	assert.False(t, ok)
}
