package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	wshandler "github.com/Dizro/Collaborative-Code-Editor/internal/handler/websocket"
	"github.com/Dizro/Collaborative-Code-Editor/internal/hub"
	redisstate "github.com/Dizro/Collaborative-Code-Editor/internal/infra/state/redis"
	"github.com/Dizro/Collaborative-Code-Editor/internal/middleware"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository/mocks"
	"github.com/Dizro/Collaborative-Code-Editor/internal/service"
	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
)

const testSecret = "ws-test-secret"

type nopEnqueuer struct{}

func (nopEnqueuer) EnqueueContext(context.Context, *asynq.Task, ...asynq.Option) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{ID: "t"}, nil
}

func newServer(t *testing.T, settings domain.RoomSettings) (*httptest.Server, *service.AuthService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	stateRepo := redisstate.NewRedisStateRepository(client, "test:")

	roomRepo := new(mocks.RoomRepository)
	room := &domain.Room{ID: "room-1"}
	require.NoError(t, room.SetSettings(settings))
	roomRepo.On("FindByID", mock.Anything, "room-1").Return(room, nil).Maybe()
	roomRepo.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	snapRepo := new(mocks.SnapshotRepository)
	snapRepo.On("GetLatestSnapshot", mock.Anything, mock.Anything).Return(nil, repository.ErrSnapshotNotFound).Maybe()
	opRepo := new(mocks.OperationRepository)
	opRepo.On("ListSince", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Maybe()

	collab := service.NewCollaborationService(opRepo, stateRepo,
		service.NewSnapshotService(snapRepo, stateRepo), service.NewRoomService(roomRepo),
		nopEnqueuer{}, "inst-ws")
	h := hub.NewHub(collab)
	go h.Run()
	t.Cleanup(h.Stop)

	authService, err := service.NewAuthService(new(mocks.UserRepository), testSecret, 1)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/ws/room/:roomId", middleware.Auth(testSecret), wshandler.NewWebSocketHandler(h, collab, "*").HandleConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, authService
}

func dial(t *testing.T, srv *httptest.Server, authService *service.AuthService, name string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	token, _, err := authService.GuestSession(context.Background(), name)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/room/room-1?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func readType(t *testing.T, conn *websocket.Conn, typ session.MessageType) session.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		env, err := session.Decode(data)
		require.NoError(t, err)
		if env.Type == typ {
			return env
		}
	}
}

func TestWebSocketHandler_EditsReachOtherClient(t *testing.T) {
	// Arrange
	srv, authService := newServer(t, domain.DefaultRoomSettings())
	a, _, err := dial(t, srv, authService, "Ada")
	require.NoError(t, err)
	defer a.Close()
	readType(t, a, session.TypeSnapshot)
	b, _, err := dial(t, srv, authService, "Bob")
	require.NoError(t, err)
	defer b.Close()
	readType(t, b, session.TypeSnapshot)

	op, err := storage.Set(storage.Files, "main.go", domain.FileEntry{Content: "package main", Type: domain.KindFile, Language: "go"})
	require.NoError(t, err)
	op.ID = "op-1"
	op.Clock = storage.Stamp{Lamport: 1, Actor: "ada-replica"}
	data, err := session.Encode(session.Envelope{Type: session.TypeOp, Ops: []storage.Operation{op}})
	require.NoError(t, err)

	// Act
	require.NoError(t, a.WriteMessage(websocket.TextMessage, data))

	// Assert
	got := readType(t, b, session.TypeOp)
	require.Len(t, got.Ops, 1)
	assert.Equal(t, "main.go", got.Ops[0].Key)
	ack := readType(t, a, session.TypeAck)
	assert.Equal(t, []string{"op-1"}, ack.Acks)
}

func TestWebSocketHandler_RejectsBeforeUpgrade(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		srv, _ := newServer(t, domain.DefaultRoomSettings())
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/room/room-1"

		_, resp, err := websocket.DefaultDialer.Dial(url, nil)

		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("private room", func(t *testing.T) {
		settings := domain.DefaultRoomSettings()
		settings.IsPrivate = true
		settings.AllowedUsers = []string{"user-owner"}
		srv, authService := newServer(t, settings)

		_, resp, err := dial(t, srv, authService, "Eve")

		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
