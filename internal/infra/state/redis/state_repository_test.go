package redisstate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	redisstate "github.com/Dizro/Collaborative-Code-Editor/internal/infra/state/redis"
	"github.com/Dizro/Collaborative-Code-Editor/internal/repository"
)

func newRepo(t *testing.T) (*redisstate.RedisStateRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstate.NewRedisStateRepository(client, "test:"), mr
}

func TestRedisStateRepository_Seq(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	cur, err := repo.GetCurrentSeq(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cur)

	last, err := repo.NextSeq(ctx, "room-1", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	last, err = repo.NextSeq(ctx, "room-1", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)

	cur, err = repo.GetCurrentSeq(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cur)
}

func TestRedisStateRepository_OpCount(t *testing.T) {
	repo, mr := newRepo(t)
	ctx := context.Background()

	n, err := repo.IncrementOpCount(ctx, "room-1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.True(t, mr.TTL("test:room:room-1:op_count") > 0, "计数器应设置过期时间")

	require.NoError(t, repo.ResetOpCount(ctx, "room-1"))
	n, err = repo.GetOpCount(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRedisStateRepository_HistoryIsTrimmed(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	records := make([]domain.OperationRecord, 0, 250)
	for i := 1; i <= 250; i++ {
		records = append(records, domain.OperationRecord{OpID: fmt.Sprintf("op-%d", i), RoomID: "room-1", Seq: uint64(i)})
	}
	require.NoError(t, repo.PushHistory(ctx, "room-1", records))

	all, err := repo.GetRecentHistory(ctx, "room-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 200)
	assert.Equal(t, uint64(51), all[0].Seq)
	assert.Equal(t, uint64(250), all[len(all)-1].Seq)

	recent, err := repo.GetRecentHistory(ctx, "room-1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 10)
	assert.Equal(t, uint64(241), recent[0].Seq)
}

func TestRedisStateRepository_SnapshotCache(t *testing.T) {
	repo, mr := newRepo(t)
	ctx := context.Background()

	_, err := repo.GetSnapshotCache(ctx, "room-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	snap := &domain.Snapshot{RoomID: "room-1", Data: `{"clock":2}`, Version: 9, CreatedAt: time.Now()}
	require.NoError(t, repo.SetSnapshotCache(ctx, "room-1", snap, time.Minute))

	got, err := repo.GetSnapshotCache(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), got.Version)
	assert.Equal(t, snap.Data, got.Data)

	mr.FastForward(2 * time.Minute)
	_, err = repo.GetSnapshotCache(ctx, "room-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRedisStateRepository_CheckRateLimit(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exceeded, err := repo.CheckRateLimit(ctx, "ip:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, exceeded)
	}
	exceeded, err := repo.CheckRateLimit(ctx, "ip:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, exceeded)
}

func TestRedisStateRepository_PubSub(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	sub, err := repo.Subscribe(ctx, "room-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, repo.Publish(ctx, "room-1", []byte(`{"type":"op"}`)))

	select {
	case msg := <-sub.Channel():
		assert.JSONEq(t, `{"type":"op"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("没有收到发布的消息")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "重复关闭应是安全的")
}

func TestRedisStateRepository_ActiveRoomsAndCleanup(t *testing.T) {
	repo, mr := newRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.MarkRoomActive(ctx, "room-1"))
	require.NoError(t, repo.MarkRoomActive(ctx, "room-2"))
	_, err := repo.NextSeq(ctx, "room-1", 7)
	require.NoError(t, err)
	_, err = repo.IncrementOpCount(ctx, "room-1", 7)
	require.NoError(t, err)
	now := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, repo.SetLastSnapshotTime(ctx, "room-1", now, time.Hour))
	require.NoError(t, repo.SetSnapshotCache(ctx, "room-1", &domain.Snapshot{RoomID: "room-1", Data: "{}", Version: 7}, time.Hour))

	last, err := repo.GetLastSnapshotTime(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, now.Equal(last))

	rooms, err := repo.GetActiveRooms(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room-1", "room-2"}, rooms)

	require.NoError(t, repo.CleanupRoomState(ctx, "room-1"))

	rooms, err = repo.GetActiveRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"room-2"}, rooms)
	assert.False(t, mr.Exists("test:room:room-1:op_count"))
	seq, err := repo.GetCurrentSeq(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq, "清理不应重置顺序号")
	last, err = repo.GetLastSnapshotTime(ctx, "room-1")
	require.NoError(t, err)
	assert.True(t, last.IsZero())
	cached, err := repo.GetSnapshotCache(ctx, "room-1")
	require.NoError(t, err, "快照缓存应保留")
	assert.Equal(t, uint64(7), cached.Version)
}

func TestNewRedisStateRepository_PanicsOnNilClient(t *testing.T) {
	assert.Panics(t, func() { redisstate.NewRedisStateRepository(nil, "") })
}
