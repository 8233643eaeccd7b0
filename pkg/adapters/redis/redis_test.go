package redis_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/storyguard/pkg/adapters/redis"
	"github.com/aretw0/storyguard/pkg/domain"
	"github.com/aretw0/storyguard/pkg/ports"
	"github.com/aretw0/storyguard/pkg/ports/tests"
)

var (
	_ ports.SnapshotStore     = (*redis.Store)(nil)
	_ ports.LedgerStore       = (*redis.LedgerStore)(nil)
	_ ports.DistributedLocker = (*redis.Locker)(nil)
	_ ports.EventPublisher    = (*redis.Publisher)(nil)
)

func setup(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := setup(t)
	tests.RunSnapshotStoreContract(t, redis.NewFromClient(client))
}

func TestRedisLedgerStore_Contract(t *testing.T) {
	_, client := setup(t)
	tests.RunLedgerStoreContract(t, redis.NewLedgerStore(client, "test:"))
}

func TestRedisStore_TTLExpiration(t *testing.T) {
	mr, client := setup(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := redis.NewFromClient(client,
		redis.WithTTL(time.Second),
		redis.WithPrefix("ttl:"),
		redis.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "session-ttl", &domain.SessionSnapshot{FlowID: "mentor"}))
	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"session-ttl"}, ids)

	mr.FastForward(2 * time.Second)
	now = now.Add(2 * time.Second)

	_, err = store.Load(ctx, "session-ttl")
	assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)

	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "expired sessions are pruned from the index")
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	mr, client := setup(t)
	locker := redis.NewLocker(client, "test:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "sweep", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:sweep"))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:lock:sweep"))
}

func TestRedisLocker_Contention(t *testing.T) {
	mr, client := setup(t)
	first := redis.NewLocker(client, "test:")
	second := redis.NewLocker(client, "test:")
	ctx := context.Background()

	unlock, err := first.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = second.Lock(short, "shared", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(ctx))

	unlock2, err := second.Lock(ctx, "shared", 5*time.Second)
	require.NoError(t, err)
	defer func() { _ = unlock2(ctx) }()
	assert.True(t, mr.Exists("test:lock:shared"))
}

func TestRedisLocker_StaleUnlockKeepsNewOwner(t *testing.T) {
	mr, client := setup(t)
	locker := redis.NewLocker(client, "test:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "session", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	unlock2, err := locker.Lock(ctx, "session", time.Minute)
	require.NoError(t, err)

	require.NoError(t, unlock(ctx))
	assert.True(t, mr.Exists("test:lock:session"), "expired holder must not release the new owner's lock")
	require.NoError(t, unlock2(ctx))
}

func TestRedisPublisher(t *testing.T) {
	_, client := setup(t)
	pub := redis.NewPublisher(client, "test:")
	ctx := context.Background()

	sub := client.Subscribe(ctx, pub.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(ctx, domain.Event{Type: domain.EventCriticalItemGranted, Tier: domain.TierAnnotated}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var evt domain.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
	assert.Equal(t, domain.EventCriticalItemGranted, evt.Type)
	assert.Equal(t, domain.TierAnnotated, evt.Tier)
}
