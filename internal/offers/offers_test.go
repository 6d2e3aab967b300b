package offers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/models"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func offer(job, driver string, created time.Time, ttl time.Duration) models.Offer {
	return models.Offer{JobID: job, DriverID: driver, CreatedAt: created, ExpiresAt: created.Add(ttl)}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Get(ctx, "j1", "d1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Put(ctx, offer("j1", "d1", base, time.Minute)))
	require.NoError(t, s.AddOffered(ctx, "j1", "d1"))
	require.NoError(t, s.Put(ctx, offer("j1", "d2", base, time.Minute)))
	require.NoError(t, s.AddOffered(ctx, "j1", "d2"))
	require.NoError(t, s.Put(ctx, offer("j2", "d1", base.Add(time.Second), time.Minute)))
	require.NoError(t, s.AddOffered(ctx, "j2", "d1"))

	got, err = s.Get(ctx, "j1", "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.ExpiresAt.Equal(base.Add(time.Minute)))

	ids, err := s.Offered(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, ids)

	list, err := s.ForDriver(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "j1", list[0].JobID)
	assert.Equal(t, "j2", list[1].JobID)

	require.NoError(t, s.Delete(ctx, "j1", "d2"))
	require.NoError(t, s.RemoveOffered(ctx, "j1", "d2"))
	got, err = s.Get(ctx, "j1", "d2")
	require.NoError(t, err)
	assert.Nil(t, got)
	ids, err = s.Offered(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, ids)

	require.NoError(t, s.Purge(ctx, "j1"))
	got, err = s.Get(ctx, "j1", "d1")
	require.NoError(t, err)
	assert.Nil(t, got)
	ids, err = s.Offered(ctx, "j1")
	require.NoError(t, err)
	assert.Empty(t, ids)
	list, err = s.ForDriver(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "j2", list[0].JobID)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(time.Minute))
}

func TestMemoryStoreKeepsExpiredUntilSweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(5 * time.Minute)
	now := base
	s.now = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, offer("j1", "d1", base, time.Minute)))

	now = base.Add(2 * time.Minute)
	assert.Equal(t, 0, s.Sweep(ctx))
	got, err := s.Get(ctx, "j1", "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Expired(now))

	now = base.Add(7 * time.Minute)
	assert.Equal(t, 1, s.Sweep(ctx))
	got, err = s.Get(ctx, "j1", "d1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, 5*time.Minute, nil)
	s.now = func() time.Time { return base }
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, _ := newRedisStore(t)
	exerciseStore(t, s)
}

func TestRedisStoreTTLIncludesRetention(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	require.NoError(t, s.Put(ctx, offer("j1", "d1", base, time.Minute)))
	assert.Equal(t, 6*time.Minute, mr.TTL("job_offer:j1:d1"))

	// past expiry but inside retention the record is still readable
	mr.FastForward(2 * time.Minute)
	got, err := s.Get(ctx, "j1", "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Expired(base.Add(2*time.Minute)))

	mr.FastForward(5 * time.Minute)
	got, err = s.Get(ctx, "j1", "d1")
	require.NoError(t, err)
	assert.Nil(t, got)

	list, err := s.ForDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRedisStoreIndexSetsExpire(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	require.NoError(t, s.Put(ctx, offer("j1", "d1", base, time.Minute)))
	require.NoError(t, s.AddOffered(ctx, "j1", "d1"))
	assert.Equal(t, 6*time.Minute, mr.TTL("driver_offers:d1"))
	assert.Equal(t, 6*time.Minute, mr.TTL("job_offers:j1"))

	// a shorter offer for the same driver never shortens the index
	require.NoError(t, s.Put(ctx, offer("j2", "d1", base, 10*time.Second)))
	assert.Equal(t, 6*time.Minute, mr.TTL("driver_offers:d1"))

	// a job that never leaves dispatch does not leak its sets
	mr.FastForward(7 * time.Minute)
	assert.False(t, mr.Exists("driver_offers:d1"))
	assert.False(t, mr.Exists("job_offers:j1"))
}

func TestRedisStorePrunesEvictedOffersFromDriverIndex(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)
	require.NoError(t, s.Put(ctx, offer("j1", "d1", base, time.Minute)))
	require.NoError(t, s.Put(ctx, offer("j2", "d1", base, time.Minute)))
	mr.Del("job_offer:j1:d1")

	list, err := s.ForDriver(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "j2", list[0].JobID)
	members, err := mr.SMembers("driver_offers:d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, members)
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	_, err := s.Get(context.Background(), "j1", "d1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrStoreUnavailable))
}
