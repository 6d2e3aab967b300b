package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
)

// fakeApplier fails the first n updates.
type fakeApplier struct {
	fail  int
	calls int
}

func (f *fakeApplier) UpdateLocation(context.Context, string, float64, float64) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("index fail")
	}
	return nil
}

func TestApplyWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &fakeApplier{fail: 2}
	start := time.Now()
	err := applyWithRetry(context.Background(), f, ingest.LocationEvent{DriverID: "d1", Lat: 1, Lon: 2}, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestApplyWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{fail: 5}
	err := applyWithRetry(context.Background(), f, ingest.LocationEvent{DriverID: "d1"}, 3, 5*time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestHandleRejectsInvalidMessages(t *testing.T) {
	f := &fakeApplier{}
	c := &consumer{index: f, attempts: 1, logger: logging.Discard()}
	assert.ErrorIs(t, c.handle(context.Background(), []byte(`{"lat":1}`)), errInvalidMessage)
	assert.Zero(t, f.calls)
}

func TestHandleWritesToRedisIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	index := geo.NewRedisGeo(rc, "drivers_geo")
	ctx := context.Background()
	require.NoError(t, index.SetAvailability(ctx, "d1", models.DriverOnline, []string{"towing"}))

	c := &consumer{index: index, attempts: 2, delay: time.Millisecond, logger: logging.Discard()}
	require.NoError(t, c.handle(ctx, []byte(`{"driver_id":"d1","lat":12.97,"lon":77.59}`)))

	got, err := index.FindCandidates(ctx, models.Coord{Lat: 12.97, Lon: 77.59}, "towing", 1, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].DriverID)
}

// chanReader serves values from a channel until ctx ends.
type chanReader struct {
	values chan []byte
}

func (c *chanReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case v := <-c.values:
		return kafka.Message{Value: v}, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := &fakeApplier{}
	c := &consumer{index: f, attempts: 1, logger: logging.Discard()}
	ctx, cancel := context.WithCancel(context.Background())
	r := &chanReader{values: make(chan []byte)}
	done := make(chan struct{})
	go func() {
		c.run(ctx, r)
		close(done)
	}()
	r.values <- []byte(`{"driver_id":"d1","lat":1,"lon":2}`)
	r.values <- []byte(`not json`)
	r.values <- []byte(`{"driver_id":"d2","lat":3,"lon":4}`)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, 2, f.calls)
}
