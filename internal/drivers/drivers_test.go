package drivers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/storage"
	"github.com/example/field-dispatch/internal/storage/storagetest"
)

type fanout struct {
	mu         sync.Mutex
	broadcasts []string
	published  []ingest.LocationEvent
	failWith   error
}

func (f *fanout) BroadcastLocation(_ context.Context, jobID string, _, _ float64, _ *float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, jobID)
	return f.failWith
}

func (f *fanout) PublishLocation(_ context.Context, e ingest.LocationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, e)
	return f.failWith
}

func newService(t *testing.T) (*Service, *storage.Client, *geo.Index, *fanout) {
	t.Helper()
	store := storagetest.NewDB(t)
	index := geo.NewIndex()
	fo := &fanout{}
	return NewService(store, index, fo, fo, nil), store, index, fo
}

func seedJob(t *testing.T, store *storage.Client, id string, state models.JobState, driverID string) {
	t.Helper()
	now := time.Now().UTC()
	job := &models.Job{ID: id, CustomerID: "cust-1", ServiceType: "towing", QuotedPrice: 1000, State: state, CreatedAt: now, UpdatedAt: now}
	if driverID != "" {
		job.DriverID = &driverID
	}
	require.NoError(t, storage.Jobs(store.DB()).Create(job))
}

func TestUpsertProfileFeedsIndex(t *testing.T) {
	svc, _, index, _ := newService(t)
	ctx := context.Background()

	d, err := svc.UpsertProfile(ctx, ProfileInput{DriverID: "drv-1", Status: models.DriverOnline, Capabilities: []string{"towing"}})
	require.NoError(t, err)
	assert.Equal(t, models.DriverOnline, d.Status)
	require.NoError(t, svc.UpdateLocation(ctx, LocationInput{DriverID: "drv-1", Lat: 12.9716, Lon: 77.5946}))

	got, err := index.FindCandidates(ctx, models.Coord{Lat: 12.9716, Lon: 77.5946}, "towing", 5, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = svc.UpsertProfile(ctx, ProfileInput{DriverID: "drv-1", Status: models.DriverOffline, Capabilities: []string{"towing"}})
	require.NoError(t, err)
	got, err = index.FindCandidates(ctx, models.Coord{Lat: 12.9716, Lon: 77.5946}, "towing", 5, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = svc.UpsertProfile(ctx, ProfileInput{DriverID: "drv-1", Status: "ASLEEP"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUpdateLocationPersistsAndFansOut(t *testing.T) {
	svc, store, _, fo := newService(t)
	ctx := context.Background()
	_, err := svc.UpsertProfile(ctx, ProfileInput{DriverID: "drv-1", Status: models.DriverOnline})
	require.NoError(t, err)
	seedJob(t, store, "job-active", models.JobArriving, "drv-1")
	seedJob(t, store, "job-done", models.JobCompleted, "drv-1")

	heading := 45.0
	require.NoError(t, svc.UpdateLocation(ctx, LocationInput{DriverID: "drv-1", Lat: 12.97, Lon: 77.59, Heading: &heading}))

	loc, err := svc.LastLocation(ctx, "drv-1")
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.Equal(t, 12.97, loc.Lat)
	assert.Equal(t, []string{"job-active"}, fo.broadcasts)
	require.Len(t, fo.published, 1)
	assert.Equal(t, &heading, fo.published[0].Heading)

	// same position twice is fine
	require.NoError(t, svc.UpdateLocation(ctx, LocationInput{DriverID: "drv-1", Lat: 12.97, Lon: 77.59}))
}

func TestUpdateLocationBroadcastFailureIsNotFatal(t *testing.T) {
	svc, store, _, fo := newService(t)
	ctx := context.Background()
	_, err := svc.UpsertProfile(ctx, ProfileInput{DriverID: "drv-1", Status: models.DriverOnline})
	require.NoError(t, err)
	seedJob(t, store, "job-active", models.JobAssigned, "drv-1")
	fo.failWith = errors.New("socket gone")

	require.NoError(t, svc.UpdateLocation(ctx, LocationInput{DriverID: "drv-1", Lat: 1, Lon: 2}))
	loc, err := svc.LastLocation(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, &models.Coord{Lat: 1, Lon: 2}, loc)
}

func TestUpdateLocationErrors(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	err := svc.UpdateLocation(ctx, LocationInput{DriverID: "ghost", Lat: 1, Lon: 2})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = svc.UpdateLocation(ctx, LocationInput{DriverID: "ghost", Lat: 91, Lon: 2})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestWarmLoadsOnlineDrivers(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.UpsertProfile(ctx, ProfileInput{DriverID: "drv-1", Status: models.DriverOnline, Capabilities: []string{"towing"}})
	require.NoError(t, err)
	require.NoError(t, svc.UpdateLocation(ctx, LocationInput{DriverID: "drv-1", Lat: 12.97, Lon: 77.59}))
	_, err = svc.UpsertProfile(ctx, ProfileInput{DriverID: "drv-2", Status: models.DriverOffline})
	require.NoError(t, err)

	fresh := geo.NewIndex()
	restarted := NewService(store, fresh, nil, nil, nil)
	n, err := restarted.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := fresh.FindCandidates(ctx, models.Coord{Lat: 12.97, Lon: 77.59}, "towing", 1, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "drv-1", got[0].DriverID)
}

func TestSubmitRating(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	_, err := svc.UpsertProfile(ctx, ProfileInput{DriverID: "drv-1", Status: models.DriverOnline})
	require.NoError(t, err)
	seedJob(t, store, "job-1", models.JobCompleted, "drv-1")
	seedJob(t, store, "job-2", models.JobCompleted, "drv-1")
	seedJob(t, store, "job-open", models.JobInProgress, "drv-1")

	_, err = svc.SubmitRating(ctx, RatingInput{JobID: "job-1", CustomerID: "cust-1", Value: 5})
	require.NoError(t, err)
	_, err = svc.SubmitRating(ctx, RatingInput{JobID: "job-2", CustomerID: "cust-1", Value: 4, Comment: "ok"})
	require.NoError(t, err)

	d, err := svc.Get(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, d.RatingCount)
	assert.InDelta(t, 4.5, d.AvgRating, 0.0001)

	_, err = svc.SubmitRating(ctx, RatingInput{JobID: "job-1", CustomerID: "cust-1", Value: 3})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = svc.SubmitRating(ctx, RatingInput{JobID: "job-open", CustomerID: "cust-1", Value: 3})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.SubmitRating(ctx, RatingInput{JobID: "job-2", CustomerID: "someone-else", Value: 3})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = svc.SubmitRating(ctx, RatingInput{JobID: "job-2", CustomerID: "cust-1", Value: 6})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	d, err = svc.Get(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, d.RatingCount)
}
