package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/ledger"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/storage/storagetest"
)

// recorder captures every side effect in call order.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
}

func (r *recorder) add(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.failOn[call]
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Notify(_ context.Context, userID, kind string, _ map[string]any) error {
	return r.add(fmt.Sprintf("notify %s %s", userID, kind))
}

func (r *recorder) BroadcastJobState(_ context.Context, jobID string, state models.JobState, _ map[string]any) error {
	return r.add(fmt.Sprintf("broadcast %s", state))
}

func (r *recorder) SendToUser(_ context.Context, userID, event string, _ any) error {
	return r.add(fmt.Sprintf("send %s %s", userID, event))
}

func (r *recorder) CreditCommission(_ context.Context, driverID, jobID string, price int64) (*models.WalletTransaction, error) {
	return nil, r.add(fmt.Sprintf("commission %s %d", driverID, price))
}

func (r *recorder) JobTransitioned(_ context.Context, job *models.Job, from models.JobState) error {
	return r.add(fmt.Sprintf("listener %s->%s", from, job.State))
}

func newService(t *testing.T) (*Service, *recorder) {
	t.Helper()
	rec := &recorder{failOn: map[string]error{}}
	svc := NewService(storagetest.NewDB(t), rec, rec, rec, nil)
	svc.AddListener(rec)
	return svc, rec
}

func createJob(t *testing.T, svc *Service) *models.Job {
	t.Helper()
	job, err := svc.CreateJob(context.Background(), CreateJobInput{
		CustomerID:  "cust-1",
		ServiceType: "towing",
		Origin:      models.Coord{Lat: 12.97, Lon: 77.59},
		Destination: models.Coord{Lat: 12.99, Lon: 77.61},
		QuotedPrice: 1000,
	})
	require.NoError(t, err)
	return job
}

func move(t *testing.T, svc *Service, jobID string, to models.JobState, driver string) *models.Job {
	t.Helper()
	job, err := svc.Transition(context.Background(), TransitionInput{JobID: jobID, To: to, Actor: "tester", DriverID: driver})
	require.NoError(t, err, "transition to %s", to)
	return job
}

func TestCanTransitionTable(t *testing.T) {
	states := []models.JobState{
		models.JobCreated, models.JobDispatching, models.JobAssigned, models.JobArriving,
		models.JobArrived, models.JobInProgress, models.JobCompleted, models.JobCancelled,
	}
	legal := map[[2]models.JobState]bool{}
	for _, edge := range [][2]models.JobState{
		{models.JobCreated, models.JobDispatching},
		{models.JobDispatching, models.JobAssigned},
		{models.JobAssigned, models.JobArriving},
		{models.JobArriving, models.JobArrived},
		{models.JobArrived, models.JobInProgress},
		{models.JobInProgress, models.JobCompleted},
		{models.JobCreated, models.JobCancelled},
		{models.JobDispatching, models.JobCancelled},
		{models.JobAssigned, models.JobCancelled},
		{models.JobArriving, models.JobCancelled},
		{models.JobArrived, models.JobCancelled},
		{models.JobInProgress, models.JobCancelled},
	} {
		legal[edge] = true
	}
	for _, from := range states {
		for _, to := range states {
			assert.Equal(t, legal[[2]models.JobState{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.Empty(t, AllowedFrom(models.JobCompleted))
	assert.Empty(t, AllowedFrom(models.JobCancelled))
}

func TestCreateJobWritesHistory(t *testing.T) {
	svc, _ := newService(t)
	job := createJob(t, svc)
	assert.Equal(t, models.JobCreated, job.State)
	assert.Nil(t, job.DriverID)

	hist, err := svc.History(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, models.JobCreated, hist[0].State)
	assert.Equal(t, "cust-1", hist[0].Actor)
}

func TestQuoteRedeemedOnce(t *testing.T) {
	svc, _ := newService(t)
	in := CreateJobInput{QuoteID: "q-1", CustomerID: "c", ServiceType: "towing", QuotedPrice: 10}
	_, err := svc.CreateJob(context.Background(), in)
	require.NoError(t, err)
	_, err = svc.CreateJob(context.Background(), in)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestSideEffectOrder(t *testing.T) {
	svc, rec := newService(t)
	job := createJob(t, svc)

	move(t, svc, job.ID, models.JobDispatching, "")
	move(t, svc, job.ID, models.JobAssigned, "drv-1")
	move(t, svc, job.ID, models.JobArriving, "")
	move(t, svc, job.ID, models.JobArrived, "")
	move(t, svc, job.ID, models.JobInProgress, "")
	done := move(t, svc, job.ID, models.JobCompleted, "")
	require.NotNil(t, done.DriverID)
	assert.Equal(t, "drv-1", *done.DriverID)

	assert.Equal(t, []string{
		"notify cust-1 job.status",
		"broadcast DISPATCHING",
		"send cust-1 job:update",
		"listener CREATED->DISPATCHING",

		"notify drv-1 job.assigned",
		"notify cust-1 job.status",
		"broadcast ASSIGNED",
		"send cust-1 job:update",
		"send drv-1 job:assigned",
		"listener DISPATCHING->ASSIGNED",

		"notify cust-1 job.status",
		"broadcast ARRIVING",
		"send cust-1 job:update",
		"listener ASSIGNED->ARRIVING",

		"notify cust-1 job.arrived",
		"broadcast ARRIVED",
		"send cust-1 job:update",
		"listener ARRIVING->ARRIVED",

		"notify cust-1 job.status",
		"broadcast IN_PROGRESS",
		"send cust-1 job:update",
		"listener ARRIVED->IN_PROGRESS",

		"commission drv-1 1000",
		"notify cust-1 job.completed",
		"broadcast COMPLETED",
		"send cust-1 job:update",
		"listener IN_PROGRESS->COMPLETED",
	}, rec.Calls())

	hist, err := svc.History(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 7)
}

func TestInvalidTransitionLeavesStateAndHistory(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	job := createJob(t, svc)

	cases := []models.JobState{models.JobAssigned, models.JobArrived, models.JobCompleted, models.JobCreated}
	for _, to := range cases {
		_, err := svc.Transition(ctx, TransitionInput{JobID: job.ID, To: to, DriverID: "drv-1"})
		assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), "to %s: %v", to, err)
	}

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCreated, got.State)
	assert.Nil(t, got.DriverID)
	hist, err := svc.History(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
	assert.Empty(t, rec.Calls())
}

func TestTerminalJobsRejectTransitions(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	job := createJob(t, svc)
	move(t, svc, job.ID, models.JobCancelled, "")

	_, err := svc.Transition(ctx, TransitionInput{JobID: job.ID, To: models.JobDispatching})
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
	_, err = svc.Transition(ctx, TransitionInput{JobID: job.ID, To: models.JobCancelled})
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestUnknownJob(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Transition(context.Background(), TransitionInput{JobID: "nope", To: models.JobDispatching})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestSideEffectFailureDoesNotUnwind(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	job := createJob(t, svc)
	move(t, svc, job.ID, models.JobDispatching, "")

	rec.failOn["notify drv-1 job.assigned"] = errors.New("push gateway down")
	rec.failOn["broadcast ASSIGNED"] = errors.New("hub closed")
	got, err := svc.Transition(ctx, TransitionInput{JobID: job.ID, To: models.JobAssigned, DriverID: "drv-1"})
	require.NoError(t, err)
	assert.Equal(t, models.JobAssigned, got.State)

	// later effects still ran
	assert.Contains(t, rec.Calls(), "listener DISPATCHING->ASSIGNED")
	stored, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobAssigned, stored.State)
}

func TestAssignAlreadyAssigned(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	job := createJob(t, svc)
	move(t, svc, job.ID, models.JobDispatching, "")
	move(t, svc, job.ID, models.JobAssigned, "drv-1")

	_, err := svc.Transition(ctx, TransitionInput{JobID: job.ID, To: models.JobAssigned, DriverID: "drv-2"})
	assert.True(t, errors.Is(err, apperr.ErrJobAlreadyAssigned))
	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "drv-1", *got.DriverID)
}

func TestConcurrentAssignHasOneWinner(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	job := createJob(t, svc)
	move(t, svc, job.ID, models.JobDispatching, "")

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < racers; i++ {
		driver := fmt.Sprintf("drv-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Transition(ctx, TransitionInput{JobID: job.ID, To: models.JobAssigned, DriverID: driver, Actor: driver})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, driver)
				return
			}
			assert.True(t, errors.Is(err, apperr.ErrJobAlreadyAssigned), "loser got %v", err)
			losers++
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, racers-1, losers)
	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], *got.DriverID)
	hist, err := svc.History(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 3)
}

func TestCancelClearsDriverAndRecordsIt(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	job := createJob(t, svc)
	move(t, svc, job.ID, models.JobDispatching, "")
	move(t, svc, job.ID, models.JobAssigned, "drv-1")
	cancelled := move(t, svc, job.ID, models.JobCancelled, "")
	assert.Nil(t, cancelled.DriverID)

	hist, err := svc.History(ctx, job.ID)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Equal(t, models.JobCancelled, last.State)
	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(last.Meta), &meta))
	assert.Equal(t, "drv-1", meta["previous_driver_id"])

	for _, call := range rec.Calls() {
		assert.NotContains(t, call, "commission", "no payout on cancel")
	}
}

func TestViewJobAccess(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	job := createJob(t, svc)

	detail, err := svc.ViewJob(ctx, job.ID, "cust-1")
	require.NoError(t, err)
	assert.Len(t, detail.History, 1)

	_, err = svc.ViewJob(ctx, job.ID, "stranger")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	move(t, svc, job.ID, models.JobDispatching, "")
	move(t, svc, job.ID, models.JobAssigned, "drv-1")
	_, err = svc.ViewJob(ctx, job.ID, "drv-1")
	require.NoError(t, err)

	active, err := svc.ActiveJobsForDriver(ctx, "drv-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	list, err := svc.ListCustomerJobs(ctx, "cust-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRequirePartyRestrictsActors(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	job := createJob(t, svc)
	as := func(actor string, to models.JobState) error {
		_, err := svc.Transition(ctx, TransitionInput{JobID: job.ID, To: to, Actor: actor, DriverID: actor, RequireParty: true})
		return err
	}

	assert.ErrorIs(t, as("cust-1", models.JobDispatching), apperr.ErrInvalidTransition)
	move(t, svc, job.ID, models.JobDispatching, "")
	assert.ErrorIs(t, as("mallory", models.JobAssigned), apperr.ErrInvalidTransition)
	move(t, svc, job.ID, models.JobAssigned, "drv-1")

	assert.ErrorIs(t, as("mallory", models.JobArriving), apperr.ErrForbidden)
	assert.ErrorIs(t, as("cust-1", models.JobArriving), apperr.ErrForbidden)
	assert.ErrorIs(t, as("mallory", models.JobCancelled), apperr.ErrForbidden)
	require.NoError(t, as("drv-1", models.JobArriving))

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobArriving, got.State)
	hist, err := svc.History(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 4, "rejected transitions must not write history")

	require.NoError(t, as("cust-1", models.JobCancelled))
}

func TestAuthorizeParty(t *testing.T) {
	driver := "drv-1"
	job := &models.Job{ID: "j1", CustomerID: "cust-1", DriverID: &driver}
	assert.NoError(t, AuthorizeParty(job, models.JobCompleted, "drv-1"))
	assert.NoError(t, AuthorizeParty(job, models.JobCancelled, "drv-1"))
	assert.NoError(t, AuthorizeParty(job, models.JobCancelled, "cust-1"))
	assert.ErrorIs(t, AuthorizeParty(job, models.JobInProgress, "cust-1"), apperr.ErrForbidden)

	unassigned := &models.Job{ID: "j2", CustomerID: "cust-1"}
	assert.ErrorIs(t, AuthorizeParty(unassigned, models.JobArriving, "drv-1"), apperr.ErrForbidden)
	assert.ErrorIs(t, AuthorizeParty(unassigned, models.JobCancelled, "drv-1"), apperr.ErrForbidden)
	assert.ErrorIs(t, AuthorizeParty(unassigned, models.JobAssigned, "cust-1"), apperr.ErrInvalidTransition)
}

// Quoted 1000 at 15%: the driver is credited 850 on completion.
func TestCompletionCreditsDriverNetOfCommission(t *testing.T) {
	ctx := context.Background()
	db := storagetest.NewDB(t)
	ledgerSvc := ledger.NewService(db, 15, nil)
	rec := &recorder{failOn: map[string]error{}}
	svc := NewService(db, ledgerSvc, rec, rec, nil)

	_, err := ledgerSvc.Credit(ctx, ledger.PostingInput{OwnerID: "drv-1", Amount: 40, Category: models.CategoryAdjustment})
	require.NoError(t, err)

	job := createJob(t, svc)
	for _, st := range []models.JobState{models.JobDispatching, models.JobAssigned, models.JobArriving, models.JobArrived, models.JobInProgress, models.JobCompleted} {
		move(t, svc, job.ID, st, "drv-1")
	}

	page, err := ledgerSvc.Transactions(ctx, "drv-1", 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), page.Total)
	var payout *models.WalletTransaction
	for i := range page.Transactions {
		if page.Transactions[i].Category == models.CategoryCommission {
			payout = &page.Transactions[i]
		}
	}
	require.NotNil(t, payout)
	assert.Equal(t, int64(850), payout.Amount)
	assert.Equal(t, models.TxCredit, payout.Type)
	assert.Equal(t, int64(40+850), payout.BalanceAfter)
	require.NoError(t, ledgerSvc.Reconcile(ctx, "drv-1"))
}
