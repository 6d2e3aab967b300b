// Package lifecycle owns job state. Every change goes through Transition,
// which commits the new state and its history entry together and then runs
// the post-commit side effects.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/storage"
)

const ActorSystem = "system"

// Notification kinds sent to the notify sink.
const (
	KindJobAssigned  = "job.assigned"
	KindJobStatus    = "job.status"
	KindJobArrived   = "job.arrived"
	KindJobCompleted = "job.completed"
)

// Realtime events sent to user rooms.
const (
	EventJobUpdate   = "job:update"
	EventJobAssigned = "job:assigned"
)

type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload map[string]any) error
}

type Broadcaster interface {
	BroadcastJobState(ctx context.Context, jobID string, state models.JobState, payload map[string]any) error
	SendToUser(ctx context.Context, userID, event string, payload any) error
}

type Payouts interface {
	CreditCommission(ctx context.Context, driverID, jobID string, quotedPrice int64) (*models.WalletTransaction, error)
}

// Listener observes committed transitions. Errors are logged only.
type Listener interface {
	JobTransitioned(ctx context.Context, job *models.Job, from models.JobState) error
}

type CreateJobInput struct {
	QuoteID     string
	CustomerID  string
	ServiceType string
	Origin      models.Coord
	Destination models.Coord
	QuotedPrice int64
}

type TransitionInput struct {
	JobID string
	To    models.JobState
	Actor string
	// DriverID is required for ASSIGNED and ignored otherwise.
	DriverID string
	Meta     map[string]any
	// RequireParty restricts the transition to the job's own parties, checked
	// against the locked row. See AuthorizeParty.
	RequireParty bool
}

type JobDetail struct {
	Job     *models.Job               `json:"job"`
	History []models.JobStatusHistory `json:"history"`
}

type Service struct {
	store       *storage.Client
	payouts     Payouts
	notifier    Notifier
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

func NewService(store *storage.Client, payouts Payouts, notifier Notifier, broadcaster Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		payouts:     payouts,
		notifier:    notifier,
		broadcaster: broadcaster,
		logger:      logging.OrDiscard(logger).With("component", "lifecycle"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// CreateJob redeems a quote into a CREATED job with its first history entry.
// A quote can be redeemed once.
func (s *Service) CreateJob(ctx context.Context, in CreateJobInput) (*models.Job, error) {
	switch {
	case in.CustomerID == "":
		return nil, apperr.New(apperr.CodeValidation, "customer id is required")
	case in.ServiceType == "":
		return nil, apperr.New(apperr.CodeValidation, "service type is required")
	case in.QuotedPrice < 0:
		return nil, apperr.New(apperr.CodeValidation, "quoted price must not be negative")
	}
	now := s.now()
	job := &models.Job{
		ID:          uuid.NewString(),
		CustomerID:  in.CustomerID,
		ServiceType: in.ServiceType,
		Origin:      in.Origin,
		Destination: in.Destination,
		QuotedPrice: in.QuotedPrice,
		State:       models.JobCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.QuoteID != "" {
		quote := in.QuoteID
		job.QuoteID = &quote
	}

	err := s.store.WithTx(ctx, "create job", func(tx *gorm.DB) error {
		jobs := storage.Jobs(tx)
		if job.QuoteID != nil {
			_, err := jobs.GetByQuote(*job.QuoteID)
			if err == nil {
				return apperr.Newf(apperr.CodeConflict, "quote %s already redeemed", *job.QuoteID)
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		if err := jobs.Create(job); err != nil {
			return err
		}
		return jobs.AppendHistory(&models.JobStatusHistory{
			JobID:     job.ID,
			State:     models.JobCreated,
			Actor:     in.CustomerID,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job created", "job_id", job.ID, "customer_id", job.CustomerID, "service_type", job.ServiceType)
	return job, nil
}

// Transition moves a job along one legal edge. The state change and its
// history entry commit atomically; side effects run after commit and never
// undo it.
func (s *Service) Transition(ctx context.Context, in TransitionInput) (*models.Job, error) {
	if !in.To.IsValid() {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown state %q", in.To)
	}
	if in.Actor == "" {
		in.Actor = ActorSystem
	}
	if in.To == models.JobAssigned && in.DriverID == "" {
		return nil, apperr.New(apperr.CodeValidation, "driver id is required for ASSIGNED")
	}

	var (
		job  *models.Job
		from models.JobState
	)
	err := s.store.WithTx(ctx, "transition job", func(tx *gorm.DB) error {
		jobs := storage.Jobs(tx)
		current, err := jobs.GetForUpdate(in.JobID)
		if err != nil {
			return err
		}
		from = current.State
		if in.RequireParty {
			if err := AuthorizeParty(current, in.To, in.Actor); err != nil {
				return err
			}
		}

		assigning := in.To == models.JobAssigned
		if assigning && current.DriverID != nil {
			return apperr.Newf(apperr.CodeJobAlreadyAssigned, "job %s already assigned", current.ID)
		}
		if !CanTransition(from, in.To) {
			return apperr.Newf(apperr.CodeInvalidTransition, "invalid state transition from %s to %s", from, in.To)
		}

		now := s.now()
		meta := copyMeta(in.Meta)
		updates := map[string]any{"state": in.To, "updated_at": now}
		switch {
		case assigning:
			updates["driver_id"] = in.DriverID
			meta["assigned_at"] = now.Format(time.RFC3339)
		case in.To == models.JobCancelled && current.DriverID != nil:
			updates["driver_id"] = nil
			meta["previous_driver_id"] = *current.DriverID
		}

		n, err := jobs.CompareAndSet(current.ID, from, assigning, updates)
		if err != nil {
			return err
		}
		if n == 0 {
			if assigning {
				return apperr.Newf(apperr.CodeJobAlreadyAssigned, "job %s already assigned", current.ID)
			}
			return apperr.Newf(apperr.CodeInvalidTransition, "job %s changed concurrently", current.ID)
		}

		rawMeta, err := encodeMeta(meta)
		if err != nil {
			return err
		}
		if err := jobs.AppendHistory(&models.JobStatusHistory{
			JobID:     current.ID,
			State:     in.To,
			Actor:     in.Actor,
			Meta:      rawMeta,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		current.State = in.To
		current.UpdatedAt = now
		switch {
		case assigning:
			driver := in.DriverID
			current.DriverID = &driver
		case in.To == models.JobCancelled:
			current.DriverID = nil
		}
		job = current
		return nil
	})
	if err != nil {
		if apperr.IsExpected(err) {
			s.logger.Debug("transition rejected", "job_id", in.JobID, "to", in.To, "error", err)
		} else {
			s.logger.Error("transition failed", "job_id", in.JobID, "to", in.To, "error", err)
		}
		return nil, err
	}

	observability.JobTransitionsTotal.WithLabelValues(string(from), string(in.To)).Inc()
	s.logger.Info("job transitioned", "job_id", job.ID, "from", from, "to", job.State, "actor", in.Actor)

	if err := s.afterCommit(ctx, job, from, in.Meta); err != nil {
		s.logger.Warn("transition side effects failed", "job_id", job.ID, "state", job.State, "error", err)
	}
	return job, nil
}

// afterCommit runs the side effects in their fixed order, collecting
// failures instead of stopping at the first one.
func (s *Service) afterCommit(ctx context.Context, job *models.Job, from models.JobState, meta map[string]any) error {
	var errs error
	record := func(effect string, err error) {
		if err == nil {
			return
		}
		observability.SideEffectFailuresTotal.WithLabelValues(effect).Inc()
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", effect, err))
	}
	base := map[string]any{"job_id": job.ID, "state": string(job.State)}

	switch job.State {
	case models.JobAssigned:
		record("notify_driver", s.notify(ctx, *job.DriverID, KindJobAssigned, withExtra(base, "service_type", job.ServiceType)))
		record("notify_customer", s.notify(ctx, job.CustomerID, KindJobStatus, withExtra(base, "driver_id", *job.DriverID)))
	case models.JobArrived:
		record("notify_customer", s.notify(ctx, job.CustomerID, KindJobArrived, base))
	case models.JobCompleted:
		if job.DriverID != nil && s.payouts != nil {
			_, err := s.payouts.CreditCommission(ctx, *job.DriverID, job.ID, job.QuotedPrice)
			record("commission", err)
		}
		record("notify_customer", s.notify(ctx, job.CustomerID, KindJobCompleted, base))
	default:
		record("notify_customer", s.notify(ctx, job.CustomerID, KindJobStatus, base))
	}

	if s.broadcaster != nil {
		payload := withExtra(base, "from", string(from))
		for k, v := range meta {
			payload[k] = v
		}
		record("broadcast_job", s.broadcaster.BroadcastJobState(ctx, job.ID, job.State, payload))
		record("send_customer", s.broadcaster.SendToUser(ctx, job.CustomerID, EventJobUpdate, job))
		if job.State == models.JobAssigned {
			record("send_driver", s.broadcaster.SendToUser(ctx, *job.DriverID, EventJobAssigned, job))
		}
	}

	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range listeners {
		record("listener", l.JobTransitioned(ctx, job, from))
	}
	return errs
}

func (s *Service) notify(ctx context.Context, userID, kind string, payload map[string]any) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Notify(ctx, userID, kind, payload)
}

func (s *Service) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job *models.Job
	err := s.store.Read(ctx, "get job", func(db *gorm.DB) error {
		var err error
		job, err = storage.Jobs(db).Get(id)
		return err
	})
	return job, err
}

// ViewJob returns the job with its history to its customer or driver.
func (s *Service) ViewJob(ctx context.Context, id, actor string) (*JobDetail, error) {
	var detail JobDetail
	err := s.store.Read(ctx, "view job", func(db *gorm.DB) error {
		jobs := storage.Jobs(db)
		job, err := jobs.Get(id)
		if err != nil {
			return err
		}
		if job.CustomerID != actor && (job.DriverID == nil || *job.DriverID != actor) {
			return apperr.ErrForbidden
		}
		detail.Job = job
		detail.History, err = jobs.History(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

func (s *Service) History(ctx context.Context, jobID string) ([]models.JobStatusHistory, error) {
	var out []models.JobStatusHistory
	err := s.store.Read(ctx, "job history", func(db *gorm.DB) error {
		var err error
		out, err = storage.Jobs(db).History(jobID)
		return err
	})
	return out, err
}

func (s *Service) ListCustomerJobs(ctx context.Context, customerID string, limit, offset int) ([]models.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var out []models.Job
	err := s.store.Read(ctx, "list customer jobs", func(db *gorm.DB) error {
		var err error
		out, err = storage.Jobs(db).ListByCustomer(customerID, limit, offset)
		return err
	})
	return out, err
}

// ActiveJobsForDriver lists jobs the driver is currently working, ASSIGNED
// through IN_PROGRESS.
func (s *Service) ActiveJobsForDriver(ctx context.Context, driverID string) ([]models.Job, error) {
	var out []models.Job
	err := s.store.Read(ctx, "active driver jobs", func(db *gorm.DB) error {
		var err error
		out, err = storage.Jobs(db).ActiveByDriver(driverID)
		return err
	})
	return out, err
}

func copyMeta(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func withExtra(base map[string]any, key string, value any) map[string]any {
	out := copyMeta(base)
	out[key] = value
	return out
}

func encodeMeta(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeValidation, err, "encode metadata")
	}
	return string(raw), nil
}
