// Package dispatch runs the offer/accept protocol. Offers are advisory hints
// kept in an ephemeral store; the job row is ground truth and the accept race
// is settled by the lifecycle's conditional update.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/config"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/lifecycle"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/offers"
)

const (
	KindJobOffer  = "job.offer"
	EventJobOffer = "job:offer"
)

// UserSender pushes a realtime event to one user.
type UserSender interface {
	SendToUser(ctx context.Context, userID, event string, payload any) error
}

// ETAEstimator gives driving seconds between two points.
type ETAEstimator interface {
	Estimate(ctx context.Context, from, to models.Coord) float64
}

// Locator resolves a driver's last known position.
type Locator interface {
	LastLocation(ctx context.Context, driverID string) (*models.Coord, error)
}

type PendingOffer struct {
	Offer models.Offer `json:"offer"`
	Job   *models.Job  `json:"job"`
}

type Options struct {
	Notifier lifecycle.Notifier
	Realtime UserSender
	ETA      ETAEstimator
	Locator  Locator
	Logger   *slog.Logger
}

type Coordinator struct {
	jobs     *lifecycle.Service
	offers   offers.Store
	index    geo.SpatialIndex
	cfg      config.DispatchConfig
	notifier lifecycle.Notifier
	realtime UserSender
	eta      ETAEstimator
	locator  Locator
	logger   *slog.Logger
	now      func() time.Time
}

// NewCoordinator registers the coordinator as a lifecycle listener so offers
// are purged once a job leaves dispatch.
func NewCoordinator(jobs *lifecycle.Service, store offers.Store, index geo.SpatialIndex, cfg config.DispatchConfig, opts Options) *Coordinator {
	c := &Coordinator{
		jobs:     jobs,
		offers:   store,
		index:    index,
		cfg:      cfg,
		notifier: opts.Notifier,
		realtime: opts.Realtime,
		eta:      opts.ETA,
		locator:  opts.Locator,
		logger:   logging.OrDiscard(opts.Logger).With("component", "dispatch"),
		now:      time.Now,
	}
	jobs.AddListener(c)
	return c
}

// OfferJob offers a CREATED or DISPATCHING job to one driver. A CREATED job
// moves to DISPATCHING first. A ttl of zero uses the configured default.
func (c *Coordinator) OfferJob(ctx context.Context, jobID, driverID string, ttl time.Duration) (*models.Offer, error) {
	if driverID == "" {
		return nil, apperr.New(apperr.CodeValidation, "driver id is required")
	}
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return c.offer(ctx, job, driverID, ttl, nil)
}

func (c *Coordinator) offer(ctx context.Context, job *models.Job, driverID string, ttl time.Duration, loc *models.Coord) (*models.Offer, error) {
	if err := c.ensureDispatching(ctx, job); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = c.cfg.OfferTTL
	}
	now := c.now()
	offer := models.Offer{JobID: job.ID, DriverID: driverID, ExpiresAt: now.Add(ttl), CreatedAt: now}
	if err := c.offers.Put(ctx, offer); err != nil {
		return nil, err
	}
	if err := c.offers.AddOffered(ctx, job.ID, driverID); err != nil {
		return nil, err
	}
	observability.OffersTotal.Inc()
	c.logger.Info("job offered", "job_id", job.ID, "driver_id", driverID, "expires_at", offer.ExpiresAt)

	payload := map[string]any{
		"job_id":       job.ID,
		"service_type": job.ServiceType,
		"origin":       job.Origin,
		"destination":  job.Destination,
		"quoted_price": job.QuotedPrice,
		"expires_at":   offer.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if secs, ok := c.estimate(ctx, driverID, loc, job.Origin); ok {
		payload["eta_seconds"] = secs
	}
	var errs error
	if c.notifier != nil {
		errs = multierr.Append(errs, c.notifier.Notify(ctx, driverID, KindJobOffer, payload))
	}
	if c.realtime != nil {
		errs = multierr.Append(errs, c.realtime.SendToUser(ctx, driverID, EventJobOffer, payload))
	}
	if errs != nil {
		observability.SideEffectFailuresTotal.WithLabelValues("offer_notify").Inc()
		c.logger.Warn("offer notification failed", "job_id", job.ID, "driver_id", driverID, "error", errs)
	}
	return &offer, nil
}

func (c *Coordinator) ensureDispatching(ctx context.Context, job *models.Job) error {
	switch job.State {
	case models.JobDispatching:
		return nil
	case models.JobCreated:
	default:
		return apperr.Newf(apperr.CodeInvalidTransition, "job %s is %s, cannot be offered", job.ID, job.State)
	}
	updated, err := c.jobs.Transition(ctx, lifecycle.TransitionInput{
		JobID: job.ID,
		To:    models.JobDispatching,
		Actor: lifecycle.ActorSystem,
	})
	if err == nil {
		*job = *updated
		return nil
	}
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		return err
	}
	// another offer may have moved it first
	current, getErr := c.jobs.GetJob(ctx, job.ID)
	if getErr != nil {
		return getErr
	}
	if current.State != models.JobDispatching {
		return err
	}
	*job = *current
	return nil
}

func (c *Coordinator) estimate(ctx context.Context, driverID string, loc *models.Coord, to models.Coord) (float64, bool) {
	if c.eta == nil {
		return 0, false
	}
	if loc == nil && c.locator != nil {
		found, err := c.locator.LastLocation(ctx, driverID)
		if err != nil {
			c.logger.Debug("driver location unavailable for eta", "driver_id", driverID, "error", err)
		}
		loc = found
	}
	if loc == nil {
		return 0, false
	}
	return c.eta.Estimate(ctx, *loc, to), true
}

// AcceptOffer assigns the job to driverID if the driver holds a live offer
// and nobody else has won the job. Exactly one concurrent caller succeeds.
func (c *Coordinator) AcceptOffer(ctx context.Context, jobID, driverID string) (*models.Job, error) {
	job, err := c.accept(ctx, jobID, driverID)
	observability.AcceptsTotal.WithLabelValues(acceptOutcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (c *Coordinator) accept(ctx context.Context, jobID, driverID string) (*models.Job, error) {
	offer, err := c.offers.Get(ctx, jobID, driverID)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, c.missingOffer(ctx, jobID, driverID)
	}
	if offer.Expired(c.now()) {
		return nil, apperr.Newf(apperr.CodeOfferExpired, "offer for job %s expired at %s", jobID, offer.ExpiresAt.UTC().Format(time.RFC3339))
	}

	job, err := c.jobs.Transition(ctx, lifecycle.TransitionInput{
		JobID:    jobID,
		To:       models.JobAssigned,
		Actor:    driverID,
		DriverID: driverID,
	})
	if err != nil {
		return nil, err
	}

	if err := multierr.Combine(
		c.offers.Delete(ctx, jobID, driverID),
		c.offers.RemoveOffered(ctx, jobID, driverID),
	); err != nil {
		c.logger.Warn("offer cleanup failed", "job_id", jobID, "driver_id", driverID, "error", err)
	}
	c.logger.Info("offer accepted", "job_id", jobID, "driver_id", driverID)
	return job, nil
}

// missingOffer explains an absent offer from job state: a purged offer on a
// job someone else won still reads as a lost race.
func (c *Coordinator) missingOffer(ctx context.Context, jobID, driverID string) error {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case job.DriverID != nil:
		return apperr.Newf(apperr.CodeJobAlreadyAssigned, "job %s already assigned", jobID)
	case job.State.IsTerminal():
		return apperr.Newf(apperr.CodeInvalidTransition, "job %s is %s", jobID, job.State)
	}
	return apperr.Newf(apperr.CodeOfferNotFound, "no offer of job %s for driver %s", jobID, driverID)
}

func acceptOutcome(err error) string {
	if err == nil {
		return "accepted"
	}
	switch apperr.CodeOf(err) {
	case apperr.CodeOfferExpired:
		return "expired"
	case apperr.CodeOfferNotFound:
		return "not_found"
	case apperr.CodeJobAlreadyAssigned:
		return "lost"
	case apperr.CodeInvalidTransition:
		return "invalid"
	}
	return "error"
}

// PendingOffers lists the driver's live offers whose job is still
// DISPATCHING.
func (c *Coordinator) PendingOffers(ctx context.Context, driverID string) ([]PendingOffer, error) {
	list, err := c.offers.ForDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]PendingOffer, 0, len(list))
	for _, o := range list {
		if o.Expired(now) {
			continue
		}
		job, err := c.jobs.GetJob(ctx, o.JobID)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.State != models.JobDispatching {
			continue
		}
		out = append(out, PendingOffer{Offer: o, Job: job})
	}
	return out, nil
}

// FindCandidates returns fresh eligible drivers nearest first. Zero radius or
// limit use the configured defaults.
func (c *Coordinator) FindCandidates(ctx context.Context, origin models.Coord, capability string, radiusKm float64, limit int) ([]geo.Candidate, error) {
	if radiusKm <= 0 {
		radiusKm = c.cfg.SearchRadiusKm
	}
	if limit <= 0 {
		limit = c.cfg.CandidateLimit
	}
	start := time.Now()
	found, err := c.index.FindCandidates(ctx, origin, capability, radiusKm, limit)
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if c.cfg.LocationFreshness <= 0 {
		return found, nil
	}
	cutoff := c.now().Add(-c.cfg.LocationFreshness)
	fresh := found[:0]
	for _, cand := range found {
		if cand.UpdatedAt.Before(cutoff) {
			continue
		}
		fresh = append(fresh, cand)
	}
	return fresh, nil
}

// DispatchJob offers the job to every fresh candidate around its origin.
func (c *Coordinator) DispatchJob(ctx context.Context, jobID string) ([]models.Offer, error) {
	job, err := c.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobCreated && job.State != models.JobDispatching {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "job %s is %s, cannot be dispatched", job.ID, job.State)
	}
	candidates, err := c.FindCandidates(ctx, job.Origin, job.ServiceType, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, apperr.Newf(apperr.CodeNotFound, "no drivers available for job %s", job.ID)
	}
	made := make([]models.Offer, 0, len(candidates))
	for _, cand := range candidates {
		loc := cand.Location
		offer, err := c.offer(ctx, job, cand.DriverID, 0, &loc)
		if err != nil {
			return made, err
		}
		made = append(made, *offer)
	}
	return made, nil
}

// CancelJob cancels the job from any non-terminal state. Outstanding offers
// are purged by JobTransitioned.
func (c *Coordinator) CancelJob(ctx context.Context, jobID, actor string, meta map[string]any) (*models.Job, error) {
	return c.jobs.Transition(ctx, lifecycle.TransitionInput{
		JobID:        jobID,
		To:           models.JobCancelled,
		Actor:        actor,
		Meta:         meta,
		RequireParty: true,
	})
}

// JobTransitioned drops every offer of a job that has left dispatch.
func (c *Coordinator) JobTransitioned(ctx context.Context, job *models.Job, from models.JobState) error {
	if from != models.JobCreated && from != models.JobDispatching {
		return nil
	}
	if job.State == models.JobDispatching {
		return nil
	}
	return c.offers.Purge(ctx, job.ID)
}
