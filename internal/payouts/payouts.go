// Package payouts withdraws driver earnings. A payout locks its amount in the
// driver's wallet while PENDING; settling it debits the wallet with a PAYOUT
// posting referencing the payout, failing it only releases the lock.
package payouts

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/ledger"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/storage"
)

// Realtime events sent to the driver.
const (
	EventPayoutRequested = "payout:requested"
	EventPayoutSettled   = "payout:settled"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload map[string]any) error
}

type InitiateInput struct {
	DriverID      string
	Amount        int64
	AccountNumber string
	IFSC          string
	AccountName   string
}

type Page struct {
	Payouts []models.Payout `json:"payouts"`
	Total   int64           `json:"total"`
}

type Service struct {
	store    *storage.Client
	ledger   *ledger.Service
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store *storage.Client, ledgerSvc *ledger.Service, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		ledger:   ledgerSvc,
		notifier: notifier,
		logger:   logging.OrDiscard(logger).With("component", "payouts"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (in InitiateInput) validate() error {
	if in.Amount <= 0 {
		return apperr.ErrInvalidAmount
	}
	var missing []string
	if in.DriverID == "" {
		missing = append(missing, "driver_id")
	}
	if strings.TrimSpace(in.AccountNumber) == "" {
		missing = append(missing, "account_number")
	}
	if strings.TrimSpace(in.IFSC) == "" {
		missing = append(missing, "ifsc")
	}
	if strings.TrimSpace(in.AccountName) == "" {
		missing = append(missing, "account_name")
	}
	if len(missing) > 0 {
		return apperr.Newf(apperr.CodeValidation, "missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Initiate records a PENDING payout and locks its amount. It fails with
// ErrInsufficientAvailable when the driver's available balance is short.
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (*models.Payout, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	now := s.now()
	p := &models.Payout{
		ID:           uuid.NewString(),
		DriverID:     in.DriverID,
		Amount:       in.Amount,
		Status:       models.PayoutPending,
		AccountName:  strings.TrimSpace(in.AccountName),
		AccountLast4: last4(in.AccountNumber),
		IFSC:         strings.ToUpper(strings.TrimSpace(in.IFSC)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.store.WithTx(ctx, "initiate payout", func(tx *gorm.DB) error {
		if _, err := storage.Drivers(tx).Get(in.DriverID); err != nil {
			return err
		}
		if _, err := s.ledger.In(tx).Lock(in.DriverID, in.Amount); err != nil {
			return err
		}
		return storage.Payouts(tx).Create(p)
	})
	if err != nil {
		if !apperr.IsExpected(err) {
			s.logger.Error("initiate payout failed", "driver_id", in.DriverID, "error", err)
		}
		return nil, err
	}
	observability.PayoutsTotal.WithLabelValues(string(models.PayoutPending)).Inc()
	s.logger.Info("payout requested", "payout_id", p.ID, "driver_id", p.DriverID, "amount", p.Amount)
	s.notify(ctx, p, EventPayoutRequested)
	return p, nil
}

// Complete settles a PENDING payout: the lock is released and the amount
// debited under category PAYOUT. Completing a completed payout returns it
// unchanged; completing a failed one is an invalid transition.
func (s *Service) Complete(ctx context.Context, payoutID, gatewayRef string) (*models.Payout, error) {
	return s.settle(ctx, payoutID, models.PayoutCompleted, func(tx *gorm.DB, p *models.Payout) error {
		lt := s.ledger.In(tx)
		if _, err := lt.Unlock(p.DriverID, p.Amount); err != nil {
			return err
		}
		txn, err := lt.Debit(ledger.PostingInput{
			OwnerID:        p.DriverID,
			Amount:         p.Amount,
			Category:       models.CategoryPayout,
			Description:    "payout to account ending " + p.AccountLast4,
			ReferenceID:    p.ID,
			IdempotencyKey: "payout:" + p.ID,
			Metadata:       map[string]any{"gateway_ref": gatewayRef},
		})
		if err != nil {
			return err
		}
		p.TransactionID = &txn.ID
		if gatewayRef != "" {
			p.GatewayRef = &gatewayRef
		}
		return nil
	})
}

// Fail releases a PENDING payout's lock without debiting.
func (s *Service) Fail(ctx context.Context, payoutID, reason string) (*models.Payout, error) {
	return s.settle(ctx, payoutID, models.PayoutFailed, func(tx *gorm.DB, p *models.Payout) error {
		if _, err := s.ledger.In(tx).Unlock(p.DriverID, p.Amount); err != nil {
			return err
		}
		p.FailureReason = reason
		return nil
	})
}

func (s *Service) settle(ctx context.Context, payoutID string, to models.PayoutStatus, apply func(tx *gorm.DB, p *models.Payout) error) (*models.Payout, error) {
	var (
		out      *models.Payout
		replayed bool
	)
	err := s.store.WithTx(ctx, "settle payout", func(tx *gorm.DB) error {
		payouts := storage.Payouts(tx)
		p, err := payouts.GetForUpdate(payoutID)
		if err != nil {
			return err
		}
		switch p.Status {
		case to:
			out, replayed = p, true
			return nil
		case models.PayoutPending:
		default:
			return apperr.Newf(apperr.CodeInvalidTransition, "payout %s is %s", p.ID, p.Status)
		}
		if err := apply(tx, p); err != nil {
			return err
		}
		now := s.now()
		p.Status = to
		p.SettledAt = &now
		p.UpdatedAt = now
		n, err := payouts.Settle(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.Newf(apperr.CodeConflict, "payout %s settled concurrently", p.ID)
		}
		out = p
		return nil
	})
	if err != nil {
		if !apperr.IsExpected(err) {
			s.logger.Error("settle payout failed", "payout_id", payoutID, "status", to, "error", err)
		}
		return nil, err
	}
	if replayed {
		s.logger.Debug("payout already settled", "payout_id", payoutID, "status", to)
		return out, nil
	}
	observability.PayoutsTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info("payout settled", "payout_id", out.ID, "driver_id", out.DriverID, "status", to, "amount", out.Amount)
	s.notify(ctx, out, EventPayoutSettled)
	return out, nil
}

// Get returns the payout to the driver it belongs to.
func (s *Service) Get(ctx context.Context, payoutID, driverID string) (*models.Payout, error) {
	var p *models.Payout
	err := s.store.Read(ctx, "get payout", func(db *gorm.DB) error {
		var err error
		p, err = storage.Payouts(db).Get(payoutID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.DriverID != driverID {
		return nil, apperr.ErrForbidden
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, driverID string, limit, offset int) (Page, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	var page Page
	err := s.store.Read(ctx, "list payouts", func(db *gorm.DB) error {
		payouts := storage.Payouts(db)
		var err error
		if page.Payouts, err = payouts.ListByDriver(driverID, limit, offset); err != nil {
			return err
		}
		page.Total, err = payouts.CountByDriver(driverID)
		return err
	})
	if page.Payouts == nil {
		page.Payouts = []models.Payout{}
	}
	return page, err
}

func (s *Service) notify(ctx context.Context, p *models.Payout, kind string) {
	if s.notifier == nil {
		return
	}
	payload := map[string]any{"payout_id": p.ID, "status": p.Status, "amount": p.Amount}
	if err := s.notifier.Notify(ctx, p.DriverID, kind, payload); err != nil {
		observability.SideEffectFailuresTotal.WithLabelValues("payout_notify").Inc()
		s.logger.Warn("payout notification failed", "payout_id", p.ID, "error", err)
	}
}

func last4(account string) string {
	account = strings.ReplaceAll(strings.TrimSpace(account), " ", "")
	if len(account) <= 4 {
		return account
	}
	return account[len(account)-4:]
}
