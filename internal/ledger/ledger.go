// Package ledger posts wallet transactions. Every posting locks the owner's
// wallet row, writes an immutable transaction carrying the resulting balance
// and updates the wallet under a version guard, all in one store transaction.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/storage"
)

type PostingInput struct {
	OwnerID        string
	Amount         int64
	Category       models.TransactionCategory
	Description    string
	ReferenceID    string
	IdempotencyKey string
	Metadata       map[string]any
}

type BalanceView struct {
	OwnerID   string `json:"owner_id"`
	Balance   int64  `json:"balance"`
	Locked    int64  `json:"locked"`
	Available int64  `json:"available"`
}

type TransactionPage struct {
	Transactions []models.WalletTransaction `json:"transactions"`
	Total        int64                      `json:"total"`
}

type Service struct {
	store         *storage.Client
	commissionPct decimal.Decimal
	logger        *slog.Logger
	now           func() time.Time
}

func NewService(store *storage.Client, commissionPct float64, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		commissionPct: decimal.NewFromFloat(commissionPct),
		logger:        logging.OrDiscard(logger).With("component", "ledger"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Credit(ctx context.Context, in PostingInput) (*models.WalletTransaction, error) {
	return s.post(ctx, models.TxCredit, in)
}

// Debit fails with ErrInsufficientAvailable when balance minus locked is
// below the amount; nothing is written in that case.
func (s *Service) Debit(ctx context.Context, in PostingInput) (*models.WalletTransaction, error) {
	return s.post(ctx, models.TxDebit, in)
}

func (in PostingInput) validate() error {
	if in.Amount <= 0 {
		return apperr.ErrInvalidAmount
	}
	if in.OwnerID == "" {
		return apperr.New(apperr.CodeValidation, "owner id is required")
	}
	if !in.Category.IsValid() {
		return apperr.Newf(apperr.CodeValidation, "unknown transaction category %q", in.Category)
	}
	return nil
}

func (s *Service) post(ctx context.Context, typ models.TransactionType, in PostingInput) (*models.WalletTransaction, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	var res posting
	err := s.store.WithTx(ctx, "ledger post", func(tx *gorm.DB) error {
		var err error
		res, err = s.postIn(storage.Wallets(tx), typ, in)
		return err
	})
	return s.finish(ctx, typ, in, res, err)
}

// DebitCumulative debits whatever part of total has not yet been debited to
// the owner under the same category and reference. Gateways that report a
// running total (refunded so far) post only the increment; a total at or
// below what is already posted is a no-op returning (nil, nil).
func (s *Service) DebitCumulative(ctx context.Context, in PostingInput, total int64) (*models.WalletTransaction, error) {
	if in.ReferenceID == "" {
		return nil, apperr.New(apperr.CodeValidation, "reference id is required")
	}
	in.Amount = total
	if err := in.validate(); err != nil {
		return nil, err
	}
	var res posting
	err := s.store.WithTx(ctx, "ledger cumulative debit", func(tx *gorm.DB) error {
		wallets := storage.Wallets(tx)
		w, err := wallets.EnsureForUpdate(in.OwnerID)
		if err != nil {
			return err
		}
		posted, err := wallets.SumByReference(w.ID, models.TxDebit, in.Category, in.ReferenceID)
		if err != nil {
			return err
		}
		if total <= posted {
			return nil
		}
		in.Amount = total - posted
		res, err = s.postLocked(wallets, w, models.TxDebit, in)
		return err
	})
	if err == nil && res.txn == nil {
		s.logger.Debug("cumulative debit already posted", "owner_id", in.OwnerID, "reference_id", in.ReferenceID, "total", total)
		return nil, nil
	}
	return s.finish(ctx, models.TxDebit, in, res, err)
}

type posting struct {
	txn      *models.WalletTransaction
	replayed bool
}

// postIn locks the owner's wallet inside tx and posts.
func (s *Service) postIn(wallets storage.WalletRepository, typ models.TransactionType, in PostingInput) (posting, error) {
	w, err := wallets.EnsureForUpdate(in.OwnerID)
	if err != nil {
		return posting{}, err
	}
	return s.postLocked(wallets, w, typ, in)
}

func (s *Service) postLocked(wallets storage.WalletRepository, w *models.Wallet, typ models.TransactionType, in PostingInput) (posting, error) {
	meta, err := encodeMeta(in.Metadata)
	if err != nil {
		return posting{}, err
	}
	// checked under the wallet lock so concurrent replays of one key
	// observe the first commit
	if in.IdempotencyKey != "" {
		prior, err := wallets.TransactionByKey(in.IdempotencyKey)
		if err != nil {
			return posting{}, err
		}
		if prior != nil {
			if err := sameRequest(prior, w.ID, typ, in); err != nil {
				return posting{}, err
			}
			return posting{txn: prior, replayed: true}, nil
		}
	}

	switch typ {
	case models.TxCredit:
		w.Balance += in.Amount
	case models.TxDebit:
		if w.Available() < in.Amount {
			return posting{}, apperr.Newf(apperr.CodeInsufficientAvailable,
				"available %d below debit %d", w.Available(), in.Amount)
		}
		w.Balance -= in.Amount
	}

	txn := &models.WalletTransaction{
		ID:             uuid.NewString(),
		WalletID:       w.ID,
		Type:           typ,
		Category:       in.Category,
		Amount:         in.Amount,
		BalanceAfter:   w.Balance,
		Description:    in.Description,
		ReferenceID:    optional(in.ReferenceID),
		IdempotencyKey: optional(in.IdempotencyKey),
		Metadata:       meta,
		CreatedAt:      s.now(),
	}
	if err := wallets.InsertTransaction(txn); err != nil {
		return posting{}, err
	}
	if err := wallets.Save(w); err != nil {
		return posting{}, err
	}
	return posting{txn: txn}, nil
}

// sameRequest rejects reuse of an idempotency key for a different posting.
func sameRequest(prior *models.WalletTransaction, walletID string, typ models.TransactionType, in PostingInput) error {
	if prior.WalletID != walletID || prior.Type != typ || prior.Category != in.Category || prior.Amount != in.Amount {
		return apperr.Newf(apperr.CodeConflict,
			"idempotency key %q already used for %s %s %d", in.IdempotencyKey, prior.Type, prior.Category, prior.Amount)
	}
	return nil
}

func (s *Service) finish(ctx context.Context, typ models.TransactionType, in PostingInput, res posting, err error) (*models.WalletTransaction, error) {
	if err != nil {
		// a concurrent writer with the same key won between our check and insert
		if in.IdempotencyKey != "" && errors.Is(err, apperr.ErrConflict) {
			if prior, lookupErr := s.transactionByKey(ctx, in.IdempotencyKey); lookupErr == nil && prior != nil {
				if prior.Type == typ && prior.Category == in.Category && prior.Amount == in.Amount {
					return prior, nil
				}
			}
		}
		if !apperr.IsExpected(err) {
			s.logger.Error("ledger posting failed", "owner_id", in.OwnerID, "type", typ, "error", err)
		}
		return nil, err
	}
	if res.replayed {
		s.logger.Debug("idempotent replay", "owner_id", in.OwnerID, "idempotency_key", in.IdempotencyKey)
		return res.txn, nil
	}
	observability.LedgerPostingsTotal.WithLabelValues(string(typ), string(in.Category)).Inc()
	return res.txn, nil
}

// Lock reserves amount of the available balance. No transaction row is
// written; balance is unchanged.
func (s *Service) Lock(ctx context.Context, ownerID string, amount int64) (*models.Wallet, error) {
	if amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	return s.adjustLocked(ctx, "ledger lock", ownerID, amount)
}

// Unlock releases a previous reservation; it cannot release more than is locked.
func (s *Service) Unlock(ctx context.Context, ownerID string, amount int64) (*models.Wallet, error) {
	if amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	return s.adjustLocked(ctx, "ledger unlock", ownerID, -amount)
}

func (s *Service) adjustLocked(ctx context.Context, op, ownerID string, delta int64) (*models.Wallet, error) {
	var out *models.Wallet
	err := s.store.WithTx(ctx, op, func(tx *gorm.DB) error {
		var err error
		out, err = adjustLockedIn(storage.Wallets(tx), ownerID, delta)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// adjustLockedIn moves delta into (positive) or out of (negative) the
// wallet's locked amount.
func adjustLockedIn(wallets storage.WalletRepository, ownerID string, delta int64) (*models.Wallet, error) {
	amount := delta
	if amount < 0 {
		amount = -amount
	}
	w, err := wallets.EnsureForUpdate(ownerID)
	if err != nil {
		return nil, err
	}
	if delta > 0 && w.Available() < amount {
		return nil, apperr.Newf(apperr.CodeInsufficientAvailable, "available %d below lock %d", w.Available(), amount)
	}
	if delta < 0 && w.Locked < amount {
		return nil, apperr.Newf(apperr.CodeInsufficientAvailable, "locked %d below unlock %d", w.Locked, amount)
	}
	w.Locked += delta
	if err := wallets.Save(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Tx runs ledger operations inside a caller's store transaction, so they
// commit or roll back together with the caller's own writes.
type Tx struct {
	s       *Service
	wallets storage.WalletRepository
}

func (s *Service) In(tx *gorm.DB) Tx {
	return Tx{s: s, wallets: storage.Wallets(tx)}
}

func (t Tx) Lock(ownerID string, amount int64) (*models.Wallet, error) {
	if amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	return adjustLockedIn(t.wallets, ownerID, amount)
}

func (t Tx) Unlock(ownerID string, amount int64) (*models.Wallet, error) {
	if amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	return adjustLockedIn(t.wallets, ownerID, -amount)
}

// Debit posts inside the transaction. The posting metric is counted when the
// debit is written, even if the caller later rolls back.
func (t Tx) Debit(in PostingInput) (*models.WalletTransaction, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	res, err := t.s.postIn(t.wallets, models.TxDebit, in)
	if err != nil {
		return nil, err
	}
	if !res.replayed {
		observability.LedgerPostingsTotal.WithLabelValues(string(models.TxDebit), string(in.Category)).Inc()
	}
	return res.txn, nil
}

// CreditCommission pays the driver the quoted price net of the platform
// commission, rounded half up to the minor unit. Replays for the same job are
// no-ops that return the original posting.
func (s *Service) CreditCommission(ctx context.Context, driverID, jobID string, quotedPrice int64) (*models.WalletTransaction, error) {
	commission := s.Commission(quotedPrice)
	net := quotedPrice - commission
	if net <= 0 {
		s.logger.Warn("no payout after commission", "job_id", jobID, "quoted_price", quotedPrice, "commission", commission)
		return nil, nil
	}
	return s.Credit(ctx, PostingInput{
		OwnerID:        driverID,
		Amount:         net,
		Category:       models.CategoryCommission,
		Description:    "Job payout (net of commission)",
		ReferenceID:    jobID,
		IdempotencyKey: "commission:" + jobID,
		Metadata: map[string]any{
			"job_id":         jobID,
			"quoted_price":   quotedPrice,
			"commission":     commission,
			"commission_pct": s.commissionPct.String(),
		},
	})
}

func (s *Service) Commission(quotedPrice int64) int64 {
	return decimal.NewFromInt(quotedPrice).
		Mul(s.commissionPct).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

// Balance reports zero for owners that never had a posting.
func (s *Service) Balance(ctx context.Context, ownerID string) (BalanceView, error) {
	view := BalanceView{OwnerID: ownerID}
	err := s.store.Read(ctx, "wallet balance", func(db *gorm.DB) error {
		w, err := storage.Wallets(db).GetByOwner(ownerID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		view.Balance, view.Locked, view.Available = w.Balance, w.Locked, w.Available()
		return nil
	})
	return view, err
}

func (s *Service) Transactions(ctx context.Context, ownerID string, limit, offset int) (TransactionPage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	page := TransactionPage{Transactions: []models.WalletTransaction{}}
	err := s.store.Read(ctx, "wallet transactions", func(db *gorm.DB) error {
		wallets := storage.Wallets(db)
		w, err := wallets.GetByOwner(ownerID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if page.Transactions, err = wallets.Transactions(w.ID, limit, offset); err != nil {
			return err
		}
		page.Total, err = wallets.CountTransactions(w.ID)
		return err
	})
	return page, err
}

// Reconcile verifies the stored balance against the transaction log and the
// locked bounds.
func (s *Service) Reconcile(ctx context.Context, ownerID string) error {
	return s.store.Read(ctx, "wallet reconcile", func(db *gorm.DB) error {
		wallets := storage.Wallets(db)
		w, err := wallets.GetByOwner(ownerID)
		if err != nil {
			return err
		}
		credits, debits, err := wallets.Totals(w.ID)
		if err != nil {
			return err
		}
		if w.Balance != credits-debits {
			return apperr.Newf(apperr.CodeInternal, "wallet %s balance %d != credits %d - debits %d", w.ID, w.Balance, credits, debits)
		}
		if w.Locked < 0 || w.Locked > w.Balance {
			return apperr.Newf(apperr.CodeInternal, "wallet %s locked %d outside [0, %d]", w.ID, w.Locked, w.Balance)
		}
		return nil
	})
}

func (s *Service) transactionByKey(ctx context.Context, key string) (*models.WalletTransaction, error) {
	var out *models.WalletTransaction
	err := s.store.Read(ctx, "wallet transaction by key", func(db *gorm.DB) error {
		var err error
		out, err = storage.Wallets(db).TransactionByKey(key)
		return err
	})
	return out, err
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
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
