package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/models"
)

var errStaleWallet = apperr.New(apperr.CodeConflict, "wallet version changed")

type WalletRepository struct {
	db *gorm.DB
}

func Wallets(db *gorm.DB) WalletRepository { return WalletRepository{db: db} }

// EnsureForUpdate creates the owner's wallet if missing and locks its row.
func (r WalletRepository) EnsureForUpdate(ownerID string) (*models.Wallet, error) {
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoNothing: true,
	}).Create(&models.Wallet{ID: uuid.NewString(), OwnerID: ownerID}).Error
	if err != nil {
		return nil, err
	}
	var w models.Wallet
	err = r.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("owner_id = ?", ownerID).First(&w).Error
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r WalletRepository) GetByOwner(ownerID string) (*models.Wallet, error) {
	var w models.Wallet
	if err := r.db.Where("owner_id = ?", ownerID).First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// Save writes balance and locked amount, guarded by the version read under
// lock. The stored version is bumped.
func (r WalletRepository) Save(w *models.Wallet) error {
	now := time.Now().UTC()
	res := r.db.Model(&models.Wallet{}).
		Where("id = ? AND version = ?", w.ID, w.Version).
		Updates(map[string]any{
			"balance":    w.Balance,
			"locked":     w.Locked,
			"version":    w.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errStaleWallet
	}
	w.Version++
	w.UpdatedAt = now
	return nil
}

func (r WalletRepository) InsertTransaction(tx *models.WalletTransaction) error {
	return r.db.Create(tx).Error
}

// TransactionByKey returns (nil, nil) when the key is unused.
func (r WalletRepository) TransactionByKey(key string) (*models.WalletTransaction, error) {
	var out models.WalletTransaction
	err := r.db.Where("idempotency_key = ?", key).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r WalletRepository) Transactions(walletID string, limit, offset int) ([]models.WalletTransaction, error) {
	var out []models.WalletTransaction
	err := r.db.Where("wallet_id = ?", walletID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&out).Error
	return out, err
}

func (r WalletRepository) CountTransactions(walletID string) (int64, error) {
	var n int64
	err := r.db.Model(&models.WalletTransaction{}).Where("wallet_id = ?", walletID).Count(&n).Error
	return n, err
}

// Totals sums credits and debits posted to the wallet.
func (r WalletRepository) Totals(walletID string) (credits, debits int64, err error) {
	var rows []struct {
		Type  models.TransactionType
		Total int64
	}
	err = r.db.Model(&models.WalletTransaction{}).
		Select("type, COALESCE(SUM(amount), 0) AS total").
		Where("wallet_id = ?", walletID).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return 0, 0, err
	}
	for _, row := range rows {
		switch row.Type {
		case models.TxCredit:
			credits = row.Total
		case models.TxDebit:
			debits = row.Total
		}
	}
	return credits, debits, nil
}

// SumByReference totals the postings of one type and category that carry
// reference.
func (r WalletRepository) SumByReference(walletID string, typ models.TransactionType, category models.TransactionCategory, reference string) (int64, error) {
	var total int64
	err := r.db.Model(&models.WalletTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("wallet_id = ? AND type = ? AND category = ? AND reference_id = ?", walletID, typ, category, reference).
		Scan(&total).Error
	return total, err
}
