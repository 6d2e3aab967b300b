package storage

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/field-dispatch/internal/models"
)

type PayoutRepository struct {
	db *gorm.DB
}

func Payouts(db *gorm.DB) PayoutRepository { return PayoutRepository{db: db} }

func (r PayoutRepository) Create(p *models.Payout) error {
	return r.db.Create(p).Error
}

func (r PayoutRepository) Get(id string) (*models.Payout, error) {
	var p models.Payout
	if err := r.db.Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r PayoutRepository) GetForUpdate(id string) (*models.Payout, error) {
	var p models.Payout
	if err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// Settle moves a PENDING payout to its final status. It reports the rows
// changed so callers can detect a payout that was settled concurrently.
func (r PayoutRepository) Settle(p *models.Payout) (int64, error) {
	res := r.db.Model(&models.Payout{}).
		Where("id = ? AND status = ?", p.ID, models.PayoutPending).
		Updates(map[string]any{
			"status":         p.Status,
			"gateway_ref":    p.GatewayRef,
			"transaction_id": p.TransactionID,
			"failure_reason": p.FailureReason,
			"settled_at":     p.SettledAt,
			"updated_at":     p.UpdatedAt,
		})
	return res.RowsAffected, res.Error
}

func (r PayoutRepository) ListByDriver(driverID string, limit, offset int) ([]models.Payout, error) {
	var out []models.Payout
	err := r.db.Where("driver_id = ?", driverID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&out).Error
	return out, err
}

func (r PayoutRepository) CountByDriver(driverID string) (int64, error) {
	var n int64
	err := r.db.Model(&models.Payout{}).Where("driver_id = ?", driverID).Count(&n).Error
	return n, err
}
