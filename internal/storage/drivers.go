package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/field-dispatch/internal/models"
)

type DriverRepository struct {
	db *gorm.DB
}

func Drivers(db *gorm.DB) DriverRepository { return DriverRepository{db: db} }

// Upsert inserts the driver or overwrites its status and capabilities.
func (r DriverRepository) Upsert(d *models.Driver) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "capabilities", "updated_at"}),
	}).Create(d).Error
}

func (r DriverRepository) Get(id string) (*models.Driver, error) {
	var d models.Driver
	if err := r.db.Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r DriverRepository) GetForUpdate(id string) (*models.Driver, error) {
	var d models.Driver
	if err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateLocation records the last known position; it reports
// gorm.ErrRecordNotFound for unknown drivers.
func (r DriverRepository) UpdateLocation(id string, lat, lon float64, at time.Time) error {
	res := r.db.Model(&models.Driver{}).Where("id = ?", id).Updates(map[string]any{
		"last_lat":            lat,
		"last_lon":            lon,
		"location_updated_at": at,
		"updated_at":          at,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r DriverRepository) SetRating(id string, avg float64, count int) error {
	return r.db.Model(&models.Driver{}).Where("id = ?", id).Updates(map[string]any{
		"avg_rating":   avg,
		"rating_count": count,
	}).Error
}

func (r DriverRepository) CreateRating(rating *models.Rating) error {
	return r.db.Create(rating).Error
}

func (r DriverRepository) RatingForJob(jobID string) (*models.Rating, error) {
	var out models.Rating
	if err := r.db.Where("job_id = ?", jobID).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r DriverRepository) Online() ([]models.Driver, error) {
	var out []models.Driver
	err := r.db.Where("status = ?", models.DriverOnline).Find(&out).Error
	return out, err
}

func (r DriverRepository) CountOnline() (int64, error) {
	var n int64
	err := r.db.Model(&models.Driver{}).Where("status = ?", models.DriverOnline).Count(&n).Error
	return n, err
}
