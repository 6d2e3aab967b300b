package storage

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/field-dispatch/internal/models"
)

// JobRepository reads and writes jobs and their status history on whatever
// handle it was built with, a plain connection or a transaction.
type JobRepository struct {
	db *gorm.DB
}

func Jobs(db *gorm.DB) JobRepository { return JobRepository{db: db} }

func (r JobRepository) Create(job *models.Job) error {
	return r.db.Create(job).Error
}

func (r JobRepository) Get(id string) (*models.Job, error) {
	var job models.Job
	if err := r.db.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetForUpdate locks the job row for the rest of the transaction. sqlite has
// no row locks; its single connection already serializes writers.
func (r JobRepository) GetForUpdate(id string) (*models.Job, error) {
	var job models.Job
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CompareAndSet applies updates only while the job is still in state from
// (and unassigned, when requested). It returns the number of rows changed.
func (r JobRepository) CompareAndSet(id string, from models.JobState, requireUnassigned bool, updates map[string]any) (int64, error) {
	q := r.db.Model(&models.Job{}).Where("id = ? AND state = ?", id, from)
	if requireUnassigned {
		q = q.Where("driver_id IS NULL")
	}
	res := q.Updates(updates)
	return res.RowsAffected, res.Error
}

func (r JobRepository) AppendHistory(entry *models.JobStatusHistory) error {
	return r.db.Create(entry).Error
}

func (r JobRepository) History(jobID string) ([]models.JobStatusHistory, error) {
	var out []models.JobStatusHistory
	err := r.db.Where("job_id = ?", jobID).Order("id ASC").Find(&out).Error
	return out, err
}

func (r JobRepository) ListByCustomer(customerID string, limit, offset int) ([]models.Job, error) {
	var out []models.Job
	err := r.db.Where("customer_id = ?", customerID).
		Order("created_at DESC").Order("id ASC").
		Limit(limit).Offset(offset).
		Find(&out).Error
	return out, err
}

func (r JobRepository) ActiveByDriver(driverID string) ([]models.Job, error) {
	var out []models.Job
	err := r.db.Where("driver_id = ? AND state IN ?", driverID, []models.JobState{
		models.JobAssigned, models.JobArriving, models.JobArrived, models.JobInProgress,
	}).Order("created_at ASC").Find(&out).Error
	return out, err
}

func (r JobRepository) GetByQuote(quoteID string) (*models.Job, error) {
	var job models.Job
	if err := r.db.Where("quote_id = ?", quoteID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}
