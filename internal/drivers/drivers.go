// Package drivers manages driver profiles, positions and ratings, and keeps
// the spatial index in step with the driver table.
package drivers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/geo"
	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/observability"
	"github.com/example/field-dispatch/internal/storage"
)

type LocationBroadcaster interface {
	BroadcastLocation(ctx context.Context, jobID string, lat, lon float64, heading *float64) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, e ingest.LocationEvent) error
}

type ProfileInput struct {
	DriverID     string
	Status       models.DriverStatus
	Capabilities []string
}

type LocationInput struct {
	DriverID string
	Lat      float64
	Lon      float64
	Heading  *float64
}

type RatingInput struct {
	JobID      string
	CustomerID string
	Value      int
	Comment    string
}

type Service struct {
	store       *storage.Client
	index       geo.SpatialIndex
	broadcaster LocationBroadcaster
	publisher   LocationPublisher
	logger      *slog.Logger
	now         func() time.Time
}

// NewService wires the driver service. broadcaster and publisher may be nil.
func NewService(store *storage.Client, index geo.SpatialIndex, broadcaster LocationBroadcaster, publisher LocationPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		index:       index,
		broadcaster: broadcaster,
		publisher:   publisher,
		logger:      logging.OrDiscard(logger).With("component", "drivers"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// UpsertProfile creates or updates the driver and its index entry.
func (s *Service) UpsertProfile(ctx context.Context, in ProfileInput) (*models.Driver, error) {
	if in.DriverID == "" {
		return nil, apperr.New(apperr.CodeValidation, "driver id is required")
	}
	if !in.Status.IsValid() {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown driver status %q", in.Status)
	}
	now := s.now()
	var (
		driver *models.Driver
		online int64
	)
	err := s.store.WithTx(ctx, "upsert driver", func(tx *gorm.DB) error {
		repo := storage.Drivers(tx)
		if err := repo.Upsert(&models.Driver{
			ID:           in.DriverID,
			Status:       in.Status,
			Capabilities: in.Capabilities,
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return err
		}
		var err error
		if driver, err = repo.Get(in.DriverID); err != nil {
			return err
		}
		online, err = repo.CountOnline()
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.index.SetAvailability(ctx, driver.ID, driver.Status, driver.Capabilities); err != nil {
		return nil, err
	}
	observability.DriversOnline.Set(float64(online))
	s.logger.Info("driver profile updated", "driver_id", driver.ID, "status", driver.Status)
	return driver, nil
}

func (s *Service) Get(ctx context.Context, driverID string) (*models.Driver, error) {
	var d *models.Driver
	err := s.store.Read(ctx, "get driver", func(db *gorm.DB) error {
		var err error
		d, err = storage.Drivers(db).Get(driverID)
		return err
	})
	return d, err
}

// LastLocation returns nil when the driver has never reported a position.
func (s *Service) LastLocation(ctx context.Context, driverID string) (*models.Coord, error) {
	d, err := s.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if d.LastLat == nil || d.LastLon == nil {
		return nil, nil
	}
	return &models.Coord{Lat: *d.LastLat, Lon: *d.LastLon}, nil
}

// UpdateLocation stores the position and indexes it. Publishing and the
// broadcast to the driver's active jobs are best effort.
func (s *Service) UpdateLocation(ctx context.Context, in LocationInput) error {
	if err := validCoord(in.Lat, in.Lon); err != nil {
		return err
	}
	now := s.now()
	var active []models.Job
	err := s.store.WithTx(ctx, "update driver location", func(tx *gorm.DB) error {
		if err := storage.Drivers(tx).UpdateLocation(in.DriverID, in.Lat, in.Lon, now); err != nil {
			return err
		}
		var err error
		active, err = storage.Jobs(tx).ActiveByDriver(in.DriverID)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.index.UpdateLocation(ctx, in.DriverID, in.Lat, in.Lon); err != nil {
		return err
	}
	observability.LocationUpdatesTotal.WithLabelValues("api").Inc()

	var errs error
	if s.publisher != nil {
		errs = multierr.Append(errs, s.publisher.PublishLocation(ctx, ingest.LocationEvent{
			DriverID: in.DriverID, Lat: in.Lat, Lon: in.Lon, Heading: in.Heading, At: now,
		}))
	}
	if s.broadcaster != nil {
		for _, job := range active {
			errs = multierr.Append(errs, s.broadcaster.BroadcastLocation(ctx, job.ID, in.Lat, in.Lon, in.Heading))
		}
	}
	if errs != nil {
		observability.SideEffectFailuresTotal.WithLabelValues("location_fanout").Inc()
		s.logger.Warn("location fan-out failed", "driver_id", in.DriverID, "error", errs)
	}
	return nil
}

// Warm loads every online driver into the spatial index. Used at startup by
// the in-memory index.
func (s *Service) Warm(ctx context.Context) (int, error) {
	var online []models.Driver
	err := s.store.Read(ctx, "load online drivers", func(db *gorm.DB) error {
		var err error
		online, err = storage.Drivers(db).Online()
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, d := range online {
		if err := s.index.SetAvailability(ctx, d.ID, d.Status, d.Capabilities); err != nil {
			return 0, err
		}
		if d.LastLat != nil && d.LastLon != nil {
			if err := s.index.UpdateLocation(ctx, d.ID, *d.LastLat, *d.LastLon); err != nil {
				return 0, err
			}
		}
	}
	observability.DriversOnline.Set(float64(len(online)))
	return len(online), nil
}

// SubmitRating records the customer's rating of a completed job and folds it
// into the driver's running average. A job is rated once.
func (s *Service) SubmitRating(ctx context.Context, in RatingInput) (*models.Rating, error) {
	if in.Value < 1 || in.Value > 5 {
		return nil, apperr.New(apperr.CodeValidation, "rating must be between 1 and 5")
	}
	var rating *models.Rating
	err := s.store.WithTx(ctx, "submit rating", func(tx *gorm.DB) error {
		job, err := storage.Jobs(tx).Get(in.JobID)
		if err != nil {
			return err
		}
		if job.CustomerID != in.CustomerID {
			return apperr.ErrForbidden
		}
		if job.State != models.JobCompleted || job.DriverID == nil {
			return apperr.Newf(apperr.CodeValidation, "job %s is %s, only completed jobs can be rated", job.ID, job.State)
		}
		repo := storage.Drivers(tx)
		if _, err := repo.RatingForJob(job.ID); err == nil {
			return apperr.Newf(apperr.CodeConflict, "job %s already rated", job.ID)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		driver, err := repo.GetForUpdate(*job.DriverID)
		if err != nil {
			return err
		}
		rating = &models.Rating{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			CustomerID: in.CustomerID,
			DriverID:   driver.ID,
			Value:      in.Value,
			Comment:    in.Comment,
			CreatedAt:  s.now(),
		}
		if err := repo.CreateRating(rating); err != nil {
			return err
		}
		count := driver.RatingCount + 1
		avg := (driver.AvgRating*float64(driver.RatingCount) + float64(in.Value)) / float64(count)
		return repo.SetRating(driver.ID, avg, count)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("rating recorded", "job_id", rating.JobID, "driver_id", rating.DriverID, "value", rating.Value)
	return rating, nil
}

func validCoord(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return apperr.Newf(apperr.CodeValidation, "latitude out of range: %v", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return apperr.Newf(apperr.CodeValidation, "longitude out of range: %v", lon)
	}
	return nil
}
