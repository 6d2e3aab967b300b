package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type JobState string

const (
	JobCreated     JobState = "CREATED"
	JobDispatching JobState = "DISPATCHING"
	JobAssigned    JobState = "ASSIGNED"
	JobArriving    JobState = "ARRIVING"
	JobArrived     JobState = "ARRIVED"
	JobInProgress  JobState = "IN_PROGRESS"
	JobCompleted   JobState = "COMPLETED"
	JobCancelled   JobState = "CANCELLED"
)

var validJobStates = []JobState{
	JobCreated, JobDispatching, JobAssigned, JobArriving,
	JobArrived, JobInProgress, JobCompleted, JobCancelled,
}

func (s JobState) String() string { return string(s) }

func (s JobState) IsValid() bool {
	for _, candidate := range validJobStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are permitted.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// HasDriver reports whether a job in this state must carry a driver reference.
func (s JobState) HasDriver() bool {
	switch s {
	case JobAssigned, JobArriving, JobArrived, JobInProgress, JobCompleted:
		return true
	}
	return false
}

// Active states are the ones where a driver is on the way or working.
func (s JobState) IsActive() bool {
	return s.HasDriver() && s != JobCompleted
}

type Job struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CustomerID  string    `gorm:"type:varchar(64);not null;index" json:"customer_id"`
	DriverID    *string   `gorm:"type:varchar(64);index" json:"driver_id,omitempty"`
	QuoteID     *string   `gorm:"type:varchar(64);uniqueIndex" json:"quote_id,omitempty"`
	ServiceType string    `gorm:"type:varchar(32);not null" json:"service_type"`
	Origin      Coord     `gorm:"embedded;embeddedPrefix:origin_" json:"origin"`
	Destination Coord     `gorm:"embedded;embeddedPrefix:dest_" json:"destination"`
	QuotedPrice int64     `gorm:"not null" json:"quoted_price"`
	State       JobState  `gorm:"type:varchar(16);not null;index" json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// JobStatusHistory is append-only; ID order is insertion order.
type JobStatusHistory struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID     string    `gorm:"type:varchar(36);not null;index" json:"job_id"`
	State     JobState  `gorm:"type:varchar(16);not null" json:"state"`
	Actor     string    `gorm:"type:varchar(64);not null" json:"actor"`
	Meta      string    `gorm:"type:text" json:"meta,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (JobStatusHistory) TableName() string { return "job_status_history" }

type Offer struct {
	JobID     string    `json:"job_id"`
	DriverID  string    `json:"driver_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the offer is past its expiry at now.
func (o Offer) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

type DriverStatus string

const (
	DriverOnline    DriverStatus = "ONLINE"
	DriverOffline   DriverStatus = "OFFLINE"
	DriverSuspended DriverStatus = "SUSPENDED"
)

func (s DriverStatus) IsValid() bool {
	return s == DriverOnline || s == DriverOffline || s == DriverSuspended
}

type Driver struct {
	ID                string       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Status            DriverStatus `gorm:"type:varchar(16);not null" json:"status"`
	Capabilities      []string     `gorm:"serializer:json;type:text" json:"capabilities"`
	LastLat           *float64     `json:"last_lat,omitempty"`
	LastLon           *float64     `json:"last_lon,omitempty"`
	LocationUpdatedAt *time.Time   `json:"location_updated_at,omitempty"`
	AvgRating         float64      `gorm:"not null;default:0" json:"avg_rating"`
	RatingCount       int          `gorm:"not null;default:0" json:"rating_count"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (Driver) TableName() string { return "drivers" }

func (d Driver) Can(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

type Rating struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	JobID      string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"job_id"`
	CustomerID string    `gorm:"type:varchar(64);not null" json:"customer_id"`
	DriverID   string    `gorm:"type:varchar(64);not null;index" json:"driver_id"`
	Value      int       `gorm:"not null" json:"value"`
	Comment    string    `gorm:"type:text" json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Rating) TableName() string { return "ratings" }
