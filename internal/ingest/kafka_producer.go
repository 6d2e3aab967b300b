// Package ingest moves driver locations and job events through Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/field-dispatch/internal/models"
)

// LocationEvent is one driver position report.
type LocationEvent struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Heading  *float64  `json:"heading,omitempty"`
	At       time.Time `json:"at"`
}

// Validate rejects events the consumer must not apply.
func (e LocationEvent) Validate() error {
	switch {
	case e.DriverID == "":
		return errors.New("missing driver_id")
	case math.IsNaN(e.Lat) || e.Lat < -90 || e.Lat > 90:
		return fmt.Errorf("latitude out of range: %v", e.Lat)
	case math.IsNaN(e.Lon) || e.Lon < -180 || e.Lon > 180:
		return fmt.Errorf("longitude out of range: %v", e.Lon)
	}
	return nil
}

// DecodeLocation parses and validates a location message value.
func DecodeLocation(b []byte) (LocationEvent, error) {
	var e LocationEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("decode location: %w", err)
	}
	return e, e.Validate()
}

// JobEvent is emitted for every committed job transition.
type JobEvent struct {
	JobID       string          `json:"job_id"`
	CustomerID  string          `json:"customer_id"`
	DriverID    string          `json:"driver_id,omitempty"`
	From        models.JobState `json:"from"`
	To          models.JobState `json:"to"`
	QuotedPrice int64           `json:"quoted_price"`
	At          time.Time       `json:"at"`
}

// MessageWriter is the part of kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations MessageWriter
	jobs      MessageWriter
	timeout   time.Duration
}

func NewKafkaProducer(brokers []string, locationTopic, jobTopic string) *KafkaProducer {
	newWriter := func(topic string) MessageWriter {
		return kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	}
	return NewProducer(newWriter(locationTopic), newWriter(jobTopic))
}

// NewProducer builds a producer over existing writers. Either may be nil to
// disable that stream.
func NewProducer(locations, jobs MessageWriter) *KafkaProducer {
	return &KafkaProducer{locations: locations, jobs: jobs, timeout: 2 * time.Second}
}

// PublishLocation keys messages by driver so one driver's reports stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, e LocationEvent) error {
	if k.locations == nil {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return k.write(ctx, k.locations, e.DriverID, e)
}

// JobTransitioned publishes the transition as a JobEvent keyed by job.
func (k *KafkaProducer) JobTransitioned(ctx context.Context, job *models.Job, from models.JobState) error {
	if k.jobs == nil {
		return nil
	}
	e := JobEvent{
		JobID:       job.ID,
		CustomerID:  job.CustomerID,
		From:        from,
		To:          job.State,
		QuotedPrice: job.QuotedPrice,
		At:          job.UpdatedAt,
	}
	if job.DriverID != nil {
		e.DriverID = *job.DriverID
	}
	return k.write(ctx, k.jobs, job.ID, e)
}

func (k *KafkaProducer) write(ctx context.Context, w MessageWriter, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []MessageWriter{k.locations, k.jobs} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}
