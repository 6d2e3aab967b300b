package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/example/field-dispatch/internal/ingest"
	"github.com/example/field-dispatch/internal/observability"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	indexErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_index_errors_total",
		Help: "Location updates that failed after retries",
	})
)

const maxBackoff = 30 * time.Second

// LocationApplier is the part of the spatial index the consumer writes to.
type LocationApplier interface {
	UpdateLocation(ctx context.Context, driverID string, lat, lon float64) error
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type consumer struct {
	index    LocationApplier
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

var errInvalidMessage = errors.New("invalid location message")

// run reads until ctx is done, backing off on read errors.
func (c *consumer) run(ctx context.Context, r MessageReader) {
	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		if err := c.handle(ctx, m.Value); err != nil {
			c.logger.Warn("location not applied", "key", string(m.Key), "error", err)
		}
	}
}

func (c *consumer) handle(ctx context.Context, value []byte) error {
	msgsConsumed.Inc()
	e, err := ingest.DecodeLocation(value)
	if err != nil {
		msgsInvalid.Inc()
		return errors.Join(errInvalidMessage, err)
	}
	if err := applyWithRetry(ctx, c.index, e, c.attempts, c.delay); err != nil {
		indexErrors.Inc()
		return err
	}
	observability.LocationUpdatesTotal.WithLabelValues("kafka").Inc()
	return nil
}

// applyWithRetry writes the location, doubling delay between attempts.
func applyWithRetry(ctx context.Context, a LocationApplier, e ingest.LocationEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = a.UpdateLocation(ctx, e.DriverID, e.Lat, e.Lon); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
