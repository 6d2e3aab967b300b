// Package notify delivers user notifications. Delivery is best effort: the
// job flow enqueues and moves on, workers retry with backoff and give up
// after a bounded number of attempts.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/observability"
)

type Message struct {
	UserID  string         `json:"user_id"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Notify sends synchronously through s.
func Notify(ctx context.Context, s Sender, userID, kind string, payload map[string]any) error {
	return s.Send(ctx, Message{UserID: userID, Kind: kind, Payload: payload})
}

// LogSender only logs; used when no push endpoint is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Send(ctx context.Context, msg Message) error {
	logging.OrDiscard(l.Logger).InfoContext(ctx, "notification", "user_id", msg.UserID, "kind", msg.Kind)
	return nil
}

// Fallback tries Primary and falls back to Secondary when it fails.
type Fallback struct {
	Primary   Sender
	Secondary Sender
}

func (f Fallback) Send(ctx context.Context, msg Message) error {
	err := f.Primary.Send(ctx, msg)
	if err == nil || f.Secondary == nil {
		return err
	}
	if err2 := f.Secondary.Send(ctx, msg); err2 != nil {
		return errors.Join(err, err2)
	}
	return nil
}

// Retrying retries Next up to Attempts times, doubling Backoff between tries.
type Retrying struct {
	Next     Sender
	Attempts int
	Backoff  time.Duration
}

func (r Retrying) Send(ctx context.Context, msg Message) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := r.Backoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = r.Next.Send(ctx, msg); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// ErrQueueFull is returned when the async queue cannot take more messages.
var ErrQueueFull = errors.New("notification queue full")

// Async decouples callers from delivery. Notify never blocks; messages are
// delivered by a fixed pool of workers.
type Async struct {
	sender Sender
	queue  chan Message
	logger *slog.Logger
	done   chan struct{}
}

func NewAsync(sender Sender, queueSize int, logger *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Async{
		sender: sender,
		queue:  make(chan Message, queueSize),
		logger: logging.OrDiscard(logger).With("component", "notify"),
		done:   make(chan struct{}),
	}
}

// Start runs workers until ctx is cancelled, then drains what is queued and
// closes Done.
func (a *Async) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	finished := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { finished <- struct{}{} }()
			a.work(ctx)
		}()
	}
	go func() {
		for i := 0; i < workers; i++ {
			<-finished
		}
		close(a.done)
	}()
}

func (a *Async) Done() <-chan struct{} { return a.done }

func (a *Async) work(ctx context.Context) {
	for {
		select {
		case msg := <-a.queue:
			a.deliver(ctx, msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-a.queue:
					a.deliver(context.WithoutCancel(ctx), msg)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ctx context.Context, msg Message) {
	if err := a.sender.Send(ctx, msg); err != nil {
		observability.NotificationsTotal.WithLabelValues(msg.Kind, "failed").Inc()
		a.logger.Warn("notification delivery failed", "user_id", msg.UserID, "kind", msg.Kind, "error", err)
		return
	}
	observability.NotificationsTotal.WithLabelValues(msg.Kind, "sent").Inc()
}

// Notify enqueues the message without waiting for delivery.
func (a *Async) Notify(_ context.Context, userID, kind string, payload map[string]any) error {
	select {
	case a.queue <- Message{UserID: userID, Kind: kind, Payload: payload}:
		return nil
	default:
		observability.NotificationsTotal.WithLabelValues(kind, "dropped").Inc()
		return ErrQueueFull
	}
}
