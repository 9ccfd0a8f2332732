package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/observability"
)

// ErrQueueFull is returned by Notify when the delivery queue is saturated.
var ErrQueueFull = errors.New("dispatch: queue full")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("dispatch: closed")

// Sink is one delivery channel for notifications (websocket, push, broker...).
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n models.Notification) error
}

type Config struct {
	Workers int
	Queue   int
	Retries int
	Timeout time.Duration // per delivery attempt
	Backoff time.Duration // first retry delay, doubled per attempt
}

// Dispatcher delivers notifications asynchronously. Notify only enqueues;
// a pool of workers fans each notification out to every sink, retrying
// failed deliveries per sink.
type Dispatcher struct {
	Sinks  []Sink
	Logger *slog.Logger

	cfg    Config
	queue  chan models.Notification
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewDispatcher(cfg Config, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		Sinks:  sinks,
		Logger: logger,
		cfg:    cfg,
		queue:  make(chan models.Notification, cfg.Queue),
		now:    time.Now,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Notify enqueues a notification for userID and returns immediately.
func (d *Dispatcher) Notify(_ context.Context, userID string, typ models.EventType, payload map[string]any) error {
	n := models.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: d.now().UTC(),
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- n:
		observability.NotifyQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		observability.NotificationsTotal.WithLabelValues("queue", "dropped").Inc()
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits until the queue is drained
// or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for n := range d.queue {
		observability.NotifyQueueDepth.Set(float64(len(d.queue)))
		for _, s := range d.Sinks {
			d.deliver(s, n)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, n models.Notification) {
	delay := d.cfg.Backoff
	var err error
	for i := 0; i < d.cfg.Retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		err = s.Deliver(ctx, n)
		cancel()
		if err == nil {
			observability.NotificationsTotal.WithLabelValues(s.Name(), "delivered").Inc()
			return
		}
		if errors.Is(err, ErrNoSession) {
			observability.NotificationsTotal.WithLabelValues(s.Name(), "skipped").Inc()
			return
		}
		if i < d.cfg.Retries-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	observability.NotificationsTotal.WithLabelValues(s.Name(), "failed").Inc()
	d.Logger.Warn("notification delivery failed",
		"sink", s.Name(), "user_id", n.UserID, "type", n.Type, "notification_id", n.ID, "err", err)
}

// LogSink writes every notification to the logger. Useful when no other
// transport is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (l *LogSink) Name() string { return "log" }

func (l *LogSink) Deliver(_ context.Context, n models.Notification) error {
	l.Logger.Info("notification", "user_id", n.UserID, "type", n.Type, "notification_id", n.ID)
	return nil
}
