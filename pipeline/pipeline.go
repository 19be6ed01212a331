// Package pipeline runs monitor cycles and fans their notifications out to
// the webhook and the event log.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/models"
	"github.com/aluiziolira/go-price-monitor/notify"
)

var (
	// ErrDispatcherClosed is returned when Dispatch is called after shutdown.
	ErrDispatcherClosed = errors.New("pipeline: dispatcher closed")
	// ErrDispatcherCloseTimeout is returned when workers do not drain in time.
	ErrDispatcherCloseTimeout = errors.New("pipeline: dispatcher close timed out")
)

var drainTimeout = 30 * time.Second

// seenCapacity bounds the dedupe keys kept in memory. Keys carry the day, so
// only the most recent days matter.
const seenCapacity = 8192

// EventLog records delivered notifications.
type EventLog interface {
	Write(notifications []models.Notification) error
	Close() error
	Validate() error
}

// Dispatcher delivers notifications after a cycle has been committed.
// Delivery and event log failures are counted and logged; they never reach
// the cycle and never stop later deliveries.
type Dispatcher struct {
	ctx       context.Context
	sink      notify.Sink
	eventLog  EventLog
	ch        chan models.Notification
	batchSize int

	wg sync.WaitGroup

	seen *lru.Cache[string, struct{}]

	counters counters
	metrics  *Metrics
	logger   *slog.Logger

	mu     sync.Mutex // guards closed/err; err is the first event log error
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewDispatcher builds a dispatcher. sink and eventLog may be nil.
func NewDispatcher(ctx context.Context, sink notify.Sink, eventLog EventLog, cfg *config.Config, m *Metrics) *Dispatcher {
	batchSize, buffer := 16, 256
	if cfg != nil {
		if cfg.BatchSize > 0 {
			batchSize = cfg.BatchSize
		}
		if cfg.BufferSize > 0 {
			buffer = cfg.BufferSize
		}
	}
	// only fails for a non-positive size
	seen, _ := lru.New[string, struct{}](seenCapacity)
	return &Dispatcher{
		ctx:       ctx,
		sink:      sink,
		eventLog:  eventLog,
		ch:        make(chan models.Notification, buffer),
		batchSize: batchSize,
		seen:      seen,
		counters:  counters{failures: make(map[string]int)},
		metrics:   m,
		logger:    slog.Default().With("component", "dispatcher"),
		shutdown:  make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Dispatch enqueues notifications for delivery.
func (d *Dispatcher) Dispatch(notifications ...models.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	if d.isClosed() {
		return ErrDispatcherClosed
	}

	for _, n := range notifications {
		if err := d.enqueue(n); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting notifications and waits for the queue to drain.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
	}
	d.mu.Unlock()

	d.signalShutdown()
	d.closeOnce.Do(func() {
		close(d.ch)
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return d.Err()
	case <-time.After(drainTimeout):
		return fmt.Errorf("%w after %s", ErrDispatcherCloseTimeout, drainTimeout)
	}
}

// Err returns the first event log error encountered, if any.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// GetMetrics returns a snapshot of the internal counters.
func (d *Dispatcher) GetMetrics() map[string]interface{} {
	return d.counters.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (d *Dispatcher) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				snap := d.GetMetrics()
				d.logger.Info("dispatcher progress",
					"sent", snap["sent"].(int64),
					"failed", len(snap["failures"].(map[string]int)),
					"duplicates", snap["duplicates"].(int64),
				)
			case <-d.shutdown:
				return
			}
		}
	}()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	batch := make([]models.Notification, 0, d.batchSize)
	flush := func() {
		if len(batch) > 0 && d.eventLog != nil {
			if err := d.eventLog.Write(batch); err != nil {
				d.logWriteFailed(len(batch), err)
			}
		}
		batch = batch[:0]
	}

	for n := range d.ch {
		if !d.deliver(n) {
			continue
		}
		batch = append(batch, n)
		if len(batch) >= d.batchSize {
			flush()
		}
	}
	flush()
}

// logWriteFailed drops a batch the event log rejected. The notifications were
// already delivered, so only the record of them is lost.
func (d *Dispatcher) logWriteFailed(size int, err error) {
	d.counters.addFailure("event_log")
	d.metrics.ObserveNotification("batch", "event_log_error")
	d.logger.Error("write event log", "batch", size, slog.Any("error", err))

	d.mu.Lock()
	if d.err == nil {
		d.err = fmt.Errorf("write event log: %w", err)
	}
	d.mu.Unlock()
}

// deliver sends n and reports whether it belongs in the event log.
func (d *Dispatcher) deliver(n models.Notification) bool {
	if ok, _ := d.seen.ContainsOrAdd(dedupeKey(n), struct{}{}); ok {
		d.counters.addDuplicate()
		d.metrics.ObserveNotification(n.Kind, "duplicate")
		return false
	}

	if d.sink == nil {
		d.logger.Info("notification", "category", n.Category, "identity", string(n.Identity), "kind", n.Kind, "message", n.Message)
		d.counters.addSent()
		d.metrics.ObserveNotification(n.Kind, "logged")
		return true
	}

	if err := d.sink.Send(d.ctx, n); err != nil {
		label := transportLabel(err)
		d.counters.addFailure(label)
		d.metrics.ObserveNotification(n.Kind, label)
		d.logger.Warn("notification delivery failed",
			"category", n.Category,
			"identity", string(n.Identity),
			"kind", n.Kind,
			slog.Any("error", err),
		)
		return false
	}
	d.counters.addSent()
	d.metrics.ObserveNotification(n.Kind, "sent")
	return true
}

// dedupeKey allows one notification per identity, kind and day.
func dedupeKey(n models.Notification) string {
	subject := string(n.Identity)
	if subject == "" {
		subject = "category:" + n.Category
	}
	return subject + "|" + n.Kind + "|" + n.At.UTC().Format("2006-01-02")
}

func transportLabel(err error) string {
	var te notify.TransportError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &te) && te.Status != 0:
		return fmt.Sprintf("http_%d", te.Status)
	case errors.Is(err, notify.ErrTransportFailure):
		return "transport"
	default:
		return "error"
	}
}

func (d *Dispatcher) enqueue(n models.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrDispatcherClosed
		}
	}()

	select {
	case <-d.shutdown:
		return ErrDispatcherClosed
	case d.ch <- n:
		return nil
	}
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) signalShutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdown)
	})
}

type counters struct {
	mu         sync.Mutex
	sent       int64
	duplicates int64
	failures   map[string]int
}

func (c *counters) addSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

func (c *counters) addDuplicate() {
	c.mu.Lock()
	c.duplicates++
	c.mu.Unlock()
}

func (c *counters) addFailure(kind string) {
	c.mu.Lock()
	c.failures[kind]++
	c.mu.Unlock()
}

func (c *counters) snapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	failures := make(map[string]int, len(c.failures))
	for k, v := range c.failures {
		failures[k] = v
	}

	return map[string]interface{}{
		"sent":       c.sent,
		"duplicates": c.duplicates,
		"failures":   failures,
	}
}
