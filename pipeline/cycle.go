package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/diff"
	"github.com/aluiziolira/go-price-monitor/models"
	"github.com/aluiziolira/go-price-monitor/notify"
	"github.com/aluiziolira/go-price-monitor/parser"
	"github.com/aluiziolira/go-price-monitor/store"
)

// RejectForeign counts records whose identity is already owned by another
// category.
const RejectForeign = "foreign_category"

// Fetcher scrapes the raw records of one category.
type Fetcher interface {
	Fetch(ctx context.Context, category config.Category) ([]parser.RawRecord, error)
}

// StateStore is the persistence a cycle needs.
type StateStore interface {
	Snapshot(ctx context.Context, category string) (models.Snapshot, error)
	NotificationState(ctx context.Context, category string) (*models.NotificationState, error)
	Owners(ctx context.Context, ids []models.Identity) (map[models.Identity]string, error)
	Commit(ctx context.Context, b store.Batch) (store.CommitResult, error)
}

// Notifier receives notifications once a cycle is committed.
type Notifier interface {
	Dispatch(notifications ...models.Notification) error
}

// Runner executes monitor cycles. Cycles of one category never overlap;
// different categories may run concurrently.
type Runner struct {
	cfg      *config.Config
	fetcher  Fetcher
	store    StateStore
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger

	now func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRunner wires a runner. notifier and metrics may be nil.
func NewRunner(cfg *config.Config, fetcher Fetcher, st StateStore, notifier Notifier, m *Metrics) *Runner {
	return &Runner{
		cfg:      cfg,
		fetcher:  fetcher,
		store:    st,
		notifier: notifier,
		metrics:  m,
		logger:   slog.Default().With("component", "runner"),
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
	}
}

func (r *Runner) lock(category string) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[category]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[category] = mu
	}
	r.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// RunAll runs one cycle per configured category in order. A failing category
// does not stop the others; their errors are joined.
func (r *Runner) RunAll(ctx context.Context) ([]models.CycleResult, error) {
	var (
		results []models.CycleResult
		errs    []error
	)
	for _, cat := range r.cfg.Categories {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := r.RunCycle(ctx, cat)
		if err != nil {
			errs = append(errs, fmt.Errorf("category %s: %w", cat.Name, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// RunCycle scrapes category and ingests the result. A failed scrape writes
// nothing, so products are never marked unseen because a fetch broke.
func (r *Runner) RunCycle(ctx context.Context, category config.Category) (models.CycleResult, error) {
	start := r.now()
	raws, err := r.fetcher.Fetch(ctx, category)
	if err != nil {
		r.metrics.ObserveCycle(category.Name, "scrape_error", r.now().Sub(start))
		return models.CycleResult{}, fmt.Errorf("scrape: %w", err)
	}
	return r.ingest(ctx, category, raws, start)
}

// Ingest runs a cycle over records that were already scraped.
func (r *Runner) Ingest(ctx context.Context, category config.Category, raws []parser.RawRecord) (models.CycleResult, error) {
	return r.ingest(ctx, category, raws, r.now())
}

func (r *Runner) ingest(ctx context.Context, category config.Category, raws []parser.RawRecord, start time.Time) (models.CycleResult, error) {
	unlock := r.lock(category.Name)
	defer unlock()

	res := models.CycleResult{
		CycleID:   uuid.NewString(),
		Category:  category.Name,
		StartTime: start,
		RawCount:  len(raws),
	}
	logger := r.logger.With("cycle_id", res.CycleID, "category", category.Name)

	policy, err := r.cfg.PolicyFor(category.Name)
	if err != nil {
		return res, err
	}

	// the observation time is taken under the lock so commits stay ordered
	observedAt := r.now()
	if observedAt.Before(start) {
		observedAt = start
	}

	normalized := parser.Normalize(raws, parser.Options{
		Category:         category.Name,
		ObservedAt:       observedAt,
		ExcludedKeywords: r.cfg.ExcludedKeywords,
	})
	for _, err := range normalized.Errors {
		logger.Debug("record rejected", slog.Any("error", err))
	}

	records, err := r.dropForeign(ctx, category.Name, normalized)
	if err != nil {
		return r.fail(res, "store_error", err)
	}
	res.Rejected = normalized.Rejected
	res.ProductCount = len(records)

	previous, err := r.store.Snapshot(ctx, category.Name)
	if err != nil {
		return r.fail(res, "store_error", err)
	}
	state, err := r.store.NotificationState(ctx, category.Name)
	if err != nil {
		return r.fail(res, "store_error", err)
	}

	events := diff.Diff(previous, records)
	res.EventsByKind = countKinds(events)

	outcome := notify.Evaluate(notify.Cycle{
		Category: category.Name,
		Events:   events,
		Observed: len(records),
		Now:      observedAt,
	}, state, policy)

	if err := ctx.Err(); err != nil {
		return r.fail(res, "canceled", err)
	}

	committed, err := r.store.Commit(ctx, store.Batch{
		Category:   category.Name,
		ObservedAt: observedAt,
		Incoming:   records,
		Events:     events,
		State:      state,
		Retention:  policy.Retention(),
	})
	if err != nil {
		return r.fail(res, "store_"+store.ErrorTypeLabel(err), err)
	}

	res.Notifications = outcome.Notifications
	res.Pruned = committed.Pruned
	res.EndTime = r.now()

	if r.notifier != nil && len(outcome.Notifications) > 0 {
		if err := r.notifier.Dispatch(outcome.Notifications...); err != nil {
			logger.Warn("dispatch notifications", slog.Any("error", err))
		}
	}

	r.metrics.ObserveCycle(category.Name, "ok", res.EndTime.Sub(start))
	r.metrics.AddEvents(category.Name, res.EventsByKind)
	r.metrics.AddRejected(category.Name, res.Rejected)
	r.metrics.AddSuppressed(category.Name, outcome.Suppressed)
	r.metrics.SetTracked(category.Name, res.ProductCount, len(res.Pruned))

	logger.Info("cycle complete",
		"raw", res.RawCount,
		"products", res.ProductCount,
		"events", len(events),
		"notifications", len(res.Notifications),
		"suppressed", outcome.Suppressed,
		"pruned", len(res.Pruned),
		"flood_guarded", outcome.FloodGuarded,
		"duration", res.EndTime.Sub(start).Round(time.Millisecond).String(),
	)
	return res, nil
}

// dropForeign removes records whose identity another category already owns.
func (r *Runner) dropForeign(ctx context.Context, category string, normalized parser.Result) ([]models.ProductRecord, error) {
	ids := make([]models.Identity, len(normalized.Records))
	for i, rec := range normalized.Records {
		ids[i] = rec.Identity
	}
	owners, err := r.store.Owners(ctx, ids)
	if err != nil {
		return nil, err
	}

	records := make([]models.ProductRecord, 0, len(normalized.Records))
	for _, rec := range normalized.Records {
		if owner, ok := owners[rec.Identity]; ok && owner != category {
			normalized.Rejected[RejectForeign]++
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Runner) fail(res models.CycleResult, result string, err error) (models.CycleResult, error) {
	res.EndTime = r.now()
	r.metrics.ObserveCycle(res.Category, result, res.EndTime.Sub(res.StartTime))
	r.logger.Error("cycle failed",
		"cycle_id", res.CycleID,
		"category", res.Category,
		slog.Any("error", err),
	)
	return res, err
}

func countKinds(events []models.ChangeEvent) map[string]int {
	out := make(map[string]int)
	for _, ev := range events {
		out[ev.Kind.String()]++
	}
	return out
}
