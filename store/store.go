// Package store persists product snapshots, price history and notification
// throttling state in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/aluiziolira/go-price-monitor/models"
)

const historyCacheSize = 1024

// Store is the durable history store. All writes for one cycle go through
// Commit, which is a single transaction.
type Store struct {
	db      *sqlx.DB
	history *lru.Cache[models.Identity, []models.PriceHistoryEntry]
	logger  *slog.Logger

	// cacheMu orders cache fills against invalidations. gen moves on every
	// write, so a fill that read rows before a write is discarded.
	cacheMu sync.Mutex
	gen     uint64
}

// Batch is everything one cycle writes.
type Batch struct {
	Category   string
	ObservedAt time.Time
	Incoming   []models.ProductRecord
	Events     []models.ChangeEvent
	State      *models.NotificationState
	// Retention enables pruning in the same transaction when positive.
	Retention time.Duration
}

// CommitResult reports the outcome of a committed batch.
type CommitResult struct {
	Pruned []models.Identity
}

// Open opens (or creates) the database at path. Use ":memory:" for an
// ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// one writer; also keeps an in-memory database alive on a single connection
	db.SetMaxOpenConns(1)

	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New migrates and verifies an already opened database.
func New(ctx context.Context, db *sqlx.DB) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		return nil, err
	}
	if err := verify(ctx, db); err != nil {
		return nil, err
	}
	cache, err := lru.New[models.Identity, []models.PriceHistoryEntry](historyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, history: cache, logger: slog.Default().With("component", "store")}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type productRow struct {
	Identity        string  `db:"identity"`
	BaseKey         string  `db:"base_key"`
	Name            string  `db:"name"`
	Category        string  `db:"category"`
	Price           int64   `db:"price"`
	PreviousPrice   int64   `db:"previous_price"`
	OriginalPrice   int64   `db:"original_price"`
	DiscountPercent float64 `db:"discount_percent"`
	InStock         bool    `db:"in_stock"`
	URL             string  `db:"url"`
	ImageURL        string  `db:"image_url"`
	Sizes           string  `db:"sizes_json"`
	FirstSeen       int64   `db:"first_seen"`
	LastSeen        int64   `db:"last_seen"`
	LastPriceDropAt int64   `db:"last_price_drop_at"`
}

const productColumns = `identity, base_key, name, category, price, previous_price, original_price,
  discount_percent, in_stock, url, image_url, sizes_json, first_seen, last_seen, last_price_drop_at`

func (r productRow) record() (models.ProductRecord, error) {
	var sizes []string
	if err := json.Unmarshal([]byte(r.Sizes), &sizes); err != nil {
		return models.ProductRecord{}, CorruptError{What: "sizes of " + r.Identity, Err: err}
	}
	if r.Price < 0 {
		return models.ProductRecord{}, CorruptError{What: fmt.Sprintf("negative price for %s", r.Identity)}
	}
	return models.ProductRecord{
		Identity:        models.Identity(r.Identity),
		BaseKey:         r.BaseKey,
		Name:            r.Name,
		Category:        r.Category,
		Price:           r.Price,
		PreviousPrice:   r.PreviousPrice,
		OriginalPrice:   r.OriginalPrice,
		DiscountPercent: r.DiscountPercent,
		InStock:         r.InStock,
		URL:             r.URL,
		ImageURL:        r.ImageURL,
		Sizes:           sizes,
		FirstSeen:       fromNanos(r.FirstSeen),
		LastSeen:        fromNanos(r.LastSeen),
		LastPriceDropAt: fromNanos(r.LastPriceDropAt),
	}, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// CurrentSnapshot returns the recorded products of category in identity order.
func (s *Store) CurrentSnapshot(ctx context.Context, category string) ([]models.ProductRecord, error) {
	return currentSnapshot(ctx, s.db, category)
}

// Snapshot returns the recorded products of category keyed by identity.
func (s *Store) Snapshot(ctx context.Context, category string) (models.Snapshot, error) {
	records, err := s.CurrentSnapshot(ctx, category)
	if err != nil {
		return nil, err
	}
	snap := make(models.Snapshot, len(records))
	for _, rec := range records {
		snap[rec.Identity] = rec
	}
	return snap, nil
}

func currentSnapshot(ctx context.Context, q sqlx.QueryerContext, category string) ([]models.ProductRecord, error) {
	var rows []productRow
	err := sqlx.SelectContext(ctx, q, &rows,
		`SELECT `+productColumns+` FROM products WHERE category = ? ORDER BY identity`, category)
	if err != nil {
		return nil, fmt.Errorf("select snapshot of %s: %w", category, err)
	}
	out := make([]models.ProductRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Product returns one recorded product.
func (s *Store) Product(ctx context.Context, id models.Identity) (models.ProductRecord, error) {
	var row productRow
	err := s.db.GetContext(ctx, &row, `SELECT `+productColumns+` FROM products WHERE identity = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProductRecord{}, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.ProductRecord{}, fmt.Errorf("select product %s: %w", id, err)
	}
	return row.record()
}

// Categories lists every category with recorded products or cycles.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT category FROM products UNION SELECT category FROM category_state ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("select categories: %w", err)
	}
	return out, nil
}

type historyRow struct {
	Identity   string `db:"identity"`
	Price      int64  `db:"price"`
	ObservedAt int64  `db:"observed_at"`
}

// History returns the price history of id, oldest first.
func (s *Store) History(ctx context.Context, id models.Identity) ([]models.PriceHistoryEntry, error) {
	if cached, ok := s.history.Get(id); ok {
		return append([]models.PriceHistoryEntry(nil), cached...), nil
	}

	gen := s.generation()
	out, err := s.loadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fillHistory(id, out, gen)
	return append([]models.PriceHistoryEntry(nil), out...), nil
}

func (s *Store) loadHistory(ctx context.Context, id models.Identity) ([]models.PriceHistoryEntry, error) {
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT identity, price, observed_at FROM price_history WHERE identity = ? ORDER BY id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("select history of %s: %w", id, err)
	}
	out := make([]models.PriceHistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.PriceHistoryEntry{
			Identity:   models.Identity(row.Identity),
			Price:      row.Price,
			ObservedAt: fromNanos(row.ObservedAt),
		})
	}
	return out, nil
}

func (s *Store) generation() uint64 {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.gen
}

// fillHistory caches out unless a write landed after gen was read.
func (s *Store) fillHistory(id models.Identity, out []models.PriceHistoryEntry, gen uint64) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.gen == gen {
		s.history.Add(id, out)
	}
}

// invalidateHistory drops ids from the cache, or everything when ids is empty.
func (s *Store) invalidateHistory(ids ...models.Identity) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gen++
	if len(ids) == 0 {
		s.history.Purge()
		return
	}
	for _, id := range ids {
		s.history.Remove(id)
	}
}

// Owners returns the category owning each of ids. Unknown identities are absent.
func (s *Store) Owners(ctx context.Context, ids []models.Identity) (map[models.Identity]string, error) {
	out := make(map[models.Identity]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	query, args, err := sqlx.In(`SELECT identity, category FROM products WHERE identity IN (?)`, keys)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select owners: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, category string
		if err := rows.Scan(&id, &category); err != nil {
			return nil, err
		}
		out[models.Identity(id)] = category
	}
	return out, rows.Err()
}

// NotificationState loads the throttling state of category. A category never
// committed before gets a fresh state with a zero cycle count.
func (s *Store) NotificationState(ctx context.Context, category string) (*models.NotificationState, error) {
	state := models.NewNotificationState(category)

	var cat struct {
		CycleCount  int64 `db:"cycle_count"`
		LastCycleAt int64 `db:"last_cycle_at"`
	}
	err := s.db.GetContext(ctx, &cat,
		`SELECT cycle_count, last_cycle_at FROM category_state WHERE category = ?`, category)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("select category state of %s: %w", category, err)
	default:
		if cat.CycleCount < 0 {
			return nil, CorruptError{What: fmt.Sprintf("cycle count %d for %s", cat.CycleCount, category)}
		}
		state.CycleCount = cat.CycleCount
		state.LastCycleAt = fromNanos(cat.LastCycleAt)
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT identity, last_notified_at FROM notification_state WHERE category = ?`, category)
	if err != nil {
		return nil, fmt.Errorf("select notification state of %s: %w", category, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var at int64
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		state.LastNotified[models.Identity(id)] = fromNanos(at)
	}
	return state, rows.Err()
}

// Commit applies one cycle atomically: upserts the incoming records, appends
// price history for price events, saves the notification state and prunes
// stale products. Re-applying the same batch leaves the store unchanged.
// A batch observed before the last committed cycle fails with
// ErrPersistenceConflict and writes nothing.
func (s *Store) Commit(ctx context.Context, b Batch) (CommitResult, error) {
	var res CommitResult
	if b.Category == "" {
		return res, fmt.Errorf("commit: empty category")
	}
	at := b.ObservedAt.UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, classify(b.Category, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var lastCycle int64
	err = tx.GetContext(ctx, &lastCycle, `SELECT last_cycle_at FROM category_state WHERE category = ?`, b.Category)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return res, classify(b.Category, err)
	}
	if lastCycle != 0 && toNanos(at) < lastCycle {
		return res, ConflictError{
			Category: b.Category,
			Reason:   fmt.Sprintf("cycle at %s is older than committed cycle at %s", at.Format(time.RFC3339), fromNanos(lastCycle).Format(time.RFC3339)),
		}
	}

	for _, rec := range b.Incoming {
		if err := upsertProduct(ctx, tx, b.Category, rec, at); err != nil {
			return res, classify(b.Category, err)
		}
	}

	for _, ev := range b.Events {
		if err := applyEvent(ctx, tx, ev, at); err != nil {
			return res, classify(b.Category, err)
		}
	}

	if b.State != nil {
		if err := saveState(ctx, tx, b.Category, b.State, at); err != nil {
			return res, classify(b.Category, err)
		}
	}

	if b.Retention > 0 {
		res.Pruned, err = pruneCategory(ctx, tx, b.Category, at.Add(-b.Retention))
		if err != nil {
			return res, classify(b.Category, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, classify(b.Category, fmt.Errorf("commit: %w", err))
	}
	s.invalidateHistory()

	s.logger.Debug("cycle committed",
		"category", b.Category,
		"products", len(b.Incoming),
		"events", len(b.Events),
		"pruned", len(res.Pruned),
	)
	return res, nil
}

func upsertProduct(ctx context.Context, tx *sqlx.Tx, category string, rec models.ProductRecord, at time.Time) error {
	var owner string
	err := tx.GetContext(ctx, &owner, `SELECT category FROM products WHERE identity = ?`, string(rec.Identity))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case owner != category:
		return ConflictError{Category: category, Reason: fmt.Sprintf("%s is owned by %q", rec.Identity, owner)}
	}

	sizes := rec.Sizes
	if sizes == nil {
		sizes = []string{}
	}
	sizesJSON, err := json.Marshal(sizes)
	if err != nil {
		return err
	}
	baseKey := rec.BaseKey
	if baseKey == "" {
		baseKey = rec.Identity.BaseKey()
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO products(`+productColumns+`)
VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, 0)
ON CONFLICT(identity) DO UPDATE SET
  base_key = excluded.base_key,
  name = excluded.name,
  price = excluded.price,
  original_price = excluded.original_price,
  discount_percent = excluded.discount_percent,
  in_stock = excluded.in_stock,
  url = excluded.url,
  image_url = excluded.image_url,
  sizes_json = excluded.sizes_json,
  last_seen = excluded.last_seen`,
		string(rec.Identity), baseKey, rec.Name, category, rec.Price,
		rec.OriginalPrice, rec.DiscountPercent, rec.InStock, rec.URL, rec.ImageURL,
		string(sizesJSON), toNanos(at), toNanos(at),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Identity, err)
	}
	return nil
}

func applyEvent(ctx context.Context, tx *sqlx.Tx, ev models.ChangeEvent, at time.Time) error {
	switch ev.Kind {
	case models.EventAdded:
		return appendHistory(ctx, tx, ev.Identity, ev.Record.Price, at)
	case models.EventPriceDropped:
		if _, err := tx.ExecContext(ctx,
			`UPDATE products SET previous_price = ?, last_price_drop_at = ? WHERE identity = ?`,
			ev.OldPrice, toNanos(at), string(ev.Identity)); err != nil {
			return fmt.Errorf("record drop of %s: %w", ev.Identity, err)
		}
		return appendHistory(ctx, tx, ev.Identity, ev.NewPrice, at)
	case models.EventPriceRaised:
		if _, err := tx.ExecContext(ctx,
			`UPDATE products SET previous_price = ? WHERE identity = ?`,
			ev.OldPrice, string(ev.Identity)); err != nil {
			return fmt.Errorf("record raise of %s: %w", ev.Identity, err)
		}
		return appendHistory(ctx, tx, ev.Identity, ev.NewPrice, at)
	default:
		// stock changes ride on the upsert; unseen records keep their row
		return nil
	}
}

// appendHistory adds an entry unless the latest entry already records price,
// which keeps re-applied cycles from duplicating history.
func appendHistory(ctx context.Context, tx *sqlx.Tx, id models.Identity, price int64, at time.Time) error {
	var last historyRow
	err := tx.GetContext(ctx, &last,
		`SELECT identity, price, observed_at FROM price_history WHERE identity = ? ORDER BY id DESC LIMIT 1`, string(id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("select last history of %s: %w", id, err)
	case last.Price == price:
		return nil
	case toNanos(at) < last.ObservedAt:
		return ConflictError{Reason: fmt.Sprintf("history of %s would go back in time", id)}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO price_history(identity, price, observed_at) VALUES (?, ?, ?)`,
		string(id), price, toNanos(at)); err != nil {
		return fmt.Errorf("append history of %s: %w", id, err)
	}
	return nil
}

func saveState(ctx context.Context, tx *sqlx.Tx, category string, state *models.NotificationState, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO category_state(category, cycle_count, last_cycle_at) VALUES (?, ?, ?)
ON CONFLICT(category) DO UPDATE SET cycle_count = excluded.cycle_count, last_cycle_at = excluded.last_cycle_at`,
		category, state.CycleCount, toNanos(at)); err != nil {
		return fmt.Errorf("save category state: %w", err)
	}
	for id, notified := range state.LastNotified {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO notification_state(identity, category, last_notified_at) VALUES (?, ?, ?)
ON CONFLICT(identity) DO UPDATE SET category = excluded.category, last_notified_at = excluded.last_notified_at`,
			string(id), category, toNanos(notified)); err != nil {
			return fmt.Errorf("save notification state of %s: %w", id, err)
		}
	}
	return nil
}

// AppendHistory records one observed price outside a cycle commit.
func (s *Store) AppendHistory(ctx context.Context, id models.Identity, price int64, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := appendHistory(ctx, tx, id, price, at.UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.invalidateHistory(id)
	return nil
}

// Prune removes products of category unseen since now-retention together with
// their history. Products of the most recently committed cycle are never
// removed. An empty category prunes every category.
func (s *Store) Prune(ctx context.Context, category string, now time.Time, retention time.Duration) ([]models.Identity, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("prune: retention must be positive")
	}
	categories := []string{category}
	if category == "" {
		var err error
		if categories, err = s.Categories(ctx); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var pruned []models.Identity
	for _, cat := range categories {
		ids, err := pruneCategory(ctx, tx, cat, now.UTC().Add(-retention))
		if err != nil {
			return nil, classify(cat, err)
		}
		pruned = append(pruned, ids...)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(category, err)
	}
	if len(pruned) > 0 {
		s.invalidateHistory()
	}
	return pruned, nil
}

func pruneCategory(ctx context.Context, tx *sqlx.Tx, category string, cutoff time.Time) ([]models.Identity, error) {
	var lastCycle int64
	err := tx.GetContext(ctx, &lastCycle, `SELECT last_cycle_at FROM category_state WHERE category = ?`, category)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var ids []string
	err = tx.SelectContext(ctx, &ids, `
SELECT identity FROM products
WHERE category = ? AND last_seen < ? AND last_seen < ?
ORDER BY identity`, category, toNanos(cutoff), protectedSince(lastCycle))
	if err != nil {
		return nil, fmt.Errorf("select prunable of %s: %w", category, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	for _, stmt := range []string{
		`DELETE FROM price_history WHERE identity IN (?)`,
		`DELETE FROM notification_state WHERE identity IN (?)`,
		`DELETE FROM products WHERE identity IN (?)`,
	} {
		query, args, err := sqlx.In(stmt, ids)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("prune %s: %w", category, err)
		}
	}

	out := make([]models.Identity, len(ids))
	for i, id := range ids {
		out[i] = models.Identity(id)
	}
	return out, nil
}

// protectedSince returns the last_seen bound below which products are not in
// the latest committed snapshot.
func protectedSince(lastCycle int64) int64 {
	if lastCycle == 0 {
		return int64(^uint64(0) >> 1)
	}
	return lastCycle
}
