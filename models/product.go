// Package models defines the data structures shared by the monitor.
package models

import (
	"strings"
	"time"
)

// Identity is the stable key of one product variant across scrape cycles.
type Identity string

// BaseKey returns the retailer code part of the identity.
func (id Identity) BaseKey() string {
	s := string(id)
	if i := strings.IndexAny(s, "_@"); i >= 0 {
		return s[:i]
	}
	return s
}

// ProductRecord is the persisted view of one product variant.
// Prices are in minor currency units.
type ProductRecord struct {
	Identity        Identity  `db:"identity" json:"identity"`
	BaseKey         string    `db:"base_key" json:"base_key"`
	Name            string    `db:"name" json:"name"`
	Category        string    `db:"category" json:"category"`
	Price           int64     `db:"price" json:"price"`
	PreviousPrice   int64     `db:"previous_price" json:"previous_price"`
	OriginalPrice   int64     `db:"original_price" json:"original_price"`
	DiscountPercent float64   `db:"discount_percent" json:"discount_percent"`
	InStock         bool      `db:"in_stock" json:"in_stock"`
	URL             string    `db:"url" json:"url"`
	ImageURL        string    `db:"image_url" json:"image_url"`
	Sizes           []string  `db:"-" json:"sizes,omitempty"`
	FirstSeen       time.Time `db:"first_seen" json:"first_seen"`
	LastSeen        time.Time `db:"last_seen" json:"last_seen"`
	LastPriceDropAt time.Time `db:"last_price_drop_at" json:"last_price_drop_at,omitempty"`
}

// PriceHistoryEntry records one observed price change.
type PriceHistoryEntry struct {
	Identity   Identity  `db:"identity" json:"identity"`
	Price      int64     `db:"price" json:"price"`
	ObservedAt time.Time `db:"observed_at" json:"observed_at"`
}

// BadgeWindows bounds the read-side "recently" labels.
type BadgeWindows struct {
	RecentlyAdded   time.Duration
	RecentlyReduced time.Duration
}

// Badges are derived labels, recomputed on every read and never persisted.
type Badges struct {
	RecentlyAdded   bool `json:"recently_added"`
	RecentlyReduced bool `json:"recently_reduced"`
}

// Badges computes the labels for r as of now.
func (r ProductRecord) Badges(now time.Time, w BadgeWindows) Badges {
	var b Badges
	if !r.FirstSeen.IsZero() && now.Sub(r.FirstSeen) <= w.RecentlyAdded {
		b.RecentlyAdded = true
	}
	if !r.LastPriceDropAt.IsZero() && now.Sub(r.LastPriceDropAt) <= w.RecentlyReduced {
		b.RecentlyReduced = true
	}
	return b
}

// Snapshot is the set of records observed for one category, keyed by identity.
type Snapshot map[Identity]ProductRecord
