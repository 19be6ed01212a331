package models

import "time"

// NotificationState carries the throttling state mutated by the classifier.
type NotificationState struct {
	Category     string
	CycleCount   int64
	LastCycleAt  time.Time
	LastNotified map[Identity]time.Time
}

// NewNotificationState returns an empty state for category.
func NewNotificationState(category string) *NotificationState {
	return &NotificationState{
		Category:     category,
		LastNotified: make(map[Identity]time.Time),
	}
}

// Notification is a pre-formatted message for the transport.
// Identity is empty for category-wide warnings.
type Notification struct {
	Identity      Identity  `json:"identity,omitempty"`
	Category      string    `json:"category"`
	Kind          string    `json:"kind"`
	Name          string    `json:"name,omitempty"`
	Message       string    `json:"message"`
	URL           string    `json:"url,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	Price         int64     `json:"price,omitempty"`
	PreviousPrice int64     `json:"previous_price,omitempty"`
	OriginalPrice int64     `json:"original_price,omitempty"`
	Discount      float64   `json:"discount"`
	InStock       bool      `json:"in_stock"`
	Sizes         []string  `json:"sizes,omitempty"`
	At            time.Time `json:"at"`
}

// CycleResult summarises one scrape, diff, apply, notify and prune pass.
type CycleResult struct {
	CycleID       string
	Category      string
	StartTime     time.Time
	EndTime       time.Time
	RawCount      int
	ProductCount  int
	Rejected      map[string]int
	EventsByKind  map[string]int
	Notifications []Notification
	Pruned        []Identity
}
