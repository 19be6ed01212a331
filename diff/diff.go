// Package diff compares a fresh snapshot against the recorded one and
// classifies every difference.
package diff

import (
	"sort"

	"github.com/aluiziolira/go-price-monitor/models"
)

// Diff returns the change events turning previous into incoming. Events for
// incoming records come first in identity order; a price event precedes the
// availability event of the same identity. Unseen events follow, also in
// identity order. Diff never mutates its inputs.
func Diff(previous models.Snapshot, incoming []models.ProductRecord) []models.ChangeEvent {
	ordered := make([]models.ProductRecord, len(incoming))
	copy(ordered, incoming)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Identity < ordered[j].Identity
	})

	events := make([]models.ChangeEvent, 0, len(ordered))
	present := make(map[models.Identity]struct{}, len(ordered))

	for _, rec := range ordered {
		if _, dup := present[rec.Identity]; dup {
			continue
		}
		present[rec.Identity] = struct{}{}

		prev, ok := previous[rec.Identity]
		if !ok {
			events = append(events, event(models.EventAdded, rec))
			continue
		}
		events = append(events, Compare(prev, rec)...)
	}

	unseen := make([]models.Identity, 0)
	for id := range previous {
		if _, ok := present[id]; !ok {
			unseen = append(unseen, id)
		}
	}
	sort.Slice(unseen, func(i, j int) bool { return unseen[i] < unseen[j] })
	for _, id := range unseen {
		events = append(events, event(models.EventUnseen, previous[id]))
	}

	return events
}

// Compare classifies the change of a single identity seen in both snapshots.
func Compare(prev, next models.ProductRecord) []models.ChangeEvent {
	var events []models.ChangeEvent

	switch {
	case next.Price < prev.Price:
		ev := event(models.EventPriceDropped, next)
		ev.OldPrice, ev.NewPrice = prev.Price, next.Price
		events = append(events, ev)
	case next.Price > prev.Price:
		ev := event(models.EventPriceRaised, next)
		ev.OldPrice, ev.NewPrice = prev.Price, next.Price
		events = append(events, ev)
	}

	switch {
	case !prev.InStock && next.InStock:
		events = append(events, event(models.EventRestocked, next))
	case prev.InStock && !next.InStock:
		events = append(events, event(models.EventWentOutOfStock, next))
	}

	return events
}

func event(kind models.EventKind, rec models.ProductRecord) models.ChangeEvent {
	return models.ChangeEvent{
		Kind:     kind,
		Identity: rec.Identity,
		Category: rec.Category,
		Record:   rec,
	}
}
