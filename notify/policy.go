// Package notify decides which change events deserve a notification and
// delivers them.
package notify

import (
	"sort"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/models"
)

// Reasons reported by Decide.
const (
	ReasonEligible       = "eligible"
	ReasonBelowThreshold = "below_threshold"
	ReasonCooldown       = "cooldown"
	ReasonCycleSkip      = "cycle_skip"
	ReasonNotNotifiable  = "not_notifiable"
	ReasonFloodGuard     = "flood_guard"
	ReasonBaseline       = "baseline"
)

// KindFloodWarning tags the single warning sent instead of a flood of
// new-product notifications.
const KindFloodWarning = "flood_warning"

// Decision is the verdict for one event.
type Decision struct {
	Notify  bool
	Reason  string
	Message string
}

// Decide applies the notification policy to a single event. It reads state
// but never changes it.
func Decide(ev models.ChangeEvent, state *models.NotificationState, p config.Policy, now time.Time) Decision {
	switch ev.Kind {
	case models.EventAdded:
		if ev.Record.DiscountPercent < p.MinDiscountPercent {
			return Decision{Reason: ReasonBelowThreshold}
		}
		if !addedCycle(state, p) {
			return Decision{Reason: ReasonCycleSkip}
		}
	case models.EventPriceDropped:
		if ev.DropPercent() < p.MinDropPercent {
			return Decision{Reason: ReasonBelowThreshold}
		}
	case models.EventRestocked:
	default:
		return Decision{Reason: ReasonNotNotifiable}
	}

	if inCooldown(ev.Identity, state, p, now) {
		return Decision{Reason: ReasonCooldown}
	}
	return Decision{Notify: true, Reason: ReasonEligible, Message: Message(ev, p.CurrencySymbol)}
}

// addedCycle reports whether new products may be announced this cycle.
func addedCycle(state *models.NotificationState, p config.Policy) bool {
	if p.NotifyEveryCycles <= 1 || state == nil {
		return true
	}
	return state.CycleCount%int64(p.NotifyEveryCycles) == 0
}

func inCooldown(id models.Identity, state *models.NotificationState, p config.Policy, now time.Time) bool {
	if state == nil || p.Cooldown <= 0 {
		return false
	}
	last, ok := state.LastNotified[id]
	if !ok || last.IsZero() {
		return false
	}
	return now.Sub(last) < p.Cooldown
}

// Cycle is the classifier input for one category pass.
type Cycle struct {
	Category string
	Events   []models.ChangeEvent
	// Observed is the number of products in the incoming snapshot.
	Observed int
	Now      time.Time
}

// Outcome lists the notifications to send plus what was held back.
type Outcome struct {
	Notifications []models.Notification
	Suppressed    map[string]int
	FloodGuarded  bool
}

// Evaluate advances the category cycle counter, classifies every event and
// records the notified identities in state. When most of a large snapshot is
// new, Added events are held back and a single warning is emitted instead; on
// the first cycle of a category they are held back silently. Several eligible events for one
// identity become a single notification. Notifications are ordered by
// discount, highest first, then identity.
func Evaluate(c Cycle, state *models.NotificationState, p config.Policy) Outcome {
	if state.LastNotified == nil {
		state.LastNotified = make(map[models.Identity]time.Time)
	}
	// nothing to compare against on the first cycle of a category
	baseline := state.LastCycleAt.IsZero()
	state.CycleCount++
	state.LastCycleAt = c.Now

	out := Outcome{Suppressed: make(map[string]int)}

	added := 0
	for _, ev := range c.Events {
		if ev.Kind == models.EventAdded {
			added++
		}
	}
	out.FloodGuarded = flooded(added, c.Observed, p)

	var order []models.Identity
	eligible := make(map[models.Identity][]models.ChangeEvent)
	for _, ev := range c.Events {
		if out.FloodGuarded && ev.Kind == models.EventAdded {
			if baseline {
				out.Suppressed[ReasonBaseline]++
			} else {
				out.Suppressed[ReasonFloodGuard]++
			}
			continue
		}
		d := Decide(ev, state, p, c.Now)
		if !d.Notify {
			if d.Reason != ReasonNotNotifiable {
				out.Suppressed[d.Reason]++
			}
			continue
		}
		if _, ok := eligible[ev.Identity]; !ok {
			order = append(order, ev.Identity)
		}
		eligible[ev.Identity] = append(eligible[ev.Identity], ev)
	}

	for _, id := range order {
		out.Notifications = append(out.Notifications, build(eligible[id], p.CurrencySymbol, c.Now))
		state.LastNotified[id] = c.Now
	}
	sort.SliceStable(out.Notifications, func(i, j int) bool {
		a, b := out.Notifications[i], out.Notifications[j]
		if a.Discount != b.Discount {
			return a.Discount > b.Discount
		}
		return a.Identity < b.Identity
	})

	if out.FloodGuarded && !baseline {
		warning := models.Notification{
			Category: c.Category,
			Kind:     KindFloodWarning,
			Message:  FloodWarning(c.Category, added, c.Observed),
			At:       c.Now,
		}
		out.Notifications = append([]models.Notification{warning}, out.Notifications...)
	}
	return out
}

// flooded reports whether so many products look new that the previous state
// was probably lost.
func flooded(added, observed int, p config.Policy) bool {
	if p.FloodGuardRatio <= 0 || observed <= p.FloodGuardMinProducts || observed == 0 {
		return false
	}
	return float64(added)/float64(observed) > p.FloodGuardRatio
}

func build(events []models.ChangeEvent, symbol string, now time.Time) models.Notification {
	rec := events[0].Record
	kinds := make([]string, 0, len(events))
	messages := make([]string, 0, len(events))
	var previous int64
	for _, ev := range events {
		kinds = append(kinds, ev.Kind.String())
		messages = append(messages, Message(ev, symbol))
		if ev.Kind == models.EventPriceDropped {
			previous = ev.OldPrice
		}
	}
	return models.Notification{
		Identity:      rec.Identity,
		Category:      rec.Category,
		Kind:          strings.Join(kinds, "+"),
		Name:          rec.Name,
		Message:       strings.Join(messages, "; "),
		URL:           rec.URL,
		ImageURL:      rec.ImageURL,
		Price:         rec.Price,
		PreviousPrice: previous,
		OriginalPrice: rec.OriginalPrice,
		Discount:      rec.DiscountPercent,
		InStock:       rec.InStock,
		Sizes:         rec.Sizes,
		At:            now,
	}
}
