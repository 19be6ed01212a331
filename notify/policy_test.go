package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/models"
)

var now = time.Date(2025, 11, 4, 12, 0, 0, 0, time.UTC)

func testPolicy() config.Policy {
	p := config.DefaultPolicy()
	p.NotifyEveryCycles = 1
	return p
}

func drop(id string, oldPrice, newPrice int64) models.ChangeEvent {
	return models.ChangeEvent{
		Kind:     models.EventPriceDropped,
		Identity: models.Identity(id),
		Category: "Lighting",
		OldPrice: oldPrice,
		NewPrice: newPrice,
		Record:   models.ProductRecord{Identity: models.Identity(id), Category: "Lighting", Name: "Lamp " + id, Price: newPrice, InStock: true},
	}
}

func added(id string, discount float64) models.ChangeEvent {
	return models.ChangeEvent{
		Kind:     models.EventAdded,
		Identity: models.Identity(id),
		Category: "Lighting",
		Record: models.ProductRecord{
			Identity:        models.Identity(id),
			Category:        "Lighting",
			Name:            "Lamp " + id,
			Price:           5000,
			OriginalPrice:   10000,
			DiscountPercent: discount,
			InStock:         true,
		},
	}
}

func simple(kind models.EventKind, id string) models.ChangeEvent {
	return models.ChangeEvent{
		Kind:     kind,
		Identity: models.Identity(id),
		Category: "Lighting",
		Record:   models.ProductRecord{Identity: models.Identity(id), Category: "Lighting", Name: "Lamp " + id, Price: 1000, InStock: kind != models.EventWentOutOfStock},
	}
}

func TestDecideThresholds(t *testing.T) {
	tests := []struct {
		name       string
		event      models.ChangeEvent
		mutate     func(*config.Policy)
		wantNotify bool
		wantReason string
	}{
		{
			name:       "drop of 20% passes a 15% threshold",
			event:      drop("A", 100, 80),
			mutate:     func(p *config.Policy) { p.MinDropPercent = 15 },
			wantNotify: true,
			wantReason: ReasonEligible,
		},
		{
			name:       "drop of 20% misses a 25% threshold",
			event:      drop("A", 100, 80),
			mutate:     func(p *config.Policy) { p.MinDropPercent = 25 },
			wantReason: ReasonBelowThreshold,
		},
		{
			name:       "added with 10% discount misses a 20% minimum",
			event:      added("B", 10),
			mutate:     func(p *config.Policy) { p.MinDiscountPercent = 20 },
			wantReason: ReasonBelowThreshold,
		},
		{
			name:       "added at the minimum notifies",
			event:      added("B", 20),
			mutate:     func(p *config.Policy) { p.MinDiscountPercent = 20 },
			wantNotify: true,
			wantReason: ReasonEligible,
		},
		{
			name:       "restock always notifies",
			event:      simple(models.EventRestocked, "C"),
			wantNotify: true,
			wantReason: ReasonEligible,
		},
		{name: "price raise never notifies", event: simple(models.EventPriceRaised, "C"), wantReason: ReasonNotNotifiable},
		{name: "out of stock never notifies", event: simple(models.EventWentOutOfStock, "C"), wantReason: ReasonNotNotifiable},
		{name: "unseen never notifies", event: simple(models.EventUnseen, "C"), wantReason: ReasonNotNotifiable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPolicy()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			d := Decide(tt.event, models.NewNotificationState("Lighting"), p, now)
			if d.Notify != tt.wantNotify || d.Reason != tt.wantReason {
				t.Fatalf("Decide = %+v, want notify=%v reason=%s", d, tt.wantNotify, tt.wantReason)
			}
			if d.Notify && d.Message == "" {
				t.Fatalf("eligible decision without message")
			}
		})
	}
}

func TestDecideCooldown(t *testing.T) {
	p := testPolicy()
	p.Cooldown = 24 * time.Hour
	state := models.NewNotificationState("Lighting")
	state.LastNotified["A"] = now.Add(-time.Hour)

	if d := Decide(drop("A", 100, 50), state, p, now); d.Notify || d.Reason != ReasonCooldown {
		t.Fatalf("expected cooldown, got %+v", d)
	}
	if d := Decide(drop("A", 100, 50), state, p, now.Add(23*time.Hour)); !d.Notify {
		t.Fatalf("cooldown should have expired, got %+v", d)
	}
	if d := Decide(drop("B", 100, 50), state, p, now); !d.Notify {
		t.Fatalf("cooldown is per identity, got %+v", d)
	}
}

func TestEvaluateCooldownThrottles(t *testing.T) {
	p := testPolicy()
	p.Cooldown = 24 * time.Hour
	state := models.NewNotificationState("Lighting")

	first := Evaluate(Cycle{Category: "Lighting", Events: []models.ChangeEvent{drop("A", 100, 80)}, Observed: 1, Now: now}, state, p)
	if len(first.Notifications) != 1 {
		t.Fatalf("first drop should notify, got %+v", first)
	}

	// a second drop inside the window is throttled
	second := Evaluate(Cycle{Category: "Lighting", Events: []models.ChangeEvent{drop("A", 80, 60)}, Observed: 1, Now: now.Add(2 * time.Hour)}, state, p)
	if len(second.Notifications) != 0 || second.Suppressed[ReasonCooldown] != 1 {
		t.Fatalf("second drop should be throttled, got %+v", second)
	}
	if !state.LastNotified["A"].Equal(now) {
		t.Fatalf("throttled event must not refresh cooldown, got %v", state.LastNotified["A"])
	}
}

func TestEvaluateAddedOnlyEveryNthCycle(t *testing.T) {
	p := testPolicy()
	p.NotifyEveryCycles = 3
	p.MinDiscountPercent = 10
	state := models.NewNotificationState("Lighting")

	var got []int
	for cycle := 1; cycle <= 6; cycle++ {
		out := Evaluate(Cycle{
			Category: "Lighting",
			Events: []models.ChangeEvent{
				added(fmt.Sprintf("new-%d", cycle), 50),
				drop(fmt.Sprintf("drop-%d", cycle), 100, 50),
			},
			Observed: 2,
			Now:      now.Add(time.Duration(cycle) * time.Hour),
		}, state, p)
		got = append(got, len(out.Notifications))
	}

	want := []int{1, 1, 2, 1, 1, 2}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("notifications per cycle (-want +got):\n%s", d)
	}
	if state.CycleCount != 6 {
		t.Fatalf("cycle count = %d, want 6", state.CycleCount)
	}
}

func TestEvaluateMergesDropAndRestock(t *testing.T) {
	p := testPolicy()
	dropped := drop("A", 10000, 8000)
	restocked := simple(models.EventRestocked, "A")
	restocked.Record = dropped.Record

	out := Evaluate(Cycle{Category: "Lighting", Events: []models.ChangeEvent{dropped, restocked}, Observed: 1, Now: now}, models.NewNotificationState("Lighting"), p)
	if len(out.Notifications) != 1 {
		t.Fatalf("expected one merged notification, got %d", len(out.Notifications))
	}
	n := out.Notifications[0]
	if n.Kind != "price_dropped+restocked" {
		t.Fatalf("kind = %q", n.Kind)
	}
	if n.PreviousPrice != 10000 || n.Price != 8000 {
		t.Fatalf("prices = %d -> %d", n.PreviousPrice, n.Price)
	}
	want := "Price drop: Lamp A £100.00 -> £80.00 (-20%); Back in stock: Lamp A at £80.00"
	if n.Message != want {
		t.Fatalf("message = %q, want %q", n.Message, want)
	}
}

func TestEvaluateFloodGuard(t *testing.T) {
	p := testPolicy()
	p.MinDiscountPercent = 0
	state := models.NewNotificationState("Lighting")
	state.LastCycleAt = now.Add(-2 * time.Hour)

	var events []models.ChangeEvent
	for i := 0; i < 12; i++ {
		events = append(events, added(fmt.Sprintf("n%02d", i), 60))
	}
	events = append(events, simple(models.EventRestocked, "r1"))

	out := Evaluate(Cycle{Category: "Lighting", Events: events, Observed: 15, Now: now}, state, p)
	if !out.FloodGuarded {
		t.Fatalf("expected flood guard")
	}
	if out.Suppressed[ReasonFloodGuard] != 12 {
		t.Fatalf("suppressed = %v", out.Suppressed)
	}
	if len(out.Notifications) != 2 || out.Notifications[0].Kind != KindFloodWarning || out.Notifications[1].Identity != "r1" {
		t.Fatalf("notifications = %+v", out.Notifications)
	}
	if _, ok := state.LastNotified["n00"]; ok {
		t.Fatalf("suppressed products must not enter cooldown")
	}

	small := Evaluate(Cycle{Category: "Lighting", Events: events[:5], Observed: 5, Now: now}, models.NewNotificationState("Lighting"), p)
	if small.FloodGuarded || len(small.Notifications) != 5 {
		t.Fatalf("small snapshots are not guarded, got %+v", small)
	}

	first := Evaluate(Cycle{Category: "Lighting", Events: events, Observed: 15, Now: now}, models.NewNotificationState("Lighting"), p)
	if first.Suppressed[ReasonBaseline] != 12 || len(first.Notifications) != 1 || first.Notifications[0].Kind == KindFloodWarning {
		t.Fatalf("first cycle should hold back silently, got %+v", first)
	}
}

func TestEvaluateOrdersByDiscount(t *testing.T) {
	p := testPolicy()
	p.MinDiscountPercent = 10

	out := Evaluate(Cycle{
		Category: "Lighting",
		Events:   []models.ChangeEvent{added("b", 30), added("a", 30), added("c", 70)},
		Observed: 10,
		Now:      now,
	}, models.NewNotificationState("Lighting"), p)

	var got []models.Identity
	for _, n := range out.Notifications {
		got = append(got, n.Identity)
	}
	if d := cmp.Diff([]models.Identity{"c", "a", "b"}, got); d != "" {
		t.Fatalf("order (-want +got):\n%s", d)
	}
}

func TestFormatPrice(t *testing.T) {
	tests := map[int64]string{
		0:         "£0.00",
		5:         "£0.05",
		104950:    "£1,049.50",
		123456789: "£1,234,567.89",
		-2500:     "-£25.00",
	}
	for in, want := range tests {
		if got := FormatPrice(in, "£"); got != want {
			t.Errorf("FormatPrice(%d) = %q, want %q", in, got, want)
		}
	}
}
