package notify

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-price-monitor/models"
)

// FormatPrice renders minor units with a currency symbol, e.g. "£1,049.50".
func FormatPrice(minor int64, symbol string) string {
	s := decimal.New(minor, -2).StringFixed(2)
	neg := false
	if s[0] == '-' {
		neg, s = true, s[1:]
	}
	whole, frac := s[:len(s)-3], s[len(s)-3:]
	for i := len(whole) - 3; i > 0; i -= 3 {
		whole = whole[:i] + "," + whole[i:]
	}
	if neg {
		return "-" + symbol + whole + frac
	}
	return symbol + whole + frac
}

// FormatPercent renders a percentage with at most one decimal.
func FormatPercent(pct float64) string {
	return decimal.NewFromFloat(pct).Round(1).String() + "%"
}

// Message renders the text of a single event.
func Message(ev models.ChangeEvent, symbol string) string {
	rec := ev.Record
	switch ev.Kind {
	case models.EventAdded:
		if rec.OriginalPrice > rec.Price {
			return fmt.Sprintf("New: %s at %s (%s off %s)",
				rec.Name, FormatPrice(rec.Price, symbol), FormatPercent(rec.DiscountPercent), FormatPrice(rec.OriginalPrice, symbol))
		}
		return fmt.Sprintf("New: %s at %s", rec.Name, FormatPrice(rec.Price, symbol))
	case models.EventPriceDropped:
		return fmt.Sprintf("Price drop: %s %s -> %s (-%s)",
			rec.Name, FormatPrice(ev.OldPrice, symbol), FormatPrice(ev.NewPrice, symbol), FormatPercent(ev.DropPercent()))
	case models.EventPriceRaised:
		return fmt.Sprintf("Price rise: %s %s -> %s",
			rec.Name, FormatPrice(ev.OldPrice, symbol), FormatPrice(ev.NewPrice, symbol))
	case models.EventRestocked:
		return fmt.Sprintf("Back in stock: %s at %s", rec.Name, FormatPrice(rec.Price, symbol))
	case models.EventWentOutOfStock:
		return fmt.Sprintf("Out of stock: %s", rec.Name)
	case models.EventUnseen:
		return fmt.Sprintf("No longer listed: %s", rec.Name)
	default:
		return rec.Name
	}
}

// FloodWarning renders the category-wide warning sent instead of individual
// new-product notifications.
func FloodWarning(category string, added, observed int) string {
	pct := 0.0
	if observed > 0 {
		pct = float64(added) / float64(observed) * 100
	}
	return fmt.Sprintf(
		"WARNING: %d/%d (%s) products appear new in %s. Stored state may be lost; new-product alerts skipped this cycle.",
		added, observed, decimal.NewFromFloat(pct).Round(0).String()+"%", category)
}
