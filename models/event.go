package models

// EventKind tags a ChangeEvent.
type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventPriceDropped
	EventPriceRaised
	EventRestocked
	EventWentOutOfStock
	EventUnseen
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventPriceDropped:
		return "price_dropped"
	case EventPriceRaised:
		return "price_raised"
	case EventRestocked:
		return "restocked"
	case EventWentOutOfStock:
		return "went_out_of_stock"
	case EventUnseen:
		return "unseen"
	default:
		return "unknown"
	}
}

// ChangeEvent is one classified difference between two snapshots.
// OldPrice and NewPrice are set for price events only. Record is the incoming
// record, or the previous one for Unseen.
type ChangeEvent struct {
	Kind     EventKind
	Identity Identity
	Category string
	OldPrice int64
	NewPrice int64
	Record   ProductRecord
}

// DropPercent returns the relative price drop in percent, or 0 when the event
// is not a drop.
func (e ChangeEvent) DropPercent() float64 {
	if e.Kind != EventPriceDropped || e.OldPrice <= 0 {
		return 0
	}
	return float64(e.OldPrice-e.NewPrice) / float64(e.OldPrice) * 100
}
