package schema

import "strings"

// Side identifies one of the two quoting sides.
type Side string

const (
	// SideBid is the buy side of the quote.
	SideBid Side = "bid"
	// SideAsk is the sell side of the quote.
	SideAsk Side = "ask"
)

// Direction returns the venue wire direction for the side.
func (s Side) Direction() string {
	if s == SideBid {
		return "buy"
	}
	return "sell"
}

// Opposite returns the other quoting side.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// OrderStatus is the closed set of order states tracked per quote slot.
type OrderStatus string

const (
	// StatusNone marks a slot with no order history yet.
	StatusNone OrderStatus = "none"
	// StatusOpen marks a resting order.
	StatusOpen OrderStatus = "open"
	// StatusPartiallyFilled marks a resting order with partial executions.
	StatusPartiallyFilled OrderStatus = "partially_filled"
	// StatusFilled marks a fully executed order.
	StatusFilled OrderStatus = "filled"
	// StatusCancelled marks a cancelled order.
	StatusCancelled OrderStatus = "cancelled"
	// StatusCancelledPartiallyFilled marks a cancelled order with prior executions.
	StatusCancelledPartiallyFilled OrderStatus = "cancelled_partially_filled"
	// StatusRejected marks an order the venue refused.
	StatusRejected OrderStatus = "rejected"
	// StatusUnknown marks a slot whose venue-side state could not be determined.
	StatusUnknown OrderStatus = "unknown"
)

// ParseOrderStatus maps a venue status string onto the closed enum.
// Unrecognized values degrade to StatusUnknown rather than failing.
func ParseOrderStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open":
		return StatusOpen
	case "partially_filled":
		return StatusPartiallyFilled
	case "filled":
		return StatusFilled
	case "cancelled":
		return StatusCancelled
	case "cancelled_partially_filled":
		return StatusCancelledPartiallyFilled
	case "rejected":
		return StatusRejected
	case "":
		return StatusNone
	default:
		return StatusUnknown
	}
}

// IsOpen reports whether the status describes an order resting on the book.
func (s OrderStatus) IsOpen() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// IsTerminal reports whether the status describes an order that can no longer trade.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusCancelledPartiallyFilled, StatusRejected:
		return true
	default:
		return false
	}
}

// SlotState is the last venue-confirmed state cached for one quote slot.
// It is owned exclusively by the reconciler and the order-notification path.
type SlotState struct {
	Status OrderStatus
	Price  float64
	Side   Side
}
