package taxonomy

import (
	"fmt"
	"strings"
)

// Status is an order lifecycle code as reported by the storefront backend.
type Status string

// Order statuses
const (
	StatusPending        Status = "PENDING"
	StatusConfirmed      Status = "CONFIRMED"
	StatusPreparing      Status = "PREPARING"
	StatusReady          Status = "READY"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusDelivered      Status = "DELIVERED"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

// InitialStatus is the status a newly tracked order starts in ("received").
const InitialStatus = StatusPending

// OrderType is the fulfillment mode of an order.
type OrderType string

// Order types
const (
	TypeDineIn   OrderType = "DINE_IN"
	TypeTakeaway OrderType = "TAKEAWAY"
	TypeDelivery OrderType = "DELIVERY"
)

// Info is the display metadata for a status.
type Info struct {
	Label string `json:"label"`
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

var statusInfo = map[Status]Info{
	StatusPending:        {Label: "Order Received", Icon: "receipt", Color: "gray"},
	StatusConfirmed:      {Label: "Confirmed", Icon: "check-circle", Color: "blue"},
	StatusPreparing:      {Label: "Preparing", Icon: "chef-hat", Color: "amber"},
	StatusReady:          {Label: "Ready for Pickup", Icon: "bell", Color: "green"},
	StatusOutForDelivery: {Label: "Out for Delivery", Icon: "truck", Color: "indigo"},
	StatusDelivered:      {Label: "Delivered", Icon: "package-check", Color: "green"},
	StatusCompleted:      {Label: "Completed", Icon: "check-check", Color: "green"},
	StatusCancelled:      {Label: "Cancelled", Icon: "x-circle", Color: "red"},
}

var unknownInfo = Info{Label: "Processing", Icon: "clock", Color: "gray"}

var (
	deliverySequence = []Status{StatusPending, StatusConfirmed, StatusPreparing, StatusOutForDelivery, StatusDelivered}
	standardSequence = []Status{StatusPending, StatusConfirmed, StatusPreparing, StatusReady, StatusCompleted}
)

// terminal statuses end tracking; no further transitions are expected.
var terminal = map[Status]struct{}{
	StatusCompleted: {},
	StatusCancelled: {},
	StatusDelivered: {},
}

// Lookup returns the display metadata for s, or a placeholder for unknown codes.
func Lookup(s Status) Info {
	if info, ok := statusInfo[s]; ok {
		return info
	}
	return unknownInfo
}

// Known reports whether s is a status this client has display metadata for.
func Known(s Status) bool {
	_, ok := statusInfo[s]
	return ok
}

// IsTerminal returns true if the status is a terminal state.
func IsTerminal(s Status) bool {
	_, ok := terminal[s]
	return ok
}

// Statuses returns every known status code in display order.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusConfirmed, StatusPreparing, StatusReady,
		StatusOutForDelivery, StatusDelivered, StatusCompleted, StatusCancelled,
	}
}

// Sequence returns the ordered status steps for an order type. Delivery orders
// have their own sequence; every other type shares the standard one.
func Sequence(t OrderType) []Status {
	src := standardSequence
	if t == TypeDelivery {
		src = deliverySequence
	}
	out := make([]Status, len(src))
	copy(out, src)
	return out
}

func indexOf(seq []Status, s Status) int {
	for i, x := range seq {
		if x == s {
			return i
		}
	}
	return -1
}

// Progress returns the 0-100 completion percentage of s within the sequence
// for t. Statuses outside the sequence count as the first step.
func Progress(t OrderType, s Status) int {
	seq := Sequence(t)
	idx := indexOf(seq, s)
	if idx < 0 {
		idx = 0
	}
	return (idx + 1) * 100 / len(seq)
}

// Step is one entry of a rendered status timeline.
type Step struct {
	Status  Status `json:"status"`
	Info    Info   `json:"info"`
	Done    bool   `json:"done"`
	Current bool   `json:"current"`
}

// Steps renders the status sequence for t with done/current markers for current.
func Steps(t OrderType, current Status) []Step {
	seq := Sequence(t)
	idx := indexOf(seq, current)
	steps := make([]Step, len(seq))
	for i, s := range seq {
		steps[i] = Step{
			Status:  s,
			Info:    Lookup(s),
			Done:    idx >= 0 && i <= idx,
			Current: i == idx,
		}
	}
	return steps
}

// Valid reports whether t is one of the known order types.
func (t OrderType) Valid() bool {
	switch t {
	case TypeDineIn, TypeTakeaway, TypeDelivery:
		return true
	}
	return false
}

// ParseOrderType normalizes and validates an order type string.
func ParseOrderType(s string) (OrderType, error) {
	t := OrderType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown order type: %q", s)
	}
	return t, nil
}
