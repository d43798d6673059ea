package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ordertrack/taxonomy"
)

var (
	// ErrValidation marks a tracking request or stored record that is unusable.
	ErrValidation = errors.New("tracking: invalid record")
	// ErrReconciliation marks a failed status fetch. Local state is kept.
	ErrReconciliation = errors.New("tracking: reconciliation failed")
	// ErrClosed is returned by TrackOrder on a closed coordinator.
	ErrClosed = errors.New("tracking: coordinator closed")
)

// Record is the order currently tracked by a session.
type Record struct {
	OrderID     string             `json:"orderId"`
	OrderNumber int                `json:"orderNumber"`
	OrderType   taxonomy.OrderType `json:"orderType"`
	Status      taxonomy.Status    `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Terminal reports whether the record is in a terminal status.
func (r Record) Terminal() bool { return taxonomy.IsTerminal(r.Status) }

// Progress returns the completion percentage of the record's status.
func (r Record) Progress() int { return taxonomy.Progress(r.OrderType, r.Status) }

func (r Record) encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode record %s: %w", r.OrderID, err)
	}
	return string(data), nil
}

// decodeRecord parses a persisted record. Anything that does not carry an
// order id and a status is rejected with ErrValidation.
func decodeRecord(raw string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if r.OrderID == "" {
		return Record{}, fmt.Errorf("%w: missing orderId", ErrValidation)
	}
	if r.Status == "" {
		return Record{}, fmt.Errorf("%w: order %s: missing status", ErrValidation, r.OrderID)
	}
	return r, nil
}
