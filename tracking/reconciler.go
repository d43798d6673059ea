package tracking

import (
	"context"
	"fmt"

	"ordertrack/statusapi"
)

// StatusFetcher returns the authoritative status of an order.
// *statusapi.Client satisfies it.
type StatusFetcher interface {
	GetOrderStatus(ctx context.Context, orderID string) (*statusapi.OrderStatus, error)
}

// Reconciler turns a status fetch into the record the server believes in.
type Reconciler struct {
	fetcher StatusFetcher
}

// NewReconciler wraps fetcher.
func NewReconciler(fetcher StatusFetcher) *Reconciler {
	return &Reconciler{fetcher: fetcher}
}

// Fetch returns current merged with the server's view of it. Fields the
// server leaves empty keep their local values. Failures wrap ErrReconciliation.
func (r *Reconciler) Fetch(ctx context.Context, current Record) (Record, error) {
	st, err := r.fetcher.GetOrderStatus(ctx, current.OrderID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: order %s: %v", ErrReconciliation, current.OrderID, err)
	}

	next := current
	next.Status = st.Status
	if st.OrderNumber != 0 {
		next.OrderNumber = st.OrderNumber
	}
	if st.OrderType != "" {
		next.OrderType = st.OrderType
	}
	if !st.CreatedAt.IsZero() {
		next.CreatedAt = st.CreatedAt
	}
	return next, nil
}
