package ledger

import (
	"context"
	"time"

	"dispatchd/internal/domain"
)

const defaultPollInterval = 500 * time.Millisecond

// Stream tails a work order's ledger from a row-id cursor, emitting events
// in append order until the order reaches a terminal status or the context
// is cancelled. The last poll after a terminal status drains events that
// raced with the resolution.
func (l *Ledger) Stream(ctx context.Context, workOrderID string, cursor int64, emit func(domain.ExecutionEvent) error) error {
	interval := l.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		events, err := l.Repo.EventsAfter(ctx, workOrderID, cursor, 200)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
			cursor = ev.ID
		}
		if len(events) > 0 {
			// Keep draining a burst before checking for termination.
			continue
		}
		order, err := l.Repo.GetWorkOrder(ctx, workOrderID)
		if err != nil {
			return err
		}
		if domain.TerminalStatus(order.Status) {
			tail, err := l.Repo.EventsAfter(ctx, workOrderID, cursor, 200)
			if err != nil {
				return err
			}
			for _, ev := range tail {
				if err := emit(ev); err != nil {
					return err
				}
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
