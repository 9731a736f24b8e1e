package events

import (
	"context"
	"time"

	"github.com/ronappleton/arazzo-runner/internal/store"
)

// Follow tails a run's event log, invoking fn for each event after afterID in
// id order. It polls until the run is terminal and the log is drained, or the
// context is canceled. Returns the last delivered event id.
func Follow(ctx context.Context, st store.Store, runID string, afterID int64, interval time.Duration, fn func(store.Event) error) (int64, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	last := afterID
	for {
		batch, err := st.EventsAfter(ctx, runID, last, 100)
		if err != nil {
			return last, err
		}
		for _, ev := range batch {
			if err := fn(ev); err != nil {
				return last, err
			}
			last = ev.ID
		}
		if len(batch) == 100 {
			continue
		}

		run, err := st.GetRun(ctx, runID)
		if err != nil {
			return last, err
		}
		if run.Status.Terminal() {
			// one final read to catch events appended with the terminal status
			tail, err := st.EventsAfter(ctx, runID, last, 100)
			if err != nil {
				return last, err
			}
			for _, ev := range tail {
				if err := fn(ev); err != nil {
					return last, err
				}
				last = ev.ID
			}
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}
	}
}
