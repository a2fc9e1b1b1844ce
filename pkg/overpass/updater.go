package overpass

import (
	"context"
	"fmt"
	"log"
	"time"

	"lampioni/pkg/geodata"
	"lampioni/pkg/logger"
)

// Snapshot is one refreshed new-lamps collection ready to swap in.
type Snapshot struct {
	New       *geodata.Collection
	FetchedAt time.Time
}

// Updater polls Overpass on a fixed cadence and hands refreshed
// collections to the hosting application over a channel. Fetching and
// applying are decoupled so a slow consumer never delays the next poll
// and a failed poll never loses the cached collection; the previous
// snapshot simply stays current.
type Updater struct {
	Client       *Client
	BaselineDate string
	BaselineIDs  map[int64]struct{}
	Interval     time.Duration
	Logf         func(string, ...any)
}

// Start launches the poll loop and returns the snapshot channel. The
// first fetch runs immediately so a restarted server catches up without
// waiting a full day. The channel closes when ctx ends.
func (u *Updater) Start(ctx context.Context, existing *geodata.Collection) <-chan Snapshot {
	interval := u.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	logf := u.Logf
	if logf == nil {
		logf = log.Printf
	}

	out := make(chan Snapshot, 1)

	go func() {
		defer close(out)

		logf("overpass updater start: interval=%s baseline=%s", interval, u.BaselineDate)

		current := existing
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if snap, ok := u.refresh(ctx, current); ok {
				current = snap.New
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

// refresh performs one fetch-and-merge. Detail lines are buffered by the
// job logger and only surface when the poll fails.
func (u *Updater) refresh(ctx context.Context, current *geodata.Collection) (Snapshot, bool) {
	const jobID = "daily-update"
	logger.Begin(jobID)
	logger.Append(jobID, fmt.Sprintf("[%s] querying lamps newer than %s", jobID, u.BaselineDate))

	elements, err := u.Client.Fetch(ctx, BuildQuery(u.BaselineDate))
	if err != nil {
		logger.FlushError(jobID, err)
		return Snapshot{}, false
	}
	logger.Append(jobID, fmt.Sprintf("[%s] fetched %d nodes", jobID, len(elements)))

	now := time.Now().UTC()
	merged := MergeNew(current, elements, u.BaselineIDs, now.Format("2006-01-02"))
	logger.Success(jobID, fmt.Sprintf("new lamps: %d (was %d)", merged.Len(), current.Len()))

	return Snapshot{New: merged, FetchedAt: now}, true
}
