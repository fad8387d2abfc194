package queue

import (
	"context"
	"time"
)

// idleSleep is how long PriorityMerger waits before re-checking all three
// lanes when every one of them was empty on the last tick (spec §4.6:
// "sleeps briefly when all empty").
const idleSleep = 20 * time.Millisecond

// PriorityMerger drains High, Normal, and Low in strict priority order and
// forwards every id onto Dispatch (spec §4.5, §4.6 item 2). A ready `high`
// item always preempts a ready `normal` item at each selection tick; low is
// allowed to starve by design.
func (f *Fabric) PriorityMerger(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, ok := f.next(ctx)
		if !ok {
			continue
		}
		if err := Push(ctx, f.Dispatch, id); err != nil {
			return
		}
	}
}

// next selects the next id using strict priority, returning ok=false (after
// a brief sleep) if every lane was empty and nothing arrived before ctx was
// cancelled.
func (f *Fabric) next(ctx context.Context) (int64, bool) {
	select {
	case id := <-f.High:
		return id, true
	default:
	}
	select {
	case id := <-f.Normal:
		return id, true
	default:
	}
	select {
	case id := <-f.Low:
		return id, true
	default:
	}

	timer := time.NewTimer(idleSleep)
	defer timer.Stop()
	select {
	case id := <-f.High:
		return id, true
	case id := <-f.Normal:
		return id, true
	case id := <-f.Low:
		return id, true
	case <-timer.C:
		return 0, false
	case <-ctx.Done():
		return 0, false
	}
}
