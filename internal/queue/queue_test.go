package queue

import (
	"context"
	"testing"
	"time"

	"github.com/gurre/docflow/internal/model"
)

func TestPriorityLaneRouting(t *testing.T) {
	f := New(4)

	tests := []struct {
		priority model.Priority
		want     chan int64
	}{
		{model.PriorityHigh, f.High},
		{model.PriorityNormal, f.Normal},
		{model.PriorityLow, f.Low},
		{model.Priority("bogus"), f.Normal},
	}
	for _, tt := range tests {
		if got := f.PriorityLane(tt.priority); got != tt.want {
			t.Errorf("PriorityLane(%q) = %p, want %p", tt.priority, got, tt.want)
		}
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	f := New(4)
	ctx := context.Background()

	if err := Push(ctx, f.Intake, 42); err != nil {
		t.Fatalf("Push: %v", err)
	}
	id, ok := Pop(ctx, f.Intake)
	if !ok || id != 42 {
		t.Errorf("Pop = (%d, %v), want (42, true)", id, ok)
	}
}

func TestPushRespectsCancellation(t *testing.T) {
	f := New(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := Push(ctx, f.Intake, 1); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	cancel()

	// Lane is now full; a second Push must observe cancellation rather than
	// block forever.
	if err := Push(ctx, f.Intake, 2); err == nil {
		t.Errorf("expected Push to fail after cancellation")
	}
}

func TestPopRespectsCancellation(t *testing.T) {
	f := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := Pop(ctx, f.Intake)
	if ok {
		t.Errorf("expected Pop to report ok=false on a cancelled context")
	}
}

func TestDepthsReflectsBufferedLength(t *testing.T) {
	f := New(4)
	ctx := context.Background()
	_ = Push(ctx, f.High, 1)
	_ = Push(ctx, f.High, 2)
	_ = Push(ctx, f.Low, 3)

	d := f.Depths()
	if d.High != 2 {
		t.Errorf("High depth = %d, want 2", d.High)
	}
	if d.Low != 1 {
		t.Errorf("Low depth = %d, want 1", d.Low)
	}
	if d.Normal != 0 {
		t.Errorf("Normal depth = %d, want 0", d.Normal)
	}
}

func TestPriorityMergerDrainsHighBeforeNormalBeforeLow(t *testing.T) {
	f := New(8)
	ctx, cancel := context.WithCancel(context.Background())

	_ = Push(ctx, f.Low, 100)
	_ = Push(ctx, f.Normal, 200)
	_ = Push(ctx, f.High, 300)

	done := make(chan struct{})
	go func() {
		f.PriorityMerger(ctx)
		close(done)
	}()

	var got []int64
	for i := 0; i < 3; i++ {
		select {
		case id := <-f.Dispatch:
			got = append(got, id)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for dispatch item %d", i)
		}
	}
	cancel()
	<-done

	want := []int64{300, 200, 100}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("dispatch order[%d] = %d, want %d (full: %v)", i, got[i], w, got)
		}
	}
}

func TestPriorityMergerStopsOnCancellation(t *testing.T) {
	f := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		f.PriorityMerger(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("PriorityMerger did not return promptly after cancellation")
	}
}
