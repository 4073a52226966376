package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dexety/dex-trading-system/internal/model"
)

type fakeWriter struct {
	mu      sync.Mutex
	fail    bool
	written []int64
}

func (f *fakeWriter) writeCycle(_ context.Context, r model.CycleReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFail
	}
	f.written = append(f.written, r.Cycle)
	return nil
}

func (f *fakeWriter) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func report(n int64) model.CycleReport {
	return model.CycleReport{Symbol: "ETH-USD", Cycle: n, Outcome: model.OutcomeLimitFilled}
}

func TestBufferedPublisher_BuffersWhileFailingAndReplaysInOrder(t *testing.T) {
	w := &fakeWriter{}
	cb, clk := newTestBreaker(2, time.Second)
	bp := newBuffered(w, cb, 0)
	ctx := context.Background()

	buffered := 0
	bp.OnBuffer = func() { buffered++ }
	flushed := 0
	bp.OnFlush = func(n int) { flushed += n }

	bp.RecordCycle(ctx, report(1))
	w.setFail(true)
	for n := int64(2); n <= 5; n++ {
		if err := bp.RecordCycle(ctx, report(n)); err != nil {
			t.Fatalf("RecordCycle(%d) = %v", n, err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected breaker open, got %v", cb.CurrentState())
	}
	if bp.PendingCount() != 4 || buffered != 4 {
		t.Fatalf("expected 4 buffered, got %d/%d", bp.PendingCount(), buffered)
	}

	w.setFail(false)
	clk.advance(2 * time.Second)
	bp.RecordCycle(ctx, report(6))

	want := []int64{1, 6, 2, 3, 4, 5}
	if len(w.written) != len(want) {
		t.Fatalf("written %v, want %v", w.written, want)
	}
	for i := range want {
		if w.written[i] != want[i] {
			t.Fatalf("written %v, want %v", w.written, want)
		}
	}
	if bp.PendingCount() != 0 || flushed != 4 {
		t.Errorf("expected empty buffer and 4 flushed, got %d/%d", bp.PendingCount(), flushed)
	}
}

func TestBufferedPublisher_DropsOldestWhenFull(t *testing.T) {
	w := &fakeWriter{fail: true}
	cb, _ := newTestBreaker(1, time.Hour)
	bp := newBuffered(w, cb, 3)

	for n := int64(1); n <= 5; n++ {
		bp.RecordCycle(context.Background(), report(n))
	}
	if bp.PendingCount() != 3 {
		t.Fatalf("expected 3 pending, got %d", bp.PendingCount())
	}
	if bp.buffer[0].Cycle != 3 || bp.buffer[2].Cycle != 5 {
		t.Errorf("expected cycles 3..5 kept, got %+v", bp.buffer)
	}
}

func TestKeys(t *testing.T) {
	if StreamKey("ETH-USD") != "cycle:ETH-USD" || LatestKey("ETH-USD") != "cycle:latest:ETH-USD" || ChannelKey("ETH-USD") != "pub:cycle:ETH-USD" {
		t.Error("unexpected key layout")
	}
}
