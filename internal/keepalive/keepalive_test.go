package keepalive

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTarget struct {
	mu       sync.Mutex
	pings    int
	cutoffs  []time.Time
	activity map[int]time.Time
	block    chan struct{}
	inFlight atomic.Bool
}

func (f *fakeTarget) PingAll(context.Context) {
	if f.block != nil {
		f.inFlight.Store(true)
		<-f.block
		f.inFlight.Store(false)
	}
	f.mu.Lock()
	f.pings++
	f.mu.Unlock()
}

func (f *fakeTarget) EvictIdle(_ context.Context, cutoff time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	n := 0
	for id, last := range f.activity {
		if last.Before(cutoff) {
			delete(f.activity, id)
			n++
		}
	}
	return n
}

func (f *fakeTarget) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// TestCheckEvictsOnlyStale pins the cutoff to an injected clock.
func TestCheckEvictsOnlyStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	target := &fakeTarget{activity: map[int]time.Time{
		1: now.Add(-11 * time.Second),
		2: now.Add(-1 * time.Second),
	}}
	s := New(target, Config{Timeout: 10 * time.Second, Now: func() time.Time { return now }})

	if n := s.Check(context.Background()); n != 1 {
		t.Fatalf("Check() = %d, want 1", n)
	}
	if _, ok := target.activity[2]; !ok {
		t.Error("fresh connection was evicted")
	}
	if _, ok := target.activity[1]; ok {
		t.Error("stale connection survived")
	}
	if want := now.Add(-10 * time.Second); !target.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", target.cutoffs[0], want)
	}
}

func TestZeroIntervalsDisable(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{activity: map[int]time.Time{}}
	s := New(target, Config{})
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	if target.pingCount() != 0 || len(target.cutoffs) != 0 {
		t.Errorf("disabled tasks ran: pings=%d checks=%d", target.pingCount(), len(target.cutoffs))
	}
	if s.Check(context.Background()) != 0 {
		t.Error("Check() evicted with eviction disabled")
	}
}

func TestTickersRun(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{activity: map[int]time.Time{}}
	s := New(target, Config{PingInterval: 5 * time.Millisecond, Timeout: time.Hour, CheckInterval: 5 * time.Millisecond})
	s.Start(context.Background())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for target.pingCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if target.pingCount() < 3 {
		t.Errorf("pings = %d, want at least 3", target.pingCount())
	}
	target.mu.Lock()
	checks := len(target.cutoffs)
	target.mu.Unlock()
	if checks == 0 {
		t.Error("eviction never ran")
	}

	after := target.pingCount()
	time.Sleep(20 * time.Millisecond)
	if target.pingCount() != after {
		t.Error("ping ran after Stop")
	}
}

func TestStopWaitsForRunInProgress(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{activity: map[int]time.Time{}, block: make(chan struct{})}
	s := New(target, Config{PingInterval: time.Millisecond})
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for !target.inFlight.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned while a ping was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(target.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}
}
