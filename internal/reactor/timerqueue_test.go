//go:build linux

package reactor

import (
	"testing"
	"time"
)

// TestTimerABA reproduces: schedule A, cancel A, schedule B; B's
// callback fires, A's callback never does — even though Go's allocator
// might reuse A's address for B's Timer struct, the sequence number
// defeats the reuse.
func TestTimerABA(t *testing.T) {
	loop, err := NewEventLoop(LevelTriggered, nil)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	go loop.Run()
	defer loop.Stop()

	fired := make(chan string, 2)

	idA := loop.RunAfter(20*time.Millisecond, func() { fired <- "A" })
	loop.CancelTimer(idA)
	loop.RunAfter(40*time.Millisecond, func() { fired <- "B" })

	select {
	case who := <-fired:
		if who != "B" {
			t.Fatalf("expected B to fire, got %s", who)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timer B")
	}

	select {
	case who := <-fired:
		t.Fatalf("unexpected second fire from %s; A should have stayed cancelled", who)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimerCancelDuringDispatch(t *testing.T) {
	loop, err := NewEventLoop(LevelTriggered, nil)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	go loop.Run()
	defer loop.Stop()

	runs := make(chan struct{}, 10)
	var id TimerId
	id = loop.RunEvery(10*time.Millisecond, func() {
		runs <- struct{}{}
		loop.CancelTimer(id) // cancel self mid-dispatch; must not re-arm
	})
	_ = id

	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatal("periodic timer never fired once")
	}

	select {
	case <-runs:
		t.Fatal("periodic timer fired again after cancelling itself mid-dispatch")
	case <-time.After(150 * time.Millisecond):
	}
}
