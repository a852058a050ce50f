//go:build linux

package reactor

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/relaykit/relay/internal/clock"
)

// Timer is one scheduled callback. Its address plus seq form the public
// TimerId handle; seq is assigned once at creation and never reused,
// defeating ABA on cancel-after-reuse.
type Timer struct {
	expiration clock.Timestamp
	interval   time.Duration // 0 = one-shot
	callback   func()
	seq        uint64
	heapIndex  int
}

// TimerId is the opaque handle returned by AddTimer and consumed by
// Cancel.
type TimerId struct {
	timer *Timer
	seq   uint64
}

var seqGen uint64

func nextSeq() uint64 { return atomic.AddUint64(&seqGen, 1) }

// timerHeap orders Timers by expiration (timers with equal expiration
// come out in no defined order) and supports
// O(log n) arbitrary removal via heap.Fix/heap.Remove using heapIndex.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	return h[i].expiration.Before(h[j].expiration)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

// cancelSet absorbs cancellations of timers belonging to the batch
// currently being dispatched, backed by an eapache/queue FIFO scratch
// buffer rather than a map — the batch is small and fully drained every
// tick, so a linear scan over the queue is cheap and avoids allocating
// a fresh map on every dispatch.
type cancelSet struct {
	q *queue.Queue
}

func newCancelSet() *cancelSet { return &cancelSet{q: queue.New()} }

func (s *cancelSet) add(t *Timer) { s.q.Add(t) }

func (s *cancelSet) contains(t *Timer) bool {
	for i := 0; i < s.q.Length(); i++ {
		if s.q.Get(i).(*Timer) == t {
			return true
		}
	}
	return false
}

// TimerQueue owns all Timers for one loop, backed by an OS timerfd
// armed to the earliest expiration.
type TimerQueue struct {
	mu        sync.Mutex
	heap      timerHeap
	active    map[*Timer]struct{}
	timerFd   int
	channel   *Channel
	runInLoop func(func())

	dispatching bool
	firing      map[*Timer]struct{}
	canceling   *cancelSet
}

// NewTimerQueue creates a timerfd and wraps it in a Channel whose read
// callback drains expirations. runInLoop marshals cross-thread calls
// (AddTimer/Cancel from another goroutine) onto the owning loop.
func NewTimerQueue(runInLoop func(func())) (*TimerQueue, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	tq := &TimerQueue{
		active:    make(map[*Timer]struct{}),
		timerFd:   fd,
		runInLoop: runInLoop,
	}
	tq.channel = NewChannel(fd)
	tq.channel.ReadCallback = tq.handleExpiry
	tq.channel.EnableReading()
	return tq, nil
}

// Channel exposes the timerfd's Channel so the EventLoop can register it
// with the Poller.
func (tq *TimerQueue) Channel() *Channel { return tq.channel }

// Close releases the timerfd.
func (tq *TimerQueue) Close() error { return unix.Close(tq.timerFd) }

// AddTimer schedules cb to run at when, repeating every interval if
// interval > 0. Safe to call from any thread; cross-thread calls are
// marshaled via runInLoop.
func (tq *TimerQueue) AddTimer(cb func(), when clock.Timestamp, interval time.Duration) TimerId {
	t := &Timer{expiration: when, interval: interval, callback: cb, seq: nextSeq(), heapIndex: -1}
	id := TimerId{timer: t, seq: t.seq}
	tq.runInLoop(func() { tq.insert(t) })
	return id
}

func (tq *TimerQueue) insert(t *Timer) {
	tq.mu.Lock()
	earliestChanged := len(tq.heap) == 0 || t.expiration.Before(tq.heap[0].expiration)
	heap.Push(&tq.heap, t)
	tq.active[t] = struct{}{}
	tq.mu.Unlock()

	if earliestChanged {
		tq.rearm(t.expiration)
	}
}

// Cancel invalidates id. If the timer is still pending it is removed in
// O(log n); if it belongs to the batch currently being dispatched, it is
// recorded so the periodic-rearm step after dispatch declines to
// re-schedule it.
func (tq *TimerQueue) Cancel(id TimerId) {
	tq.runInLoop(func() {
		tq.mu.Lock()
		defer tq.mu.Unlock()
		if _, ok := tq.active[id.timer]; ok && id.timer.seq == id.seq {
			delete(tq.active, id.timer)
			if id.timer.heapIndex >= 0 {
				heap.Remove(&tq.heap, id.timer.heapIndex)
			}
			return
		}
		if tq.dispatching && id.timer.seq == id.seq {
			if _, firing := tq.firing[id.timer]; firing {
				tq.canceling.add(id.timer)
			}
		}
	})
}

// handleExpiry is the timerfd's read callback: drains the expiration
// counter, pops every Timer due by now into a batch, fires each
// callback (panics recovered), then re-arms periodic timers that
// weren't cancelled mid-batch.
func (tq *TimerQueue) handleExpiry() {
	var buf [8]byte
	_, _ = unix.Read(tq.timerFd, buf[:])

	now := clock.Now()
	tq.mu.Lock()
	var batch []*Timer
	for len(tq.heap) > 0 && !tq.heap[0].expiration.After(now) {
		t := heap.Pop(&tq.heap).(*Timer)
		delete(tq.active, t)
		batch = append(batch, t)
	}
	tq.dispatching = true
	tq.firing = make(map[*Timer]struct{}, len(batch))
	for _, t := range batch {
		tq.firing[t] = struct{}{}
	}
	tq.canceling = newCancelSet()
	tq.mu.Unlock()

	for _, t := range batch {
		tq.invoke(t)
	}

	tq.mu.Lock()
	for _, t := range batch {
		cancelled := tq.canceling.contains(t)
		if t.interval > 0 && !cancelled {
			t.expiration = now.Add(t.interval)
			heap.Push(&tq.heap, t)
			tq.active[t] = struct{}{}
		}
	}
	tq.dispatching = false
	tq.firing = nil
	tq.canceling = nil
	var next clock.Timestamp
	hasNext := len(tq.heap) > 0
	if hasNext {
		next = tq.heap[0].expiration
	}
	tq.mu.Unlock()

	if hasNext {
		tq.rearm(next)
	}
}

func (tq *TimerQueue) invoke(t *Timer) {
	defer func() { _ = recover() }()
	t.callback()
}

// rearm sets the timerfd to fire at when (relative deadline, one-shot —
// TimerQueue itself re-arms after every expiry batch).
func (tq *TimerQueue) rearm(when clock.Timestamp) {
	d := when.Sub(clock.Now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	_ = unix.TimerfdSettime(tq.timerFd, 0, &spec, nil)
}
