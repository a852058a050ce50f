//go:build linux

package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/relaykit/relay/internal/clock"
	"github.com/relaykit/relay/logging"
	"github.com/sirupsen/logrus"
)

const pollTimeoutMs = 10_000 // poll up to 10s per iteration

// EventLoop pins to the goroutine that calls Run and runs until Stop.
// Every mutation of its owned Channels/Timers/Poller must happen on that
// thread; the only public cross-thread surfaces are
// RunInLoop/QueueInLoop and the timer convenience methods.
type EventLoop struct {
	log logrus.FieldLogger

	poller *Poller
	timers *TimerQueue

	threadID atomic.Int64 // goroutine-affinity proxy, set on Run

	wakeupFd int
	wakeupCh *Channel

	mu             sync.Mutex
	pending        []func()
	callingPending atomic.Bool

	looping atomic.Bool
	quit    atomic.Bool
	doneCh  chan struct{}
}

// NewEventLoop constructs a loop in the given epoll mode. The loop does
// not start running until Run is called on the thread that will own it.
func NewEventLoop(mode EpollMode, log logrus.FieldLogger) (*EventLoop, error) {
	poller, err := NewPoller(mode)
	if err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		poller.Close()
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	el := &EventLoop{
		log:      logging.Or(log),
		poller:   poller,
		wakeupFd: efd,
		doneCh:   make(chan struct{}),
	}
	el.wakeupCh = NewChannel(efd)
	el.wakeupCh.ReadCallback = el.handleWakeup
	el.wakeupCh.EnableReading()
	if err := el.poller.Update(el.wakeupCh); err != nil {
		return nil, err
	}

	timers, err := NewTimerQueue(el.RunInLoop)
	if err != nil {
		return nil, err
	}
	el.timers = timers
	if err := el.poller.Update(timers.Channel()); err != nil {
		return nil, err
	}

	return el, nil
}

// assertInLoop panics if called from a thread other than the loop's
// owner, once the loop is running.
func (el *EventLoop) assertInLoop() {
	if el.looping.Load() && el.threadID.Load() != currentGoroutineProxy() {
		panic("reactor: EventLoop operation invoked off-thread")
	}
}

// Run drives the reactor loop: poll, dispatch ready channels, drain
// pending cross-thread tasks, repeat until Stop. Must be called from the
// goroutine that will own this loop for its lifetime — Go has no stable
// OS-thread-affinity primitive for goroutines, so affinity is enforced
// by convention (Run never hands control back to the scheduler onto a
// different goroutine) rather than a literal thread-id comparison.
func (el *EventLoop) Run() {
	if !el.looping.CompareAndSwap(false, true) {
		return
	}
	el.threadID.Store(currentGoroutineProxy())
	defer close(el.doneCh)

	for !el.quit.Load() {
		_, ready, err := el.poller.Poll(pollTimeoutMs)
		if err != nil {
			el.log.WithError(err).Error("reactor: poll failed")
			continue
		}
		for _, ch := range ready {
			ch.HandleEvent(false, false)
		}
		el.doPendingFunctors()
	}
	el.looping.Store(false)
}

// doPendingFunctors swaps the pending queue under the mutex then runs it
// lock-free, bounding lock hold time.
func (el *EventLoop) doPendingFunctors() {
	el.callingPending.Store(true)
	el.mu.Lock()
	funcs := el.pending
	el.pending = nil
	el.mu.Unlock()

	for _, f := range funcs {
		el.safeRun(f)
	}
	el.callingPending.Store(false)
}

func (el *EventLoop) safeRun(f func()) {
	defer func() {
		if r := recover(); r != nil {
			el.log.WithField("panic", r).Error("reactor: pending task panicked")
		}
	}()
	f()
}

// RunInLoop executes task immediately if called on the owning thread,
// else hands it to QueueInLoop.
func (el *EventLoop) RunInLoop(task func()) {
	if el.IsInLoopThread() {
		task()
		return
	}
	el.QueueInLoop(task)
}

// QueueInLoop enqueues task for the owning thread and wakes it if the
// caller is off-thread, or if the loop is mid-drain (so tasks queued
// during draining aren't delayed a full poll cycle).
func (el *EventLoop) QueueInLoop(task func()) {
	el.mu.Lock()
	el.pending = append(el.pending, task)
	el.mu.Unlock()

	if !el.IsInLoopThread() || el.callingPending.Load() {
		el.wakeup()
	}
}

// IsInLoopThread reports whether the caller is running on this loop's
// goroutine.
func (el *EventLoop) IsInLoopThread() bool {
	return el.looping.Load() && el.threadID.Load() == currentGoroutineProxy()
}

func (el *EventLoop) wakeup() {
	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(el.wakeupFd, one[:])
}

func (el *EventLoop) handleWakeup() {
	var buf [8]byte
	_, _ = unix.Read(el.wakeupFd, buf[:])
}

// Stop signals Run to exit and blocks until it has.
func (el *EventLoop) Stop() {
	if el.quit.CompareAndSwap(false, true) {
		el.wakeup()
	}
	if el.looping.Load() {
		<-el.doneCh
	}
}

// Poller exposes the loop's multiplexer so Connection/Acceptor can
// register their Channels.
func (el *EventLoop) Poller() *Poller { return el.poller }

// UpdateChannel pushes ch's current interest to the Poller; called on
// the owning thread only.
func (el *EventLoop) UpdateChannel(ch *Channel) error {
	el.assertInLoop()
	return el.poller.Update(ch)
}

// RemoveChannel detaches ch from the Poller.
func (el *EventLoop) RemoveChannel(ch *Channel) error {
	el.assertInLoop()
	return el.poller.Remove(ch)
}

// RunAt schedules cb to run once at `when`.
func (el *EventLoop) RunAt(when clock.Timestamp, cb func()) TimerId {
	return el.timers.AddTimer(cb, when, 0)
}

// RunAfter schedules cb to run once after delay.
func (el *EventLoop) RunAfter(delay time.Duration, cb func()) TimerId {
	return el.RunAt(clock.Now().Add(delay), cb)
}

// RunEvery schedules cb to run every interval, starting after interval.
func (el *EventLoop) RunEvery(interval time.Duration, cb func()) TimerId {
	return el.timers.AddTimer(cb, clock.Now().Add(interval), interval)
}

// CancelTimer cancels a previously scheduled timer; safe from any
// thread.
func (el *EventLoop) CancelTimer(id TimerId) { el.timers.Cancel(id) }

// Close tears down the loop's OS resources. Call after Stop returns.
func (el *EventLoop) Close() error {
	el.poller.Remove(el.wakeupCh)
	el.poller.Remove(el.timers.Channel())
	_ = el.timers.Close()
	_ = unix.Close(el.wakeupFd)
	return el.poller.Close()
}
