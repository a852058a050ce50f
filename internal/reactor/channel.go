// Package reactor implements the networking core's runtime primitives:
// the epoll Multiplexer, the fd-to-callback Channel binding, the
// timerfd-backed TimerQueue, and the EventLoop/EventLoopThreadPool that
// tie them together.
package reactor

import "sync/atomic"

// Interest is a bitmask of readiness events a Channel wants notified
// about, translated to EPOLLIN/EPOLLOUT by the Poller.
type Interest uint32

const (
	EventNone Interest = 0
	EventRead Interest = 1 << iota
	EventWrite
)

// channelState tracks a Channel's registration lifecycle with the
// Poller, letting Update pick add/modify/delete in O(1) without a map
// lookup.
type channelState int

const (
	stateNew channelState = iota
	stateAdded
	stateDeleted
)

// Tie is a weak back-reference from a Channel to its owning higher-level
// object (a Connection). Each ready event upgrades the tie exactly once;
// a released tie causes the event to be dropped silently, guarding
// against use-after-free of a destroyed Connection. Go's GC makes a
// true weak pointer unnecessary for memory safety, but the liveness
// signal itself is still required.
type Tie struct {
	alive atomic.Bool
}

// NewTie returns a Tie in the alive state.
func NewTie() *Tie {
	t := &Tie{}
	t.alive.Store(true)
	return t
}

// Release marks the tie dead; subsequent Alive calls return false.
func (t *Tie) Release() { t.alive.Store(false) }

// Alive reports whether the owning object is still live.
func (t *Tie) Alive() bool { return t != nil && t.alive.Load() }

// Channel binds one file descriptor to an interest mask and callbacks
// within one loop. It is mutated only by its owning loop's thread.
type Channel struct {
	fd   int
	mode channelState

	interest Interest
	revents  Interest

	tie *Tie

	ReadCallback  func()
	WriteCallback func()
	CloseCallback func()
	ErrorCallback func()
}

// NewChannel binds fd with no interest yet; the owner must call
// EnableReading/EnableWriting and hand the Channel to a Poller via
// Update.
func NewChannel(fd int) *Channel {
	return &Channel{fd: fd, mode: stateNew}
}

// Fd returns the bound file descriptor.
func (c *Channel) Fd() int { return c.fd }

// SetTie attaches a liveness token; HandleEvent drops callbacks once the
// tie is released.
func (c *Channel) SetTie(t *Tie) { c.tie = t }

// Interest returns the current interest mask.
func (c *Channel) Interest() Interest { return c.interest }

// EnableReading/DisableReading/EnableWriting/DisableWriting mutate the
// interest mask; the caller is responsible for pushing the change to
// the Poller via EventLoop.UpdateChannel.
func (c *Channel) EnableReading()  { c.interest |= EventRead }
func (c *Channel) DisableReading() { c.interest &^= EventRead }
func (c *Channel) EnableWriting()  { c.interest |= EventWrite }
func (c *Channel) DisableWriting() { c.interest &^= EventWrite }
func (c *Channel) DisableAll()     { c.interest = EventNone }

// IsWriting reports whether write interest is currently enabled; the
// connection layer depends on this to check the high-watermark
// contract.
func (c *Channel) IsWriting() bool { return c.interest&EventWrite != 0 }

// setRevents records the events the Poller observed ready, consumed by
// HandleEvent.
func (c *Channel) setRevents(ev Interest) { c.revents = ev }

// HandleEvent dispatches a ready notification in a fixed order:
// close-with-no-read-pending, then error, then read, then write. A
// released tie silently drops the event.
func (c *Channel) HandleEvent(closePending, errPending bool) {
	if c.tie != nil && !c.tie.Alive() {
		return
	}
	if closePending && c.revents == EventNone && c.CloseCallback != nil {
		c.CloseCallback()
		return
	}
	if errPending && c.ErrorCallback != nil {
		c.ErrorCallback()
	}
	if c.revents&EventRead != 0 && c.ReadCallback != nil {
		c.ReadCallback()
	}
	if c.revents&EventWrite != 0 && c.WriteCallback != nil {
		c.WriteCallback()
	}
}
