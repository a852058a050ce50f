//go:build linux

package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/relaykit/relay/internal/clock"
)

// EpollMode selects level-triggered or edge-triggered readiness
// notification.
type EpollMode int

const (
	LevelTriggered EpollMode = iota
	EdgeTriggered
)

const maxEpollEvents = 512

// Poller wraps epoll for one loop. It is the only mutator of its own
// fd-to-Channel map and that map is touched solely by the owning loop's
// thread.
type Poller struct {
	epfd     int
	mode     EpollMode
	channels map[int]*Channel
	events   []unix.EpollEvent
}

// NewPoller creates an epoll instance in the given mode.
func NewPoller(mode EpollMode) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	return &Poller{
		epfd:     epfd,
		mode:     mode,
		channels: make(map[int]*Channel),
		events:   make([]unix.EpollEvent, maxEpollEvents),
	}, nil
}

func (p *Poller) toEpollEvents(i Interest) uint32 {
	var ev uint32
	if i&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if i&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	if p.mode == EdgeTriggered {
		ev |= unix.EPOLLET
	}
	return ev
}

// Update adds, modifies, or removes ch's registration based on its
// current interest mask and prior registration state: an O(1) decision
// driven by the Channel's own state field rather than a map lookup.
func (p *Poller) Update(ch *Channel) error {
	ev := unix.EpollEvent{Events: p.toEpollEvents(ch.interest), Fd: int32(ch.fd)}

	switch ch.mode {
	case stateNew, stateDeleted:
		if ch.interest == EventNone {
			return nil
		}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, ch.fd, &ev); err != nil {
			return fmt.Errorf("reactor: epoll_ctl add fd=%d: %w", ch.fd, err)
		}
		ch.mode = stateAdded
		p.channels[ch.fd] = ch
	case stateAdded:
		if ch.interest == EventNone {
			if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, ch.fd, nil); err != nil {
				return fmt.Errorf("reactor: epoll_ctl del fd=%d: %w", ch.fd, err)
			}
			ch.mode = stateDeleted
			delete(p.channels, ch.fd)
			return nil
		}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, ch.fd, &ev); err != nil {
			return fmt.Errorf("reactor: epoll_ctl mod fd=%d: %w", ch.fd, err)
		}
	}
	return nil
}

// Remove detaches ch entirely, e.g. on connection teardown.
func (p *Poller) Remove(ch *Channel) error {
	if ch.mode != stateAdded {
		return nil
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, ch.fd, nil); err != nil {
		return fmt.Errorf("reactor: epoll_ctl del fd=%d: %w", ch.fd, err)
	}
	ch.mode = stateDeleted
	delete(p.channels, ch.fd)
	return nil
}

// Poll blocks up to timeoutMs and returns the wake time plus the
// Channels with ready events, each tagged via setRevents.
func (p *Poller) Poll(timeoutMs int) (clock.Timestamp, []*Channel, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	wake := clock.Now()
	if err != nil {
		if err == unix.EINTR {
			return wake, nil, nil
		}
		return wake, nil, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	ready := make([]*Channel, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		ch, ok := p.channels[fd]
		if !ok {
			continue
		}
		var got Interest
		evs := p.events[i].Events
		if evs&unix.EPOLLIN != 0 || evs&unix.EPOLLHUP != 0 || evs&unix.EPOLLERR != 0 {
			got |= EventRead
		}
		if evs&unix.EPOLLOUT != 0 {
			got |= EventWrite
		}
		ch.setRevents(got)
		ready = append(ready, ch)
	}
	return wake, ready, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error { return unix.Close(p.epfd) }
