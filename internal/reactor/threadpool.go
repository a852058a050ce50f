//go:build linux

package reactor

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ThreadPoolConfig mirrors its network.thread_pool.* options. Only
// ThreadNum (clamped by MinIdle/MaxIdle) drives how many worker loops
// actually start; QueueSize and KeepAliveSeconds are validated and
// retained for a future elastic worker pool.
type ThreadPoolConfig struct {
	ThreadNum        int
	QueueSize        int
	KeepAliveSeconds int
	MinIdleThreads   int
	MaxIdleThreads   int
	Mode             EpollMode
}

// EventLoopThreadPool creates N worker EventLoops on dedicated
// goroutines and assigns accepted connections to them round-robin.
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	log      logrus.FieldLogger

	loops []*EventLoop
	next  int
	mu    sync.Mutex
}

// NewEventLoopThreadPool builds the pool without starting worker loops;
// call Start to launch them.
func NewEventLoopThreadPool(baseLoop *EventLoop, log logrus.FieldLogger) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop, log: log}
}

// Start launches clamp(cfg.ThreadNum, MinIdle, MaxIdle) worker loops,
// each on its own goroutine, and blocks until every one has published
// its loop pointer, using a WaitGroup since the loop itself needs no
// return value beyond "ready".
func (p *EventLoopThreadPool) Start(cfg ThreadPoolConfig) error {
	n := clamp(cfg.ThreadNum, cfg.MinIdleThreads, cfg.MaxIdleThreads)
	if n <= 0 {
		return nil // falls back to the base loop
	}

	var wg sync.WaitGroup
	loops := make([]*EventLoop, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		idx := i
		go func() {
			loop, err := NewEventLoop(cfg.Mode, p.log)
			if err != nil {
				errs[idx] = err
				wg.Done()
				return
			}
			loops[idx] = loop
			wg.Done() // loop pointer published; caller may now proceed
			loop.Run()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.loops = loops
	p.mu.Unlock()
	return nil
}

func clamp(desired, min, max int) int {
	if max > 0 && desired > max {
		desired = max
	}
	if desired < min {
		desired = min
	}
	return desired
}

// GetNextLoop returns the next worker loop round-robin, or the base
// loop if no worker threads were started.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	l := p.loops[p.next%len(p.loops)]
	p.next++
	return l
}

// Loops returns all worker loops (empty if the pool wasn't started).
func (p *EventLoopThreadPool) Loops() []*EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*EventLoop, len(p.loops))
	copy(out, p.loops)
	return out
}

// Stop stops every worker loop and closes its OS resources.
func (p *EventLoopThreadPool) Stop() {
	p.mu.Lock()
	loops := p.loops
	p.mu.Unlock()
	for _, l := range loops {
		l.Stop()
		_ = l.Close()
	}
}
