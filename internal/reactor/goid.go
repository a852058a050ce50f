package reactor

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentGoroutineProxy returns a per-goroutine identifier used only for
// the thread-affinity assertion. Go exposes no
// public goroutine-id API; this parses the "goroutine N [...]" header
// runtime.Stack always emits, the same technique common Go concurrency
// debugging tools use. It is not on any hot I/O path — only
// RunInLoop/QueueInLoop and the mutator guards call it, never the
// per-event dispatch loop.
func currentGoroutineProxy() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}
