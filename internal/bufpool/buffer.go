package bufpool

import (
	"errors"

	"golang.org/x/sys/unix"
)

// CheapPrepend is the immutable reserved prefix that lets a caller
// splice a length header in front of readable data without shifting
// the payload.
const CheapPrepend = 8

const extraBufSize = 64 * 1024

// Buffer is a contiguous byte region partitioned by readerIndex <=
// writerIndex <= capacity. It is not safe for concurrent use; one
// Buffer belongs to one Connection on one loop.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
	pool        *MemoryPool
	pooled      bool // false once the buffer has grown past MaxClass
	resizes     int
}

// NewBuffer allocates a Buffer of at least initialSize bytes (plus the
// cheap-prepend reserve) from pool. A nil pool uses Shared.
func NewBuffer(initialSize int, pool *MemoryPool) *Buffer {
	if pool == nil {
		pool = Shared
	}
	if initialSize < 0 {
		initialSize = 0
	}
	total := initialSize + CheapPrepend
	raw := pool.Allocate(total)
	raw = raw[:cap(raw)]
	if len(raw) < total {
		// Oversize path already returns exact-size capacity; pad up.
		grown := make([]byte, total)
		copy(grown, raw)
		raw = grown
	}
	return &Buffer{
		buf:         raw,
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
		pool:        pool,
		pooled:      cap(raw) <= MaxClass,
	}
}

// Readable returns the number of bytes available to read.
func (b *Buffer) Readable() int { return b.writerIndex - b.readerIndex }

// Writable returns the number of bytes that can be appended without
// growing the buffer.
func (b *Buffer) Writable() int { return len(b.buf) - b.writerIndex }

// Prependable returns the number of bytes free before readerIndex.
func (b *Buffer) Prependable() int { return b.readerIndex }

// Peek returns the readable region without consuming it.
func (b *Buffer) Peek() []byte { return b.buf[b.readerIndex:b.writerIndex] }

// Retrieve advances readerIndex by n, discarding n bytes. If n covers
// the whole readable region both indices reset to CheapPrepend.
func (b *Buffer) Retrieve(n int) {
	if n <= 0 {
		return
	}
	if n < b.Readable() {
		b.readerIndex += n
		return
	}
	b.retrieveAllLocked()
}

// RetrieveAll discards all readable bytes and resets both indices.
func (b *Buffer) RetrieveAll() { b.retrieveAllLocked() }

func (b *Buffer) retrieveAllLocked() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

// RetrieveAsString consumes n bytes and returns them as a string copy.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.Readable() {
		n = b.Readable()
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsString consumes the entire readable region.
func (b *Buffer) RetrieveAllAsString() string { return b.RetrieveAsString(b.Readable()) }

// Append copies data onto the writable tail, growing the buffer first
// if necessary.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	n := copy(b.buf[b.writerIndex:], data)
	b.writerIndex += n
}

// PrependBytes writes data into the reserved prefix immediately before
// readerIndex, e.g. to splice in a frame-length header (the cheap
// prepend region).
func (b *Buffer) PrependBytes(data []byte) {
	if len(data) > b.Prependable() {
		panic("bufpool: prepend exceeds reserved prefix")
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

// EnsureWritable guarantees Writable >= n without disturbing readable
// content, compacting in place when there's enough slack, else growing
// to the exact needed size.
func (b *Buffer) EnsureWritable(n int) {
	if b.Writable() >= n {
		return
	}
	if b.Prependable()+b.Writable() >= n+CheapPrepend {
		b.compact()
		return
	}
	b.grow(n)
}

// compact slides the readable region down to offset CheapPrepend,
// reclaiming prependable+trailing slack without allocating.
func (b *Buffer) compact() {
	readable := b.Readable()
	copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// grow allocates a new backing array sized exactly to writerIndex+n,
// copies the readable region to the same CheapPrepend offset, and
// releases the old pooled allocation (if any) back to the pool.
func (b *Buffer) grow(n int) {
	readable := b.Readable()
	needed := b.writerIndex + n
	newBuf := make([]byte, needed)
	copy(newBuf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])

	if b.pooled && b.pool != nil {
		b.pool.Deallocate(b.buf)
	}
	b.buf = newBuf
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
	b.pooled = false // once grown past a pool class, never returns to the pool
	b.resizes++
}

// Release returns a still-pooled buffer's storage to its MemoryPool.
// Call once the Buffer itself is discarded (e.g. connection teardown).
func (b *Buffer) Release() {
	if b.pooled && b.pool != nil {
		b.pool.Deallocate(b.buf)
		b.buf = nil
	}
}

// Resizes reports how many times this buffer has grown past its
// original allocation, exposed for monitoring.
func (b *Buffer) Resizes() int { return b.resizes }

var errShortIovec = errors.New("bufpool: readv returned negative count")

// ReadFD performs a scatter-gather read: one iovec into the buffer's
// writable tail, a second into a 64KiB stack buffer, so a single
// syscall can absorb a burst larger than the current writable region
// without over-allocating. Overflow is appended via Append.
// Returns bytes read and, on EAGAIN/EWOULDBLOCK, (0, nil) since that is
// a transient condition the caller should treat as "no data yet", not
// an error.
func (b *Buffer) ReadFD(fd int) (int, error) {
	var extra [extraBufSize]byte
	writable := b.Writable()

	iovs := make([][]byte, 0, 2)
	if writable > 0 {
		iovs = append(iovs, b.buf[b.writerIndex:len(b.buf)])
	} else {
		// Still offer at least a zero-length first iovec slot so the
		// overflow buffer is what actually absorbs the read.
		iovs = append(iovs, b.buf[b.writerIndex:b.writerIndex])
	}
	iovs = append(iovs, extra[:])

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if n < 0 {
		return 0, errShortIovec
	}

	if n <= writable {
		b.writerIndex += n
		return n, nil
	}

	b.writerIndex += writable
	overflow := n - writable
	b.Append(extra[:overflow])
	return n, nil
}

// WriteFD writes the readable region to fd in one syscall, retiring
// whatever was written. Returns bytes written; EAGAIN/EWOULDBLOCK/EINTR
// surface as (0, nil) — transient, rely on write-readiness.
func (b *Buffer) WriteFD(fd int) (int, error) {
	if b.Readable() == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if n > 0 {
		b.Retrieve(n)
	}
	return n, nil
}
