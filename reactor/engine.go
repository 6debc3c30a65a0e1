// Package reactor is a minimal readiness-polling I/O dispatcher: a
// reusable layer over poll(2)/read(2)/write(2)/accept(2) that turns
// level-triggered descriptor readiness into one-shot completion
// callbacks. It owns no descriptors and no protocol state; callers submit
// operations against fds they own and drain completions by calling
// WaitForEvent from any number of worker goroutines.
package reactor

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Callback receives the result of a completed operation. Following the
// C-level convention this reactor is ported from: a non-negative result is
// a byte count (or an accepted descriptor for Accept), and a negative
// result is an error (ENOMEM is used as a sentinel capacity failure, not a
// real errno return, for ReadUntil exhausting its buffer budget).
type Callback func(res int)

const ENOMEM = -12

type query struct {
	id     uint64
	fd     int
	events int16
	cb     Callback
}

// Engine is the pending-wait set plus ready-completion queue described by
// the reactor's data model: a set of {fd, direction, completion} waits, a
// FIFO of completions ready for worker execution, and an interruption
// flag. All bookkeeping is serialized by mu, held only while the query and
// ready slices are copied or rebuilt, never across a callback or a syscall.
type Engine struct {
	mu          sync.Mutex
	queries     []query
	ready       []func()
	nextID      uint64
	interrupted int32
}

func New() *Engine {
	return &Engine{}
}

// Interrupt causes any WaitForEvent blocked in the polling syscall to
// return promptly with a no-op, so workers can observe shutdown.
func (e *Engine) Interrupt() { atomic.StoreInt32(&e.interrupted, 1) }

// Release clears the interruption flag, allowing WaitForEvent to resume
// blocking. Exists so an Engine can be reused across a Server restart in
// the same process, mirroring the original's release() paired with
// interrupt().
func (e *Engine) Release() { atomic.StoreInt32(&e.interrupted, 0) }

func wouldBlock(err error) bool {
	return err == unix.EWOULDBLOCK || err == unix.EAGAIN
}

func (e *Engine) enqueue(fd int, events int16, cb Callback) {
	e.mu.Lock()
	e.nextID++
	e.queries = append(e.queries, query{e.nextID, fd, events, cb})
	e.mu.Unlock()
}

// ReadSome attempts a single read on fd. If it would block, a POLLIN wait
// is registered and cb fires once readiness is observed and the retried
// read completes (synchronously or not). cb never fires more than once.
func (e *Engine) ReadSome(fd int, buf []byte, cb Callback) {
	n, err := unix.Read(fd, buf)
	if err == nil || !wouldBlock(err) {
		if err != nil {
			cb(-1)
		} else {
			cb(n)
		}
		return
	}
	e.enqueue(fd, unix.POLLIN, func(int) { e.ReadSome(fd, buf, cb) })
}

// WriteSome is ReadSome's write-direction twin.
func (e *Engine) WriteSome(fd int, buf []byte, cb Callback) {
	n, err := unix.Write(fd, buf)
	if err == nil || !wouldBlock(err) {
		if err != nil {
			cb(-1)
		} else {
			cb(n)
		}
		return
	}
	e.enqueue(fd, unix.POLLOUT, func(int) { e.WriteSome(fd, buf, cb) })
}

// Read loops ReadSome until buf is full, EOF (res == 0) or an error is
// seen, then calls cb with the total transferred or the terminal
// negative result.
func (e *Engine) Read(fd int, buf []byte, cb Callback) {
	e.readFrom(fd, buf, 0, cb)
}

func (e *Engine) readFrom(fd int, buf []byte, offset int, cb Callback) {
	e.ReadSome(fd, buf, func(res int) {
		if res <= 0 || res == len(buf) {
			if res >= 0 {
				cb(offset + res)
			} else {
				cb(res)
			}
			return
		}
		e.readFrom(fd, buf[res:], offset+res, cb)
	})
}

// Write is Read's write-direction twin.
func (e *Engine) Write(fd int, buf []byte, cb Callback) {
	e.writeTo(fd, buf, 0, cb)
}

func (e *Engine) writeTo(fd int, buf []byte, offset int, cb Callback) {
	e.WriteSome(fd, buf, func(res int) {
		if res <= 0 || res == len(buf) {
			if res >= 0 {
				cb(offset + res)
			} else {
				cb(res)
			}
			return
		}
		e.writeTo(fd, buf[res:], offset+res, cb)
	})
}

// ReadUntil grows *buf by reading from fd until it contains delim, then
// calls cb with the offset just past the end of the match (so buf[:m]
// ends with delim and contains no earlier occurrence). It reports 0 on
// peer EOF before a match, -1 on any I/O error (the errno itself is not
// passed on, the same as ReadSome), and ENOMEM if
// *buf reaches maxLen without matching. Re-scanning the whole buffer on
// every growth is wasteful but correct, as the design notes allow.
func (e *Engine) ReadUntil(fd int, buf *[]byte, delim []byte, maxLen int, cb Callback) {
	if idx := bytes.Index(*buf, delim); idx >= 0 {
		cb(idx + len(delim))
		return
	}
	if len(*buf) >= maxLen {
		cb(ENOMEM)
		return
	}

	grow := maxLen - len(*buf)
	if grow > 4096 {
		grow = 4096
	}
	start := len(*buf)
	*buf = append(*buf, make([]byte, grow)...)

	e.ReadSome(fd, (*buf)[start:], func(res int) {
		if res < 0 {
			*buf = (*buf)[:start]
			cb(res)
			return
		}
		*buf = (*buf)[:start+res]
		if res == 0 {
			cb(0)
			return
		}
		e.ReadUntil(fd, buf, delim, maxLen, cb)
	})
}

// Accept attempts a single accept on the listening fd, setting the
// accepted descriptor non-blocking before reporting it to cb. A
// would-block registers a POLLIN wait and retries, exactly like
// ReadSome/WriteSome.
func (e *Engine) Accept(fd int, cb Callback) {
	nfd, _, err := unix.Accept(fd)
	if err == nil {
		if setErr := unix.SetNonblock(nfd, true); setErr != nil {
			unix.Close(nfd)
			cb(-1)
			return
		}
		cb(nfd)
		return
	}
	if !wouldBlock(err) {
		cb(-1)
		return
	}
	e.enqueue(fd, unix.POLLIN, func(int) { e.Accept(fd, cb) })
}

// WaitForEvent blocks until at least one ready completion can be
// dequeued (or the engine is interrupted, in which case it returns
// immediately having run nothing) and then invokes exactly one. Any
// number of goroutines may call WaitForEvent concurrently; each drains at
// most one completion per call, the same discipline a worker pool relies
// on to share the dispatch loop fairly.
func (e *Engine) WaitForEvent() {
	if cb := e.nextReady(); cb != nil {
		cb()
	}
}

func (e *Engine) nextReady() func() {
	for {
		e.mu.Lock()
		if len(e.ready) > 0 {
			cb := e.ready[0]
			e.ready = e.ready[1:]
			e.mu.Unlock()
			return cb
		}
		snapshot := append([]query(nil), e.queries...)
		e.mu.Unlock()

		if len(snapshot) == 0 {
			if atomic.LoadInt32(&e.interrupted) != 0 {
				return nil
			}
			time.Sleep(time.Millisecond)
			continue
		}

		fds := make([]unix.PollFd, len(snapshot))
		for i, q := range snapshot {
			fds[i] = unix.PollFd{Fd: int32(q.fd), Events: q.events}
		}

		n, _ := unix.Poll(fds, 1)
		if atomic.LoadInt32(&e.interrupted) != 0 {
			return nil
		}
		if n <= 0 {
			continue
		}

		fired := make(map[uint64]bool, n)
		for i, pfd := range fds {
			if pfd.Revents != 0 {
				fired[snapshot[i].id] = true
			}
		}

		e.mu.Lock()
		remaining := make([]query, 0, len(e.queries))
		for _, q := range e.queries {
			if fired[q.id] {
				cb := q.cb
				e.ready = append(e.ready, func() { cb(0) })
			} else {
				remaining = append(remaining, q)
			}
		}
		e.queries = remaining
		e.mu.Unlock()
	}
}
