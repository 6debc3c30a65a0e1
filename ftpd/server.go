package ftpd

import (
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/nikliza/pollftpd/reactor"
)

// Server owns one listening descriptor, a reactor.Engine, a pool of
// worker goroutines draining that engine's ready queue, and the set of
// live Connections accepted off the listener. It is the Go shape of the
// original's ftp::Server: recursive accept chain plus a thread pool
// calling waitForEvent in a loop, reworked here as a fixed goroutine pool
// with an explicit liveness flag instead of a run/stop bool guarded only
// by the io_service's own destruction.
type Server struct {
	mu      sync.Mutex
	fd      int
	root    string
	threads int

	engine *reactor.Engine
	log    *log.Logger

	conns map[*Connection]struct{}
	alive *atomic.Bool
	wg    sync.WaitGroup
}

// NewServer wraps an already-bound, already-listening descriptor (as
// produced by tableflip.Listen in the caller) for reactor-driven accept.
func NewServer(listenFd int, root string, threads int, logger *log.Logger) *Server {
	if threads < 1 {
		threads = 1
	}
	alive := new(atomic.Bool)
	alive.Store(true)
	return &Server{
		fd:      listenFd,
		root:    root,
		threads: threads,
		engine:  reactor.New(),
		log:     logger,
		conns:   make(map[*Connection]struct{}),
		alive:   alive,
	}
}

// Start puts the listening descriptor in non-blocking mode, arms the
// first accept, and launches the worker pool that drains the reactor.
func (s *Server) Start() {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		s.log.Printf("couldn't set listener non-blocking: %s", err)
		return
	}

	s.acceptNext()

	s.wg.Add(s.threads)
	for i := 0; i < s.threads; i++ {
		go func() {
			defer s.wg.Done()
			for s.alive.Load() {
				s.engine.WaitForEvent()
			}
		}()
	}
}

// acceptNext arms one accept completion on the listening descriptor and,
// on success, immediately re-arms the next one before handing the
// accepted connection its greeting — the same always-another-accept-
// pending discipline as Server::handleNewConnections's recursive call.
func (s *Server) acceptNext() {
	s.engine.Accept(s.fd, func(res int) {
		if !s.alive.Load() {
			return
		}
		if res < 0 {
			s.log.Printf("accept failed: %d", res)
			s.acceptNext()
			return
		}

		s.acceptNext()

		conn, err := newConnection(res, s.engine, s.root, s.log, s.forget)
		if err != nil {
			s.log.Printf("couldn't set up connection: %s", err)
			unix.Close(res)
			return
		}
		s.remember(conn)
		conn.Start()
	})
}

func (s *Server) remember(c *Connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) forget(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Stop closes every live connection, stops the listening descriptor, and
// interrupts the reactor so the worker pool's WaitForEvent calls return
// and the pool can drain.
func (s *Server) Stop() {
	if !s.alive.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.killSelf()
	}

	unix.Close(s.fd)
	s.engine.Interrupt()
	s.wg.Wait()
	s.engine.Release()
}
