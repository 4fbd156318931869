//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll emulates the Linux poller with one watcher goroutine per connection
// for development on other platforms. A watcher peeks for the next byte,
// reports the connection ready and then waits for Rearm before peeking again,
// so it never reads concurrently with the worker that consumes the frame.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	conn  *peekConn
	rearm chan struct{}
	stop  chan struct{}
	once  sync.Once
}

// peekConn reads through a buffer so the watcher can peek without consuming.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn. The returned net.Conn must be used for all reads.
func (e *Epoll) Add(conn net.Conn) (net.Conn, error) {
	pc := &peekConn{Conn: conn, r: bufio.NewReader(conn)}
	w := &watch{conn: pc, rearm: make(chan struct{}, 1), stop: make(chan struct{})}

	e.mu.Lock()
	e.conns[pc] = w
	e.mu.Unlock()

	go e.monitor(w)
	return pc, nil
}

func (e *Epoll) monitor(w *watch) {
	for {
		_, err := w.conn.r.Peek(1)
		select {
		case e.readyCh <- w.conn:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
		if err != nil {
			// The reader sees the same error and removes the connection.
			return
		}
		select {
		case <-w.rearm:
		case <-w.stop:
			return
		case <-e.done:
			return
		}
	}
}

// Rearm lets the watcher of conn look for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	w := e.conns[conn]
	e.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if w != nil {
		w.once.Do(func() { close(w.stop) })
	}
	return nil
}

// Wait blocks until at least one connection is ready and drains the rest
// without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every watcher.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = map[net.Conn]*watch{}
	e.mu.Unlock()
	return nil
}

func isInterrupted(error) bool { return false }
