//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Poller is a goroutine-per-connection fallback for platforms without
// epoll, so the server runs unchanged on macOS and Windows. Each connection
// has a monitor goroutine that peeks for data without consuming it and then
// waits for Resume before peeking again.
type Poller struct {
	mu      sync.Mutex
	resume  map[string]chan struct{} // connection id -> resume signal
	readyCh chan string
	done    chan struct{}
}

// bufferedConn lets the monitor peek at incoming bytes while the server
// still reads whole frames through Read.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// NewPoller creates a fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		resume:  make(map[string]chan struct{}),
		readyCh: make(chan string, 128),
		done:    make(chan struct{}),
	}, nil
}

// Prepare wraps conn so that readiness can be detected without losing
// bytes. The server must use the returned conn for all I/O.
func (p *Poller) Prepare(conn net.Conn) net.Conn {
	return &bufferedConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Add starts monitoring a conn returned by Prepare.
func (p *Poller) Add(id string, conn net.Conn) error {
	bc, ok := conn.(*bufferedConn)
	if !ok {
		bc = p.Prepare(conn).(*bufferedConn)
	}
	resume := make(chan struct{}, 1)

	p.mu.Lock()
	p.resume[id] = resume
	p.mu.Unlock()

	go p.monitor(id, bc, resume)
	return nil
}

func (p *Poller) monitor(id string, conn *bufferedConn, resume chan struct{}) {
	for {
		_, err := conn.r.Peek(1)

		// Data or an error: either way the server's read path handles it.
		select {
		case p.readyCh <- id:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-resume:
		case <-p.done:
			return
		}
	}
}

// Remove stops tracking the connection. Its monitor exits once the
// connection is closed.
func (p *Poller) Remove(id string, _ net.Conn) error {
	p.mu.Lock()
	delete(p.resume, id)
	p.mu.Unlock()
	return nil
}

// Resume lets the monitor for id look for the next frame.
func (p *Poller) Resume(id string) {
	p.mu.Lock()
	ch, ok := p.resume[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready and returns the ids
// of all connections ready now.
func (p *Poller) Wait() ([]string, error) {
	var first string
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	ids := []string{first}
	for {
		select {
		case id := <-p.readyCh:
			ids = append(ids, id)
		default:
			return ids, nil
		}
	}
}

// Close shuts the poller down and wakes a blocked Wait.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.resume = make(map[string]chan struct{})
	p.mu.Unlock()
	return nil
}

func isEINTR(error) bool { return false }
