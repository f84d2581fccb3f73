//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller wraps Linux epoll for WebSocket read readiness. Instead of a reader
// goroutine per connection, file descriptors are registered with the kernel
// and Wait reports the ids of connections with data to read.
type Poller struct {
	fd     int               // epoll file descriptor
	ids    map[int]string    // socket fd -> connection id
	mu     sync.RWMutex      // protects ids
	events []unix.EpollEvent // reusable event buffer for Wait
}

// NewPoller creates a new epoll instance using epoll_create1.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:     fd,
		ids:    make(map[int]string),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Prepare returns the net.Conn the server should read and write. On Linux
// that is conn itself.
func (p *Poller) Prepare(conn net.Conn) net.Conn {
	return conn
}

// Add registers conn under id for EPOLLIN and EPOLLHUP notifications.
func (p *Poller) Add(id string, conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.ids[fd] = id
	p.mu.Unlock()
	return nil
}

// Remove unregisters conn. It must be called before conn is closed.
func (p *Poller) Remove(id string, conn net.Conn) error {
	fd := socketFD(conn)
	p.mu.Lock()
	if p.ids[fd] == id {
		delete(p.ids, fd)
	}
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Resume is a no-op with level-triggered epoll: a connection with unread
// data is reported again by the next Wait.
func (p *Poller) Resume(string) {}

// waitTimeoutMs bounds each epoll_wait so a closed poller is noticed.
const waitTimeoutMs = 200

// Wait blocks until one or more registered connections are ready for
// reading, or the wait times out, and returns their ids. Connections removed
// between epoll_wait returning and the lookup are skipped.
func (p *Poller) Wait() ([]string, error) {
	n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if id, ok := p.ids[int(p.events[i].Fd)]; ok {
			ids = append(ids, id)
		}
	}
	p.mu.RUnlock()
	return ids, nil
}

// Close closes the epoll file descriptor, which also wakes a blocked Wait.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = nil
	return unix.Close(p.fd)
}

// socketFD extracts the file descriptor from a net.Conn through
// SyscallConn, which unlike File() does not duplicate it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}

// isEINTR reports whether err is an interrupted system call, which
// epoll_wait returns when a signal arrives.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
