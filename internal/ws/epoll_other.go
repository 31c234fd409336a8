//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller is the portable fallback for platforms without epoll. Every
// connection is reported ready, one read at a time: after the server has
// handled a read it calls Resume and the connection is queued again. The
// worker's read deadline provides the blocking.
type Poller struct {
	mu     sync.Mutex
	resume map[net.Conn]chan struct{}
	ready  chan net.Conn
	done   chan struct{}
	once   sync.Once
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		resume: make(map[net.Conn]chan struct{}),
		ready:  make(chan net.Conn, 128),
		done:   make(chan struct{}),
	}, nil
}

// Add starts reporting conn as ready.
func (p *Poller) Add(conn net.Conn) error {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.resume[conn] = ch
	p.mu.Unlock()

	go func() {
		for {
			select {
			case p.ready <- conn:
			case <-p.done:
				return
			}
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
			case <-p.done:
				return
			}
		}
	}()
	return nil
}

// Resume queues conn for its next read.
func (p *Poller) Resume(conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch := p.resume[conn]; ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Remove stops reporting conn.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	ch, ok := p.resume[conn]
	delete(p.resume, conn)
	p.mu.Unlock()
	if ok {
		close(ch)
	}
	return nil
}

// Wait returns at least one ready connection, or none if the poller closed.
// The timeout is ignored.
func (p *Poller) Wait(timeoutMs int) ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}
	ready := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			ready = append(ready, conn)
		default:
			return ready, nil
		}
	}
}

// Close stops every monitor goroutine.
func (p *Poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func socketFD(net.Conn) int { return -1 }
