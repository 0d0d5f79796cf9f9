//go:build linux

package socketcan

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/embeddedTS/canobd/internal/bus"
)

// Filer is implemented by endpoints backed by a pollable descriptor.
type Filer interface {
	Fd() int
}

// Mux is an epoll-backed readiness multiplexer over descriptor-based
// endpoints. At most two endpoints are ever registered here; the map exists
// only to name the offender when readiness arrives on the wrong socket.
type Mux struct {
	epfd  int
	names map[int]string // registered fd -> endpoint name

	closeOnce sync.Once
	closeErr  error
}

var _ bus.Multiplexer = (*Mux)(nil)

// NewMux creates an empty multiplexer.
func NewMux() (*Mux, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("%w: epoll_create1: %w", bus.ErrWait, err)
	}
	return &Mux{epfd: epfd, names: make(map[int]string)}, nil
}

// Register adds ep to the epoll set for input readiness.
func (m *Mux) Register(ep bus.Endpoint) error {
	f, ok := ep.(Filer)
	if !ok {
		return fmt.Errorf("%w: endpoint %s has no descriptor", bus.ErrWait, ep.Name())
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(f.Fd())}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, f.Fd(), &ev); err != nil {
		return fmt.Errorf("%w: epoll_ctl add %s: %w", bus.ErrWait, ep.Name(), err)
	}
	m.names[f.Fd()] = ep.Name()
	return nil
}

// Wait blocks up to timeout for input on ep. Exactly one socket is armed per
// wait in this program, so an event on any other registered descriptor is a
// consistency failure, not something to dispatch.
func (m *Mux) Wait(ep bus.Endpoint, timeout time.Duration, errOnTimeout bool) (bool, error) {
	f, ok := ep.(Filer)
	if !ok {
		return false, fmt.Errorf("%w: endpoint %s has no descriptor", bus.ErrWait, ep.Name())
	}
	var events [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(m.epfd, events[:], int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%w: epoll_wait %s: %w", bus.ErrWait, ep.Name(), err)
		}
		if n == 0 {
			if errOnTimeout {
				return false, fmt.Errorf("%w: no frame on %s within %s", bus.ErrWaitTimeout, ep.Name(), timeout)
			}
			return false, nil
		}
		got := int(events[0].Fd)
		if got != f.Fd() {
			return false, fmt.Errorf("%w: expected %s, got %s", bus.ErrUnexpectedSource, ep.Name(), m.names[got])
		}
		return true, nil
	}
}

// Close releases the epoll descriptor. Safe to call more than once.
func (m *Mux) Close() error {
	m.closeOnce.Do(func() { m.closeErr = unix.Close(m.epfd) })
	return m.closeErr
}
