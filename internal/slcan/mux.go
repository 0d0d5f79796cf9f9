package slcan

import (
	"fmt"
	"time"

	"github.com/embeddedTS/canobd/internal/bus"
)

// Mux implements the readiness-wait contract for serial endpoints, which
// have no descriptor to epoll. It selects over the decode queues of the
// registered endpoints; a frame that surfaces on the armed endpoint is
// parked there as pending for the following Recv. The protocol is strictly
// two-endpoint, so registration is capped at two.
type Mux struct {
	eps []*Endpoint
}

var _ bus.Multiplexer = (*Mux)(nil)

// NewMux creates an empty multiplexer.
func NewMux() *Mux { return &Mux{} }

// Register adds ep to the wait set.
func (m *Mux) Register(ep bus.Endpoint) error {
	se, ok := ep.(*Endpoint)
	if !ok {
		return fmt.Errorf("%w: %s is not a serial endpoint", bus.ErrWait, ep.Name())
	}
	for _, have := range m.eps {
		if have == se {
			return fmt.Errorf("%w: %s registered twice", bus.ErrWait, ep.Name())
		}
	}
	if len(m.eps) >= 2 {
		return fmt.Errorf("%w: at most two endpoints", bus.ErrWait)
	}
	m.eps = append(m.eps, se)
	return nil
}

// Wait blocks up to timeout for a decoded frame on ep. A frame surfacing on
// the other registered endpoint is a consistency failure, mirroring the
// expected-descriptor check of the epoll multiplexer.
func (m *Mux) Wait(ep bus.Endpoint, timeout time.Duration, errOnTimeout bool) (bool, error) {
	target, ok := ep.(*Endpoint)
	if !ok {
		return false, fmt.Errorf("%w: %s is not a serial endpoint", bus.ErrWait, ep.Name())
	}
	var other *Endpoint
	registered := false
	for _, have := range m.eps {
		if have == target {
			registered = true
		} else {
			other = have
		}
	}
	if !registered {
		return false, fmt.Errorf("%w: %s not registered", bus.ErrWait, ep.Name())
	}
	if target.pending != nil {
		return true, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if other == nil {
			select {
			case it, ok := <-target.rx:
				if !ok {
					return false, fmt.Errorf("%w: %s: reader stopped: %v", bus.ErrWait, target.name, target.readErr)
				}
				target.pending = &it
				return true, nil
			case <-timer.C:
				return m.timedOut(target, timeout, errOnTimeout)
			}
		}
		select {
		case it, ok := <-target.rx:
			if !ok {
				return false, fmt.Errorf("%w: %s: reader stopped: %v", bus.ErrWait, target.name, target.readErr)
			}
			target.pending = &it
			return true, nil
		case _, ok := <-other.rx:
			if ok {
				return false, fmt.Errorf("%w: expected %s, got %s", bus.ErrUnexpectedSource, target.name, other.name)
			}
			// The other endpoint's reader ended; keep waiting on the target.
			other = nil
		case <-timer.C:
			return m.timedOut(target, timeout, errOnTimeout)
		}
	}
}

func (m *Mux) timedOut(target *Endpoint, timeout time.Duration, errOnTimeout bool) (bool, error) {
	if errOnTimeout {
		return false, fmt.Errorf("%w: no frame on %s within %s", bus.ErrWaitTimeout, target.name, timeout)
	}
	return false, nil
}

// Close is a no-op; the endpoints own all resources.
func (m *Mux) Close() error { return nil }
