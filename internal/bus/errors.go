package bus

import (
	"errors"

	"github.com/embeddedTS/canobd/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
// Each transport attaches the endpoint name and the OS-level diagnostic when
// wrapping these.
var (
	ErrNoSuchInterface  = errors.New("interface_resolve")
	ErrBind             = errors.New("bind")
	ErrSend             = errors.New("send")
	ErrReceive          = errors.New("receive")
	ErrFrameTruncated   = errors.New("frame_truncated")
	ErrWait             = errors.New("wait")
	ErrWaitTimeout      = errors.New("wait_timeout")
	ErrUnexpectedSource = errors.New("unexpected_source")
)

// MetricLabel maps wrapped sentinel errors to metric error labels.
func MetricLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoSuchInterface), errors.Is(err, ErrBind):
		return metrics.ErrOpen
	case errors.Is(err, ErrSend):
		return metrics.ErrSend
	case errors.Is(err, ErrReceive), errors.Is(err, ErrFrameTruncated):
		return metrics.ErrReceive
	case errors.Is(err, ErrWaitTimeout):
		return metrics.ErrTimeout
	case errors.Is(err, ErrWait), errors.Is(err, ErrUnexpectedSource):
		return metrics.ErrWait
	default:
		return "other"
	}
}
