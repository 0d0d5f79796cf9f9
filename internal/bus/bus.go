// Package bus defines the contracts shared by the CAN transports: an
// endpoint bound to one bus attachment, and a readiness multiplexer that
// waits for input on registered endpoints with a bounded timeout. The
// session engine is written against these interfaces so the SocketCAN and
// SLCAN transports are interchangeable.
package bus

import (
	"time"

	"github.com/embeddedTS/canobd/internal/can"
)

// RecvMeta carries ancillary data captured with a received frame. The
// session engine does not interpret it; it exists so receive paths can be
// extended (timestamping, flags) without changing the Endpoint contract.
type RecvMeta struct {
	Timestamp time.Time // kernel receive timestamp, zero when unavailable
	Flags     int       // transport-specific receive flags
}

// Endpoint is one bound bus attachment. Implementations are not safe for
// concurrent use; the session engine serializes all I/O.
type Endpoint interface {
	// Send writes one frame as a single atomic operation. A partial write
	// is a real I/O failure, not something to resume.
	Send(can.Frame) error
	// Recv reads one frame. On a truncated read the partially decoded frame
	// is still stored in fr and the error wraps ErrFrameTruncated, so the
	// caller can log and keep going with what arrived.
	Recv(fr *can.Frame) (RecvMeta, error)
	// Name identifies the endpoint for diagnostics (interface name or
	// serial device path).
	Name() string
	// Close releases the endpoint. Safe to call more than once.
	Close() error
}

// Multiplexer blocks until input is pending on one of up to two registered
// endpoints or a timeout elapses.
type Multiplexer interface {
	// Register associates an endpoint for read-readiness notifications.
	// Each endpoint is registered exactly once.
	Register(Endpoint) error
	// Wait blocks up to timeout for input on ep. It returns (true, nil)
	// when ep became readable and (false, nil) on a tolerated timeout.
	// With errOnTimeout set, a timeout is (false, ErrWaitTimeout) instead:
	// the caller expected a reply and its absence is a protocol failure.
	// Readiness on any other registered endpoint is (false,
	// ErrUnexpectedSource), since exactly one endpoint is armed per wait
	// in this program.
	Wait(ep Endpoint, timeout time.Duration, errOnTimeout bool) (bool, error)
	Close() error
}
