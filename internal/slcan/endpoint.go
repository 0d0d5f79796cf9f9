package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/embeddedTS/canobd/internal/bus"
	"github.com/embeddedTS/canobd/internal/can"
	"github.com/embeddedTS/canobd/internal/metrics"
)

const (
	portReadTimeout = 20 * time.Millisecond
	readBufSize     = 512
	rxQueueSize     = 64 // frames buffered between the reader and the session

	// canBitrate500k selects 500 kbit/s, the usual OBD-II bus rate.
	canBitrate500k = "S6\r"
)

// openPort is a hook for tests (overridden in unit tests).
var openPort = openSerial

type rxItem struct {
	fr can.Frame
	ts time.Time
}

// Endpoint adapts one SLCAN serial adapter to the bus.Endpoint contract.
// A background goroutine reads and decodes the serial stream into a bounded
// queue; Send writes synchronously. Apart from that reader, the endpoint is
// used from a single goroutine.
type Endpoint struct {
	name  string
	port  Port
	codec Codec

	rx      chan rxItem
	pending *rxItem // frame claimed by Mux.Wait, not yet delivered by Recv
	readErr error   // set by the reader before rx is closed

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

var _ bus.Endpoint = (*Endpoint)(nil)

// Open opens the SLCAN adapter at dev and brings the CAN channel up at
// 500 kbit/s. The device path plays the role an interface name plays for
// SocketCAN, so a failed open reports interface resolution failure and a
// failed channel setup reports bind failure.
func Open(dev string, baud int) (*Endpoint, error) {
	p, err := openPort(dev, baud, portReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", bus.ErrNoSuchInterface, dev, err)
	}
	// Close any stale channel, set the bitrate, open.
	for _, cmd := range []string{"C\r", canBitrate500k, "O\r"} {
		if _, err := p.Write([]byte(cmd)); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("%w: %s: %w", bus.ErrBind, dev, err)
		}
	}
	e := &Endpoint{
		name:   dev,
		port:   p,
		rx:     make(chan rxItem, rxQueueSize),
		closed: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.readLoop()
	return e, nil
}

// Name returns the serial device path.
func (e *Endpoint) Name() string { return e.name }

// Send writes one frame as a single record write.
func (e *Endpoint) Send(fr can.Frame) error {
	b := e.codec.Encode(fr)
	n, err := e.port.Write(b)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", bus.ErrSend, e.name, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: %s: short write (%d of %d)", bus.ErrSend, e.name, n, len(b))
	}
	return nil
}

// Recv delivers the frame claimed by the most recent Wait, or blocks for the
// next decoded frame.
func (e *Endpoint) Recv(fr *can.Frame) (bus.RecvMeta, error) {
	if it := e.pending; it != nil {
		e.pending = nil
		*fr = it.fr
		return bus.RecvMeta{Timestamp: it.ts}, nil
	}
	select {
	case it, ok := <-e.rx:
		if !ok {
			return bus.RecvMeta{}, fmt.Errorf("%w: %s: reader stopped: %v", bus.ErrReceive, e.name, e.readErr)
		}
		*fr = it.fr
		return bus.RecvMeta{Timestamp: it.ts}, nil
	case <-e.closed:
		return bus.RecvMeta{}, fmt.Errorf("%w: %s: endpoint closed", bus.ErrReceive, e.name)
	}
}

// Close shuts the CAN channel and releases the port. Safe to call more than
// once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		_, _ = e.port.Write([]byte("C\r"))
		e.closeErr = e.port.Close()
		e.wg.Wait()
	})
	return e.closeErr
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	defer close(e.rx)
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	for {
		select {
		case <-e.closed:
			return
		default:
		}
		n, err := e.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			e.codec.DecodeStream(acc, func(fr can.Frame) {
				select {
				case e.rx <- rxItem{fr: fr, ts: time.Now()}:
				case <-e.closed:
				default:
					// Queue full: the session is not draining fast enough;
					// the bus has no flow control, so the frame is lost
					// either way.
					metrics.IncError(metrics.ErrSerial)
				}
			})
		}
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout, not a failure
			}
			var perr *os.PathError
			if errors.As(err, &perr) || errors.Is(err, os.ErrClosed) {
				e.readErr = err
				return // device removed or closed
			}
			metrics.IncError(metrics.ErrSerial)
			e.readErr = err
			return
		}
	}
}
