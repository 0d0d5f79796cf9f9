// Package session drives the OBD RPM exchange over two bus endpoints: a
// query side that asks for the engine RPM gauge and an ECU side that answers
// with an emulated sample. One engine plays one of three roles per process.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/embeddedTS/canobd/internal/bus"
	"github.com/embeddedTS/canobd/internal/can"
	"github.com/embeddedTS/canobd/internal/logging"
	"github.com/embeddedTS/canobd/internal/metrics"
	"github.com/embeddedTS/canobd/internal/obd"
)

// Mode selects which half of the exchange this process plays.
type Mode int

const (
	// Loopback runs both halves over two local interfaces, one shot.
	Loopback Mode = iota
	// QueryOnly queries a real ECU once and reports the sample.
	QueryOnly
	// EcuOnly answers incoming queries until stopped.
	EcuOnly
)

func (m Mode) String() string {
	switch m {
	case Loopback:
		return "loopback"
	case QueryOnly:
		return "query"
	case EcuOnly:
		return "ecu"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// State is the engine lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DefaultWaitTimeout bounds every readiness wait.
const DefaultWaitTimeout = time.Second

// Engine is the session state machine. It exclusively owns both endpoints
// and the multiplexer registrations for its lifetime; all I/O happens
// sequentially inside Run, and both endpoints are closed on every exit path.
type Engine struct {
	mode  Mode
	query bus.Endpoint // nil in EcuOnly
	ecu   bus.Endpoint // nil in QueryOnly
	mux   bus.Multiplexer

	timeout  time.Duration
	rng      *rand.Rand
	log      *slog.Logger
	onSample func(byte)

	state atomic.Int32
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option          { return func(e *Engine) { e.log = l } }
func WithWaitTimeout(d time.Duration) Option    { return func(e *Engine) { e.timeout = d } }
func WithRand(r *rand.Rand) Option              { return func(e *Engine) { e.rng = r } }
func WithSampleFunc(fn func(rpm byte)) Option   { return func(e *Engine) { e.onSample = fn } }

// New validates the mode/endpoint combination and registers the endpoints
// with the multiplexer, each exactly once. The engine takes ownership of the
// endpoints from here on; Run closes them.
func New(mode Mode, query, ecu bus.Endpoint, mux bus.Multiplexer, opts ...Option) (*Engine, error) {
	e := &Engine{
		mode:    mode,
		query:   query,
		ecu:     ecu,
		mux:     mux,
		timeout: DefaultWaitTimeout,
		log:     logging.L(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if mux == nil {
		return nil, errors.New("session: nil multiplexer")
	}
	switch mode {
	case Loopback:
		if query == nil || ecu == nil {
			return nil, errors.New("session: loopback needs both endpoints")
		}
	case QueryOnly:
		if query == nil {
			return nil, errors.New("session: query mode needs a query endpoint")
		}
	case EcuOnly:
		if ecu == nil {
			return nil, errors.New("session: ecu mode needs an ecu endpoint")
		}
	default:
		return nil, fmt.Errorf("session: unknown mode %d", int(mode))
	}
	for _, ep := range []bus.Endpoint{query, ecu} {
		if ep == nil {
			continue
		}
		if err := mux.Register(ep); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// State reports the engine lifecycle position; safe to read concurrently
// with Run.
func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

// Run drives exchange cycles until the mode's stop condition or an
// unrecoverable error. Loopback and QueryOnly complete after one full cycle;
// EcuOnly loops until ctx is cancelled, which counts as a clean stop.
func (e *Engine) Run(ctx context.Context) (err error) {
	e.setState(StateRunning)
	defer func() {
		e.closeEndpoints()
		if err != nil {
			metrics.IncError(bus.MetricLabel(err))
			e.setState(StateFailed)
		} else {
			e.setState(StateCompleted)
		}
	}()
	for {
		if ctx.Err() != nil {
			if e.mode == EcuOnly {
				e.log.Info("ecu_stopped")
				return nil
			}
			return ctx.Err()
		}
		if e.mode != EcuOnly {
			if err := e.sendQuery(); err != nil {
				return err
			}
		}
		if e.mode != QueryOnly {
			if err := e.answerQuery(); err != nil {
				return err
			}
		}
		if e.mode == EcuOnly {
			continue
		}
		if err := e.awaitResponse(); err != nil {
			return err
		}
		return nil
	}
}

// sendQuery is step A: put the RPM request on the bus.
func (e *Engine) sendQuery() error {
	if err := e.query.Send(obd.Query()); err != nil {
		e.log.Error("query_send_error", "error", err)
		return err
	}
	metrics.IncQueryTx()
	e.log.Debug("query_sent", "endpoint", e.query.Name())
	return nil
}

// answerQuery is step B: wait for traffic on the ECU endpoint and answer
// recognized queries with an emulated sample. In EcuOnly a quiet bus is
// normal and the wait simply comes back empty; in Loopback the query was
// just sent, so silence is a failure.
func (e *Engine) answerQuery() error {
	ready, err := e.mux.Wait(e.ecu, e.timeout, e.mode == Loopback)
	if err != nil {
		if errors.Is(err, bus.ErrWaitTimeout) {
			metrics.IncTimeout()
		}
		e.log.Error("ecu_wait_error", "error", err)
		return err
	}
	if !ready {
		metrics.IncTimeout()
		e.log.Debug("ecu_wait_timeout", "endpoint", e.ecu.Name())
		return nil
	}
	var fr can.Frame
	meta, err := e.ecu.Recv(&fr)
	if err != nil {
		if !errors.Is(err, bus.ErrFrameTruncated) {
			e.log.Error("ecu_receive_error", "error", err)
			return err
		}
		metrics.IncTruncated()
		e.log.Warn("ecu_truncated_frame", "error", err)
	}
	metrics.IncEcuRx()
	if !obd.IsQuery(fr) {
		e.log.Debug("ecu_ignored_frame", "id", fr.ID(), "len", fr.Len)
		return nil
	}
	rpm := byte(e.rng.Intn(256))
	if err := e.ecu.Send(obd.Response(rpm)); err != nil {
		e.log.Error("ecu_send_error", "error", err)
		return err
	}
	metrics.IncResponseTx()
	e.log.Debug("ecu_responded", "rpm", rpm, "rx_ts", meta.Timestamp)
	return nil
}

// awaitResponse is step C: a query went out, so silence within the timeout
// is always a protocol failure. An unrecognized reply is tolerated; the
// cycle just produces no reading.
func (e *Engine) awaitResponse() error {
	if _, err := e.mux.Wait(e.query, e.timeout, true); err != nil {
		if errors.Is(err, bus.ErrWaitTimeout) {
			metrics.IncTimeout()
		}
		e.log.Error("response_wait_error", "error", err)
		return err
	}
	var fr can.Frame
	if _, err := e.query.Recv(&fr); err != nil {
		if !errors.Is(err, bus.ErrFrameTruncated) {
			e.log.Error("response_receive_error", "error", err)
			return err
		}
		metrics.IncTruncated()
		e.log.Warn("response_truncated_frame", "error", err)
	}
	metrics.IncQueryRx()
	if !obd.IsResponse(fr) {
		e.log.Warn("response_unrecognized", "id", fr.ID(), "len", fr.Len)
		return nil
	}
	rpm := obd.ResponseRPM(fr)
	metrics.SetSample(rpm)
	e.log.Info("rpm_sample", "rpm", rpm, "endpoint", e.query.Name())
	if e.onSample != nil {
		e.onSample(rpm)
	}
	return nil
}

func (e *Engine) closeEndpoints() {
	for _, ep := range []bus.Endpoint{e.query, e.ecu} {
		if ep == nil {
			continue
		}
		if err := ep.Close(); err != nil {
			e.log.Warn("endpoint_close_error", "endpoint", ep.Name(), "error", err)
		}
	}
}
