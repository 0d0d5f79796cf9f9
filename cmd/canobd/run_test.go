package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/embeddedTS/canobd/internal/bus"
	"github.com/embeddedTS/canobd/internal/can"
	"github.com/embeddedTS/canobd/internal/obd"
)

// fakeEP implements bus.Endpoint for end-to-end exit-code tests.
type fakeEP struct {
	name   string
	recvs  []can.Frame
	idx    int
	sent   []can.Frame
	closes int
}

func (f *fakeEP) Send(fr can.Frame) error { f.sent = append(f.sent, fr); return nil }

func (f *fakeEP) Recv(fr *can.Frame) (bus.RecvMeta, error) {
	if f.idx >= len(f.recvs) {
		return bus.RecvMeta{}, fmt.Errorf("%w: %s: nothing scripted", bus.ErrReceive, f.name)
	}
	*fr = f.recvs[f.idx]
	f.idx++
	return bus.RecvMeta{Timestamp: time.Now()}, nil
}

func (f *fakeEP) Name() string { return f.name }
func (f *fakeEP) Close() error { f.closes++; return nil }

// scriptMux plays back readiness outcomes; exhausted scripts time out.
type scriptMux struct {
	steps []string
	idx   int
}

func (m *scriptMux) Register(bus.Endpoint) error { return nil }

func (m *scriptMux) Wait(ep bus.Endpoint, timeout time.Duration, errOnTimeout bool) (bool, error) {
	step := "timeout"
	if m.idx < len(m.steps) {
		step = m.steps[m.idx]
		m.idx++
	}
	if step == "ready" {
		return true, nil
	}
	time.Sleep(timeout)
	if errOnTimeout {
		return false, fmt.Errorf("%w: no frame on %s within %s", bus.ErrWaitTimeout, ep.Name(), timeout)
	}
	return false, nil
}

func (m *scriptMux) Close() error { return nil }

func withFakeBus(t *testing.T, eps map[string]*fakeEP, mux *scriptMux) {
	t.Helper()
	origOpen := openSocketCAN
	origMux := newSocketMux
	openSocketCAN = func(iface string) (bus.Endpoint, error) {
		ep, ok := eps[iface]
		if !ok {
			return nil, fmt.Errorf("%w: if %q", bus.ErrNoSuchInterface, iface)
		}
		return ep, nil
	}
	newSocketMux = func() (bus.Multiplexer, error) { return mux, nil }
	t.Cleanup(func() {
		openSocketCAN = origOpen
		newSocketMux = origMux
	})
}

func TestRunLoopbackExitsZero(t *testing.T) {
	query := &fakeEP{name: "can0", recvs: []can.Frame{obd.Response(0x42)}}
	ecu := &fakeEP{name: "can1", recvs: []can.Frame{obd.Query()}}
	withFakeBus(t, map[string]*fakeEP{"can0": query, "can1": ecu}, &scriptMux{steps: []string{"ready", "ready"}})

	if code := run([]string{"-log-level", "error"}); code != 0 {
		t.Fatalf("run = %d, want 0", code)
	}
	if len(query.sent) != 1 || len(ecu.sent) != 1 {
		t.Fatalf("sends = (%d, %d), want one query and one response", len(query.sent), len(ecu.sent))
	}
	if query.closes != 1 || ecu.closes != 1 {
		t.Fatalf("closes = (%d, %d), want exactly one each", query.closes, ecu.closes)
	}
}

func TestRunQueryTimeoutExitsOne(t *testing.T) {
	query := &fakeEP{name: "can0"}
	withFakeBus(t, map[string]*fakeEP{"can0": query}, &scriptMux{})

	code := run([]string{"-query", "-iface", "can0", "-poll-timeout", "10ms", "-log-level", "error"})
	if code != 1 {
		t.Fatalf("run = %d, want 1 when no ECU answers", code)
	}
	if query.closes != 1 {
		t.Fatalf("query endpoint closed %d times, want 1", query.closes)
	}
}

func TestRunUnknownInterfaceExitsOne(t *testing.T) {
	withFakeBus(t, map[string]*fakeEP{}, &scriptMux{})
	code := run([]string{"-query", "-iface", "nosuch0", "-log-level", "error"})
	if code != 1 {
		t.Fatalf("run = %d, want 1 for unknown interface", code)
	}
}

func TestRunBadUsageExitsOne(t *testing.T) {
	if code := run([]string{"-ecu", "-query", "-iface", "can0"}); code != 1 {
		t.Fatal("conflicting modes accepted")
	}
	if code := run([]string{"-ecu"}); code != 1 {
		t.Fatal("missing -iface accepted")
	}
}
