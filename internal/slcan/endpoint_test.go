package slcan

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/embeddedTS/canobd/internal/bus"
	"github.com/embeddedTS/canobd/internal/can"
)

// fakePort implements Port for tests.
type fakePort struct {
	mu     sync.Mutex
	reads  [][]byte
	idx    int
	writes []byte
	closes int
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closes > 0 {
		return 0, &os.PathError{Op: "read", Path: "fake", Err: os.ErrClosed}
	}
	if f.idx >= len(f.reads) {
		// after delivering all data, behave like a read timeout
		time.Sleep(5 * time.Millisecond)
		return 0, io.EOF
	}
	chunk := f.reads[f.idx]
	f.idx++
	return copy(p, chunk), nil
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, p...)
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func openFake(t *testing.T, fp *fakePort) *Endpoint {
	t.Helper()
	openPort = func(name string, baud int, to time.Duration) (Port, error) { return fp, nil }
	t.Cleanup(func() { openPort = openSerial })
	ep, err := Open("/dev/ttyFAKE", 115200)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ep
}

func TestOpenChannelSetup(t *testing.T) {
	fp := &fakePort{}
	ep := openFake(t, fp)
	defer ep.Close()

	fp.mu.Lock()
	setup := string(fp.writes)
	fp.mu.Unlock()
	if setup != "C\rS6\rO\r" {
		t.Fatalf("setup writes = %q, want close/bitrate/open sequence", setup)
	}
}

func TestWaitThenRecv(t *testing.T) {
	fp := &fakePort{reads: [][]byte{[]byte("t7E8504410C5040\r")}}
	ep := openFake(t, fp)
	defer ep.Close()

	m := NewMux()
	if err := m.Register(ep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ready, err := m.Wait(ep, time.Second, true)
	if err != nil || !ready {
		t.Fatalf("Wait = (%v, %v), want ready", ready, err)
	}
	var fr can.Frame
	meta, err := ep.Recv(&fr)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if fr.CANID != 0x7E8 || fr.Len != 5 || fr.Data[3] != 0x50 {
		t.Fatalf("unexpected frame %+v", fr)
	}
	if meta.Timestamp.IsZero() {
		t.Fatal("expected decode timestamp in metadata")
	}
}

func TestWaitTimeoutModes(t *testing.T) {
	fp := &fakePort{}
	ep := openFake(t, fp)
	defer ep.Close()

	m := NewMux()
	if err := m.Register(ep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ready, err := m.Wait(ep, 20*time.Millisecond, false)
	if ready || err != nil {
		t.Fatalf("tolerated timeout = (%v, %v), want (false, nil)", ready, err)
	}
	_, err = m.Wait(ep, 20*time.Millisecond, true)
	if !errors.Is(err, bus.ErrWaitTimeout) {
		t.Fatalf("enforced timeout err = %v, want ErrWaitTimeout", err)
	}
}

func TestWaitUnexpectedSource(t *testing.T) {
	quiet := &fakePort{}
	noisy := &fakePort{reads: [][]byte{[]byte("t1230\r")}}

	ports := []*fakePort{quiet, noisy}
	i := 0
	openPort = func(name string, baud int, to time.Duration) (Port, error) {
		p := ports[i]
		i++
		return p, nil
	}
	defer func() { openPort = openSerial }()

	target, err := Open("/dev/ttyFAKE0", 115200)
	if err != nil {
		t.Fatalf("Open target: %v", err)
	}
	defer target.Close()
	other, err := Open("/dev/ttyFAKE1", 115200)
	if err != nil {
		t.Fatalf("Open other: %v", err)
	}
	defer other.Close()

	m := NewMux()
	if err := m.Register(target); err != nil {
		t.Fatalf("Register target: %v", err)
	}
	if err := m.Register(other); err != nil {
		t.Fatalf("Register other: %v", err)
	}
	_, err = m.Wait(target, time.Second, true)
	if !errors.Is(err, bus.ErrUnexpectedSource) {
		t.Fatalf("Wait err = %v, want ErrUnexpectedSource", err)
	}
}

func TestRegisterTwiceRejected(t *testing.T) {
	fp := &fakePort{}
	ep := openFake(t, fp)
	defer ep.Close()

	m := NewMux()
	if err := m.Register(ep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(ep); err == nil {
		t.Fatal("second Register succeeded, want error")
	}
}

func TestCloseIdempotent(t *testing.T) {
	fp := &fakePort{}
	ep := openFake(t, fp)

	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.closes != 1 {
		t.Fatalf("port closed %d times, want 1", fp.closes)
	}
	if !bytes.HasSuffix(fp.writes, []byte("C\r")) {
		t.Fatalf("channel not closed on the wire: %q", fp.writes)
	}
}

func TestSendEncodesRecord(t *testing.T) {
	fp := &fakePort{}
	ep := openFake(t, fp)
	defer ep.Close()

	f := can.Frame{CANID: 0x7DF, Len: 3}
	f.Data[0], f.Data[1], f.Data[2] = 0x03, 0x01, 0x0C
	if err := ep.Send(f); err != nil {
		t.Fatalf("Send: %v", err)
	}
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if !bytes.Contains(fp.writes, []byte("t7DF303010C\r")) {
		t.Fatalf("query record not written: %q", fp.writes)
	}
}
