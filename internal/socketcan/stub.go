//go:build !linux

package socketcan

import (
	"errors"
	"time"

	"github.com/embeddedTS/canobd/internal/bus"
	"github.com/embeddedTS/canobd/internal/can"
)

// Stubs so the tool compiles on non-linux hosts; SocketCAN is linux-only.

var errUnsupported = errors.New("socketcan: unsupported on this platform")

type Device struct{}

func Open(iface string) (*Device, error) { return nil, errUnsupported }

func (d *Device) Name() string                          { return "" }
func (d *Device) Close() error                          { return nil }
func (d *Device) Send(can.Frame) error                  { return errUnsupported }
func (d *Device) Recv(*can.Frame) (bus.RecvMeta, error) { return bus.RecvMeta{}, errUnsupported }

type Mux struct{}

func NewMux() (*Mux, error) { return nil, errUnsupported }

func (m *Mux) Register(bus.Endpoint) error { return errUnsupported }
func (m *Mux) Wait(bus.Endpoint, time.Duration, bool) (bool, error) {
	return false, errUnsupported
}
func (m *Mux) Close() error { return nil }
