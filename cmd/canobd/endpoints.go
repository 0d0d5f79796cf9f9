package main

import (
	"log/slog"

	"github.com/embeddedTS/canobd/internal/bus"
	"github.com/embeddedTS/canobd/internal/session"
	"github.com/embeddedTS/canobd/internal/slcan"
	"github.com/embeddedTS/canobd/internal/socketcan"
)

// Open hooks for tests (overridden in unit tests).
var (
	openSocketCAN = func(iface string) (bus.Endpoint, error) { return socketcan.Open(iface) }
	openSLCAN     = func(dev string, baud int) (bus.Endpoint, error) { return slcan.Open(dev, baud) }
	newSocketMux  = func() (bus.Multiplexer, error) { return socketcan.NewMux() }
)

// openEndpoints opens the endpoint(s) and multiplexer the selected mode
// needs. Any endpoint already opened is closed again on error.
func openEndpoints(cfg *appConfig, l *slog.Logger) (query, ecu bus.Endpoint, mux bus.Multiplexer, err error) {
	open := func(name string) (bus.Endpoint, error) {
		if cfg.transport == "slcan" {
			return openSLCAN(name, cfg.baud)
		}
		return openSocketCAN(name)
	}
	cleanup := func() {
		if query != nil {
			_ = query.Close()
		}
		if ecu != nil {
			_ = ecu.Close()
		}
		if mux != nil {
			_ = mux.Close()
		}
	}

	switch cfg.mode() {
	case session.QueryOnly:
		query, err = open(cfg.iface)
	case session.EcuOnly:
		ecu, err = open(cfg.iface)
	default: // loopback drives both sides locally
		if query, err = open(cfg.queryIface); err == nil {
			ecu, err = open(cfg.ecuIface)
		}
	}
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	if cfg.transport == "slcan" {
		mux = slcan.NewMux()
	} else {
		if mux, err = newSocketMux(); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	}

	for _, ep := range []bus.Endpoint{query, ecu} {
		if ep != nil {
			l.Info("endpoint_open", "transport", cfg.transport, "endpoint", ep.Name())
		}
	}
	return query, ecu, mux, nil
}
