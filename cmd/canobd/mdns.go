package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

// startMDNS advertises the diagnostics (metrics) endpoint while the process
// runs as a long-lived ECU responder, so headless boards on the bench can be
// found without knowing their address. Returns a cleanup function.
const mdnsServiceType = "_canobd._tcp"

func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("canobd-%s", host)
	}
	meta := []string{
		"mode=" + cfg.mode().String(),
		"transport=" + cfg.transport,
		"version=" + version,
		"commit=" + commit,
	}
	// Hardcoded service type; domain local.
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
