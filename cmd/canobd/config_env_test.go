package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("CANOBD_BAUD", "230400")
	os.Setenv("CANOBD_TRANSPORT", "slcan")
	os.Setenv("CANOBD_POLL_TIMEOUT", "250ms")
	os.Setenv("CANOBD_MDNS_ENABLE", "true")
	t.Cleanup(func() {
		os.Unsetenv("CANOBD_BAUD")
		os.Unsetenv("CANOBD_TRANSPORT")
		os.Unsetenv("CANOBD_POLL_TIMEOUT")
		os.Unsetenv("CANOBD_MDNS_ENABLE")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if base.transport != "slcan" {
		t.Fatalf("expected transport override, got %s", base.transport)
	}
	if base.pollTimeout != 250*time.Millisecond {
		t.Fatalf("expected pollTimeout 250ms got %v", base.pollTimeout)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := baseConfig()
	os.Setenv("CANOBD_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("CANOBD_BAUD") })
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	base := baseConfig()
	os.Setenv("CANOBD_POLL_TIMEOUT", "notaduration")
	t.Cleanup(func() { os.Unsetenv("CANOBD_POLL_TIMEOUT") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
