package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/embeddedTS/canobd/internal/session"
)

type appConfig struct {
	ecu             bool
	query           bool
	iface           string
	queryIface      string
	ecuIface        string
	transport       string
	baud            int
	pollTimeout     time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags(args []string) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs := flag.NewFlagSet("canobd", flag.ContinueOnError)
	fs.BoolVar(&cfg.ecu, "ecu", false, "Emulate the ECU RPM responder on -iface (runs until stopped)")
	fs.BoolVar(&cfg.query, "query", false, "Query the ECU RPM once on -iface")
	fs.StringVar(&cfg.iface, "iface", "", "Interface (or serial device for slcan) used with -ecu or -query")
	fs.StringVar(&cfg.queryIface, "query-iface", "can0", "Query-side interface for the loopback test")
	fs.StringVar(&cfg.ecuIface, "ecu-iface", "can1", "ECU-side interface for the loopback test")
	fs.StringVar(&cfg.transport, "transport", "socketcan", "CAN transport: socketcan|slcan")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate (slcan transport)")
	fs.DurationVar(&cfg.pollTimeout, "poll-timeout", session.DefaultWaitTimeout, "Readiness wait timeout per cycle step")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the metrics endpoint via mDNS while emulating the ECU")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default canobd-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, err
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

// mode maps the flag combination to the session mode: no mode flag means the
// local one-shot loopback test.
func (c *appConfig) mode() session.Mode {
	switch {
	case c.ecu:
		return session.EcuOnly
	case c.query:
		return session.QueryOnly
	default:
		return session.Loopback
	}
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.ecu && c.query {
		return errors.New("may only specify one of -ecu or -query")
	}
	if (c.ecu || c.query) && c.iface == "" {
		return errors.New("-iface must be specified with -ecu or -query")
	}
	if !c.ecu && !c.query && (c.queryIface == "" || c.ecuIface == "") {
		return errors.New("loopback needs both -query-iface and -ecu-iface")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.transport {
	case "socketcan", "slcan":
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.pollTimeout <= 0 {
		return fmt.Errorf("poll-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps CANOBD_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored;
// durations accept Go time.ParseDuration format. Mode selection stays on the
// command line only.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["iface"]; !ok {
		if v, ok := get("CANOBD_IFACE"); ok && v != "" {
			c.iface = v
		}
	}
	if _, ok := set["query-iface"]; !ok {
		if v, ok := get("CANOBD_QUERY_IFACE"); ok && v != "" {
			c.queryIface = v
		}
	}
	if _, ok := set["ecu-iface"]; !ok {
		if v, ok := get("CANOBD_ECU_IFACE"); ok && v != "" {
			c.ecuIface = v
		}
	}
	if _, ok := set["transport"]; !ok {
		if v, ok := get("CANOBD_TRANSPORT"); ok && v != "" {
			c.transport = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("CANOBD_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANOBD_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["poll-timeout"]; !ok {
		if v, ok := get("CANOBD_POLL_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.pollTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANOBD_POLL_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CANOBD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CANOBD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CANOBD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CANOBD_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANOBD_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CANOBD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CANOBD_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
