package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/embeddedTS/canobd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	QueryTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_query_tx_frames_total",
		Help: "Total RPM query frames written to the bus.",
	})
	ResponseTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_response_tx_frames_total",
		Help: "Total RPM response frames written to the bus by the ECU emulation.",
	})
	QueryRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_query_rx_frames_total",
		Help: "Total frames received on the query endpoint.",
	})
	EcuRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_ecu_rx_frames_total",
		Help: "Total frames received on the ECU endpoint.",
	})
	Samples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_rpm_samples_total",
		Help: "Total valid RPM samples decoded from responses.",
	})
	WaitTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_wait_timeouts_total",
		Help: "Total readiness waits that elapsed without an event (tolerated or fatal).",
	})
	TruncatedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_truncated_frames_total",
		Help: "Total receives shorter than a full CAN frame (logged, not fatal).",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obd_malformed_frames_total",
		Help: "Total rejected malformed frames on the serial transport.",
	})
	LastRPM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "obd_last_rpm_sample",
		Help: "Most recent RPM sample byte observed by the query side (0-255).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrOpen    = "open"
	ErrSend    = "send"
	ErrReceive = "receive"
	ErrWait    = "wait"
	ErrTimeout = "timeout"
	ErrSerial  = "serial"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localQueryTx    uint64
	localResponseTx uint64
	localQueryRx    uint64
	localEcuRx      uint64
	localSamples    uint64
	localTimeouts   uint64
	localTruncated  uint64
	localMalformed  uint64
	localErrors     uint64
	localLastRPM    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	QueryTx    uint64
	ResponseTx uint64
	QueryRx    uint64
	EcuRx      uint64
	Samples    uint64
	Timeouts   uint64
	Truncated  uint64
	Malformed  uint64
	Errors     uint64 // sum across error labels
	LastRPM    uint64
}

func Snap() Snapshot {
	return Snapshot{
		QueryTx:    atomic.LoadUint64(&localQueryTx),
		ResponseTx: atomic.LoadUint64(&localResponseTx),
		QueryRx:    atomic.LoadUint64(&localQueryRx),
		EcuRx:      atomic.LoadUint64(&localEcuRx),
		Samples:    atomic.LoadUint64(&localSamples),
		Timeouts:   atomic.LoadUint64(&localTimeouts),
		Truncated:  atomic.LoadUint64(&localTruncated),
		Malformed:  atomic.LoadUint64(&localMalformed),
		Errors:     atomic.LoadUint64(&localErrors),
		LastRPM:    atomic.LoadUint64(&localLastRPM),
	}
}

// Wrapper helpers to keep call sites simple.
func IncQueryTx() {
	QueryTxFrames.Inc()
	atomic.AddUint64(&localQueryTx, 1)
}

func IncResponseTx() {
	ResponseTxFrames.Inc()
	atomic.AddUint64(&localResponseTx, 1)
}

func IncQueryRx() {
	QueryRxFrames.Inc()
	atomic.AddUint64(&localQueryRx, 1)
}

func IncEcuRx() {
	EcuRxFrames.Inc()
	atomic.AddUint64(&localEcuRx, 1)
}

func IncTimeout() {
	WaitTimeouts.Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

func IncTruncated() {
	TruncatedFrames.Inc()
	atomic.AddUint64(&localTruncated, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetSample records a decoded RPM sample byte.
func SetSample(rpm byte) {
	Samples.Inc()
	LastRPM.Set(float64(rpm))
	atomic.AddUint64(&localSamples, 1)
	atomic.StoreUint64(&localLastRPM, uint64(rpm))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrOpen, ErrSend, ErrReceive, ErrWait, ErrTimeout, ErrSerial,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
