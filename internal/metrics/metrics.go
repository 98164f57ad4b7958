package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	serverReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tandem",
		Name:      "server_ready",
		Help:      "Readiness state of the background server (1=ready, 0=not ready).",
	}, []string{"pair"})

	cleanupSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tandem",
		Name:      "cleanup_signals_total",
		Help:      "Total number of teardown signals sent to the server process group.",
	}, []string{"pair"})

	foregroundExit = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tandem",
		Name:      "foreground_exit_code",
		Help:      "Exit status reported by the foreground proxy.",
	}, []string{"pair"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tandem",
		Name:      "build_info",
		Help:      "Build metadata for the running tandem binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(serverReady, cleanupSignals, foregroundExit, buildInfo)
}

// Registry returns the Prometheus registry containing all tandem metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetServerReady records the readiness state of the background server.
func SetServerReady(pair string, ready bool) {
	if pair == "" {
		return
	}
	value := 0.0
	if ready {
		value = 1.0
	}
	serverReady.WithLabelValues(pair).Set(value)
}

// IncCleanupSignals counts one teardown of the server process group.
func IncCleanupSignals(pair string) {
	if pair == "" {
		return
	}
	cleanupSignals.WithLabelValues(pair).Inc()
}

// SetForegroundExit records the proxy's exit status.
func SetForegroundExit(pair string, code int) {
	if pair == "" {
		return
	}
	foregroundExit.WithLabelValues(pair).Set(float64(code))
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
