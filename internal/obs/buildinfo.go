package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authz_build_info",
			Help: "Build of the running authorization service; the value is always 1.",
		},
		[]string{"service", "version", "commit", "go_version"},
	)
)

// InitBuildInfo publishes authz_build_info for the running binary. Calling it
// again with a different version adds a series rather than replacing it.
func InitBuildInfo(service, version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.WithLabelValues(service, version, commit, runtime.Version()).Set(1)
}
