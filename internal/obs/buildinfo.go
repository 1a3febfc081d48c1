package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Emergency Connect build information.",
		},
		[]string{"component", "version"},
	)
)

// InitBuildInfo registers build_info once and sets it for the running binary.
func InitBuildInfo(component, version string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(component, version).Set(1)
}
