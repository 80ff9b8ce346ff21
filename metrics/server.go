package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaystack/dalg/log"
)

// StartCollectingMetrics begins listening and serving metrics on
// localhost:metricsPort/metrics. Best-effort: a bind failure is logged, not
// fatal, since metrics are an optional observability surface.
func StartCollectingMetrics(metricsPort int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		err := http.ListenAndServe(fmt.Sprintf("localhost:%v", metricsPort), mux)
		log.With().Warning("metrics server stopped", log.Err(err))
	}()
}
