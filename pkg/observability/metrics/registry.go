// Package metrics exposes the task queue's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a Prometheus registry with the task queue collectors and the
// Go runtime collectors registered.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a registry. The task collectors are package-level, so
// several registries may expose the same series.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		tasksPublishedTotal,
		tasksProcessedTotal,
		tasksInFlight,
		tasksRedeliveredTotal,
		tasksDeadLetteredTotal,
	)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Registry{registry: reg}
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
