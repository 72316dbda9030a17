// Package metrics wires the Prometheus registry shared by the binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns an empty registry. Binaries add the runtime collectors
// with RegisterRuntime; tests use it bare.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Register adds every collector, stopping at the first failure.
func Register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RegisterRuntime exports the Go runtime and process collectors.
func RegisterRuntime(reg prometheus.Registerer) error {
	return Register(reg,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
