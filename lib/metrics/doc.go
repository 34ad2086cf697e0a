// Package metrics runs the metrics exporter of the runtime. All counters are
// registered in the default VictoriaMetrics set and served in Prometheus text
// format on /metrics. With a push address configured they are additionally
// pushed to a push proxy in a fixed interval, labelled with the process name.
package metrics
