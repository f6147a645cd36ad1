/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes Prometheus counters and gauges for port state,
// BMC decisions, and servo offset/delay over HTTP, grounded on
// ptp/sptp/stats.PrometheusExporter's registry-and-promhttp shape.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Metrics holds every gauge/counter this daemon reports.
type Metrics struct {
	registry *prometheus.Registry

	PortState      *prometheus.GaugeVec
	BMCDecisions   *prometheus.CounterVec
	OffsetFromGM   *prometheus.GaugeVec
	MeanPathDelay  *prometheus.GaugeVec
	StepsRemoved   *prometheus.GaugeVec
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FrameErrors    *prometheus.CounterVec
	Steps          prometheus.Counter
}

// New builds and registers every metric this daemon reports. Each
// per-port metric carries a "port" label.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		PortState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ptpd",
			Name:      "port_state",
			Help:      "Current port state, as a PortState enum value.",
		}, []string{"port"}),
		BMCDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ptpd",
			Name:      "bmc_decisions_total",
			Help:      "Count of BMC decisions applied, by port and decision kind.",
		}, []string{"port", "decision"}),
		OffsetFromGM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ptpd",
			Name:      "offset_from_master_ns",
			Help:      "Current offset from master, in nanoseconds.",
		}, []string{"port"}),
		MeanPathDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ptpd",
			Name:      "mean_path_delay_ns",
			Help:      "Current mean path delay estimate, in nanoseconds.",
		}, []string{"port"}),
		StepsRemoved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ptpd",
			Name:      "steps_removed",
			Help:      "Current steps_removed from the grandmaster.",
		}, []string{"port"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ptpd",
			Name:      "frames_sent_total",
			Help:      "Count of PTP frames sent, by port and message kind.",
		}, []string{"port", "kind"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ptpd",
			Name:      "frames_received_total",
			Help:      "Count of PTP frames received, by port and message kind.",
		}, []string{"port", "kind"}),
		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ptpd",
			Name:      "frame_errors_total",
			Help:      "Count of dropped frames, by port and error class.",
		}, []string{"port", "class"}),
		Steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ptpd",
			Name:      "clock_steps_total",
			Help:      "Count of times the servo stepped the clock instead of trimming frequency.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.PortState, m.BMCDecisions, m.OffsetFromGM, m.MeanPathDelay,
		m.StepsRemoved, m.FramesSent, m.FramesReceived, m.FrameErrors, m.Steps,
	} {
		registry.MustRegister(c)
	}
	return m
}

// Serve starts an HTTP server exposing /metrics on addr, blocking until
// it fails. Callers run it in its own goroutine, per the teacher's
// PrometheusExporter.Start.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.Infof("metrics: serving /metrics on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// PortLabel formats a port number as the label value used by every
// per-port metric above.
func PortLabel(portNumber uint16) string {
	return fmt.Sprintf("%d", portNumber)
}
