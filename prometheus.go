package main

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smpp-routing-gw/routing"
)

// PrometheusExporter serves a registry on Listen at Path.
type PrometheusExporter struct {
	Path     string
	Listen   string
	Registry *prometheus.Registry
	server   *http.Server
}

func (e *PrometheusExporter) Start() error {
	mux := http.NewServeMux()
	mux.Handle(e.Path, promhttp.HandlerFor(e.Registry, promhttp.HandlerOpts{}))
	e.server = &http.Server{Addr: e.Listen, Handler: mux}
	err := e.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (e *PrometheusExporter) Close() error {
	if e.server == nil {
		return nil
	}
	return e.server.Close()
}

const (
	OutcomeRouted    = "routed"
	OutcomeNoRoute   = "no_route"
	OutcomeRejected  = "rejected"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
)

type decisionKey struct {
	direction string
	route     string
	outcome   string
}

// RoutingMetrics counts routing decisions and reports the size of the routing
// tables at scrape time.
type RoutingMetrics struct {
	desc     map[string]*prometheus.Desc
	id       string
	tables   func() []*routing.Table
	mu       sync.Mutex
	decision map[decisionKey]float64
	failover map[string]float64
	charged  float64
}

func NewRoutingMetrics(id string, tables func() []*routing.Table) *RoutingMetrics {
	constLabels := prometheus.Labels{"server_id": id}
	metricDesc := map[string]*prometheus.Desc{
		"routing_decisions": prometheus.NewDesc("smpp_routing_decisions_total", "Routing decisions by direction, route type and outcome", []string{"direction", "route", "outcome"}, constLabels),
		"failover_attempts": prometheus.NewDesc("smpp_routing_failover_attempts_total", "Connector attempts after the first one on failover routes", []string{"direction"}, constLabels),
		"charged_amount":    prometheus.NewDesc("smpp_routing_charged_amount_total", "Sum of amounts charged to user balances", nil, constLabels),
		"configured_routes": prometheus.NewDesc("smpp_routing_configured_routes", "Routes in each routing table", []string{"table"}, constLabels),
	}

	return &RoutingMetrics{
		desc:     metricDesc,
		id:       id,
		tables:   tables,
		decision: make(map[decisionKey]float64),
		failover: make(map[string]float64),
	}
}

func (e *RoutingMetrics) ObserveDecision(d routing.Direction, route, outcome string) {
	if route == "" {
		route = "none"
	}
	e.mu.Lock()
	e.decision[decisionKey{direction: string(d), route: route, outcome: outcome}]++
	e.mu.Unlock()
}

func (e *RoutingMetrics) ObserveFailover(d routing.Direction) {
	e.mu.Lock()
	e.failover[string(d)]++
	e.mu.Unlock()
}

func (e *RoutingMetrics) ObserveCharge(amount float64) {
	e.mu.Lock()
	e.charged += amount
	e.mu.Unlock()
}

func (e *RoutingMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range e.desc {
		ch <- desc
	}
}

func (e *RoutingMetrics) Collect(ch chan<- prometheus.Metric) {
	e.collectCounters(ch)
	e.collectTables(ch)
}

func (e *RoutingMetrics) collectCounters(ch chan<- prometheus.Metric) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range e.decision {
		ch <- prometheus.MustNewConstMetric(e.desc["routing_decisions"], prometheus.CounterValue, v, k.direction, k.route, k.outcome)
	}
	for d, v := range e.failover {
		ch <- prometheus.MustNewConstMetric(e.desc["failover_attempts"], prometheus.CounterValue, v, d)
	}
	ch <- prometheus.MustNewConstMetric(e.desc["charged_amount"], prometheus.CounterValue, e.charged)
}

func (e *RoutingMetrics) collectTables(ch chan<- prometheus.Metric) {
	if e.tables == nil {
		return
	}
	for _, t := range e.tables() {
		ch <- prometheus.MustNewConstMetric(e.desc["configured_routes"], prometheus.GaugeValue, float64(t.Len()), string(t.Direction()))
	}
}
