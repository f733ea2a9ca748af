// Package exporter exposes the live metrics of a running load test in the
// Prometheus text format.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// Namespace prefixes every exported metric.
const Namespace = "grocery_load"

// Source is the live metrics a Collector reads on every scrape.
// *metrics.Engine satisfies it.
type Source interface {
	GetSnapshot() *metrics.Snapshot
	GetRequestStats() map[string]metrics.LatencyStats
}

var phases = []metrics.Phase{
	metrics.PhaseInit, metrics.PhaseSetup, metrics.PhaseRampUp, metrics.PhaseSteady,
	metrics.PhaseRampDown, metrics.PhaseTeardown, metrics.PhaseDone,
}

// Collector converts a metrics snapshot to Prometheus metrics at scrape time.
type Collector struct {
	source Source

	requests      *prometheus.Desc
	failed        *prometheus.Desc
	bytes         *prometheus.Desc
	iterations    *prometheus.Desc
	dropped       *prometheus.Desc
	vus           *prometheus.Desc
	phase         *prometheus.Desc
	duration      *prometheus.Desc
	reqDuration   *prometheus.Desc
	iterDuration  *prometheus.Desc
	checks        *prometheus.Desc
	rate          *prometheus.Desc
	rateSamples   *prometheus.Desc
	elapsed       *prometheus.Desc
	steadyRPS     *prometheus.Desc
	testStartTime *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "", name), help, labels, nil)
	}

	return &Collector{
		source:        src,
		requests:      desc("http_reqs_total", "HTTP requests issued."),
		failed:        desc("http_req_failed_total", "HTTP requests that failed at transport level or returned status >= 400."),
		bytes:         desc("data_received_bytes_total", "Response body bytes received."),
		iterations:    desc("iterations_total", "Completed scenario iterations."),
		dropped:       desc("dropped_iterations_total", "Arrival-rate iterations skipped for lack of a free VU."),
		vus:           desc("vus", "Currently active virtual users."),
		phase:         desc("phase", "Current test phase; 1 for the active phase.", "phase"),
		duration:      desc("http_req_duration_seconds", "HTTP request latency."),
		reqDuration:   desc("request_duration_seconds", "HTTP request latency by request name.", "name"),
		iterDuration:  desc("iteration_duration_seconds", "Duration of one full iteration."),
		checks:        desc("checks_total", "Check outcomes.", "check", "result"),
		rate:          desc("rate", "Fraction of non-zero samples of a rate metric.", "metric"),
		rateSamples:   desc("rate_samples_total", "Samples added to a rate metric.", "metric"),
		elapsed:       desc("elapsed_seconds", "Time since the test started."),
		steadyRPS:     desc("steady_state_rps", "Requests per second over steady-state buckets."),
		testStartTime: desc("start_time_seconds", "Unix time the test started."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.failed, c.bytes, c.iterations, c.dropped, c.vus, c.phase, c.duration,
		c.reqDuration, c.iterDuration, c.checks, c.rate, c.rateSamples, c.elapsed, c.steadyRPS, c.testStartTime,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.GetSnapshot()
	if s == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.FailedRequests))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.TotalBytes))
	ch <- prometheus.MustNewConstMetric(c.iterations, prometheus.CounterValue, float64(s.Iterations))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.DroppedIterations))
	ch <- prometheus.MustNewConstMetric(c.vus, prometheus.GaugeValue, float64(s.ActiveVUs))
	ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, s.Elapsed.Seconds())
	ch <- prometheus.MustNewConstMetric(c.steadyRPS, prometheus.GaugeValue, s.SteadyStateRPS)
	if !s.StartTime.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.testStartTime, prometheus.GaugeValue, float64(s.StartTime.Unix()))
	}

	for _, p := range phases {
		v := 0.0
		if s.CurrentPhase == p {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.phase, prometheus.GaugeValue, v, string(p))
	}

	ch <- summary(c.duration, s.Latency)
	ch <- summary(c.iterDuration, s.IterationDuration)

	stats := c.source.GetRequestStats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch <- summary(c.reqDuration, stats[name], name)
	}

	for _, chk := range s.Checks {
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(chk.Passes), chk.Name, "pass")
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(chk.Fails), chk.Name, "fail")
	}

	for name, r := range s.Rates {
		ch <- prometheus.MustNewConstMetric(c.rate, prometheus.GaugeValue, r.Rate, name)
		ch <- prometheus.MustNewConstMetric(c.rateSamples, prometheus.CounterValue, float64(r.Total), name)
	}
}

// summary builds a constant summary; the sum is approximated from the mean.
func summary(desc *prometheus.Desc, l metrics.LatencyStats, labels ...string) prometheus.Metric {
	quantiles := map[float64]float64{
		0.5:  l.P50.Seconds(),
		0.9:  l.P90.Seconds(),
		0.95: l.P95.Seconds(),
		0.99: l.P99.Seconds(),
	}
	sum := l.Mean.Seconds() * float64(l.Count)
	return prometheus.MustNewConstSummary(desc, uint64(l.Count), sum, quantiles, labels...)
}

// NewRegistry returns a registry holding the collector plus the Go and
// process collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(NewCollector(src))
	return reg
}

// Server serves /metrics for the lifetime of a run.
type Server struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	srv      *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates an unstarted metrics server.
func NewServer(addr string, src Source, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:   logger,
		registry: NewRegistry(src),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the Prometheus scrape handler.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Start binds the listen address and serves in the background. Bind
// errors are returned synchronously.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("metrics server already started")
	}

	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.listener = ln
	s.done = make(chan struct{})

	s.logger.Info("serving prometheus metrics", zap.String("addr", ln.Addr().String()))

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.srv.Addr
}

// Shutdown stops the server, waiting for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down metrics server: %w", err)
	}
	<-done
	return nil
}
