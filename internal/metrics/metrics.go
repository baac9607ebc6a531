// Package metrics exposes the controller's Prometheus surface: the
// n_channel gauge, a per-stage duration histogram, replay throughput
// counters, and the ring-buffer expand counter, served over a
// /metrics HTTP endpoint the way the teacher's stats package backs
// its own StatsD/Prometheus bridge.
//
// Grounded on pobradovic08-route-beacon-ri's internal/http server
// (promhttp.Handler mounted alongside health endpoints) for the
// serving shape, and on the teacher's stats package for treating
// metrics as a passive exporter over state other packages already
// track (channel.Counters, ring's expand tally) rather than an active
// collaborator those packages must consult on every call.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ripc-net/controller/internal/ring"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ripc",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock time spent in each stage before transitioning out of it.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	replayCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ripc",
		Name:      "replay_captured_total",
		Help:      "Total PAYLOAD messages appended to the replay store.",
	})

	replayEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ripc",
		Name:      "replay_emitted_total",
		Help:      "Total messages replayed out of the store into a local channel.",
	})

	ringExpand = promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "ripc",
		Name:      "ring_expand_total",
		Help:      "Total ring buffer Expand calls across every channel in this process.",
	}, func() float64 { return float64(ring.ExpandCount()) })
)

// RegisterNChannel wires the n_channel gauge to a live accessor,
// called once from internal/engine with the registry's Counters.
func RegisterNChannel(current func() int32) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ripc",
		Name:      "n_channel",
		Help:      "Number of channels currently in BGP_ESTABLISHED state.",
	}, func() float64 { return float64(current()) })
}

// ObserveStageDuration records the time just spent in a stage, keyed
// by its name, at the moment the machine transitions out of it.
func ObserveStageDuration(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func IncReplayCaptured() { replayCaptured.Inc() }
func IncReplayEmitted()  { replayEmitted.Inc() }

// Server serves /metrics on addr until Shutdown is called.
type Server struct {
	srv *http.Server
}

// NewServer builds (but does not start) the metrics HTTP server.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start listens in the background; a bind failure is logged by the
// caller via the returned error from the first Serve call, delivered
// on errCh.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
