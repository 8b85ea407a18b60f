package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every collector a node exports.
type Metrics struct {
	// Membership
	Members          prometheus.Gauge
	MembershipEpoch  prometheus.Gauge
	MembershipEvents *prometheus.CounterVec

	// Failure detection
	ProbesSent       prometheus.Counter
	AcksReceived     prometheus.Counter
	FailuresDetected prometheus.Counter
	JoinsViaPing     prometheus.Counter

	// Dissemination
	BroadcastsSent     prometheus.Counter
	BroadcastsReceived prometheus.Counter
	BroadcastFailures  prometheus.Counter

	// Replication
	PutsCommitted    prometheus.Counter
	PutsDiscarded    prometheus.Counter
	SignalsSent      prometheus.Counter
	SignalFailures   prometheus.Counter
	PushesSent       prometheus.Counter
	PushesAccepted   prometheus.Counter
	PushFailures     prometheus.Counter
	CleanupDeletions prometheus.Counter
	StoredFiles      prometheus.Gauge
	PutLatency       prometheus.Histogram

	// Command server
	Commands      *prometheus.CounterVec
	CommandErrors *prometheus.CounterVec
}

// New creates and registers the collectors on registry.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	f := promauto.With(registry)

	return &Metrics{
		Members: f.NewGauge(prometheus.GaugeOpts{
			Name: "sdfs_membership_size",
			Help: "Number of members in the local view",
		}),
		MembershipEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "sdfs_membership_epoch",
			Help: "Count of effective membership changes",
		}),
		MembershipEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sdfs_membership_events_total",
			Help: "Effective membership mutations by kind",
		}, []string{"kind"}),

		ProbesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_detector_probes_total",
			Help: "Pings sent to neighbors",
		}),
		AcksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_detector_acks_total",
			Help: "Matching acks received",
		}),
		FailuresDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_detector_failures_total",
			Help: "Neighbors removed after an ack timeout",
		}),
		JoinsViaPing: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_detector_ping_joins_total",
			Help: "Unknown ping senders added to membership",
		}),

		BroadcastsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_gossip_broadcasts_sent_total",
			Help: "Membership broadcasts sent",
		}),
		BroadcastsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_gossip_broadcasts_received_total",
			Help: "Membership broadcasts received",
		}),
		BroadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_gossip_broadcast_failures_total",
			Help: "Membership broadcasts that failed to send",
		}),

		PutsCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_puts_committed_total",
			Help: "Puts committed as a new local version",
		}),
		PutsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_puts_discarded_total",
			Help: "Puts discarded locally",
		}),
		SignalsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_replica_signals_sent_total",
			Help: "Keep/discard signals delivered by the coordinator",
		}),
		SignalFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_replica_signal_failures_total",
			Help: "Keep/discard signals that could not be delivered",
		}),
		PushesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_rereplication_pushes_total",
			Help: "Re-replication offers sent",
		}),
		PushesAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_rereplication_accepted_total",
			Help: "Re-replication offers accepted by the receiver",
		}),
		PushFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_rereplication_failures_total",
			Help: "Re-replication offers that failed",
		}),
		CleanupDeletions: f.NewCounter(prometheus.CounterOpts{
			Name: "sdfs_cleanup_deletions_total",
			Help: "Files deleted because this node left their owner window",
		}),
		StoredFiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "sdfs_stored_files",
			Help: "Files held locally",
		}),
		PutLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sdfs_put_duration_seconds",
			Help:    "Time from receiving a put to its keep/discard decision",
			Buckets: prometheus.DefBuckets,
		}),

		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sdfs_commands_total",
			Help: "Commands handled by verb",
		}, []string{"verb"}),
		CommandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sdfs_command_errors_total",
			Help: "Commands answered with an error by verb",
		}, []string{"verb"}),
	}
}

// HealthEndpoint serves the liveness and readiness probes next to /metrics.
type HealthEndpoint struct {
	ready  atomic.Bool
	logger *zap.Logger
}

func NewHealthEndpoint(logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthEndpoint{logger: logger}
}

// SetReady flips the readiness probe. A node is ready once bootstrap completes.
func (he *HealthEndpoint) SetReady(ready bool) {
	he.ready.Store(ready)
}

func (he *HealthEndpoint) Ready() bool {
	return he.ready.Load()
}

// RegisterHandlers registers the probe and metrics handlers.
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if he.Ready() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// Server is a running metrics HTTP server.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// StartMetricsServer binds addr and serves /metrics and the health probes.
// Bind errors are returned; serve errors after that are logged.
func StartMetricsServer(addr string, gatherer prometheus.Gatherer, health *HealthEndpoint, logger *zap.Logger) (*Server, error) {
	mux := http.NewServeMux()
	health.RegisterHandlers(mux, gatherer)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
