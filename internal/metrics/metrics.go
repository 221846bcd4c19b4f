package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Duty metrics
	SessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dutywatch_sessions_open",
			Help: "Number of open on-duty sessions",
		},
	)

	MinutesCredited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutywatch_minutes_credited_total",
			Help: "On-duty minutes credited to the ledger",
		},
		[]string{"source"},
	)

	LedgerAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutywatch_ledger_adjustments_total",
			Help: "Administrative ledger adjustments",
		},
		[]string{"direction"},
	)

	// Zone metrics
	ZoneTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutywatch_zone_transitions_total",
			Help: "Zone entries and exits",
		},
		[]string{"direction"},
	)

	ZoneNotificationsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dutywatch_zone_notifications_suppressed_total",
			Help: "Zone transitions held back by the notification cooldown",
		},
	)

	UsersInZone = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dutywatch_users_in_zone",
			Help: "Number of users currently inside the zone",
		},
	)

	// Presence metrics
	PresenceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutywatch_presence_events_total",
			Help: "Presence updates received",
		},
		[]string{"status"},
	)

	ZonePollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dutywatch_zone_poll_duration_seconds",
			Help:    "Zone poll duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RegistryPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dutywatch_registry_pruned_total",
			Help: "Registry entries pruned because the user could not be resolved",
		},
	)

	// Storage metrics
	StoreWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutywatch_store_write_failures_total",
			Help: "Failed whole-table writes",
		},
		[]string{"table"},
	)

	StoreLoadFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutywatch_store_load_failures_total",
			Help: "Tables that could not be loaded and were replaced by an empty default",
		},
		[]string{"table"},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dutywatch_notifications_total",
			Help: "Notifications posted by channel and result",
		},
		[]string{"channel", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsOpen,
		MinutesCredited,
		LedgerAdjustments,
		ZoneTransitions,
		ZoneNotificationsSuppressed,
		UsersInZone,
		PresenceEvents,
		ZonePollDuration,
		RegistryPruned,
		StoreWriteFailures,
		StoreLoadFailures,
		NotificationsTotal,
	)
}

// HealthFunc reports whether the process is healthy. A nil error is healthy.
type HealthFunc func() error

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server. health may be nil.
func NewServer(addr string, health HealthFunc, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           Handler(health),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler serves /metrics and /health.
func Handler(health HealthFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server, waiting for in-flight scrapes until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
