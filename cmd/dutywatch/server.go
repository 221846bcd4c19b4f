package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/dutywatch/internal/config"
	"github.com/goodtune/dutywatch/internal/discord"
	"github.com/goodtune/dutywatch/internal/duty"
	"github.com/goodtune/dutywatch/internal/metrics"
	"github.com/goodtune/dutywatch/internal/notify"
	"github.com/goodtune/dutywatch/internal/systemd"
	"github.com/goodtune/dutywatch/internal/zone"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the dutywatch server",
	Long:  `Connect to Discord, recover open sessions, and run the zone poll and daily summary schedulers.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting dutywatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	at, err := duty.ParseSummaryTime(cfg.Tracking.SummaryTime)
	if err != nil {
		return fmt.Errorf("invalid summary time: %w", err)
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage, false)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Str("redis_host", cfg.Storage.Redis.Host).
		Msg("Storage initialized")

	classifier, err := buildClassifier(ctx, cfg.Zone, cfg.Grammar(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize zone classifier: %w", err)
	}

	// Discord session; without a token notices go to the log only
	var (
		session *discord.Session
		sink    notify.Sink = notify.NewLogSink(logger)
		dir     duty.Directory
	)
	if cfg.Discord.Token != "" {
		session, err = discord.New(cfg.Discord, logger)
		if err != nil {
			return err
		}
		sink = session.Sink()
		dir = session.Directory()
	} else {
		logger.Warn().Msg("No discord token configured, running without a presence feed")
	}

	clock := quartz.NewReal()
	tracker := duty.New(store, clock, sink, dir, duty.Config{
		Location:     loc,
		ZoneName:     cfg.Zone.Name,
		Classifier:   classifier,
		Allowlist:    zone.NewAllowlist(cfg.Zone.AuthorizedVehicles...),
		GameKeywords: cfg.Discord.GameKeywords,
	}, logger)

	if err := tracker.Load(ctx); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	// Credit sessions that were open when the previous process stopped
	// before any new event can touch them.
	recovered := tracker.Reconcile(ctx)
	logger.Info().Int("sessions", len(recovered)).Msg("Startup reconciliation complete")

	// Metrics and health
	metricsAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.MetricsPort))
	metricsServer := metrics.NewServer(metricsAddr, healthCheck(store), logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if sdListeners.Metrics != nil || cfg.Server.MetricsPort > 0 {
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if session != nil {
		session.Attach(tracker)
		if err := session.Open(ctx); err != nil {
			return err
		}
		defer func() {
			if err := session.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close discord session")
			}
		}()
	}

	scheduler := duty.NewScheduler(tracker, clock, at, logger)
	scheduler.Start(ctx)

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	_ = systemd.NotifyStatus(fmt.Sprintf("Tracking %d registered users", len(tracker.Registered())))

	if interval := systemd.WatchdogInterval(); interval > 0 {
		logger.Info().Dur("interval", interval).Msg("Systemd watchdog enabled")
		clock.TickerFunc(ctx, interval, func() error {
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
			return nil
		}, "watchdog")
	}

	logger.Info().Msg("dutywatch started successfully")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	cancel()
	scheduler.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("dutywatch stopped")

	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthCheck reports the store unhealthy when it supports Ping and the
// ping fails.
func healthCheck(store any) metrics.HealthFunc {
	p, ok := store.(pinger)
	if !ok {
		return nil
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return p.Ping(ctx)
	}
}
