package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/habitual/internal/api"
	"github.com/nugget/habitual/internal/buildinfo"
	"github.com/nugget/habitual/internal/chatlink"
	"github.com/nugget/habitual/internal/connwatch"
	"github.com/nugget/habitual/internal/events"
	"github.com/nugget/habitual/internal/gateway"
	"github.com/nugget/habitual/internal/habit"
	"github.com/nugget/habitual/internal/jobs"
	"github.com/nugget/habitual/internal/ledger"
	"github.com/nugget/habitual/internal/mqtt"
)

// Job names, as used in the API and the run history.
const (
	jobReminders = "reminders"
	jobLinking   = "linking"
)

const (
	serviceGateway = "gateway"
	serviceMQTT    = "mqtt"
)

// runServe handles "habitual serve". It starts the job runner, the
// gateway watcher, the optional MQTT publisher and the API server, and
// blocks until SIGINT or SIGTERM.
//
// Shutdown order: the runner stops firing and waits for running
// passes, MQTT publishes offline, then the API server drains.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := bootstrapLogger(stdout)
	logger.Info("starting Habitual", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = cfg.NewLogger(stdout)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"gateway", cfg.Gateway.URL != "",
		"mqtt", cfg.MQTT.Configured(),
	)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	a, err := newApp(cfg, bus, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// --- Jobs ---
	jobStore, err := jobs.NewStore(a.db)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	runner := jobs.NewRunner(jobStore, loc, bus, logger.With("component", "jobs"))
	if err := registerJobs(runner, a); err != nil {
		return err
	}

	// --- Connection health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:     serviceGateway,
		Probe:    a.gateway.Ping,
		Classify: classifyGatewayError,
		Backoff:  connwatch.DefaultBackoffConfig(),
		OnChange: connwatch.EmitTo(bus),
	})

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}
		stats := &serviceStats{conn: connMgr, links: a.links, ledger: a.ledger, loc: loc, logger: logger}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.NewDailyActivity(loc), stats, bus,
			logger.With("component", "mqtt"))

		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:     serviceMQTT,
			Probe:    mqttPub.AwaitConnection,
			Backoff:  connwatch.DefaultBackoffConfig(),
			OnChange: connwatch.EmitTo(bus),
		})
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, runner, logger.With("component", "api"))
	server.SetHealth(connMgr)
	server.SetCompletions(a.habits, a.ledger)
	server.SetJobTimeout(max(cfg.Reminders.Timeout(), cfg.Linking.Timeout()))
	server.SetEventBus(bus)

	if err := runner.Start(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := runner.Stop(stopCtx); err != nil {
			logger.Warn("job runner stop", "error", err)
		}

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Habitual stopped")
	return nil
}

// registerJobs adds the reminder and linking passes to the runner.
func registerJobs(runner *jobs.Runner, a *app) error {
	err := runner.Register(jobs.Job{
		Name:     jobReminders,
		Schedule: a.cfg.Reminders.Schedule,
		Timeout:  a.cfg.Reminders.Timeout(),
		Run: func(ctx context.Context) (string, error) {
			report, err := a.scheduler.Tick(ctx, time.Now())
			return report.String(), err
		},
	})
	if err != nil {
		return err
	}
	return runner.Register(jobs.Job{
		Name:     jobLinking,
		Schedule: a.cfg.Linking.Schedule,
		Timeout:  a.cfg.Linking.Timeout(),
		Run: func(ctx context.Context) (string, error) {
			report, err := a.linker.Poll(ctx)
			return report.String(), err
		},
	})
}

// serviceStats feeds the MQTT sensors.
type serviceStats struct {
	conn   *connwatch.Manager
	links  *chatlink.Store
	ledger *ledger.Ledger
	loc    *time.Location
	logger *slog.Logger
}

func (s *serviceStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (s *serviceStats) Version() string       { return buildinfo.Version }

func (s *serviceStats) GatewayStatus() string {
	return string(s.conn.State(serviceGateway))
}

// classifyGatewayError separates a refused token from an outage. Only
// the latter is worth the fast startup retries.
func classifyGatewayError(err error) connwatch.State {
	if errors.Is(err, gateway.ErrRejected) {
		return connwatch.StateRejected
	}
	return connwatch.StateUnavailable
}

func (s *serviceStats) LinkedChats() int {
	_, linked, err := s.links.Counts()
	if err != nil {
		s.logger.Debug("failed to count linked chats", "error", err)
		return 0
	}
	return linked
}

// RemindersToday counts ledger entries dated today. Reminders record a
// completion on delivery, so this is the number sent today.
func (s *serviceStats) RemindersToday() int {
	n, err := s.ledger.CountSince(habit.DateOf(time.Now().In(s.loc)))
	if err != nil {
		s.logger.Debug("failed to count today's reminders", "error", err)
		return 0
	}
	return n
}
