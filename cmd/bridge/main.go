package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mwaller/outpost/internal/api"
	"github.com/mwaller/outpost/internal/auth"
	"github.com/mwaller/outpost/internal/config"
	"github.com/mwaller/outpost/internal/connection"
	"github.com/mwaller/outpost/internal/database"
	"github.com/mwaller/outpost/internal/hub"
	"github.com/mwaller/outpost/internal/jobs"
	"github.com/mwaller/outpost/internal/model"
	"github.com/mwaller/outpost/internal/push"
	"github.com/mwaller/outpost/internal/state"
	"github.com/mwaller/outpost/internal/stats"
	"github.com/mwaller/outpost/internal/store"
	"github.com/mwaller/outpost/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/bridge.local.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting bridge",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"http_port", cfg.HTTP.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	links := store.NewLinks(pool)
	creds := store.NewCredentials(pool)
	ledger := store.NewLedger(pool)
	jobStore := store.NewJobs(pool)

	// Shared state backend. A failing postgres backend degrades to the
	// in-process store so a state outage does not take the bridge down.
	var stateStore state.Store
	switch cfg.State.Backend {
	case "postgres":
		pg := state.NewPostgres(pool)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := pg.Ping(pingCtx)
		pingCancel()
		if err != nil {
			logger.Warn("state backend unreachable, degrading to memory", "error", err)
			stateStore = state.NewMemory()
		} else {
			stateStore = pg
		}
	default:
		stateStore = state.NewMemory()
	}
	logger.Info("state store ready", "mode", stateStore.Mode())

	limiter := state.NewLimiter(stateStore, logger)

	ingestor := stats.New(stats.Config{
		BatchSize:     cfg.Stats.BatchSize,
		FlushInterval: cfg.Stats.FlushInterval,
		Retention:     cfg.Stats.Retention,
	}, pool, logger)

	scheduler := jobs.New(jobs.Config{
		Workers:     cfg.Jobs.Workers,
		MaxAttempts: cfg.Jobs.MaxAttempts,
		RetryDelay:  cfg.Jobs.RetryDelay,
	}, jobStore, logger)

	manager := connection.NewManager(connection.ManagerConfig{
		ConnectTimeout:     cfg.Connections.ConnectTimeout,
		RequestTimeout:     cfg.Connections.RequestTimeout,
		ReconnectBaseDelay: cfg.Connections.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Connections.ReconnectMaxDelay,
		ReconnectMaxTries:  cfg.Connections.ReconnectMaxTries,
		FailureLimit:       cfg.Connections.FailureLimit,
		WriteTimeout:       cfg.Connections.WriteTimeout,
		PingTimeout:        cfg.Connections.PingTimeout,
		BufferSize:         cfg.Connections.BufferSize,
		MaxSessions:        cfg.Connections.MaxSessions,
	}, connection.PollCadences{
		ServerInfo: cfg.Jobs.ServerInfoEvery,
		MapMarkers: cfg.Jobs.MapMarkersEvery,
		TeamInfo:   cfg.Jobs.TeamInfoEvery,
	}, links, scheduler, ingestor, logger)

	// pushSup is assigned after the hub exists; the teardown closure
	// reads it lazily so the cycle resolves at call time.
	var pushSup *push.Supervisor

	loadActivity := func(ctx context.Context, userID string) (model.ActivityRecord, bool) {
		data, err := stateStore.Get(ctx, "activity:"+userID)
		if err != nil {
			return model.ActivityRecord{}, false
		}
		var rec model.ActivityRecord
		if json.Unmarshal(data, &rec) != nil {
			return model.ActivityRecord{}, false
		}
		return rec, true
	}

	teardown := func(userID string) {
		tctx, tcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer tcancel()

		if pushSup != nil {
			pushSup.Release(userID)
		}
		if rec, ok := loadActivity(tctx, userID); ok && rec.ActiveServerID != 0 {
			if err := manager.Disconnect(tctx, rec.ActiveServerID); err != nil {
				logger.Warn("teardown disconnect failed",
					"user_id", userID,
					"server_id", rec.ActiveServerID,
					"error", err,
				)
			}
			rec.ActiveServerID = 0
			if data, err := json.Marshal(rec); err == nil {
				_ = stateStore.Set(tctx, "activity:"+userID, data, 0)
			}
		}
		if err := scheduler.Cancel(tctx, api.InactivityJobName(userID)); err != nil {
			logger.Warn("teardown countdown cancel failed", "user_id", userID, "error", err)
		}
	}

	broadcastHub := hub.New(hub.Config{
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		WatchdogInterval:  cfg.Hub.WatchdogInterval,
		LivenessWindow:    cfg.Hub.LivenessWindow,
		GracePeriod:       cfg.Hub.GracePeriod,
		StreamBufferSize:  cfg.Hub.StreamBufferSize,
	}, teardown, logger)

	// Push pipeline. Optional: without a project id the bridge still
	// serves streams and commands, it just receives no pairings.
	if cfg.Push.ProjectID != "" {
		var forwarder push.DeviceForwarder
		if cfg.Push.CredentialsFile != "" {
			fw, err := push.NewForwarder(ctx, cfg.Push.CredentialsFile, creds, logger)
			if err != nil {
				logger.Warn("device forwarding disabled", "error", err)
			} else {
				forwarder = fw
			}
		}

		dedup := push.NewDeduplicator(ledger, cfg.Push.DedupCacheSize, logger)
		processor := push.NewProcessor(dedup, links, creds, manager, broadcastHub, forwarder, logger)

		pushSup, err = push.NewSupervisor(ctx, push.Config{
			ProjectID:           cfg.Push.ProjectID,
			CredentialsFile:     cfg.Push.CredentialsFile,
			TopicPrefix:         cfg.Push.TopicPrefix,
			RefreshAlways:       cfg.Push.RefreshAlways,
			DedupCacheSize:      cfg.Push.DedupCacheSize,
			RegistrationTimeout: cfg.Push.RegistrationTimeout,
		}, creds, processor, logger)
		if err != nil {
			logger.Error("failed to create push supervisor", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("push provider not configured, pairing notifications disabled")
	}

	registerHandlers(scheduler, manager, broadcastHub, ingestor, links, loadActivity, cfg.Jobs.InactivityTimeout, logger)

	// Startup. The scheduler goes last so reloaded polling jobs find a
	// running manager (a not-yet-connected server is a soft skip).
	if err := ingestor.Start(ctx); err != nil {
		logger.Error("failed to start ingestor", "error", err)
		os.Exit(1)
	}
	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}
	if err := broadcastHub.Start(ctx); err != nil {
		logger.Error("failed to start hub", "error", err)
		os.Exit(1)
	}
	broadcastHub.Consume(manager.Events())

	if pushSup != nil {
		if err := pushSup.Start(ctx); err != nil {
			logger.Error("failed to start push supervisor", "error", err)
			os.Exit(1)
		}
	}
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	if err := scheduler.ScheduleRepeating(ctx, "maintenance:inactivity_sweep", nil, cfg.Jobs.InactivitySweep); err != nil {
		logger.Warn("scheduling inactivity sweep failed", "error", err)
	}
	if err := scheduler.ScheduleRepeating(ctx, "maintenance:stats_prune", nil, cfg.Stats.PruneEvery); err != nil {
		logger.Warn("scheduling stats prune failed", "error", err)
	}

	verifier := auth.NewVerifier(cfg.HTTP.JWTSecret)
	apiServer := api.NewServer(api.Config{
		Port:              cfg.HTTP.Port,
		JWTSecret:         cfg.HTTP.JWTSecret,
		CommandLimit:      cfg.RateLimit.CommandLimit,
		CommandWindow:     cfg.RateLimit.CommandWindow,
		ConnectLimit:      cfg.RateLimit.ConnectLimit,
		ConnectWindow:     cfg.RateLimit.ConnectWindow,
		InactivityTimeout: cfg.Jobs.InactivityTimeout,
	}, verifier, broadcastHub, manager, links, creds, pushSupervisor(pushSup), scheduler, stateStore, limiter, logger)

	if err := apiServer.Start(ctx); err != nil {
		logger.Error("failed to start http server", "error", err)
		os.Exit(1)
	}

	logger.Info("bridge running",
		"instance_id", cfg.Instance.ID,
		"port", cfg.HTTP.Port,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown error", "error", err)
	}
	if pushSup != nil {
		if err := pushSup.Stop(shutdownCtx); err != nil {
			logger.Warn("push supervisor shutdown error", "error", err)
		}
	}
	if err := broadcastHub.Stop(shutdownCtx); err != nil {
		logger.Warn("hub shutdown error", "error", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("connection manager shutdown error", "error", err)
	}
	if err := ingestor.Stop(shutdownCtx); err != nil {
		logger.Warn("ingestor shutdown error", "error", err)
	}
	if mem, ok := stateStore.(*state.Memory); ok {
		mem.Close()
	}

	logger.Info("bridge stopped")
}

// pushSupervisor converts a possibly-nil concrete supervisor into the
// api surface without producing a non-nil interface holding nil.
func pushSupervisor(s *push.Supervisor) api.PushSupervisor {
	if s == nil {
		return nil
	}
	return s
}

type activityLoader func(ctx context.Context, userID string) (model.ActivityRecord, bool)

// registerHandlers binds every job-name prefix the bridge schedules.
func registerHandlers(
	scheduler *jobs.Scheduler,
	manager *connection.Manager,
	broadcastHub *hub.Hub,
	ingestor *stats.Ingestor,
	links *store.Links,
	loadActivity activityLoader,
	inactivityTimeout time.Duration,
	logger *slog.Logger,
) {
	// Per-server polls, created by the manager on connect.
	scheduler.Register("server:", jobs.HandlerFunc(func(ctx context.Context, job jobs.Job) error {
		var p connection.PollPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return jobs.ErrNotApplicable
		}
		err := manager.Poll(ctx, p.ServerID, p.Method)
		if errors.Is(err, connection.ErrNotConnected) {
			return jobs.ErrNotApplicable
		}
		return err
	}))

	// Per-user inactivity countdowns, armed by the API on connect and
	// replaced on every heartbeat.
	scheduler.Register("inactivity:user:", jobs.HandlerFunc(func(ctx context.Context, job jobs.Job) error {
		var p api.InactivityPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil || p.UserID == "" {
			return jobs.ErrNotApplicable
		}
		rec, ok := loadActivity(ctx, p.UserID)
		if !ok || rec.ActiveServerID == 0 {
			return jobs.ErrNotApplicable
		}

		logger.Info("inactivity countdown expired, disconnecting",
			"user_id", p.UserID,
			"server_id", rec.ActiveServerID,
		)
		if err := manager.Disconnect(ctx, rec.ActiveServerID); err != nil {
			return err
		}
		broadcastHub.Publish(model.Event{
			Name:   model.EventNotification,
			UserID: p.UserID,
			Payload: map[string]any{
				"reason":    "inactivity_disconnect",
				"server_id": rec.ActiveServerID,
			},
		})
		return nil
	}))

	// Backstop sweep for sessions whose countdown was lost (for example
	// across a restart before the job store was written).
	scheduler.Register("maintenance:inactivity_sweep", jobs.HandlerFunc(func(ctx context.Context, job jobs.Job) error {
		cutoff := time.Now().Add(-inactivityTimeout)
		for _, id := range manager.ConnectedIDs() {
			link, err := links.Get(ctx, id)
			if err != nil {
				continue
			}
			rec, ok := loadActivity(ctx, link.OwnerUserID)
			if ok && rec.LastActivityAt.After(cutoff) {
				continue
			}
			logger.Info("sweeping inactive session", "server_id", id, "user_id", link.OwnerUserID)
			if err := manager.Disconnect(ctx, id); err != nil {
				logger.Warn("sweep disconnect failed", "server_id", id, "error", err)
			}
		}
		return nil
	}))

	scheduler.Register("maintenance:stats_prune", jobs.HandlerFunc(func(ctx context.Context, job jobs.Job) error {
		pruned, err := ingestor.Prune(ctx)
		if err != nil {
			return err
		}
		if pruned > 0 {
			logger.Info("pruned old snapshots", "rows", pruned)
		}
		return nil
	}))
}
