package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gem-relay/gem-relay/internal/classify"
	"github.com/gem-relay/gem-relay/internal/config"
	"github.com/gem-relay/gem-relay/internal/keypool"
	"github.com/gem-relay/gem-relay/internal/keyring"
	"github.com/gem-relay/gem-relay/internal/logstore"
	"github.com/gem-relay/gem-relay/internal/proxy"
	"github.com/gem-relay/gem-relay/internal/upstream"
	"github.com/gem-relay/gem-relay/internal/verifier"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gem-relay proxy server",
	Long: `Start the proxy server that accepts Gemini generateContent requests and
forwards them upstream, rotating across the configured API keys on rate
limits and failures.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	configPath := cfgFile
	if configPath == "" {
		configPath = findConfigFile()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("failed to load config")
		return err
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return err
	}

	logger, err := proxy.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logger")
	}

	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	runtime := config.NewRuntime(cfg)

	// Log persistence is optional; without it the sinks are simply absent
	// and classified errors only reach the structured log.
	var (
		sink      *logstore.AsyncSink
		retention *logstore.Retention
	)
	if cfg.Logs.IsEnabled() {
		store, err := logstore.Open(cfg.Logs.Path)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.Logs.Path).Msg("failed to open log store")
			return err
		}
		defer func() { _ = store.Close() }()

		sink = logstore.NewAsyncSink(store, cfg.Logs.QueueSize)
		defer sink.Close()

		retention = logstore.NewRetention(store, cfg.Logs.ErrorRetentionDays, cfg.Logs.RequestRetentionDays)
	}

	core := buildCore(cfg, sink, nil)
	cores := proxy.NewCoreProvider(core)

	// Background jobs read the provider on every run so a hot reload swaps
	// them onto the new core without rescheduling.
	scheduler := newScheduler(cfg, runtime, cores)
	if retention != nil {
		scheduleRetention(scheduler, retention)
	}
	scheduler.Start()
	defer scheduler.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if core.Pool != nil {
		go core.Pool.Preload(ctx, 0)
	}

	var requestSink proxy.RequestSink
	if sink != nil {
		requestSink = sink
	}
	handler, limiter := proxy.SetupRoutes(cores, requestSink,
		cfg.Server.APIKey, int64(cfg.Server.GetMaxConcurrentOption().OrEmpty()))

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to create config watcher")
		return err
	}
	defer func() { _ = watcher.Close() }()

	watcher.OnReload(func(newCfg *config.Config) error {
		if err := newCfg.Validate(); err != nil {
			return err
		}
		runtime.Store(newCfg)
		cores.Store(buildCore(newCfg, sink, cores.Get()))
		limiter.SetLimit(int64(newCfg.Server.GetMaxConcurrentOption().OrEmpty()))
		log.Info().Msg("hot reload applied")
		return nil
	})
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	server := proxy.NewServer(cfg.Server.Listen, handler, cfg.Server.EnableHTTP2)

	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info().Msg("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}

		close(done)
	}()

	log.Info().Str("listen", cfg.Server.Listen).Msg("starting gem-relay")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
		return err
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}

// scheduleRetention registers the daily log cleanup jobs. Off-peak, a few
// minutes apart so the two deletes do not contend on the single sqlite
// writer.
func scheduleRetention(s *verifier.Scheduler, retention *logstore.Retention) {
	if err := s.AddDaily(3, 0, "error log retention", retention.DeleteOldErrorLogs); err != nil {
		log.Error().Err(err).Msg("failed to schedule error log retention")
	}
	if err := s.AddDaily(3, 5, "request log retention", retention.DeleteOldRequestLogs); err != nil {
		log.Error().Err(err).Msg("failed to schedule request log retention")
	}
}

// buildCore assembles the key lifecycle components for one config
// generation. When prev is given, registry counters, the rotation cursor,
// and unexpired pool entries migrate to the new core.
func buildCore(cfg *config.Config, sink *logstore.AsyncSink, prev *proxy.Core) *proxy.Core {
	registryOpts := []keyring.Option{}
	if prev != nil {
		registryOpts = append(registryOpts, keyring.WithPrevious(prev.Registry.Snapshot()))
	}

	registry := keyring.NewRegistry(keyring.Config{
		Keys:           cfg.Keys,
		MaxFailures:    cfg.Retry.MaxFailures,
		MaxRetries:     cfg.Retry.MaxRetries,
		Timezone:       cfg.Cooldown.Timezone,
		QuotaResetHour: cfg.Cooldown.QuotaResetHour,
	}, registryOpts...)

	var errSink classify.ErrorSink
	if sink != nil {
		errSink = sink
	}
	handler := classify.NewHandler(registry, errSink)

	client := upstream.NewClient(
		upstream.WithBaseURL(cfg.Upstream.BaseURL),
		upstream.WithHTTPClient(&http.Client{
			Timeout: cfg.Upstream.GetTimeoutOption().OrElse(upstream.DefaultTimeout),
		}),
		upstream.WithCircuitBreaker(upstream.NewCircuitBreaker(0, 0, 0)),
	)

	testModel := cfg.Upstream.GetTestModel()

	var pool *keypool.Pool
	if cfg.Pool.Enabled {
		poolOpts := []keypool.Option{
			keypool.WithFailureHandler(func(ctx context.Context, key string, err error) {
				handler.HandleVerificationFailure(ctx, err, key, testModel)
			}),
		}
		if prev != nil && prev.Pool != nil {
			poolOpts = append(poolOpts, keypool.WithEntries(prev.Pool.Entries()))
		}
		pool = keypool.NewPool(keypool.Config{
			Size:                 cfg.Pool.Size,
			TTL:                  cfg.Pool.GetTTLOption().OrEmpty(),
			MinThreshold:         cfg.Pool.MinThreshold,
			EmergencyRefillCount: cfg.Pool.EmergencyRefillCount,
			TestModel:            testModel,
		}, registry, client.VerifyKey, poolOpts...)
	}

	return &proxy.Core{
		Registry:   registry,
		Pool:       pool,
		Classifier: handler,
		Client:     client,
		MaxRetries: registry.MaxRetries(),
		TestModel:  testModel,
	}
}

// newScheduler wires the recurring background jobs: the staggered key
// verification pass and pool maintenance. Each job resolves the current
// core when it fires.
func newScheduler(cfg *config.Config, runtime *config.Runtime, cores *proxy.CoreProvider) *verifier.Scheduler {
	loc, err := time.LoadLocation(cfg.Cooldown.Timezone)
	if err != nil {
		loc = time.UTC
	}
	scheduler := verifier.NewScheduler(loc)

	scheduler.AddEvery(cfg.Verifier.GetCheckInterval(), "key verification", func(ctx context.Context) {
		current := runtime.Get()
		core := cores.Get()
		verifier.New(verifier.Config{
			BatchSize: current.Verifier.BatchSize,
			Interval:  current.Verifier.GetCheckInterval(),
			TestModel: core.TestModel,
		}, core.Registry, core.Client.VerifyKey, core.Classifier).Run(ctx)
	})

	if cfg.Pool.Enabled {
		scheduler.AddEvery(cfg.Pool.GetMaintenanceInterval(), "pool maintenance", func(ctx context.Context) {
			if pool := cores.Get().Pool; pool != nil {
				pool.Maintenance(ctx)
			}
		})
	}

	return scheduler
}
