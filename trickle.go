package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/trickledb/trickle/admin"
	"github.com/trickledb/trickle/cfg"
	"github.com/trickledb/trickle/cluster"
	"github.com/trickledb/trickle/datalog"
	"github.com/trickledb/trickle/gaps"
	"github.com/trickledb/trickle/notify"
	"github.com/trickledb/trickle/registry"
	"github.com/trickledb/trickle/route"
	"github.com/trickledb/trickle/stats"
	"github.com/trickledb/trickle/telemetry"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Trickle - Change Data Routing Engine")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	store, err := datalog.Open(cfg.Config.Store.Driver, cfg.Config.Store.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
		return
	}
	defer store.Close()

	if err := store.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store schema")
		return
	}
	log.Info().
		Str("driver", cfg.Config.Store.Driver).
		Msg("Store ready")

	counters, persistent, err := initializeStats()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open statistics store")
		return
	}
	if persistent != nil {
		defer persistent.Close()
	}

	routing := cfg.Config.Routing
	tracker := gaps.NewTracker(store,
		time.Duration(routing.GapGracePeriodMS)*time.Millisecond,
		routing.MaxGapSize)
	reg := registry.New(store)
	locks := cluster.NewLockManager(store, cfg.Config.NodeID,
		time.Duration(routing.LockLeaseMS)*time.Millisecond)

	var notifier route.Notifier
	var publisher *notify.Publisher
	if cfg.Config.Notify.Enabled {
		publisher, err = notify.NewPublisher(
			cfg.Config.Notify.NatsURL,
			cfg.Config.Notify.SubjectPrefix,
			cfg.Config.Notify.CompressThreshold,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect batch notifier")
			return
		}
		defer publisher.Close()
		notifier = publisher
		log.Info().Str("url", cfg.Config.Notify.NatsURL).Msg("Batch notifier connected")
	}

	service := route.NewService(store, tracker, reg, locks,
		route.BuiltinRouters(), counters, notifier, cfg.Config.NodeID,
		route.Options{
			MaxEventsPerPass: routing.MaxEventsPerPass,
			MaxGapsPerQuery:  routing.MaxGapsPerQuery,
			PassTimeout:      time.Duration(routing.PassTimeoutMS) * time.Millisecond,
			DefaultMaxBatch:  routing.DefaultMaxBatch,
			DefaultMaxBytes:  int64(routing.DefaultMaxBatchKB) * 1024,
			FlushEventRows:   routing.FlushEventRows,
			Workers:          routing.Workers,
		})

	scheduler := route.NewScheduler(service,
		time.Duration(routing.IntervalMS)*time.Millisecond)
	scheduler.Start()
	defer scheduler.Stop()

	// Capture-side wakeups bypass the tick interval.
	hub := notify.NewHub()
	signals, cancelSignals := hub.Subscribe(notify.Filter{})
	defer cancelSignals()
	go func() {
		for range signals {
			scheduler.Wake()
		}
	}()

	collector := telemetry.NewMetricsCollector(store, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		startAdminServer(store, counters, hub)
	}

	log.Info().
		Str("group_id", cfg.Config.GroupID).
		Int("workers", routing.Workers).
		Msg("Routing engine started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

func initializeStats() (*stats.Counters, *stats.Persistent, error) {
	if !cfg.Config.Stats.Enabled || cfg.Config.Stats.Dir == "" {
		return stats.NewCounters(nil), nil, nil
	}

	persistent, err := stats.OpenPersistent(cfg.Config.Stats.Dir)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("dir", cfg.Config.Stats.Dir).Msg("Persistent statistics enabled")
	return stats.NewCounters(persistent), persistent, nil
}

func startAdminServer(store *datalog.Store, counters *stats.Counters, hub *notify.Hub) {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewHandlers(store, counters, hub, cfg.Config.NodeID))
	if cfg.Config.Prometheus.Enabled {
		mux.Handle("/metrics", telemetry.GetMetricsHandler())
	}

	server := &http.Server{
		Addr:    cfg.Config.Admin.Address,
		Handler: mux,
	}
	go func() {
		log.Info().Str("address", cfg.Config.Admin.Address).Msg("Admin server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server stopped")
		}
	}()
}
