package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/echotools/realmwatch/server"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	config, err := server.ParseConfig(*configPath)
	if err != nil {
		server.NewJSONLogger(os.Stdout, zap.ErrorLevel).Fatal("Invalid configuration", zap.Error(err))
	}

	logger := server.NewJSONLogger(os.Stdout, server.ParseLogLevel(config.LogLevel))
	defer logger.Sync()

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	db, err := server.OpenDB(ctx, logger, config.Database.Address)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := server.MigrateSchema(logger, db); err != nil {
		logger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	dg, err := discordgo.New("Bot " + config.Discord.Token)
	if err != nil {
		logger.Fatal("Failed to create Discord session", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)

	sessionStore := server.NewPGSessionStore(logger, db)
	destinationStore := server.NewPGDestinationStore(logger, db)
	offlineStore := server.NewPGOfflineMarkerStore(db)

	state := server.NewPresenceState(logger)
	if err := state.SeedFromStore(ctx, sessionStore, config.Poller.StartupGrace); err != nil {
		logger.Fatal("Failed to seed presence state", zap.Error(err))
	}

	offlineTracker := server.NewOfflineRealmTracker(logger, offlineStore)
	if err := offlineTracker.Load(ctx); err != nil {
		logger.Fatal("Failed to load offline realm markers", zap.Error(err))
	}

	source := server.NewClubPresenceClient(logger, config.Source)
	gamertags := server.NewGamertagResolver(logger, server.NewHTTPGamertagAPI(config.Source), config.Gamertags)
	realmNames := server.NewRealmNameCache(logger, source)
	resolver := server.NewIdentityResolver()
	diff := server.NewDiffEngine(logger, state, config.Poller.StaleAfter)
	policy := server.NewInvalidationPolicy(logger, destinationStore, metrics, config.Poller)

	bus := server.NewEventBus(logger)
	bus.Register(server.NewSessionRecorder(logger, resolver, sessionStore))
	bus.Register(server.NewNotificationDispatcher(logger, destinationStore, policy, server.NewDiscordDeliverer(dg), gamertags, realmNames, metrics))

	scheduler := server.NewPollScheduler(logger, config.Poller, source, state, diff, offlineTracker, bus, destinationStore, policy, gamertags, metrics)
	scheduler.Start()

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         config.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", config.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	logger.Info("Startup complete", zap.String("name", config.Name))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")
	scheduler.Stop()

	shutdownCtx, shutdownCancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancelFn()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
