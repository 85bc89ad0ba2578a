package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/r3e-network/accessplane/infrastructure/middleware"
	"github.com/r3e-network/accessplane/internal/changebus"
	"github.com/r3e-network/accessplane/internal/presence"
	"github.com/r3e-network/accessplane/internal/registry"
	"github.com/r3e-network/accessplane/internal/replication"
	"github.com/r3e-network/accessplane/internal/replmanager"
	"github.com/r3e-network/accessplane/internal/session"
	"github.com/r3e-network/accessplane/internal/storage"
	"github.com/r3e-network/accessplane/pkg/config"
	"github.com/r3e-network/accessplane/pkg/logger"
	"github.com/r3e-network/accessplane/pkg/metrics"
	"github.com/r3e-network/accessplane/pkg/pgnotify"
)

const registrationTTL = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = cfg.Database.ConnectionString()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.WithError(err).Fatal("gateway: failed to connect to database")
	}
	defer pool.Close()

	bus := changebus.New()
	store := storage.New(pool)
	presenceRegistry := presence.New()

	notifyBus, err := pgnotify.New(dsn)
	if err != nil {
		log.WithError(err).Fatal("gateway: failed to open notify connection")
	}
	defer notifyBus.Close()

	gossip, err := presence.NewGossip(notifyBus, cfg.Presence.Channel, presenceRegistry, log)
	if err != nil {
		log.WithError(err).Fatal("gateway: failed to start presence gossip")
	}
	defer gossip.Close()

	clientHub := NewClientHub()
	nodeHub := NewNodeHub(presenceRegistry, gossip, clientHub, log)

	leaseRegistry := registry.New(pool, registrationTTL)
	replCfg := replication.Config{
		Region:          cfg.Replication.Region,
		DSN:             cfg.Replication.DSN,
		PublicationName: cfg.Replication.PublicationName,
		SlotName:        cfg.Replication.SlotName,
		Tables:          cfg.Replication.Tables,
		LagWarn:         time.Duration(cfg.Replication.LagWarnSeconds * float64(time.Second)),
		LagCrit:         time.Duration(cfg.Replication.LagCritSeconds * float64(time.Second)),
		FlushBufferSize: cfg.Replication.FlushBufferSize,
		FlushInterval:   cfg.Replication.FlushInterval,
	}
	replManager := replmanager.New(cfg.Replication.Region, leaseRegistry, func() replmanager.Runner {
		return replication.New(replCfg, bus, pool, log)
	}, log)
	go func() {
		if err := replManager.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("gateway: replication manager exited")
		}
	}()

	clientAuth := newClientAuthenticator(cfg.Auth.JWTSecret)
	nodeAuth, err := newNodeAuthenticator(cfg.Auth.NodePublicKeyPEM)
	if err != nil {
		log.WithError(err).Fatal("gateway: invalid node public key")
	}

	deps := &gatewayDeps{
		auth:            clientAuth,
		store:           store,
		bus:             bus,
		presence:        presenceRegistry,
		nodeHub:         nodeHub,
		clientHub:       clientHub,
		log:             log,
		sessionCfg:      session.Config{},
		flowTimeout:     cfg.Flow.HandshakeTimeout,
		maxExpiryWindow: cfg.Presence.HeartbeatTTL,

		createFlowRateRPS: cfg.Auth.CreateFlowRateRPS,
		createFlowBurst:   cfg.Auth.CreateFlowBurst,
	}

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware(log))
	router.Use(middleware.NewRecoveryMiddleware(log).Handler)
	router.Use(middleware.MetricsMiddleware("gateway"))

	registerRoutes(router, deps, nodeHub, nodeAuth, cfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("gateway: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("gateway: server failed")
		}
	}()

	<-ctx.Done()
	log.Info("gateway: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("gateway: graceful shutdown failed")
	}
}

// registerRoutes wires the client/node websocket upgrade endpoints plus the
// operational surface (health, readiness, metrics), mirroring the route
// registration helper pattern used elsewhere in the codebase.
func registerRoutes(router *mux.Router, deps *gatewayDeps, nodeHub *NodeHub, nodeAuth *nodeAuthenticator, cfg *config.Config) {
	router.HandleFunc("/ws/client", deps.ServeClientWS)
	router.HandleFunc("/ws/node", func(w http.ResponseWriter, r *http.Request) {
		nodeHub.ServeWS(w, r, nodeAuth)
	})

	health := middleware.NewHealthChecker("gateway")
	health.RegisterCheck("presence", func() error { return nil })
	router.HandleFunc("/healthz", middleware.LivenessHandler())
	router.HandleFunc("/readyz", health.Handler())

	if cfg.Metrics.Enabled {
		router.Handle(cfg.Metrics.Path, metrics.Handler())
	}
}
