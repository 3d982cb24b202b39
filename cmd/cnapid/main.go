// Package main is the entry point for cnapid, the control-plane API
// server for a fleet of compute nodes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cnapi/cnapi/internal/agent/kinds"
	"github.com/cnapi/cnapi/internal/agent/sim"
	"github.com/cnapi/cnapi/internal/api"
	"github.com/cnapi/cnapi/internal/common/config"
	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events/bus"
	"github.com/cnapi/cnapi/internal/inventory"
	"github.com/cnapi/cnapi/internal/store"
	"github.com/cnapi/cnapi/internal/streaming"
	"github.com/cnapi/cnapi/internal/tasks"
	"github.com/cnapi/cnapi/internal/transport"
	"github.com/cnapi/cnapi/internal/waitlist"
)

const simHeartbeatInterval = 30 * time.Second

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting cnapid...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 4. Object store
	st, err := store.Open(cfg.Store, cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Store ready", zap.String("backend", cfg.Store.Backend))

	// 5. Server inventory
	invent := inventory.NewManager(st, eventBus,
		cfg.Inventory.HeartbeatGraceDuration(),
		cfg.Inventory.MonitorIntervalDuration(),
		log)
	if err := invent.Start(ctx); err != nil {
		log.Fatal("Failed to start inventory", zap.Error(err))
	}
	defer invent.Stop()

	// 6. Agent transport and task registry
	tr := transport.NewBusTransport(eventBus, cfg.Tasks.DispatchTimeoutDuration(), log)
	registry := tasks.NewRegistry(tr, invent, eventBus, cfg.Tasks, log)
	tr.SetHandler(registry)
	if err := tr.Start(ctx); err != nil {
		log.Fatal("Failed to start transport", zap.Error(err))
	}
	defer tr.Stop()
	if err := registry.Start(ctx); err != nil {
		log.Fatal("Failed to start task registry", zap.Error(err))
	}
	defer registry.Stop()

	// 7. Waitlist. Start recovers every queue before requests are
	// served, so it must precede the HTTP listener.
	wl := waitlist.NewService(st, eventBus, cfg.Waitlist, log)
	if err := wl.Start(ctx); err != nil {
		log.Fatal("Failed to start waitlist", zap.Error(err))
	}
	defer wl.Stop()

	// 8. Simulated agents for development
	var agents []*sim.Agent
	if cfg.Agents.SimEnabled {
		reg := kinds.NewRegistry(log)
		reg.LoadDefaults()
		for _, hostname := range cfg.Agents.SimServers {
			if _, err := invent.Register(ctx, hostname, &inventory.RegisterRequest{Hostname: hostname}); err != nil {
				log.Fatal("Failed to register sim server", zap.String("hostname", hostname), zap.Error(err))
			}
			agent := sim.NewAgent(hostname, hostname, eventBus, reg, simHeartbeatInterval, log)
			if err := agent.Start(ctx); err != nil {
				log.Fatal("Failed to start sim agent", zap.String("hostname", hostname), zap.Error(err))
			}
			agents = append(agents, agent)
		}
		log.Info("Simulated agents running", zap.Int("count", len(agents)))
	}
	defer func() {
		for _, agent := range agents {
			agent.Stop()
		}
	}()

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.RequestLogger(log))
	router.Use(api.ErrorHandler(log))
	router.Use(api.Recovery(log))
	router.Use(api.CORS())
	if cfg.Server.RateLimit > 0 {
		router.Use(api.RateLimit(cfg.Server.RateLimit))
	}

	handler := api.NewHandler(registry, wl, invent, st, eventBus, cfg, log)
	apiGroup := router.Group("/api/v1")
	api.SetupRoutes(apiGroup, handler)

	hub := streaming.NewHub(eventBus, log)
	streaming.SetupWebSocketRoutes(apiGroup, streaming.NewWSHandler(hub, log))

	router.GET("/healthz", handler.Health)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("API listening",
			zap.String("addr", server.Addr),
			zap.String("http", "/api/v1"),
			zap.String("websocket", "/api/v1/events/ws"),
			zap.String("health", "/healthz"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}
	log.Info("cnapid stopped")
}
