// Package server wires the hub service together: store, MQTT broker,
// ingestion router, websocket hub, inactivity sweeper, the optional AMQP
// reading relay and the HTTP and gRPC endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"procodus.dev/iot-hub/internal/auth"
	"procodus.dev/iot-hub/internal/hub"
	"procodus.dev/iot-hub/internal/router"
	"procodus.dev/iot-hub/internal/store"
	"procodus.dev/iot-hub/internal/sweeper"
	"procodus.dev/iot-hub/pkg/broker"
	"procodus.dev/iot-hub/pkg/clock"
	"procodus.dev/iot-hub/pkg/logger"
	"procodus.dev/iot-hub/pkg/metrics"
	"procodus.dev/iot-hub/pkg/mq"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

const shutdownTimeout = 10 * time.Second

// Config holds the configuration for the Server.
type Config struct {
	Logger *slog.Logger
	// Metrics is optional; nil disables instrumentation and /metrics.
	Metrics *metrics.Set
	Clock   clock.Clock

	// Store configuration
	StoreDriver string
	DBHost      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBPort      int

	// MQTT configuration
	MQTTURL      string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      byte
	Filters      router.Filters
	Prefixes     router.Prefixes

	// Dashboard token verification
	JWTSecret string
	JWTIssuer string

	// Reading relay; disabled when RelayURL is empty
	RelayURL   string
	RelayQueue string

	HTTPPort int
	GRPCPort int
}

// Server runs the hub service.
type Server struct {
	logger *slog.Logger
	config *Config
	clock  clock.Clock

	store      store.Store
	broker     *broker.Client
	hub        *hub.Hub
	router     *router.Router
	sweeper    *sweeper.Sweeper
	relay      *mq.Client
	health     *Health
	httpServer *http.Server
	grpcServer *grpc.Server

	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewServer validates cfg and returns a Server. Nothing is started until Run.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	switch cfg.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.DBHost == "" {
			return nil, errors.New("database host cannot be empty")
		}
		if cfg.DBPort <= 0 {
			return nil, errors.New("database port must be positive")
		}
		if cfg.DBUser == "" {
			return nil, errors.New("database user cannot be empty")
		}
		if cfg.DBName == "" {
			return nil, errors.New("database name cannot be empty")
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.MQTTURL == "" {
		return nil, errors.New("MQTT URL cannot be empty")
	}

	if cfg.MQTTClientID == "" {
		return nil, errors.New("MQTT client ID cannot be empty")
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}

	if cfg.RelayURL != "" && cfg.RelayQueue == "" {
		return nil, errors.New("relay queue cannot be empty when the relay is enabled")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.GRPCPort <= 0 {
		return nil, errors.New("gRPC port must be positive")
	}

	if cfg.Filters == (router.Filters{}) {
		cfg.Filters = router.DefaultFilters()
	}

	if cfg.Prefixes == (router.Prefixes{}) {
		cfg.Prefixes = router.DefaultPrefixes()
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
		clock:  clk,
	}, nil
}

// OpenStore opens the store selected by cfg.StoreDriver.
func OpenStore(cfg *Config) (store.Store, error) {
	if cfg.StoreDriver == DriverMemory {
		cfg.Logger.Warn("using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), nil
	}

	return store.NewGormStore(&store.DBConfig{
		Logger:   logger.Component(cfg.Logger, "store"),
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
}

func (s *Server) metrics() *metrics.Set {
	if s.config.Metrics == nil {
		return &metrics.Set{}
	}
	return s.config.Metrics
}

// start builds and starts every component. On error the components built
// so far are left for Shutdown to release.
func (s *Server) start(ctx context.Context) error {
	m := s.metrics()

	st, err := OpenStore(s.config)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	s.store = st
	s.logger.Info("store initialized", "driver", s.config.StoreDriver)

	s.broker, err = broker.New(&broker.Config{
		Logger:   logger.Component(s.logger, "broker"),
		Metrics:  m.Broker,
		URL:      s.config.MQTTURL,
		ClientID: s.config.MQTTClientID,
		Username: s.config.MQTTUsername,
		Password: s.config.MQTTPassword,
		QoS:      s.config.MQTTQoS,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT client: %w", err)
	}

	s.hub, err = hub.New(&hub.Config{
		Logger:  s.logger,
		Clock:   s.clock,
		Metrics: m.Hub,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize hub: %w", err)
	}
	s.hub.Start()

	var sinks []router.ReadingSink
	if s.config.RelayURL != "" {
		s.relay, err = mq.New(&mq.Config{
			Logger:  logger.Component(s.logger, "relay"),
			Metrics: m.Relay,
			URL:     s.config.RelayURL,
			Queue:   s.config.RelayQueue,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize relay: %w", err)
		}
		sink, err := router.NewRelaySink(s.relay, router.DefaultRelayTimeout)
		if err != nil {
			return fmt.Errorf("failed to initialize relay sink: %w", err)
		}
		sinks = append(sinks, sink)
		s.logger.Info("reading relay enabled", "queue", s.config.RelayQueue)
	}

	prefixes := s.config.Prefixes
	s.router, err = router.New(&router.Config{
		Logger:   s.logger,
		Store:    s.store,
		Hub:      s.hub,
		Clock:    s.clock,
		Prefixes: &prefixes,
		Metrics:  m.Router,
		Sinks:    sinks,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	// Subscriptions registered before Connect are issued on every connect.
	if err := s.router.Attach(ctx, s.broker, s.config.Filters); err != nil {
		return fmt.Errorf("failed to attach router: %w", err)
	}

	if err := s.broker.Connect(ctx); err != nil {
		s.logger.Error("MQTT connection failed, retrying in the background", "error", err)
	}

	s.sweeper, err = sweeper.New(&sweeper.Config{
		Logger:  s.logger,
		Store:   s.store,
		Hub:     s.hub,
		Clock:   s.clock,
		Metrics: m.Sweeper,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sweeper: %w", err)
	}
	s.sweeper.Start(ctx)

	s.health, err = NewHealth(&HealthConfig{
		Logger: s.logger,
		Clock:  s.clock,
		Broker: s.broker,
		Hub:    s.hub,
		Store:  s.store,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize health: %w", err)
	}
	go s.health.Watch(ctx, DefaultHealthInterval)

	verifier, err := auth.NewJWT(&auth.JWTConfig{
		Secret: []byte(s.config.JWTSecret),
		Issuer: s.config.JWTIssuer,
		Clock:  s.clock,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           NewMux(s.hub.Handler(verifier), s.health, s.config.Metrics != nil),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health.GRPC())

	return nil
}

// NewMux routes /ws, /health and, when withMetrics is set, /metrics.
func NewMux(ws http.Handler, health http.Handler, withMetrics bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", ws)
	mux.Handle("/health", health)
	if withMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

// Run starts the server and blocks until ctx ends, a signal arrives or a
// listener fails. It always shuts down before returning.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting hub server")

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := s.start(ctx); err != nil {
		return errors.Join(err, s.Shutdown())
	}

	grpcAddr := fmt.Sprintf(":%d", s.config.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to listen on %s: %w", grpcAddr, err), s.Shutdown())
	}

	serveErr := make(chan error, 2)
	go func() {
		s.logger.Info("starting gRPC health server", "address", grpcAddr)
		if err := s.grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	go func() {
		s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	s.logger.Info("hub server started successfully")

	var runErr error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case runErr = <-serveErr:
		s.logger.Error("server error", "error", runErr)
	}

	return errors.Join(runErr, s.Shutdown())
}

// Shutdown stops the components in dependency order: no new broker
// messages first, the store last. Failures are collected, not fatal.
// Calling it again returns the first result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down hub server")

	var errs []error

	if s.router != nil {
		s.logger.Info("stopping router")
		s.router.Stop()
	}

	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown error: %w", err))
		}
		cancel()
	}

	if s.hub != nil {
		s.logger.Info("closing websocket subscribers")
		s.hub.Shutdown()
	}

	if s.sweeper != nil {
		s.logger.Info("stopping sweeper")
		s.sweeper.Stop()
	}

	if s.cancel != nil {
		s.cancel()
	}

	if s.health != nil {
		s.health.Shutdown()
	}

	if s.grpcServer != nil {
		s.logger.Info("stopping gRPC server")
		s.grpcServer.GracefulStop()
	}

	if s.relay != nil {
		s.logger.Info("closing relay")
		if err := s.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relay close error: %w", err))
		}
	}

	if s.broker != nil {
		s.logger.Info("disconnecting MQTT client")
		if err := s.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("MQTT close error: %w", err))
		}
	}

	if s.store != nil {
		s.logger.Info("closing store")
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close error: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("hub server shutdown completed with errors", "error", err)
		return err
	}

	s.logger.Info("hub server shutdown completed successfully")
	return nil
}
