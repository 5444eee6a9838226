package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	configpkg "wandersync/internal/config"
	grpcstream "wandersync/internal/grpc"
	httpapi "wandersync/internal/http"
	"wandersync/internal/logging"
	"wandersync/internal/networking"
	"wandersync/internal/replay"
	"wandersync/internal/transport"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "wandersync: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	//1.- Resolve configuration: .env file, environment, then the simulation flags.
	if err := configpkg.LoadEnvFile(configpkg.DefaultEnvFile); err != nil {
		return err
	}
	cfg, err := configpkg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging, "wandersync-server")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	args := configpkg.ParseSimulationArgs(argv)
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//2.- Observer transports share one per-peer bandwidth budget.
	bandwidth := networking.NewBandwidthRegulator(cfg.BandwidthLimit, nil)
	authenticate, err := newObserverAuthenticator(cfg.ObserverSecret)
	if err != nil {
		return fmt.Errorf("configure observer auth: %w", err)
	}
	hub := transport.NewHub(transport.HubOptions{
		MaxClients:      cfg.MaxClients,
		SendQueue:       cfg.SendQueue,
		PingInterval:    cfg.PingInterval,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
		Bandwidth:       bandwidth,
		Authenticate:    authenticate,
		Logger:          logger,
	})
	defer hub.Close()

	var stream *grpcstream.Service
	var grpcServer *grpc.Server
	if cfg.GRPCAddress != "" {
		serverOpts, err := configureGRPCSecurity(cfg, logger)
		if err != nil {
			return fmt.Errorf("configure grpc security: %w", err)
		}
		stream = grpcstream.NewService(
			grpcstream.WithCompressor(grpcstream.NewSnappyCompressor()),
			grpcstream.WithQueueSize(cfg.SendQueue),
			grpcstream.WithMaxSubscribers(cfg.MaxClients),
			grpcstream.WithBandwidth(bandwidth),
			grpcstream.WithLogger(logger),
		)
		grpcServer = grpc.NewServer(serverOpts...)
		grpcstream.RegisterSnapshotStreamServer(grpcServer, stream)
	}

	var recorder *replay.Writer
	var replayStorage func() replay.StorageStats
	if cfg.ReplayDir != "" {
		writer, manifest, err := replay.NewWriter(cfg.ReplayDir, "session", nil)
		if err != nil {
			return fmt.Errorf("open replay writer: %w", err)
		}
		recorder = writer
		logger.Info("recording replay", logging.String("dir", writer.Directory()), logging.String("created_at", manifest.CreatedAt))
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Warn("replay close failed", logging.Error(err))
			}
		}()
		cleaner := replay.NewCleaner(cfg.ReplayDir, replay.RetentionPolicy{
			MaxSessions: cfg.ReplayMaxSessions,
			MaxAge:      cfg.ReplayMaxAge,
		}, logger)
		cleaner.Protect(writer.Directory())
		go cleaner.Run(ctx, cfg.ReplaySweepInterval)
		replayStorage = cleaner.Stats
	}

	server := NewServer(ServerOptions{
		Args:     args,
		Seed:     seed,
		Logger:   logger,
		Hub:      hub,
		Stream:   stream,
		Recorder: recorder,
	})

	//3.- The ops endpoints and the observer upgrade path share one listener.
	handlerOpts := httpapi.Options{
		Logger:        logger,
		Readiness:     server,
		Broadcast:     server.BroadcastStats,
		Ticks:         server.TickStats,
		SimulatedTick: server.SimulatedTick,
		Hub:           hub.Stats,
		Bandwidth:     bandwidth,
		ReplayStorage: replayStorage,
		AdminToken:    cfg.AdminToken,
		RateLimiter:   httpapi.NewSlidingWindowLimiter(cfg.ReplayFlushWindow, cfg.ReplayFlushBurst, nil),
	}
	if stream != nil {
		handlerOpts.Stream = stream.Stats
	}
	if recorder != nil {
		handlerOpts.Replay = server
	}
	mux := http.NewServeMux()
	mux.Handle(transport.Path, hub)
	httpapi.NewHandlerSet(handlerOpts).Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsEnabled := cfg.TLSCertPath != ""
	go func() {
		var err error
		if tlsEnabled {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.SetStartupError(err)
			logger.Error("http listener failed", logging.Error(err))
			stop()
		}
	}()
	opsURL, observerURL := listenerURLs(cfg.Address, tlsEnabled)
	logger.Info("server listening", logging.String("ops", opsURL), logging.String("observers", observerURL))

	if grpcServer != nil {
		listener, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddress, err)
		}
		go func() {
			if err := grpcServer.Serve(listener); err != nil {
				server.SetStartupError(err)
				logger.Error("grpc listener failed", logging.Error(err))
			}
		}()
		logger.Info("grpc snapshot stream listening", logging.String("address", listener.Addr().String()))
	}

	runErr := server.Run(ctx)

	//4.- Drain observers before the replay bundle is closed by the deferred calls.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	if grpcServer != nil {
		stream.Close()
		grpcServer.GracefulStop()
	}
	if runErr != nil {
		return runErr
	}
	return server.StartupError()
}
