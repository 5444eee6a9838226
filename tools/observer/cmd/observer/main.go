package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wandersync/internal/auth"
	configpkg "wandersync/internal/config"
	grpcstream "wandersync/internal/grpc"
	"wandersync/internal/logging"
	"wandersync/internal/reconcile"
	"wandersync/internal/transport"
	"wandersync/tools/observer"
)

const frameRate = 60

// connection is the observer-side transport: dial once, then poll.
type connection interface {
	transport.Source
	Close() error
}

func main() {
	addr := flag.String("addr", "localhost:"+transport.DefaultPort, "Server address (host[:port] or ws:// URL; host:port of the gRPC listener with -transport grpc)")
	mode := flag.String("transport", "ws", "Observer transport: ws or grpc")
	id := flag.String("id", "", "Observer name presented to the server")
	secret := flag.String("secret", "", "Observer token secret for ws, shared secret for grpc")
	summary := flag.Duration("summary", 5*time.Second, "Interval between summary log lines")
	duration := flag.Duration("duration", 0, "Stop after this long; zero runs until interrupted")
	level := flag.String("log-level", configpkg.DefaultLogLevel, "Log level")
	flag.Parse()

	logger, err := logging.New(configpkg.LoggingConfig{Level: *level}, "wandersync-observer")
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	name := strings.TrimSpace(*id)
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = fmt.Sprintf("%s-%d", host, os.Getpid())
		} else {
			name = fmt.Sprintf("observer-%d", os.Getpid())
		}
	}

	conn, err := dial(*mode, *addr, name, *secret, logger)
	if err != nil {
		logger.Error("unable to start connection", logging.Error(err))
		os.Exit(2)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	reconciler := reconcile.NewReconciler(reconcile.DefaultConfig())
	runner := observer.NewRunner(conn, reconciler, logger)
	run(ctx, runner, reconciler, *summary, logger)
}

func dial(mode, addr, name, secret string, logger *logging.Logger) (connection, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "ws", "websocket":
		header := http.Header{}
		if strings.TrimSpace(secret) != "" {
			issuer, err := auth.NewHMACTokenIssuer(secret)
			if err != nil {
				return nil, err
			}
			token, err := issuer.Issue(name, "wandersync-observer", time.Hour)
			if err != nil {
				return nil, err
			}
			header.Set(transport.AuthTokenHeader, token)
		}
		connector := transport.NewConnector(transport.ConnectorOptions{Header: header, Logger: logger})
		if err := connector.Connect(addr); err != nil {
			return nil, err
		}
		return connector, nil
	case "grpc":
		subscriber := grpcstream.NewSubscriber(grpcstream.SubscriberOptions{
			ObserverID:   name,
			SharedSecret: secret,
			Logger:       logger,
		})
		if err := subscriber.Connect(addr); err != nil {
			return nil, err
		}
		return subscriber, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", mode)
	}
}

func run(ctx context.Context, runner *observer.Runner, reconciler *reconcile.Reconciler, every time.Duration, logger *logging.Logger) {
	frames := time.NewTicker(time.Second / frameRate)
	defer frames.Stop()
	var summaries <-chan time.Time
	if every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		summaries = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logSummary(logger, "observer stopped", runner, reconciler)
			return
		case <-frames.C:
			//1.- Keep framing while disconnected; only the host ends the loop.
			runner.Frame()
		case <-summaries:
			logSummary(logger, "observer summary", runner, reconciler)
		}
	}
}

func logSummary(logger *logging.Logger, message string, runner *observer.Runner, reconciler *reconcile.Reconciler) {
	stats := runner.Stats()
	sync := reconciler.Stats()
	logger.Info(message,
		logging.Bool("connected", runner.Connected()),
		logging.String("state", reconciler.State().String()),
		logging.Int("entities", len(reconciler.Display())),
		logging.Int("frames", stats.Frames),
		logging.Int("snapshots", sync.Snapshots),
		logging.Int("rejected", sync.Rejected),
		logging.Int("snaps", sync.Snaps),
		logging.Int("teleports", sync.Teleports),
	)
}
