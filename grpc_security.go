package main

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	configpkg "wandersync/internal/config"
	grpcstream "wandersync/internal/grpc"
	"wandersync/internal/logging"
)

// configureGRPCSecurity turns the configured auth mode into server options
// for the snapshot stream listener.
func configureGRPCSecurity(cfg *configpkg.Config, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if cfg == nil {
		return nil, errors.New("grpc config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	mode := cfg.GRPCAuthMode
	if mode == "" {
		mode = configpkg.GRPCAuthModeNone
	}
	log := logger.With(logging.Transport("grpc"), logging.String("auth_mode", string(mode)))

	switch mode {
	case configpkg.GRPCAuthModeNone:
		log.Warn("gRPC snapshot stream accepts unauthenticated subscribers")
		return nil, nil
	case configpkg.GRPCAuthModeMTLS:
		creds, err := loadMTLSCredentials(cfg.GRPCServerCertPath, cfg.GRPCServerKeyPath, cfg.GRPCClientCAPath)
		if err != nil {
			return nil, err
		}
		log.Info("gRPC subscribers must present a client certificate")
		return []grpc.ServerOption{grpc.Creds(creds)}, nil
	case configpkg.GRPCAuthModeSharedSecret:
		guard := newSubscriberGuard(cfg.GRPCSharedSecret, log)
		log.Info("gRPC subscribers must present the shared secret")
		return []grpc.ServerOption{grpc.ChainStreamInterceptor(guard.intercept)}, nil
	default:
		return nil, fmt.Errorf("unsupported grpc auth mode %q", cfg.GRPCAuthMode)
	}
}

// subscriberGuard admits snapshot subscribers that present the shared secret.
type subscriberGuard struct {
	secret []byte
	log    *logging.Logger
}

func newSubscriberGuard(secret string, logger *logging.Logger) *subscriberGuard {
	if logger == nil {
		logger = logging.L()
	}
	return &subscriberGuard{secret: []byte(strings.TrimSpace(secret)), log: logger}
}

func (g *subscriberGuard) intercept(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := g.authenticate(ss.Context()); err != nil {
		fields := []logging.Field{logging.String("method", info.FullMethod), logging.Error(err)}
		if p, ok := peer.FromContext(ss.Context()); ok && p.Addr != nil {
			fields = append(fields, logging.Peer(p.Addr.String()))
		}
		g.log.Warn("subscriber rejected", fields...)
		return status.Error(codes.Unauthenticated, err.Error())
	}
	return handler(srv, ss)
}

func (g *subscriberGuard) authenticate(ctx context.Context) error {
	if len(g.secret) == 0 {
		return errors.New("shared secret not configured")
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return errors.New("missing metadata")
	}
	candidate := extractSharedSecret(md)
	if candidate == "" {
		return errors.New("missing shared secret")
	}
	if subtle.ConstantTimeCompare([]byte(candidate), g.secret) != 1 {
		return errors.New("invalid shared secret")
	}
	return nil
}

// extractSharedSecret reads the dedicated metadata key first and falls back
// to an "authorization: Bearer" entry.
func extractSharedSecret(md metadata.MD) string {
	for _, value := range md.Get(grpcstream.SharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		scheme, token, found := strings.Cut(strings.TrimSpace(value), " ")
		if found && strings.EqualFold(scheme, "bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return ""
}

func loadMTLSCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	caBundle, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	clientCAs := x509.NewCertPool()
	if !clientCAs.AppendCertsFromPEM(caBundle) {
		return nil, errors.New("client ca bundle holds no certificates")
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    clientCAs,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
