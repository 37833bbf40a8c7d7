package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sbtgate/core/events"
	"sbtgate/native/credential"
	"sbtgate/observability"
	"sbtgate/observability/logging"
	telemetry "sbtgate/observability/otel"
	"sbtgate/services/credentiald/config"
	"sbtgate/services/credentiald/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/credentiald/config.yaml", "path to credentiald configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("credentiald: load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv(telemetry.EnvironmentVar))
	logger := logging.SetupWithOptions(logging.Options{
		Service:    telemetry.DefaultServiceName,
		Env:        env,
		Level:      parseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv())
	if err != nil {
		log.Fatalf("credentiald: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	state, closer, err := openState(cfg)
	if err != nil {
		log.Fatalf("credentiald: %v", err)
	}
	defer closer.Close()

	settle, err := openSettlement(cfg.Settlement)
	if err != nil {
		log.Fatalf("credentiald: %v", err)
	}
	custody, err := cfg.Settlement.CustodyIdentity()
	if err != nil {
		log.Fatalf("credentiald: custody: %v", err)
	}

	stream := events.NewBroadcaster(cfg.Stream.History)
	engine, err := credential.NewEngine(state, settle,
		credential.WithEmitter(events.MultiEmitter{stream, observability.Events()}),
		credential.WithLogger(logger.With("component", "credential")),
		credential.WithRecorder(observability.CredentialMetrics()),
		credential.WithCustody(credential.Identity(custody)),
		credential.WithSettlementTimeout(cfg.Settlement.Timeout.Duration),
	)
	if err != nil {
		log.Fatalf("credentiald: build engine: %v", err)
	}

	auth := server.NewAuthenticator(server.AuthConfig{
		JWTSecret:     cfg.Auth.JWTSecret,
		Issuer:        cfg.Auth.JWTIssuer,
		Audience:      cfg.Auth.JWTAudience,
		SignatureSkew: cfg.Auth.SignatureSkew.Duration,
	})
	srv, err := server.New(server.Config{
		ListenAddress:  cfg.ListenAddress,
		AllowedOrigins: cfg.Stream.AllowedOrigins,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, engine, auth, stream, logger)
	if err != nil {
		log.Fatalf("credentiald: build server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("credentiald: server error: %v", err)
	}
}
