// Changefeed Hub
//
// Features:
// - File change ingestion with per-project sequence numbers (memory or PostgreSQL)
// - WebSocket fan-out to project rooms
// - Optional NATS relay between hub instances
// - Snapshot progress polling and SSE streaming
// - Presigned S3 snapshot URLs
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/api"
	"github.com/fruitsalade/changefeed/internal/auth"
	"github.com/fruitsalade/changefeed/internal/config"
	"github.com/fruitsalade/changefeed/internal/eventlog"
	"github.com/fruitsalade/changefeed/internal/events"
	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/metrics"
	"github.com/fruitsalade/changefeed/internal/progress"
	"github.com/fruitsalade/changefeed/internal/ratelimit"
	"github.com/fruitsalade/changefeed/internal/snapshot"
	"github.com/fruitsalade/changefeed/pkg/retry"
)

func main() {
	cfg, err := config.LoadHub()
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logging.Info("changefeed hub starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eventLog, err := openEventLog(ctx, cfg)
	if err != nil {
		logging.Fatal("event log init failed", zap.Error(err))
	}
	defer eventLog.Close()

	hub := events.NewHub(nil, logging.L())

	// Cross-instance relay (optional)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("changefeed-hub"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logging.Warn("nats disconnected", zap.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logging.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			}),
		)
		if err != nil {
			logging.Fatal("nats connection failed", zap.Error(err))
		}
		defer nc.Close()

		relay := events.NewRelay(nc, cfg.NATSSubject, hub, logging.L())
		if err := relay.Start(); err != nil {
			logging.Fatal("relay start failed", zap.Error(err))
		}
		defer relay.Close()
		logging.Info("nats relay started", zap.String("subject", cfg.NATSSubject))
	}

	// Snapshot presigner (optional)
	var snapshots api.SnapshotSigner
	if cfg.S3Bucket != "" {
		p, err := snapshot.New(ctx, snapshot.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			TTL:       cfg.SnapshotURLTTL,
		})
		if err != nil {
			logging.Fatal("snapshot presigner init failed", zap.Error(err))
		}
		if err := p.CheckBucket(ctx); err != nil {
			logging.Warn("snapshot bucket not reachable", zap.String("bucket", cfg.S3Bucket), zap.Error(err))
		}
		snapshots = p
	}

	// Auth (optional)
	oidcVerifier, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
	if err != nil {
		logging.Fatal("OIDC verifier init failed", zap.Error(err))
	}
	authHandler := auth.New(cfg.JWTSecret, oidcVerifier)
	if !authHandler.Enabled() {
		logging.Warn("authentication disabled; set JWT_SECRET or OIDC_ISSUER_URL")
	}

	tracker := progress.NewTracker(nil)
	go expireProgress(ctx, tracker, cfg.ProgressRetention)

	var limiter *ratelimit.Limiter
	if cfg.IngestRatePerMinute > 0 {
		limiter = ratelimit.New(cfg.IngestRatePerMinute, nil)
		go cleanupLimiter(ctx, limiter)
		logging.Info("ingestion rate limit enabled", zap.Int("per_minute", cfg.IngestRatePerMinute))
	}

	srv := api.NewServer(api.Deps{
		Hub:            hub,
		Log:            eventLog,
		Tracker:        tracker,
		Snapshots:      snapshots,
		IngestLimiter:  limiter,
		Auth:           authHandler,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logging.L(),
	})

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		// Hijacked websocket connections are not tracked by Shutdown.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("hub listening", zap.String("addr", cfg.ListenAddr), zap.Bool("auth", authHandler.Enabled()))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("hub stopped")
}

// openEventLog connects to PostgreSQL when configured, otherwise keeps the
// log in memory.
func openEventLog(ctx context.Context, cfg *config.Hub) (eventlog.Log, error) {
	if cfg.DatabaseURL == "" {
		logging.Info("using in-memory event log")
		return eventlog.NewMemory(nil, eventlog.DefaultRetain), nil
	}

	logging.Info("connecting to PostgreSQL...")
	pg, err := eventlog.OpenPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	// The database often starts alongside the hub.
	wait := retry.Config{MaxAttempts: 10, InitialWait: 500 * time.Millisecond, MaxWait: 5 * time.Second, Multiplier: 2}
	err = retry.Do(ctx, wait, func() error {
		if err := pg.Ping(ctx); err != nil {
			logging.Warn("database not ready", zap.Error(err))
			return retry.Retryable(err)
		}
		return nil
	})
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	logging.Info("running migrations...")
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return pg, nil
}

func expireProgress(ctx context.Context, tracker *progress.Tracker, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(min(retention, time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := tracker.Expire(retention); n > 0 {
				logging.Debug("expired progress entries", zap.Int("count", n))
			}
		}
	}
}

func cleanupLimiter(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Cleanup(10 * time.Minute)
		}
	}
}

// issueToken prints a signed bearer token for agents and the snapshot engine.
func issueToken(cfg *config.Hub, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "user ID placed in the token")
	username := fs.String("name", "", "display name placed in the token")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if *userID == "" {
		return errors.New("-user is required")
	}
	if *username == "" {
		*username = *userID
	}

	token, expires, err := auth.New(cfg.JWTSecret, nil).IssueToken(*userID, *username, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintln(os.Stderr, "expires:", expires.Format(time.RFC3339))
	return nil
}
