// Changefeed Agent
//
// Client side of the changefeed hub:
// - Watches a project directory and posts classified changes for ingestion
// - Follows project events over a reconnecting websocket
// - Follows snapshot progress over SSE with polling fallback
//
// Sub-commands:
//
//	changefeed-agent watch [flags]     Watch a directory and ingest changes
//	changefeed-agent listen [flags]    Print project events
//	changefeed-agent progress [flags]  Print snapshot progress until it finishes
//	changefeed-agent run [flags]       watch + listen
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/changefeed/internal/config"
	"github.com/fruitsalade/changefeed/internal/hashcache"
	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/watcher"
	"github.com/fruitsalade/changefeed/pkg/client"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var run func(context.Context, *config.Agent) error
	switch cmd {
	case "watch":
		run = cmdWatch
	case "listen":
		run = cmdListen
	case "progress":
		run = cmdProgress
	case "run":
		run = cmdRun
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want watch, listen, progress or run)\n", cmd)
		os.Exit(2)
	}

	cfg, err := loadConfig(cmd, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintln(os.Stderr, "logging init error:", err)
		os.Exit(1)
	}
	defer logging.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("agent stopped", zap.String("command", cmd), zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

// loadConfig reads the environment and lets flags override it.
func loadConfig(cmd string, args []string) (*config.Agent, error) {
	cfg, err := config.LoadAgent()
	if err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	fs.StringVar(&cfg.HubURL, "hub", cfg.HubURL, "Hub base URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Bearer token")
	fs.StringVar(&cfg.ProjectID, "project", cfg.ProjectID, "Project ID (required)")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "User ID sent when subscribing")
	fs.StringVar(&cfg.WatchRoot, "root", cfg.WatchRoot, "Directory to watch")
	fs.DurationVar(&cfg.Debounce, "debounce", cfg.Debounce, "Per-file quiet period")
	fs.DurationVar(&cfg.BatchWindow, "batch", cfg.BatchWindow, "Group changes classified within this window")
	fs.BoolVar(&cfg.InitialScan, "initial-scan", cfg.InitialScan, "Record existing files without reporting them")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Parse(args)

	if cfg.ProjectID == "" {
		return nil, errors.New("project ID is required (-project or PROJECT_ID)")
	}
	if (cmd == "watch" || cmd == "run") && cfg.WatchRoot == "" {
		return nil, errors.New("watch root is required (-root or WATCH_ROOT)")
	}
	return cfg, nil
}

func newClient(cfg *config.Agent) *client.Client {
	return client.New(client.Config{
		BaseURL:   cfg.HubURL,
		AuthToken: cfg.Token,
		Logger:    logging.L(),
	})
}

// ─── watch ──────────────────────────────────────────────────────────────────

func cmdWatch(ctx context.Context, cfg *config.Agent) error {
	hc := newClient(cfg)
	if err := hc.Ping(ctx); err != nil {
		// Ingestion drops batches while the hub is away; keep watching.
		logging.Warn("hub not reachable", zap.String("hub", hc.BaseURL()), zap.Error(err))
	}

	w, err := watcher.New(cfg.WatchRoot, watcher.Options{
		Debounce:      cfg.Debounce,
		HashAlgorithm: hashcache.Algorithm(cfg.HashAlgorithm),
		Ignore:        cfg.Ignore,
		BatchWindow:   cfg.BatchWindow,
		InitialScan:   cfg.InitialScan,
		Logger:        logging.L(),
	})
	if err != nil {
		return err
	}
	err = w.Start(ctx, func(batch []protocol.FileChange) {
		hc.Ingest(ctx, cfg.ProjectID, batch)
	})
	if err != nil {
		return err
	}
	defer w.Stop()

	<-ctx.Done()
	logging.Info("watcher stopping", zap.Int("cached_files", w.Cache().Len()))
	return ctx.Err()
}

// ─── listen ─────────────────────────────────────────────────────────────────

func cmdListen(ctx context.Context, cfg *config.Agent) error {
	hc := newClient(cfg)
	wsURL, err := hc.WebSocketURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	rc, err := client.NewResilientConsumer(client.ResilientOptions{
		URL:    wsURL,
		Header: header,
		Logger: logging.L(),
	})
	if err != nil {
		return err
	}
	defer rc.Disconnect()

	rc.Subscribe(cfg.ProjectID, cfg.UserID)
	if err := rc.Connect(ctx); err != nil {
		logging.Warn("initial connect failed, retrying", zap.Error(err))
	}

	out := json.NewEncoder(os.Stdout)
	gaveUp := make(chan struct{})
	var gaveUpOnce sync.Once
	handlers := client.Handlers{
		Connected: func() {
			logging.Info("connected", zap.String("hub", wsURL))
		},
		Disconnected: func(err error) {
			logging.Warn("disconnected", zap.Error(err))
		},
		Reconnecting: func(attempt int, delay time.Duration) {
			logging.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		},
		ReconnectFailed: func() {
			logging.Error("giving up on the hub")
			gaveUpOnce.Do(func() { close(gaveUp) })
		},
		Error: func(err error) {
			logging.Debug("connection error", zap.Error(err))
		},
		ByType: map[string]func(protocol.Envelope){
			protocol.TypeProjectEvent: func(env protocol.Envelope) {
				var msg protocol.ProjectEventMessage
				if err := env.Decode(&msg); err != nil {
					logging.Warn("undecodable event", zap.Error(err))
					return
				}
				out.Encode(msg.Event)
			},
			protocol.TypeAck: func(env protocol.Envelope) {
				var ack protocol.Ack
				env.Decode(&ack)
				if !ack.Success {
					logging.Error("subscription rejected", zap.String("message", ack.Message))
				}
			},
		},
	}

	listenCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-gaveUp:
			stop()
		case <-listenCtx.Done():
		}
	}()
	rc.Listen(listenCtx, handlers)

	if ctx.Err() == nil {
		return errors.New("hub unreachable after repeated reconnects")
	}
	return ctx.Err()
}

// ─── progress ───────────────────────────────────────────────────────────────

func cmdProgress(ctx context.Context, cfg *config.Agent) error {
	p := client.NewProgressConsumer(newClient(cfg), client.ProgressOptions{Logger: logging.L()})
	out := json.NewEncoder(os.Stdout)

	var (
		mu   sync.Mutex
		last protocol.ProgressEvent
	)
	err := p.Start(cfg.ProjectID,
		func(ev protocol.ProgressEvent) {
			mu.Lock()
			last = ev
			mu.Unlock()
			out.Encode(ev)
		},
		func(err error) {
			logging.Debug("progress error", zap.Error(err))
		},
		func(status string) {
			logging.Info("progress connection", zap.String("status", status))
		},
	)
	if err != nil {
		return err
	}
	defer p.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.Done():
	}
	mu.Lock()
	defer mu.Unlock()
	if last.Step == protocol.StepFailed {
		return fmt.Errorf("snapshot failed: %s", last.Error)
	}
	return nil
}

// ─── run ────────────────────────────────────────────────────────────────────

func cmdRun(ctx context.Context, cfg *config.Agent) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cmdWatch(ctx, cfg) })
	g.Go(func() error { return cmdListen(ctx, cfg) })
	return g.Wait()
}
