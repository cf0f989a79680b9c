package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/push-agent/internal/auth"
	"github.com/alexjbarnes/push-agent/internal/config"
	"github.com/alexjbarnes/push-agent/internal/engine"
	apperrors "github.com/alexjbarnes/push-agent/internal/errors"
	"github.com/alexjbarnes/push-agent/internal/logging"
	"github.com/alexjbarnes/push-agent/internal/mcpserver"
	"github.com/alexjbarnes/push-agent/internal/metrics"
	"github.com/alexjbarnes/push-agent/internal/models"
	"github.com/alexjbarnes/push-agent/internal/pushapi"
	"github.com/alexjbarnes/push-agent/internal/server"
	"github.com/alexjbarnes/push-agent/internal/state"
	"github.com/alexjbarnes/push-agent/internal/stream"
)

var Version = "dev"

func main() {
	// Subcommands run before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-key":
			if err := hashKey(os.Stdin, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		case "messages":
			if err := dumpMessages(os.Stdout, os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey reads an API key from in and prints its bcrypt hash. An empty
// line generates a new key, which is printed to stderr.
func hashKey(in io.Reader, out io.Writer) error {
	fmt.Fprint(os.Stderr, "Enter API key (empty to generate): ")
	scanner := bufio.NewScanner(in)
	scanner.Scan()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading key: %w", err)
	}

	key := strings.TrimSpace(scanner.Text())
	if key == "" {
		key = auth.GenerateKey()
		fmt.Fprintf(os.Stderr, "\nkey: %s\n", key)
	}

	hash, err := auth.HashKey(key)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, hash)

	return nil
}

// dumpMessages prints the stored messages as YAML, optionally filtered
// by status.
func dumpMessages(out io.Writer, args []string) error {
	path := os.Getenv("STATE_PATH")
	if path == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	db, err := state.LoadAt(path)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer db.Close()

	var msgs []*models.Message

	if len(args) > 0 {
		status, perr := models.ParseClientStatus(args[0])
		if perr != nil {
			return perr
		}

		msgs, err = db.MessagesByStatus(status)
	} else {
		msgs, err = db.AllMessages()
	}

	if err != nil {
		return fmt.Errorf("reading messages: %w", err)
	}

	if msgs == nil {
		msgs = []*models.Message{}
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(msgs); err != nil {
		return fmt.Errorf("encoding messages: %w", err)
	}

	return enc.Close()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("push-agent starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("transport", cfg.StreamTransport),
		slog.Bool("control", cfg.EnableControl),
	)

	var db *state.State
	if cfg.StatePath != "" {
		db, err = state.LoadAt(cfg.StatePath)
	} else {
		db, err = state.Load()
	}
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := engine.New(engine.Config{
		Store:             db,
		ServerURL:         cfg.ServerURL,
		AppIdentifier:     cfg.AppIdentifier,
		Platform:          cfg.Platform,
		DeviceID:          cfg.DeviceID,
		HTTPClient:        pushapi.NewHTTPClient(cfg.HTTPTimeout),
		Transport:         newTransport(cfg),
		StreamReadTimeout: cfg.StreamReadTimeout,
		Identity: pushapi.Identity{
			UserID:   cfg.UserID,
			UserName: cfg.UserName,
			Email:    cfg.UserEmail,
		},
		SyncLimit:         cfg.SyncLimit,
		RetrySweepDelay:   cfg.RetrySweepDelay,
		Retention:         cfg.Retention,
		ReconnectInterval: cfg.ReconnectInterval,
		ConnectTimeout:    cfg.ConnectTimeout,
		AuthRecoveryDelay: cfg.AuthRecoveryDelay,
		WakeupInboxDir:    cfg.WakeupInboxDir,
		WakeupTokenFile:   cfg.WakeupTokenFile,
		Metrics:           metrics.New(reg),
		Listeners: engine.Listeners{
			OnSyncComplete: func(count int) {
				if count > 0 {
					logger.Info("offline messages synced", slog.Int("count", count))
				}
			},
			OnError: func(err *apperrors.Error) {
				if err.Kind == apperrors.KindReAuthenticationFailed {
					logger.Warn("session lost, waiting for the next login or wake-up token")
				}
			},
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	logger.Info("device", slog.String("device_id", eng.Device().ID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.EnableControl {
		g.Go(func() error {
			return runControl(gctx, cfg, eng, reg, logger)
		})
	}

	return g.Wait()
}

func newTransport(cfg *config.Config) stream.Transport {
	// Streams stay open, so they get a client without a request timeout.
	if cfg.StreamTransport == "websocket" {
		return pushapi.NewWSTransport(cfg.ServerURL, nil, cfg.StreamReadTimeout)
	}

	return pushapi.NewSSETransport(cfg.ServerURL, nil, cfg.StreamReadTimeout)
}

// runControl starts the control HTTP server.
func runControl(ctx context.Context, cfg *config.Config, eng *engine.Engine, reg *prometheus.Registry, logger *slog.Logger) error {
	keys, err := cfg.ParseControlAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing control API keys: %w", err)
	}

	controlLogger := logger.With(slog.String("service", "control"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "push-agent", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, eng)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Verifier:   auth.NewVerifier(keys),
		MCPHandler: mcpHandler,
		Gatherer:   reg,
		Logger:     controlLogger,
	})

	srv := &http.Server{
		Addr:         cfg.ControlListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	controlLogger.Info("starting control server",
		slog.String("listen", cfg.ControlListenAddr),
		slog.Int("keys", len(keys)),
	)

	go func() {
		<-ctx.Done()
		controlLogger.Info("shutting down control server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control server error: %w", err)
	}

	return nil
}
