package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/auth"
	"github.com/alexjbarnes/dash-sync/internal/config"
	"github.com/alexjbarnes/dash-sync/internal/docstore"
	"github.com/alexjbarnes/dash-sync/internal/logging"
	"github.com/alexjbarnes/dash-sync/internal/server"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey reads an API key from stdin, or generates one when the input
// is empty, and prints the bcrypt hash for DASH_SYNC_API_KEYS.
func hashKey() {
	fmt.Fprint(os.Stderr, "Enter API key (empty to generate one): ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()

	key := strings.TrimSpace(scanner.Text())
	if key == "" {
		key = auth.GenerateAPIKey()
		fmt.Fprintf(os.Stderr, "API key: %s\n", key)
	}

	if err := auth.CheckAPIKeyFormat(key); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	keys, err := cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing API keys: %w", err)
	}

	logger.Info("dash-sync-server starting",
		slog.String("version", Version),
		slog.String("backend", cfg.Backend),
		slog.Int("api_keys", len(keys)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ds := docstore.New(backend, logger)
	defer ds.Close()

	router := server.NewRouter(server.RouterConfig{
		Store:        ds,
		Auth:         auth.NewKeyStore(keys),
		Logger:       logger,
		MaxBodyBytes: cfg.MaxBodyBytes,
		PingInterval: cfg.PingInterval,
	})

	// No write timeout: change feeds are long-lived responses.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (docstore.Backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		b, err := docstore.OpenPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}

		return b, nil
	default:
		b, err := docstore.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("opening bolt: %w", err)
		}

		logger.Info("using bolt backend", slog.String("path", cfg.BoltPath))

		return b, nil
	}
}
