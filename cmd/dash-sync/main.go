package main

import (
	"bufio"
	"context"
	"errors"
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
	"github.com/alexjbarnes/dash-sync/internal/identity"
	"github.com/alexjbarnes/dash-sync/internal/logging"
	"github.com/alexjbarnes/dash-sync/internal/mcpserver"
	"github.com/alexjbarnes/dash-sync/internal/remote"
	"github.com/alexjbarnes/dash-sync/internal/state"
	"github.com/alexjbarnes/dash-sync/internal/store"
	"github.com/alexjbarnes/dash-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// controlUser is the identity the local control surface runs under.
const controlUser = "local"

func main() {
	// Handle session subcommands before config loading; they only touch
	// the session file.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "login":
			exitOnError(login(os.Args[2:]))
			return
		case "logout":
			exitOnError(logout())
			return
		case "gen-key":
			fmt.Println(auth.GenerateAPIKey())
			return
		}
	}

	exitOnError(run())
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func sessionPath() (string, error) {
	if p := os.Getenv("DASH_SYNC_SESSION_PATH"); p != "" {
		return p, nil
	}

	return identity.DefaultPath()
}

// login signs this device in by writing the session file. A running
// daemon picks it up and starts syncing.
func login(args []string) error {
	if len(args) != 1 || args[0] == "" {
		return fmt.Errorf("usage: dash-sync login <user-id>")
	}

	fmt.Fprint(os.Stderr, "Enter API key: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return fmt.Errorf("no input")
	}

	key := strings.TrimSpace(scanner.Text())
	if err := auth.CheckAPIKeyFormat(key); err != nil {
		return err
	}

	path, err := sessionPath()
	if err != nil {
		return err
	}

	if err := identity.Write(path, identity.Identity{UserID: args[0], APIKey: key}); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "signed in as %s\n", args[0])

	return nil
}

// logout removes the session file. Local state is kept.
func logout() error {
	path, err := sessionPath()
	if err != nil {
		return err
	}

	if err := identity.Remove(path); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "signed out")

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("dash-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	deviceID, err := appState.DeviceID()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}

	stores := store.NewStores()
	if err := appState.Restore(stores); err != nil {
		logger.Warn("some saved state could not be restored", slog.String("error", err.Error()))
	}

	stopPersist := appState.Persist(stores, logger)
	defer stopPersist()

	manager := syncer.NewManager(syncer.ManagerConfig{
		DeviceID: deviceID,
		Stores:   stores,
		Logger:   logger,
		NewGateway: func(id *identity.Identity) (remote.Gateway, error) {
			return remote.NewHTTPGateway(remote.HTTPConfig{
				BaseURL:  cfg.ServerURL,
				APIKey:   id.APIKey,
				DeviceID: deviceID,
				Timeout:  cfg.RequestTimeout,
			}, logger), nil
		},
		Debounce:     cfg.Debounce,
		PollInterval: cfg.PollInterval,
		FlushTimeout: cfg.FlushTimeout,
		OnStatus: func(st syncer.Status) {
			if st.SyncError != nil {
				logger.Debug("sync status", slog.Bool("syncing", st.Syncing), slog.String("error", st.SyncError.Error()))
			}
		},
	})

	logger.Info("device ready", slog.String("device_id", deviceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		watcher := identity.NewWatcher(cfg.SessionPath, logger)
		return watcher.Watch(gctx, func(id *identity.Identity) {
			if err := manager.HandleIdentity(gctx, id); err != nil {
				logger.Warn("sync session setup failed", slog.String("error", err.Error()))
			}
		})
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, manager, stores, logger)
		})
	}

	err = g.Wait()

	// Push whatever the last debounce window held before exiting.
	manager.Close(context.Background())

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// runMCP serves the control surface over streamable HTTP.
func runMCP(ctx context.Context, cfg *config.Config, manager *syncer.Manager, stores *store.Stores, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "dash-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, manager, stores)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	authMiddleware := auth.Middleware(auth.StaticKey{Key: cfg.MCPAPIKey, UserID: controlUser}, mcpLogger)

	mux := http.NewServeMux()
	mux.Handle("/mcp", authMiddleware(mcpHandler))

	server := &http.Server{
		Addr:              cfg.MCPListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
