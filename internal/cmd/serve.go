package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"orchestra/internal/agent"
	"orchestra/internal/batch"
	"orchestra/internal/config"
	"orchestra/internal/groupchat"
	"orchestra/internal/notify"
	"orchestra/internal/parser"
	"orchestra/internal/process"
	"orchestra/internal/realtime"
	"orchestra/internal/session"
	"orchestra/internal/store"
	"orchestra/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket server",
	Long: `Start the orchestra server.

Sessions saved by a previous run are restored and respawned. The
config file is watched and its agent definitions are reloaded on change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config and PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	path := resolvedConfigPath()

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	catalog, err := agent.NewCatalog(cfg.Agents...)
	if err != nil {
		return err
	}

	bus := notify.NewBus()
	procs := process.NewManager(catalog, parser.NewRegistry(), logger)
	history := store.NewHistoryStore(cfg.DataDir)

	sessions := session.NewMachine(session.Config{
		Runner:      procs,
		Catalog:     catalog,
		Bus:         bus,
		Store:       store.NewSessionStore(cfg.DataDir),
		Shell:       cfg.Shell,
		MaxSessions: cfg.Server.MaxSessions,
		Logger:      logger,
	})
	if err := sessions.Restore(); err != nil {
		logger.Warn("restore sessions", "error", err)
	}

	batches := batch.NewController(batch.Config{
		Runner:   procs,
		Catalog:  catalog,
		Sessions: sessions.Registry(),
		History:  history,
		Bus:      bus,
		Logger:   logger,
	})

	chatStore := groupchat.NewStorage(cfg.DataDir)
	chats := groupchat.NewManager(groupchat.Config{
		Runner:  procs,
		Catalog: catalog,
		Store:   chatStore,
		Bus:     bus,
		Logger:  logger,
	})

	rt := realtime.New(realtime.Config{
		Sessions:  sessions,
		Batch:     batches,
		Chats:     chats,
		ChatStore: chatStore,
		History:   history,
		Catalog:   catalog,
		Bus:       bus,
		Backlog:   procs,
		StaticDir: cfg.Server.StaticDir,
		Logger:    logger,
	})

	configWatch := watcher.New(logger)
	err = configWatch.Watch(path, func(string) {
		n, err := config.ReloadAgents(catalog, path)
		if err != nil {
			logger.Warn("config reload rejected", "path", path, "error", err)
			return
		}
		logger.Info("agents reloaded", "path", path, "configured", n)
	})
	if err != nil {
		logger.Warn("config watch disabled", "path", path, "error", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("orchestra server running", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port), "data_dir", cfg.DataDir)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	configWatch.Shutdown()
	rt.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	chats.Shutdown()
	procs.Shutdown(shutdownCtx)
	chats.Close()
	batches.Close()
	sessions.Close()
	bus.Close()
	return nil
}
