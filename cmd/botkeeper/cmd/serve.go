package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/botkeeper"
	"github.com/GoCodeAlone/botkeeper/api"
	"github.com/GoCodeAlone/botkeeper/config"
	"github.com/GoCodeAlone/botkeeper/transport"
	"github.com/GoCodeAlone/botkeeper/transport/loopback"
	"github.com/GoCodeAlone/botkeeper/transport/telegram"
)

const fallbackShutdownTimeout = 30 * time.Second

// serveOptions are the serve flags.
type serveOptions struct {
	host string
	port int
}

// NewServeCommand creates the serve command
func NewServeCommand(configPath *string) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the configured applications and serve the control API",
		Long: `Serve loads every configured application, starts those marked auto_start
and serves the HTTP control API until interrupted. On shutdown every
application is stopped and torn down.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath, opts, newLoggers(cmd.ErrOrStderr()))
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "listen host; overrides the configured host")
	cmd.Flags().IntVar(&opts.port, "port", 0, "listen port; overrides the configured port")
	return cmd
}

func serve(ctx context.Context, configPath string, opts *serveOptions, logs *loggers) error {
	store, err := config.Open(configPath)
	if err != nil {
		return err
	}
	settings := store.Settings()
	logs.apply(settings)

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	mux := transport.NewMux()
	mux.Register(telegram.Name, telegram.Dialer{})
	mux.Register(loopback.Name, loopback.NewNetwork())

	manager, err := botkeeper.NewManager(store, reg, mux,
		botkeeper.WithLogger(logs.Local),
		botkeeper.WithSettingsHook(logs.apply),
	)
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := boot(ctx, manager, logs); err != nil {
		_ = manager.Close(context.Background())
		return err
	}

	var watcher *config.Watcher
	if settings.WatchConfig {
		watcher = config.NewWatcher(store.Path(), func(ctx context.Context) {
			logs.Global.Info("configuration changed on disk, reloading", "path", store.Path())
			report, err := manager.ReloadAll(ctx)
			if err != nil {
				logs.Global.Error("reload failed", "error", err)
				return
			}
			if err := report.Err(); err != nil {
				logs.Global.Warn("reload finished with failures", "error", err)
			}
		}, config.WithWatchLogger(logs.Global), config.WithIgnore(store.WrittenByStore))
		if err := watcher.Start(ctx); err != nil {
			logs.Global.Warn("configuration watch disabled", "error", err)
			watcher = nil
		}
	}

	host, port := settings.Host, settings.Port
	if opts.host != "" {
		host = opts.host
	}
	if opts.port != 0 {
		port = opts.port
	}
	server := api.New(manager,
		api.WithLogger(logs.Local),
		api.WithAccessLogger(logs.Web),
		api.WithRegistry(manager.Metrics().Registry()),
		api.WithShutdown(cancel),
	)
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logs.Global.Info("control API listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	timeout := settings.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = fallbackShutdownTimeout
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), timeout)
	defer cancelShutdown()

	logs.Global.Info("shutting down")
	if watcher != nil {
		watcher.Stop()
	}
	if sErr := httpServer.Shutdown(shutdownCtx); sErr != nil {
		logs.Global.Warn("control API did not shut down cleanly", "error", sErr)
	}
	if cErr := manager.Close(shutdownCtx); cErr != nil {
		logs.Global.Warn("applications did not shut down cleanly", "error", cErr)
	}
	if err != nil {
		return fmt.Errorf("serve control API: %w", err)
	}
	return nil
}

// boot loads every application and starts the auto_start ones. Individual
// failures are logged; only an unusable manager stops the process.
func boot(ctx context.Context, manager *botkeeper.Manager, logs *loggers) error {
	loaded, err := manager.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load applications: %w", err)
	}
	for id, failure := range loaded.Failed {
		logs.Local.Error("application failed to load", "app", id, "error", failure)
	}

	started, err := manager.StartAutostart(ctx)
	if err != nil {
		return fmt.Errorf("start applications: %w", err)
	}
	for id, failure := range started.Failed {
		logs.Local.Error("application failed to start", "app", id, "error", failure)
	}
	logs.Global.Info("applications ready", "loaded", len(loaded.Succeeded), "started", len(started.Succeeded))
	return nil
}
