package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tranhoangtu-it/silentclaw/internal/gateway"
	"github.com/tranhoangtu-it/silentclaw/internal/hooks"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket gateway",
	Long: `serve starts the session gateway. Sessions are created and
messaged over HTTP; events stream over WebSocket. The config file is
watched and hot-reloaded while the server runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(configPath, logger)
		if err != nil {
			return err
		}
		defer a.close()

		cfg := a.cfgMgr.Current()
		listen := cfg.Gateway.Listen
		if serveListen != "" {
			listen = serveListen
		}

		manager := gateway.NewManager(a.newLoop, a.hooks, logger)
		manager.StartReaper(ctx)
		defer manager.Stop()

		server := gateway.NewServer(manager, gateway.ServerConfig{
			Listen:          listen,
			AuthToken:       cfg.Gateway.AuthToken,
			RateLimitPerMin: cfg.Gateway.RateLimitPerMin,
		}, logger)

		// Config watch runs alongside the server; reloads fire the
		// config_reloaded hook.
		go func() {
			if err := a.cfgMgr.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
		go func() {
			reloads := a.cfgMgr.Subscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-reloads:
					_ = a.hooks.Fire(ctx, hooks.Event{
						Kind: hooks.ConfigReloaded,
						Data: map[string]any{"success": ev.Success, "reason": ev.Reason},
					})
				}
			}
		}()

		// Memory auto-reindex if enabled.
		if cfg.Memory.Enabled {
			store, _, indexer, err := openMemory(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			go func() {
				if _, err := indexer.IndexWorkspace(ctx); err != nil {
					logger.Warn("initial index failed", zap.Error(err))
				}
				if cfg.Memory.AutoReindex {
					if err := indexer.Watch(ctx); err != nil && ctx.Err() == nil {
						logger.Warn("index watch stopped", zap.Error(err))
					}
				}
			}()
		}

		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()
		logger.Info("gateway listening", zap.String("addr", listen))

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
}
