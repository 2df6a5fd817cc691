package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/halo/internal/api"
	"github.com/oriys/halo/internal/cache"
	"github.com/oriys/halo/internal/connectivity"
	"github.com/oriys/halo/internal/lifecycle"
	"github.com/oriys/halo/internal/logging"
	"github.com/oriys/halo/internal/metrics"
	"github.com/oriys/halo/internal/observability"
	"github.com/oriys/halo/internal/remote"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr string
		identity string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run as daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if identity != "" {
				cfg.Lifecycle.Identity = identity
			}
			if cfg.Remote.BaseURL == "" {
				return errors.New("remote.base_url is required to run the daemon")
			}

			if err := logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}
			defer logging.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Metrics.Namespace, cfg.Metrics.Buckets)
			}
			if err := observability.Init(ctx, cfg.Tracing); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				observability.Shutdown(shutdownCtx)
			}()

			policy, err := cfg.Freshness.Policy()
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			prober, closeProber, err := newProber(cfg)
			if err != nil {
				return err
			}
			defer closeProber()

			conn := connectivity.New(connectivity.Config{
				Prober:         prober,
				Interval:       cfg.Connectivity.Interval,
				Timeout:        cfg.Connectivity.Timeout,
				ReprobeDelay:   cfg.Connectivity.ReprobeDelay,
				InitialOffline: !cfg.Connectivity.InitialOnline,
			})
			defer conn.Close()

			binder, err := lifecycle.NewBinder(ctx, lifecycle.Options{
				Policy:             policy,
				Store:              store,
				Connectivity:       conn,
				Fetcher:            remote.NewHTTPFetcher(cfg.Remote.BaseURL, cfg.Remote.Timeout),
				AllowedRoots:       cfg.Persistence.AllowedRoots,
				Debounce:           cfg.Persistence.Debounce,
				MaxAge:             cfg.Persistence.MaxAge,
				RefreshConcurrency: cfg.Lifecycle.RefreshConcurrency,
			})
			if err != nil {
				return err
			}
			if cfg.Lifecycle.Identity != "" {
				if _, err := binder.SetIdentity(ctx, cfg.Lifecycle.Identity); err != nil {
					binder.Close(context.Background())
					return err
				}
			}

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				conn.Run(ctx)
			}()
			go func() {
				defer wg.Done()
				binder.Run(ctx)
			}()

			var invalidator *cache.Invalidator
			if cfg.Lifecycle.InvalidationPubSub {
				client := redis.NewClient(&redis.Options{
					Addr:     cfg.Storage.Redis.Addr,
					Password: cfg.Storage.Redis.Password,
					DB:       cfg.Storage.Redis.DB,
				})
				defer client.Close()
				invalidator = cache.NewInvalidator(binder, client, "")
				defer invalidator.Close()
				wg.Add(1)
				go func() {
					defer wg.Done()
					invalidator.Start(ctx)
				}()
			}

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
					Binder:      binder,
					Conn:        conn,
					Store:       store,
					Invalidator: invalidator,
				})
			}

			logging.Op().Info("halo daemon started",
				"http", cfg.Daemon.HTTPAddr,
				"storage", cfg.Storage.Backend,
				"identity_hash", logging.IdentityHash(cfg.Lifecycle.Identity),
				"online", conn.Online())

			<-ctx.Done()
			logging.Op().Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if httpServer != nil {
				httpServer.Shutdown(shutdownCtx)
			}
			if invalidator != nil {
				invalidator.Close()
			}
			wg.Wait()
			if err := binder.Close(shutdownCtx); err != nil {
				logging.Op().Error("binder close failed", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address (overrides daemon.http_addr)")
	cmd.Flags().StringVar(&identity, "identity", "", "Identity to bind at startup")

	return cmd
}
