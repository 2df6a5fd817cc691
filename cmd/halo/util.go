package main

import (
	"fmt"

	"github.com/oriys/halo/internal/config"
	"github.com/oriys/halo/internal/connectivity"
	"github.com/oriys/halo/internal/storage"
)

func openStore(cfg *config.Config) (storage.Store, error) {
	return storage.Open(storage.Options{
		Backend:       cfg.Storage.Backend,
		RedisAddr:     cfg.Storage.Redis.Addr,
		RedisPassword: cfg.Storage.Redis.Password,
		RedisDB:       cfg.Storage.Redis.DB,
		KeyPrefix:     cfg.Storage.KeyPrefix,
		BadgerDir:     cfg.Storage.BadgerDir,
		L1TTL:         cfg.Storage.L1TTL,
	})
}

// newProber prefers the gRPC health check when a target is configured. The
// returned close func releases the gRPC connection.
func newProber(cfg *config.Config) (connectivity.Prober, func() error, error) {
	noop := func() error { return nil }
	switch {
	case cfg.Connectivity.GRPCTarget != "":
		p, err := connectivity.NewGRPCProber(cfg.Connectivity.GRPCTarget, cfg.Connectivity.GRPCService)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	case cfg.Connectivity.ProbeURL != "":
		return connectivity.NewHTTPProber(cfg.Connectivity.ProbeURL), noop, nil
	case cfg.Remote.BaseURL != "":
		return connectivity.NewHTTPProber(cfg.Remote.BaseURL), noop, nil
	default:
		return nil, noop, fmt.Errorf("no probe configured: set connectivity.probe_url, connectivity.grpc_target or remote.base_url")
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
