package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/xstream/internal/api"
	"github.com/seantiz/xstream/internal/config"
	"github.com/seantiz/xstream/internal/device"
	"github.com/seantiz/xstream/internal/device/host"
	"github.com/seantiz/xstream/internal/device/remote"
	"github.com/seantiz/xstream/internal/manager"
	"github.com/seantiz/xstream/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane",
		Long: `Run the HTTP control plane.

Configuration is read from XSTREAM_* environment variables: LISTEN_ADDR,
DB_PATH, LOG_LEVEL, DEVICE (host or remote), PROFILING, HW_COUNTERS,
HOST_MEM_LIMIT, HOST_WORKERS, and REMOTE_CID, REMOTE_PORT, REMOTE_UDS for
the remote device.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), config.Load())
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("xstream: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"device", cfg.Device,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg, closeDevices, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDevices()

	m := manager.New(db, reg, logger)
	srv := api.NewServer(cfg.ListenAddr, m, api.Defaults{
		Profiling: cfg.Profiling,
		Counters:  cfg.HWCounters,
	}, logger)

	return srv.Run()
}

// buildRegistry registers the host engine and, when cfg selects it, a
// remote engine dialled from the XSTREAM_REMOTE_* settings. The returned
// func closes remote connections.
func buildRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*device.Registry, func(), error) {
	reg := device.NewRegistry()

	opts := []host.Option{host.WithLogger(newDriverLogger(cfg.LogLevel))}
	if cfg.HostMemLimit > 0 {
		opts = append(opts, host.WithMemoryLimit(cfg.HostMemLimit))
	}
	if cfg.HostWorkers > 0 {
		opts = append(opts, host.WithWorkers(cfg.HostWorkers))
	}
	reg.Register(host.New(opts...))

	switch cfg.Device {
	case host.Kind:
		return reg, func() {}, nil
	case remote.Kind:
		rc := remote.LoadConfig()
		eng, err := remote.Dial(ctx, rc.Dialer(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect remote device (cid %d port %d): %w", rc.CID, rc.Port, err)
		}
		reg.Register(eng)
		if err := reg.SetDefault(remote.Kind); err != nil {
			eng.Close()
			return nil, nil, err
		}
		return reg, func() {
			if err := eng.Close(); err != nil {
				logger.Warn("close remote device", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown device %q", cfg.Device)
	}
}
