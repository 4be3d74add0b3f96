package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"

	"github.com/seantiz/xstream/internal/agent"
	"github.com/seantiz/xstream/internal/config"
	"github.com/seantiz/xstream/internal/device/host"
	"github.com/seantiz/xstream/internal/device/remote"
)

type agentOptions struct {
	port     uint32
	unixPath string
	memLimit int64
	workers  int
}

func newAgentCmd() *cobra.Command {
	var opts agentOptions
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve a host device to remote clients over vsock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}
	cmd.Flags().Uint32Var(&opts.port, "port", remote.DefaultPort, "vsock port to listen on")
	cmd.Flags().StringVar(&opts.unixPath, "unix", "", "listen on a unix socket instead of vsock")
	cmd.Flags().Int64Var(&opts.memLimit, "mem-limit", 0, "host device memory limit in bytes (0 = unlimited)")
	cmd.Flags().IntVar(&opts.workers, "workers", host.DefaultWorkers, "concurrent commands per out-of-order queue")
	return cmd
}

func runAgent(ctx context.Context, opts agentOptions) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	var (
		l   net.Listener
		err error
	)
	if opts.unixPath != "" {
		l, err = net.Listen("unix", opts.unixPath)
	} else {
		l, err = vsock.Listen(opts.port, nil)
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	hostOpts := []host.Option{
		host.WithLogger(newDriverLogger(cfg.LogLevel)),
		host.WithWorkers(opts.workers),
	}
	if opts.memLimit > 0 {
		hostOpts = append(hostOpts, host.WithMemoryLimit(opts.memLimit))
	}
	eng := host.New(hostOpts...)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	logger.Info("agent listening", "addr", l.Addr().String(), "device", eng.Name())
	return agent.New(l, eng, logger).Serve()
}
