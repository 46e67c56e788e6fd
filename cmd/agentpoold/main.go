// Command agentpoold runs the agent pool daemon. In its default single
// process mode it seeds the pool and serves the HTTP/WebSocket API. With
// clustering enabled the leader process forks one worker per configured
// slot and supervises them; each worker serves an independent pool on its
// own port.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentpool"
	"github.com/hupe1980/agentpool/cluster"
	"github.com/hupe1980/agentpool/config"
	"github.com/hupe1980/agentpool/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "agentpoold",
		Short:         "Self-scaling agent pool daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the pool and serve the HTTP/WebSocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(serve)
	return root
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, os.Stdout)

	if idx, ok := cluster.WorkerIndex(); ok {
		// Worker processes serve in-process on the address the leader
		// assigned via the environment.
		if addr := os.Getenv(cluster.WorkerAddrEnv); addr != "" {
			cfg.Server.Addr = addr
		}
		return servePool(ctx, cfg, logger.With("worker", idx))
	}

	if cfg.Cluster.Workers >= 0 {
		sup := cluster.NewSupervisor(func(o *cluster.Options) {
			o.Logger = logger
			o.Workers = cfg.Cluster.Workers
			o.BasePort = cfg.Cluster.BasePort
		})
		return sup.Run(ctx)
	}

	return servePool(ctx, cfg, logger)
}

func servePool(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	ap, err := agentpool.New(func(o *agentpool.Options) {
		o.Config = cfg
		o.Logger = logger
	})
	if err != nil {
		return err
	}
	return ap.Run(ctx)
}
