package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sheetmesh/config"
	"sheetmesh/discovery"
	"sheetmesh/node"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sheetmesh",
		Short:         "Replicated spreadsheets across independent domains",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newPeersCommand())
	return root
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func newServeCommand() *cobra.Command {
	cfg := config.Default()
	opts := cfg.Opts()
	v := viper.New()
	var file string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a users or sheets replica of a domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(v, opts, file); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			n, err := node.New(cfg, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return n.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&file, "config", "", "config file (yaml, json or toml)")
	if err := config.Bind(cmd.Flags(), v, opts); err != nil {
		panic(err)
	}
	return cmd
}

// newPeersCommand listens to announcements and prints the endpoints of a
// domain's service as they are discovered.
func newPeersCommand() *cobra.Command {
	var (
		group   string
		domain  string
		service string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the announced replicas of a domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			reg := discovery.NewRegistry()
			if err := discovery.Listen(ctx, group, reg, zap.NewNop()); err != nil {
				return err
			}
			uris, err := discovery.WaitForEndpoints(ctx, reg, domain, service, wait)
			if err != nil {
				return fmt.Errorf("%s:%s: %w", domain, service, err)
			}
			for _, uri := range uris {
				fmt.Fprintln(cmd.OutOrStdout(), uri)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", discovery.DefaultGroup, "multicast group")
	cmd.Flags().StringVar(&domain, "domain", "", "domain to look up")
	cmd.Flags().StringVar(&service, "service", "sheets", "service to look up")
	cmd.Flags().DurationVar(&wait, "wait", discovery.DefaultAnnounceTimeout, "how long to wait for an announcement")
	cmd.MarkFlagRequired("domain")
	return cmd
}
