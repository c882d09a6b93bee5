// Command resolverd runs the caching iterative DNS resolver daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quietloop/dnscore/config"
	"github.com/quietloop/dnscore/resolver"
	"github.com/quietloop/dnscore/rlog"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "resolverd",
		Short: "caching iterative DNS resolver",
		RunE:  runDaemon,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to resolver.yaml (defaults built in if unset)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	logger := rlog.Setup(cfg.LogLevel(), cfg.Logging.Format, os.Stderr)

	core, err := resolver.New(cfg)
	if err != nil {
		return fmt.Errorf("starting resolver: %w", err)
	}

	logger.Info("resolver listening", "udp", cfg.Listen.UDP, "tcp", cfg.Listen.TCP)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := core.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("resolver stopped: %w", err)
	}

	logger.Info("resolver shut down")
	return nil
}
