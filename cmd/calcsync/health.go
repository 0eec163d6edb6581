package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/calcsync/internal/config"
	"github.com/hyperengineering/calcsync/internal/sender"
)

var healthServerURL string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the calculation server once",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().StringVar(&healthServerURL, "server", "",
		"Server base URL (overrides config and CALCSYNC_SERVER_URL)")
}

func runHealth(cmd *cobra.Command, args []string) error {
	baseURL := healthServerURL
	timeout := 10 * time.Second
	if baseURL == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		baseURL = cfg.Server.BaseURL
		timeout = cfg.Server.RequestTimeout.Std()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	start := time.Now()
	if err := sender.New(baseURL, sender.Config{Timeout: timeout}).CheckHealth(ctx); err != nil {
		return fmt.Errorf("server unhealthy: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ok %s (%s)\n", baseURL, time.Since(start).Round(time.Millisecond))
	return nil
}
