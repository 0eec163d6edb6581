package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/calcsync/internal/config"
	"github.com/hyperengineering/calcsync/internal/fakeserver"
)

var (
	devserverAddr      string
	devserverBroadcast time.Duration
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-process calculation server for local development",
	Long: "Serves GET /health, POST /calc and the /ws/sync push channel from memory,\n" +
		"broadcasting the full history on connect and at a fixed period.",
	Args: cobra.NoArgs,
	RunE: runDevserver,
}

func init() {
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", "127.0.0.1:8000",
		"Listen address")
	devserverCmd.Flags().DurationVar(&devserverBroadcast, "broadcast", 5*time.Second,
		"History broadcast period")
}

func runDevserver(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	setupLogger(os.Stderr, config.LogConfig{Level: "info", Format: "json"})

	if devserverBroadcast <= 0 {
		return fmt.Errorf("--broadcast must be positive, got %s", devserverBroadcast)
	}

	fake := fakeserver.New()
	srv := &http.Server{
		Addr:              devserverAddr,
		Handler:           fake.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "broadcast", func(ctx context.Context) {
		fake.Run(ctx, devserverBroadcast)
	})

	go func() {
		slog.Info("server starting", "address", devserverAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	fake.DisconnectAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	wg.Wait()

	slog.Info("shutdown complete")
	return nil
}
