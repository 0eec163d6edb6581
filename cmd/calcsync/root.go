package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/calcsync/internal/client"
	"github.com/hyperengineering/calcsync/internal/config"
	"github.com/hyperengineering/calcsync/internal/metrics"
	"github.com/hyperengineering/calcsync/internal/store"
	"github.com/hyperengineering/calcsync/internal/validation"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

// shutdownTimeout bounds the wait for the store worker to drain.
const shutdownTimeout = 15 * time.Second

var (
	logFormat string
	floatMode bool
)

var rootCmd = &cobra.Command{
	Use:   "calcsync",
	Short: "calcsync - calculator client with an offline-tolerant local history",
	Long: "Reads expressions from stdin, one per line, submits them to the calculation\n" +
		"server and keeps a local replica of the server's history in sync.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json or text (overrides config)")
	rootCmd.Flags().BoolVar(&floatMode, "float", false,
		"Ask the server for floating point results")

	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(devserverCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cmd.ErrOrStderr(), cfg.Log)
	slog.Info("configuration loaded")

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	clientCfg, err := client.ConfigFrom(cfg)
	if err != nil {
		st.Close()
		return err
	}

	m := metrics.New()
	term := newTerminal(cmd.OutOrStdout())
	c := client.New(clientCfg, st, term, m)

	metricsSrv := startMetricsServer(cfg.Metrics.Address, m, cancel)

	if err := c.Start(ctx); err != nil {
		st.Close()
		return err
	}
	slog.Info("client started", "server", clientCfg.ServerURL)

	// The reader is not joined: a blocked stdin read cannot be interrupted.
	lines := make(chan string)
	go readLines(ctx, cmd.InOrStdin(), lines)

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case line, ok := <-lines:
			if !ok {
				done = true
				break
			}
			submitLine(ctx, c, term, line)
		}
	}
	cancel()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := c.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("shutdown complete")
	return nil
}

// submitLine hands one input line to the client and reports refusals.
// Completed submits are reported by the terminal observer.
func submitLine(ctx context.Context, c *client.Client, term *terminal, line string) {
	expr := strings.TrimSpace(line)
	if expr == "" {
		return
	}

	res, err := c.Submit(ctx, expr, floatMode)
	switch {
	case errors.Is(err, validation.ErrInvalid):
		term.printf("invalid expression: %v\n", err)
	case errors.Is(err, client.ErrNotReady):
		term.printf("not ready, waiting for the server\n")
	case err != nil:
		term.printf("error: %v\n", err)
	case res.Outcome == client.Deferred:
		term.printf("server unreachable, %q will be sent once it is back\n", expr)
	}
}

// readLines forwards stdin lines until EOF or ctx is done, then closes out.
func readLines(ctx context.Context, in io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("reading input", "error", err)
	}
}

// startMetricsServer serves /metrics on addr. It returns nil when addr is
// empty. A listen failure cancels the process context.
func startMetricsServer(addr string, m *metrics.Metrics, cancel context.CancelFunc) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
			cancel()
		}
	}()
	return srv
}

// setupLogger installs the default slog logger writing to w.
func setupLogger(w io.Writer, cfg config.LogConfig) {
	format := cfg.Format
	if logFormat != "" {
		format = logFormat
	}
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", cfg.Level, "format", format)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

// openStore opens the replica at the --db override or the configured path.
func openStore(dbPath string) (*store.SQLiteStore, error) {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		dbPath = cfg.Database.Path
	}
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("no local history at %s: %w", dbPath, err)
	}
	return store.NewSQLiteStore(dbPath)
}
