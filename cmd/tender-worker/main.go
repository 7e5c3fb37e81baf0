package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"tenderscan/config"
	"tenderscan/obs"
)

const service = "tender-worker"

func main() {
	shutdownObs, log := obs.Init(service, config.WorkerID())
	defer func() { _ = shutdownObs(context.Background()) }()

	ctx, cancel := signalContext()
	defer cancel()

	if err := newRootCmd(log).ExecuteContext(ctx); err != nil {
		log.Error("tender-worker failed", "err", err)
		_ = shutdownObs(context.Background())
		os.Exit(1)
	}
}

func newRootCmd(log *slog.Logger) *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           service,
		Short:         "Scan tender documents for catalog products",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			*cfg = *c
			return nil
		},
	}
	cmd.AddCommand(newRunCmd(cfg, log), newServeCmd(cfg, log), newEnqueueCmd(cfg, log))
	return cmd
}

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           obs.WrapHTTP(service+"-metrics", obs.MetricsMiddleware(mux)),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics listener stopped", "addr", addr, "err", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
		// second signal: hard exit
		select {
		case <-ch:
			os.Exit(1)
		case <-time.After(5 * time.Minute):
		}
	}()
	return ctx, cancel
}

func printStats(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
