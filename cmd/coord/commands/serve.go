package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/yirzhou/coord"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		addr            string
		cleanupInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Export queue and lock metrics over HTTP and sweep orphaned locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = a.cfg.Metrics.Addr
			}
			manager, err := a.Manager(ctx)
			if err != nil {
				return err
			}
			mutex, err := a.Mutex(ctx)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				coord.NewCollector(manager, mutex),
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			if cleanupInterval > 0 {
				go sweepOrphans(ctx, mutex, cleanupInterval)
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("serving metrics")
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info().Msg("metrics server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to metrics.addr)")
	cmd.Flags().DurationVar(&cleanupInterval, "cleanup-interval", time.Minute, "Orphaned lock sweep interval; 0 disables")
	return cmd
}

func sweepOrphans(ctx context.Context, mutex *coord.MutexService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := mutex.CleanupOrphaned(ctx); n > 0 {
				log.Info().Int("deleted", n).Msg("orphaned locks swept")
			}
		}
	}
}
