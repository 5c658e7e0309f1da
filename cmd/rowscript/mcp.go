package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/engine"
	"github.com/rendis/rowscript/internal/manipulators"
	rsmcp "github.com/rendis/rowscript/pkg/mcp"
)

func newMCPCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the rowscript tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serveMCP(ctx)
		},
	}
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().Int("partitions", 0, "partitions per evaluation")
	return cmd
}

func (a *app) serveMCP(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cache := a.newCache(artifact.WithRegisterer(reg))
	artifact.SetDefault(cache)

	pool := engine.NewWorkerPool(max(a.cfg.Partitions, 1))
	defer pool.Shutdown()
	reg.MustRegister(engine.NewPoolCollector(pool))

	srv, err := rsmcp.NewServer(rsmcp.ServerDeps{
		Cache:      cache,
		Catalog:    manipulators.Default(),
		Pool:       pool,
		Partitions: a.cfg.Partitions,
		Logger:     a.logger,
		Version:    version,
	})
	if err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "addr", a.cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
		a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
	}

	a.logger.Info("rowscript MCP server starting", "version", version, "temp_dir", a.cfg.TempDir)
	return srv.Serve(ctx)
}
