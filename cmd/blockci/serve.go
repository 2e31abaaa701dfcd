package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blockci/internal/core"
	"blockci/internal/metrics"
	"blockci/internal/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept trigger events over HTTP and run them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			k := kinds(a.builder(), l)
			p, _, err := a.loadPipeline(k)
			if err != nil {
				return err
			}
			opts, err := a.contextOptions()
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.New(reg)

			runner := a.newRunner(p, l)
			runner.On(m.Observe)

			srv := server.New(server.Options{
				Runner: runner,
				Pipeline: func() (*core.Graph, error) {
					_, g, err := a.loadPipeline(k)
					return g, err
				},
				Context:  opts,
				Ledger:   l,
				Logs:     runner.LogStorage,
				Gatherer: reg,
				Logger:   a.logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go srv.Start(ctx)

			hs := &http.Server{
				Addr:              a.cfg.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("listening", "addr", a.cfg.Addr, "pipeline", p.Name)
				errCh <- hs.ListenAndServe()
			}()

			var serveErr error
			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					serveErr = err
				}
			case <-ctx.Done():
				a.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				serveErr = hs.Shutdown(shutdownCtx)
			}

			// let an interrupted run finish writing its ledger records and logs
			stop()
			<-srv.Done()
			return serveErr
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	_ = a.v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}
