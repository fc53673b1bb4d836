package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/tvdeck/catalogcache/sys"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the prefetch worker and the metrics endpoint until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var wg sync.WaitGroup
		var server *http.Server
		if a.cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			server = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.log.Info("serving metrics on %s", a.cfg.MetricsAddr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					a.log.Error("metrics server failed: %s", err)
				}
			}()
		}

		if a.cfg.Prefetch.Enabled {
			ids, err := a.profileIDs(ctx)
			if err != nil {
				return err
			}
			n, err := a.scheduler.Restore(ctx, ids)
			if err != nil {
				a.log.Warn("failed to restore prefetch queue: %s", err)
			} else if n > 0 {
				a.log.Info("restored %d queued prefetches", n)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.worker().Run(ctx)
			}()
		}

		<-sys.CreateShutdownChannel()
		a.log.Info("shutting down")
		cancel()
		if server != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = server.Shutdown(shutdownCtx)
		}
		wg.Wait()
		return nil
	},
}
