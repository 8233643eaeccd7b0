package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/storyguard/internal/cli"
	httpAdapter "github.com/aretw0/storyguard/pkg/adapters/http"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Exposes the engine over HTTP: events in, status, ledger and audits out,
an SSE event stream and Prometheus metrics. A cron schedule sweeps the
ledger for stale transactions in the background.`,
	Run: func(cmd *cobra.Command, args []string) {
		rt, backends := setup(cmd)
		defer backends.Close()
		p := printer()
		sessionID := resume(cmd, rt, p)
		logger := rt.Logger.With("component", "server")

		addr := rt.Config.HTTPAddr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		srv := &http.Server{
			Addr: addr,
			Handler: httpAdapter.NewHandler(rt.Engine,
				httpAdapter.WithMetrics(rt.Metrics.Handler()),
				httpAdapter.WithLogger(rt.Logger),
			),
		}

		sc := cli.NewSignalContext(cmd.Context())
		defer sc.Cancel()

		persist := func(ctx context.Context) {
			if sessionID == "" {
				return
			}
			if err := rt.Sessions.Persist(ctx, sessionID, rt.Engine); err != nil {
				logger.Error("failed to persist session", "session_id", sessionID, "err", err)
			}
		}

		sweeper := cron.New()
		if _, err := sweeper.AddFunc(rt.Config.SweepSchedule, func() {
			report, err := rt.Engine.Audit(sc, "sweep")
			if err != nil {
				logger.Error("sweep failed", "err", err)
				return
			}
			if !report.Healthy() {
				logger.Info("sweep repaired progression", "repairs", len(report.Checks.Repairs), "failures", len(report.CheckFailures))
			}
			persist(sc)
		}); err != nil {
			fmt.Printf("Invalid sweep schedule %q: %v\n", rt.Config.SweepSchedule, err)
			os.Exit(1)
		}

		g, gctx := errgroup.WithContext(sc)
		g.Go(func() error {
			fmt.Printf("Starting Storyguard Server on %s\n", srv.Addr)
			fmt.Printf("Serving content from: %s\n", rt.Config.ContentDir)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			sweeper.Start()
			<-gctx.Done()
			<-sweeper.Stop().Done()

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				fmt.Printf("Graceful shutdown did not complete in %v: %v\n", shutdownTimeout, err)
				return srv.Close()
			}
			persist(ctx)
			return nil
		})

		if err := g.Wait(); err != nil {
			fmt.Printf("Server error: %v\n", err)
			os.Exit(1)
		}
		if sig := sc.Signal(); sig != nil {
			fmt.Printf("Signal: %v\n", sig)
		}
		fmt.Println("Storyguard Server stopped gracefully")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (STORYGUARD_HTTP_ADDR)")
	serveCmd.Flags().String("session", "", "Session to restore on start and save on every sweep")
}
