package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/veggaen/phasestake/internal/config"
	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/session"
	"github.com/veggaen/phasestake/internal/stream"
	"github.com/veggaen/phasestake/internal/util"
)

func NewWatchCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Refresh continuously and serve metrics",
		Long: `Refresh on an interval until interrupted. Session settings in the config
file are reloaded when it changes. With --metrics-addr (or metrics.listen_addr)
Prometheus metrics are served on /metrics, a JSON summary on /metrics.json and
every refresh result is pushed to WebSocket clients of /stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := currentConfig()
			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.ListenAddr
			}

			return withEnvironment(ctx, func(env *environment) error {
				return runWatch(ctx, env, metricsAddr)
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics on this address, e.g. 127.0.0.1:9464")
	return cmd
}

func runWatch(ctx context.Context, env *environment, metricsAddr string) error {
	hub := stream.NewHub()
	util.SafeGoWithName("stream-hub", func() { hub.Run(ctx) })

	sched := session.NewScheduler(env.session, env.cfg.Session.RefreshInterval, func(res *session.Result, err error) {
		if err != nil {
			hub.Broadcast(stream.TypeError, err.Error())
			Error(err.Error())
			return
		}
		hub.Broadcast(stream.TypeRefresh, newStatusJSON(res))
		if jsonOutput() {
			if err := printResult(res, env.decimals); err != nil {
				logging.Warn("failed to print result", logging.Err(err))
			}
			return
		}
		fmt.Printf("\n%s %s\n", StyleDim.Render(time.Now().Format(time.TimeOnly)), StyleDim.Render(res.ID))
		if err := printResult(res, env.decimals); err != nil {
			logging.Warn("failed to print result", logging.Err(err))
		}
	})

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/stream", hub)
		mux.Handle("/", env.metrics.Handler())
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		util.SafeGoWithName("metrics-server", func() {
			logging.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server failed", logging.Err(err))
			}
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := config.Watch(ctx, ConfigPath, func(cfg *config.Config) {
		applyReload(env, sched, cfg)
	}); err != nil {
		logging.Warn("config hot reload unavailable", logging.Err(err))
	}

	sched.Start(ctx)
	<-ctx.Done()
	sched.Stop()
	logging.Info("watch stopped")
	return nil
}

// applyReload pushes the hot-reloadable settings into the running session
func applyReload(env *environment, sched *session.Scheduler, cfg *config.Config) {
	logging.SetLevel(cfg.LogLevel())
	sched.SetInterval(cfg.Session.RefreshInterval)
	env.session.SetFailureThreshold(cfg.Session.FailureThreshold)
	env.session.SetRefreshRate(rate.Limit(cfg.Session.RefreshRate), cfg.Session.RefreshBurst)
	logging.Info("configuration reloaded",
		"refresh_interval", cfg.Session.RefreshInterval.String(),
		"failure_threshold", cfg.Session.FailureThreshold)
}
