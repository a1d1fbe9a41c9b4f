package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"skillsyncd/internal/app"
	"skillsyncd/internal/config"
	"skillsyncd/internal/health"
	"skillsyncd/internal/logging"
	"skillsyncd/internal/metrics"
)

type serveOptions struct {
	noReconcile bool
	noWatch     bool
	httpAddr    string
	interval    time.Duration
}

func newServeCmd(rt *runtime) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Reconcile deployments, then watch them for external edits",
		Long: `Runs a startup reconciliation pass (unless reconcile.on_startup is false)
and then watches every deployment directory. Each external edit folded into
the store is printed as one JSON line. Stop with SIGINT or SIGTERM.

The watched directories are re-read from the deployment table every
watch.rescan_interval_sec and after each reconciliation, so deployments made
by other skillsyncd commands are followed.

With --http-addr (or serve.http_addr) serve also exposes /metrics in the
Prometheus text format plus /healthz, /readyz and /health.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(func(a *app.App) error {
				return serve(cmd, rt, a, opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.noReconcile, "no-reconcile", false, "skip the startup reconciliation pass")
	cmd.Flags().BoolVar(&opts.noWatch, "no-watch", false, "reconcile and exit without watching")
	cmd.Flags().StringVar(&opts.httpAddr, "http-addr", "", "listen address for metrics and health (overrides serve.http_addr)")
	cmd.Flags().DurationVar(&opts.interval, "reconcile-interval", 0, "repeat reconciliation this often (overrides reconcile.interval_sec)")
	return cmd
}

// daemon is the state of one serve run.
type daemon struct {
	app     *app.App
	log     *slog.Logger
	metrics *metrics.SyncMetrics
	checker *health.Checker
}

func (d *daemon) reconcile(reason string) error {
	start := time.Now()
	rep, err := d.app.Reconciler.ReconcileAll()
	d.metrics.ObserveReconcile(rep, time.Since(start))
	if err != nil {
		return err
	}
	d.log.Info("reconcile",
		"reason", reason,
		"checked", rep.Checked,
		"synced", rep.Synced,
		"missing", rep.MissingDetected,
		"diverged", rep.DivergedDetected,
		"untracked", rep.UntrackedFound,
		"failed", rep.Failed,
		"took", time.Since(start).Round(time.Millisecond))
	d.refreshRoots()
	d.refreshPending()
	return nil
}

// refreshRoots picks up deployments recorded or removed by other processes.
func (d *daemon) refreshRoots() {
	if _, _, err := d.app.RefreshWatchRoots(); err != nil {
		d.log.Warn("refresh watch roots", "error", err)
	}
}

func (d *daemon) refreshPending() {
	pending, err := d.app.Store.ListPendingSkills()
	if err != nil {
		d.log.Warn("count pending skills", "error", err)
		return
	}
	d.metrics.PendingSkills.Set(int64(len(pending)))
}

func (d *daemon) registerChecks() {
	d.checker.Register(&health.Component{
		Name:     "store",
		Critical: true,
		Timeout:  2 * time.Second,
		Check:    health.PingCheck(d.app.Store.DB().PingContext),
	})
	d.checker.RegisterFunc("watcher", false, health.FuncCheck(func() error {
		if d.app.Watcher() == nil {
			return errors.New("watcher not running")
		}
		return nil
	}))
}

// startHTTP serves metrics and health on addr until the returned shutdown
// function is called.
func (d *daemon) startHTTP(addr string) (func(context.Context) error, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.Handle("/healthz", d.checker.LivenessHandler())
	mux.Handle("/readyz", d.checker.ReadinessHandler())
	mux.Handle("/health", d.checker.HealthHandler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(d.log.Handler(), slog.LevelWarn),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("http server", "error", err)
		}
	}()
	d.log.Info("http listening", "addr", ln.Addr().String())
	return srv.Shutdown, nil
}

func serve(cmd *cobra.Command, rt *runtime, a *app.App, opts *serveOptions) error {
	cfg := a.Config()
	d := &daemon{
		app:     a,
		log:     rt.logger.WithComponent("serve"),
		metrics: metrics.NewSyncMetrics(nil),
		checker: health.NewChecker(),
	}
	d.registerChecks()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	addr := cfg.Serve.HTTPAddr
	if opts.httpAddr != "" {
		addr = opts.httpAddr
	}
	if addr != "" {
		shutdown, err := d.startHTTP(addr)
		if err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				d.log.Warn("http shutdown", "error", err)
			}
		}()
	}

	if !opts.noReconcile && cfg.Reconcile.OnStartup {
		if err := d.reconcile("startup"); err != nil {
			return err
		}
	} else {
		d.refreshPending()
	}

	if opts.noWatch || !cfg.Watch.Enabled {
		d.log.Info("watching disabled")
		return nil
	}

	w, err := a.StartWatcher()
	if err != nil {
		return err
	}
	d.checker.SetReady(true)
	defer d.checker.SetReady(false)

	if _, err := os.Stat(rt.loader.Path()); err == nil {
		rt.loader.OnChange(func(old, new *config.Config) {
			if rt.logLevel != "" || old.Logging.Level == new.Logging.Level {
				return
			}
			level, err := logging.ParseLevel(new.Logging.Level)
			if err != nil {
				return
			}
			rt.logger.SetLevel(level)
			d.log.Info("log level changed", "level", new.Logging.Level)
		})
		if err := rt.loader.Watch(); err != nil {
			d.log.Warn("config hot reload unavailable", "error", err)
		}
	}

	interval := cfg.ReconcileInterval()
	if opts.interval > 0 {
		interval = opts.interval
	}
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	var rescan <-chan time.Time
	if every := cfg.RescanInterval(); every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		rescan = ticker.C
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	enc := json.NewEncoder(cmd.OutOrStdout())
	d.log.Info("serving", "roots", len(w.Roots()), "reconcile_interval", interval)
	for {
		select {
		case n, ok := <-w.Notifications():
			if !ok {
				return nil
			}
			d.metrics.ObserveNotification(n)
			d.refreshPending()
			if err := enc.Encode(n); err != nil {
				return fmt.Errorf("write notification: %w", err)
			}
		case <-tick:
			if err := d.reconcile("interval"); err != nil {
				d.log.Warn("periodic reconcile failed", "error", err)
			}
		case <-rescan:
			d.refreshRoots()
		case err := <-rt.loader.Errors():
			d.log.Warn("config reload rejected", "error", err)
		case sig := <-sigChan:
			d.log.Info("shutting down", "signal", sig.String())
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
