package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jllopis/watt/pkg/accounting"
	"github.com/jllopis/watt/pkg/config"
	"github.com/jllopis/watt/pkg/governance"
	"github.com/jllopis/watt/pkg/runtime"
	"github.com/jllopis/watt/pkg/server"
)

var serveExample = `
  # Serve the API with the settings in watt.yaml
  watt serve --config watt.yaml

  # Listen on another port and use the SQLite store
  watt serve --addr :9090 --set store.driver=sqlite --set store.dsn=file:watt.db`

type serveOptions struct {
	*rootOptions
	Addr            string
	ShutdownTimeout time.Duration
}

func newServeCommand(root *rootOptions) *cobra.Command {
	o := &serveOptions{rootOptions: root, ShutdownTimeout: 15 * time.Second}
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the HTTP API",
		Example: serveExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&o.Addr, "addr", "", "Listen address (defaults to server.addr)")
	cmd.Flags().DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "Grace period for in-flight requests and runs")
	return cmd
}

func (o *serveOptions) Run(ctx context.Context) error {
	cfg := o.cfg
	a, err := buildApp(ctx, cfg, buildOptions{
		logOutput: o.ErrOut,
		withTools: true,
		notifier: func(a *app) governance.Notifier {
			ns := governance.Notifiers{governance.LogNotifier{Logger: a.logger}}
			if cfg.Tools.MessagingWebhookURL != "" {
				ns = append(ns, a.messageNotifier())
			}
			return ns
		},
	})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	rt := runtime.NewLocal(
		runtime.WithLogger(a.logger),
		runtime.WithApprovalSweep(config.Seconds(cfg.Engine.ApprovalSweepIntervalSeconds, 30*time.Second), 10*time.Second),
	)
	rt.AddApprovalExpirer(a.engine)
	if err := rt.Start(ctx); err != nil {
		return err
	}

	if o.ConfigPath != "" {
		w, err := config.NewWatcher(o.loadOptions(),
			config.WithWatchLogger(a.logger),
			config.WithWatchDir(cfg.Agents.Dir, ".yaml", ".yml"),
		)
		if err != nil {
			return NewConfigError(err, o.ConfigPath)
		}
		w.OnChange(a.reload)
		w.Start(ctx)
		defer w.Stop()
	}

	addr := o.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	api := server.New(a.engine,
		server.WithSubmitter(rt),
		server.WithHealth(a.registry),
		server.WithLogger(a.logger),
		server.WithAllowedOrigins(cfg.Server.CORSOrigins...),
		server.WithVersion(version),
	)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server.start", slog.String("addr", addr), slog.String("version", version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = rt.Stop(context.Background())
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	if rtErr := rt.Stop(shutdownCtx); rtErr != nil && err == nil {
		err = rtErr
	}
	return err
}

// reload applies a changed configuration file or agent definition: the rate
// table, the global policy and the agent catalog. Other sections need a
// restart.
func (a *app) reload(cfg *config.Config) {
	a.engine.Recorder().SetRates(accounting.RateTableFromConfig(cfg.Accounting))

	if policy, err := loadPolicy(cfg); err != nil {
		a.logger.Warn("config.reload.policy.failed", slog.String("error", err.Error()))
	} else {
		a.engine.SetPolicy(policy)
	}

	if cfg.Agents.Dir != a.cfg.Agents.Dir {
		a.logger.Warn("config.reload.agents.dir.ignored",
			slog.String("current", a.cfg.Agents.Dir),
			slog.String("requested", cfg.Agents.Dir),
		)
	}
	if err := a.catalog.Reload(); err != nil {
		a.logger.Warn("config.reload.agents.failed", slog.String("error", err.Error()))
	}
	a.logger.Info("config.reload.applied", slog.Int("rates", len(cfg.Accounting.Rates)))
}
