package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cheaptrainer/cheaptrainer/internal/config"
	"github.com/cheaptrainer/cheaptrainer/internal/logging"
	"github.com/cheaptrainer/cheaptrainer/internal/metrics"
	"github.com/cheaptrainer/cheaptrainer/internal/mirror"
	"github.com/cheaptrainer/cheaptrainer/internal/remote"
)

// app carries global flags and the loaded configuration to subcommands.
type app struct {
	configFile  string
	logLevel    string
	metricsAddr string
	mirrorRoot  string

	cfg           *config.Config
	metricsServer *http.Server
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "cheaptrainer",
		Short:         "Load paired image/caption datasets and save LoRA weights",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			a.shutdown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file (yaml, json or toml)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&a.mirrorRoot, "mirror-root", "", "local mirror directory")

	root.AddCommand(
		newDatasetCmd(a),
		newLoRACmd(a),
		newMirrorCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.metricsAddr != "" {
		cfg.MetricsAddr = a.metricsAddr
	}
	if a.mirrorRoot != "" {
		cfg.MirrorRoot = a.mirrorRoot
	}
	a.cfg = cfg

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		a.metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := a.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}
	return nil
}

func (a *app) shutdown(ctx context.Context) {
	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(context.WithoutCancel(ctx))
	}
	_ = logging.Sync()
}

func (a *app) store() *mirror.Store {
	return mirror.NewOS(a.cfg.MirrorRoot)
}

// backend validates the configuration and opens the configured remote.
func (a *app) backend(ctx context.Context) (remote.Backend, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	return remote.New(ctx, a.cfg)
}
