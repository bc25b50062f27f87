package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-i2p/go-dtn/lib/config"
	"github.com/go-i2p/go-dtn/lib/core"
	"github.com/go-i2p/go-dtn/lib/util"
	"github.com/go-i2p/go-dtn/lib/util/signals"
)

var log = logger.GetGoI2PLogger()

const metricsShutdownTimeout = 5 * time.Second

var (
	cfgFile     string
	watchConfig bool
	v           = viper.New()
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.WithError(err).Error("go-dtn failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "go-dtn",
		Short:         "Delay tolerant networking bundle daemon",
		Example:       "  go-dtn --config ~/.go-dtn/config.yaml",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.InitConfig(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default $HOME/.go-dtn/config.yaml)")
	flags.String("local-eid", "", "endpoint of this node, e.g. dtn://alpha")
	flags.String("storage", "", "storage engine, memory or badger")
	flags.String("metrics-address", "", "listen address of the /metrics endpoint")
	_ = v.BindPFlag("local_eid", flags.Lookup("local-eid"))
	_ = v.BindPFlag("storage.engine", flags.Lookup("storage"))
	_ = v.BindPFlag("metrics.address", flags.Lookup("metrics-address"))
	root.Flags().BoolVar(&watchConfig, "watch-config", true, "stage configuration file changes without a signal")

	root.AddCommand(newConfigCommand())
	return root
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewDaemonConfigFromViper(v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.NewDaemonConfigFromViper(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	daemon, err := core.New(cfg, core.Options{})
	if err != nil {
		return oops.In("main").Wrapf(err, "create daemon")
	}
	var closers util.Closers
	closers.Register(daemon)
	if err := daemon.Start(ctx); err != nil {
		return multiClose(err, &closers)
	}
	if cfg.Metrics.Address != "" {
		closers.Register(serveMetrics(cfg.Metrics.Address, daemon, cancel))
	}

	reload := func() {
		next, err := reloadConfig()
		if err != nil {
			log.WithError(err).Error("configuration reload failed")
			return
		}
		if err := daemon.Stage(next); err != nil {
			log.WithError(err).Error("reloaded configuration rejected")
		}
	}
	dispatcher := signals.New()
	dispatcher.OnReload(reload)
	dispatcher.OnPreShutdown(func() {
		log.Info("shutting down")
	})
	dispatcher.OnInterrupt(signals.Handler(cancel))
	go dispatcher.Run(ctx)
	defer dispatcher.Stop()

	if watchConfig && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			log.WithField("file", e.Name).Debug("configuration file changed")
			reload()
		})
		v.WatchConfig()
	}

	err = daemon.Wait()
	return multiClose(err, &closers)
}

// reloadConfig reads the configuration file again.
func reloadConfig() (*config.DaemonConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, oops.In("main").With("file", v.ConfigFileUsed()).Wrapf(err, "read config")
	}
	return config.NewDaemonConfigFromViper(v)
}

// serveMetrics exposes the daemon metrics on addr. A listener failure ends
// the daemon.
func serveMetrics(addr string, daemon *core.Core, stop context.CancelFunc) util.CloserFunc {
	mux := http.NewServeMux()
	mux.Handle("/metrics", daemon.Metrics().Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsShutdownTimeout,
	}
	go func() {
		log.WithField("address", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("address", addr).Error("metrics listener failed")
			stop()
		}
	}()
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func multiClose(err error, closers *util.Closers) error {
	if cerr := closers.CloseAll(); cerr != nil {
		log.WithError(cerr).Warn("shutdown incomplete")
		if err == nil {
			err = cerr
		}
	}
	return err
}
