package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	doclease "github.com/docuvault/doclease"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("DOCLEASE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "doclease")

	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	var cfg doclease.Config

	cmd := &cobra.Command{
		Use:           "doclease",
		Short:         "doclease is a document lease lock server: exclusive edit leases, a notification inbox, and a live change bus",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  doclease --store mem://

  # SQLite backend
  doclease --store sqlite:///var/lib/doclease/doclease.db

  # Environment configuration
  DOCLEASE_STORE=sqlite:///var/lib/doclease/doclease.db DOCLEASE_LISTEN=:9341 doclease
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			bindConfig(&cfg)

			logger.Info("starting doclease",
				"pid", os.Getpid(),
				"listen", cfg.Listen,
				"store", cfg.Store,
			)
			srv, stop, err := doclease.StartServer(ctx, cfg, doclease.WithLogger(logger))
			if err != nil {
				return err
			}
			if addr := srv.ListenerAddr(); addr != nil {
				logger.Info("ready", "address", addr.String())
			}
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), doclease.DefaultShutdownTimeout)
			defer cancel()
			if err := stop(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Listen, "listen", doclease.DefaultListen, "address the HTTP API binds to")
	flags.StringVar(&cfg.ListenProto, "listen-proto", doclease.DefaultListenProto, "listen protocol: tcp or unix")
	flags.StringVar(&cfg.Store, "store", doclease.DefaultStore, "storage backend url (mem:// or sqlite://<path>)")
	flags.StringVar(&cfg.MetricsListen, "metrics-listen", doclease.DefaultMetricsListen, "Prometheus metrics address (empty disables)")
	flags.DurationVar(&cfg.DefaultTTL, "default-ttl", doclease.DefaultLeaseTTL, "lease duration when the caller sends none")
	flags.DurationVar(&cfg.MaxTTL, "max-ttl", doclease.DefaultMaxLeaseTTL, "ceiling on caller-supplied lease durations")
	flags.DurationVar(&cfg.SweeperInterval, "sweep-interval", doclease.DefaultSweeperInterval, "expiry sweep cadence (negative disables)")
	flags.IntVar(&cfg.InboxLimit, "inbox-limit", doclease.DefaultInboxLimit, "notification listing cap per recipient")

	viper.SetEnvPrefix("DOCLEASE")
	viper.AutomaticEnv()
	flags.VisitAll(func(f *pflag.Flag) {
		_ = viper.BindPFlag(f.Name, f)
	})

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newClientCommands(logger))
	return cmd
}

// bindConfig overlays environment values onto flag defaults; explicit flags
// win because viper registers them as flag-backed keys.
func bindConfig(cfg *doclease.Config) {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.Store = viper.GetString("store")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.DefaultTTL = viper.GetDuration("default-ttl")
	cfg.MaxTTL = viper.GetDuration("max-ttl")
	cfg.SweeperInterval = viper.GetDuration("sweep-interval")
	cfg.InboxLimit = viper.GetInt("inbox-limit")
}
