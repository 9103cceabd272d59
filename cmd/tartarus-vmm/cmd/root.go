package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/config"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hermes"
)

var (
	cfgFile string
	output  string

	v        = config.NewViper()
	settings config.Settings
	logger                  = slog.Default()
	metrics  hermes.Metrics = hermes.NewNoopMetrics()
)

var rootCmd = &cobra.Command{
	Use:   "tartarus-vmm",
	Short: "Firecracker microVM lifecycle controller",
	Long: `Launches Firecracker (directly or under the jailer), configures and drives
microVMs through their lifecycle, and cleans up every resource they own.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default /etc/tartarus-vmm/config.yaml)")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	pf.String("run-dir", "", "directory for sockets and lock files")
	pf.StringVarP(&output, "output", "o", "", "output format: table, json or yaml")
	bindFlags(v)
}

func bindFlags(v *viper.Viper) {
	pf := rootCmd.PersistentFlags()
	v.BindPFlag("log_level", pf.Lookup("log-level"))
	v.BindPFlag("log_format", pf.Lookup("log-format"))
	v.BindPFlag("metrics_addr", pf.Lookup("metrics-addr"))
	v.BindPFlag("hypervisor.run_dir", pf.Lookup("run-dir"))
}

// setup loads settings and builds the logger and metrics every subcommand
// shares.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	if settings, err = config.Load(v, cfgFile); err != nil {
		return err
	}

	if logger, err = newLogger(cmd.ErrOrStderr(), settings.LogLevel, settings.LogFormat); err != nil {
		return err
	}
	slog.SetDefault(logger)

	if settings.MetricsAddr != "" {
		metrics = serveMetrics(cmd.Context(), settings.MetricsAddr)
	}
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func serveMetrics(ctx context.Context, addr string) hermes.Metrics {
	pm := hermes.NewPrometheusMetrics("tartarus_vmm", prometheus.NewRegistry())
	mux := http.NewServeMux()
	mux.Handle("/metrics", pm.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return pm
}
