// Package commands implements the sshdevice CLI.
package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pascal71/sshdevice-go/config"
	"github.com/pascal71/sshdevice-go/logger"
	"github.com/pascal71/sshdevice-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// globalFlags holds the persistent flag values.
type globalFlags struct {
	configFile  string
	logLevel    string
	logFormat   string
	metricsAddr string
	output      string
}

// app is what PersistentPreRunE prepares for the subcommands.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	srv     *http.Server
}

var (
	flags globalFlags
	env   app
)

// exitError carries a process exit code through cobra.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sshdevice",
		Short: "SSH client for network devices",
		Long: `sshdevice opens an interactive SSH shell on a network device, runs
commands on it and extracts DHCP lease information from the output.

Configuration is read from $XDG_CONFIG_HOME/sshdevice/config.yaml and
SSHDEVICE_* environment variables, e.g. SSHDEVICE_PASSWORD or
SSHDEVICE_OUTPUT_POLICY=line.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) { teardown() },
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/sshdevice/config.yaml)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: console or json")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	pf.StringVarP(&flags.output, "output", "o", "table", "output format: table, json or yaml")

	cmd.AddCommand(newConnectCmd(), newExecCmd(), newParseCmd(), newConfigCmd(), newVersionCmd())
	cmd.CompletionOptions.DisableDefaultCmd = true
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := newRootCmd().Execute()
	teardown()
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	env.cfg = cfg
	env.log = logger.Get()

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		env.metrics = metrics.New(reg)
		env.srv = serveMetrics(cfg.Metrics.Addr, reg, env.log)
	}
	env.log.Debug("configuration loaded", zap.String("source", configSource()))
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func teardown() {
	if env.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.srv.Shutdown(ctx)
		env.srv = nil
	}
	if env.log != nil {
		_ = env.log.Sync()
	}
}

func configSource() string {
	if flags.configFile != "" {
		return flags.configFile
	}
	if _, err := os.Stat(config.DefaultPath()); err == nil {
		return config.DefaultPath()
	}
	return "defaults"
}
