package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"subharvest/pkg/config"
	errs "subharvest/pkg/errors"
	"subharvest/pkg/logger"
	"subharvest/pkg/metrics"
	"subharvest/pkg/ratelimit"
	"subharvest/pkg/ui"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile  string
	logLevel    string
	metricsAddr string
	noColor     bool
	quiet       bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "subharvest",
	Short: "Resumable archive crawler and song downloader",
	Long: `subharvest crawls the arctic-shift Reddit archive for every post and comment
of a subreddit or author within a date range, and downloads the songs those
posts link to.

Features:
  - Resumable crawls: rerun the same command after an interruption
  - Duplicate-free JSON-lines output
  - Shared rate limit with retry and exponential backoff
  - Concurrent, atomic song downloads with a JSON report
  - Optional Prometheus metrics endpoint`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch {
		case quiet:
			ui.SetOutput(io.Discard, false)
		case noColor:
			ui.SetOutput(os.Stdout, false)
		}

		// Don't show logo for certain commands
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "completion" {
			ui.PrintLogo()
		}
	},
}

// Execute runs the root command until it finishes or the process is
// interrupted, and exits 1 on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var r shown
		if !errors.As(err, &r) {
			fmt.Fprintln(os.Stderr, ui.Red("Error: "+err.Error()))
		}
		stop()
		os.Exit(1)
	}
}

// shown marks an error that was already printed.
type shown struct{ err error }

func (s shown) Error() string { return s.err.Error() }
func (s shown) Unwrap() error { return s.err }

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is .subharvest.yaml or ~/.config/subharvest/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")

	rootCmd.SetVersionTemplate(`subharvest {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	limiter  ratelimit.Limiter
	cancel   context.CancelFunc
	served   chan struct{}
}

// newApp loads configuration with the given command line overrides, sets
// up logging and metrics and builds the shared limiter.
func newApp(ctx context.Context, flags map[string]interface{}) (*app, error) {
	if logLevel != "" {
		flags["log-level"] = logLevel
	}
	if metricsAddr != "" {
		flags["metrics-addr"] = metricsAddr
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, err
	}
	if quiet {
		cfg.Logging.Level = "error"
	}

	logger.Version = version
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.GetLogger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  metrics.NewCollector(reg, cfg.Metrics.Namespace),
		limiter:  ratelimit.New(cfg.RateLimit.Strategy, cfg.RateLimit.RequestsPerMinute),
	}

	if cfg.Metrics.Addr != "" {
		var metricsCtx context.Context
		metricsCtx, a.cancel = context.WithCancel(ctx)
		a.served = make(chan struct{})
		go func() {
			defer close(a.served)
			if err := metrics.Serve(metricsCtx, cfg.Metrics.Addr, reg, log); err != nil {
				log.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}
	return a, nil
}

// Close stops the metrics endpoint.
func (a *app) Close() {
	if a.cancel != nil {
		a.cancel()
		<-a.served
	}
}

// changedFlags returns the named flags the user set explicitly, keyed by
// flag name, in the types config.MergeCommandLineFlags expects.
func changedFlags(fs *pflag.FlagSet, names ...string) map[string]interface{} {
	out := make(map[string]interface{})
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "int":
			v, _ := fs.GetInt(name)
			out[name] = v
		case "bool":
			v, _ := fs.GetBool(name)
			out[name] = v
		case "stringSlice":
			v, _ := fs.GetStringSlice(name)
			out[name] = v
		default:
			out[name] = f.Value.String()
		}
	}
	return out
}

// reportError prints err with its resume hint and marks it as shown.
// Quiet mode still prints errors.
func reportError(what string, err error) error {
	fmt.Fprintln(os.Stderr, ui.Red(what+": "+err.Error()))
	if e, ok := errs.As(err); ok && e.Class == errs.Fatal && e.Resumable {
		fmt.Fprintln(os.Stderr, ui.Yellow("Progress is checkpointed; rerun the same command to resume"))
	}
	return shown{err}
}
