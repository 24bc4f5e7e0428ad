package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-runtime/engine"
)

// version is overridden at build time with -ldflags "-X".
var version = "dev"

var (
	logLevel   string // Log verbosity level
	configPath string // Optional runtime options YAML

	// Option overrides, applied on top of the config file only when set
	maxBatchSize     int
	maxBatchWait     time.Duration
	maxQueueDepth    int
	maxQueueWait     time.Duration
	maxSessions      int
	maxTokens        int
	slideDropCount   int
	parallelism      int
	deterministic    bool
	schedulingPolicy string
	evictionPolicy   string
	traceLevel       string
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:     "inference-runtime",
	Short:   "Session-aware KV cache and batch scheduler for autoregressive inference",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(level)
		return nil
	},
	SilenceUsage: true,
}

// resolveOptions layers the config file over the defaults, then applies every
// override flag the user actually set. Unset flags never clobber file values.
func resolveOptions(cmd *cobra.Command) (engine.Options, error) {
	opts := engine.DefaultOptions()
	if configPath != "" {
		loaded, err := engine.LoadOptions(configPath)
		if err != nil {
			return opts, err
		}
		opts = loaded
		logrus.Infof("loaded runtime options from %s", configPath)
	}

	flags := cmd.Flags()
	if flags.Changed("max-batch-size") {
		opts.MaxBatchSize = maxBatchSize
	}
	if flags.Changed("max-batch-wait") {
		opts.MaxBatchWaitTime = maxBatchWait
	}
	if flags.Changed("max-queue-depth") {
		opts.MaxQueueDepth = maxQueueDepth
	}
	if flags.Changed("max-queue-wait") {
		opts.MaxQueueWait = maxQueueWait
	}
	if flags.Changed("max-sessions") {
		opts.MaxSessions = maxSessions
	}
	if flags.Changed("max-tokens") {
		opts.MaxTokensPerSession = maxTokens
	}
	if flags.Changed("slide-drop") {
		opts.SlideDropCount = slideDropCount
	}
	if flags.Changed("parallelism") {
		opts.MaxDegreeOfParallelism = parallelism
	}
	if flags.Changed("deterministic") {
		opts.DeterministicMode = deterministic
	}
	if flags.Changed("scheduling-policy") {
		opts.SchedulingPolicy = schedulingPolicy
	}
	if flags.Changed("eviction-policy") {
		opts.EvictionPolicy = evictionPolicy
	}
	if flags.Changed("trace-level") {
		opts.TraceLevel = traceLevel
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaults := engine.DefaultOptions()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	pf.StringVar(&configPath, "config", "", "Path to a runtime options YAML file")

	pf.IntVar(&maxBatchSize, "max-batch-size", defaults.MaxBatchSize, "Maximum requests per batch")
	pf.DurationVar(&maxBatchWait, "max-batch-wait", defaults.MaxBatchWaitTime, "Longest a request waits for its batch to fill")
	pf.IntVar(&maxQueueDepth, "max-queue-depth", defaults.MaxQueueDepth, "Queued requests before Submit pushes back")
	pf.DurationVar(&maxQueueWait, "max-queue-wait", defaults.MaxQueueWait, "Queue timeout per request (0 disables)")
	pf.IntVar(&maxSessions, "max-sessions", defaults.MaxSessions, "Maximum resident cache entries")
	pf.IntVar(&maxTokens, "max-tokens", defaults.MaxTokensPerSession, "Token capacity of each session")
	pf.IntVar(&slideDropCount, "slide-drop", defaults.SlideDropCount, "Positions dropped when a full session takes a new token")
	pf.IntVar(&parallelism, "parallelism", defaults.MaxDegreeOfParallelism, "Batches executed concurrently")
	pf.BoolVar(&deterministic, "deterministic", defaults.DeterministicMode, "Run batches sequentially on the caller's goroutine")
	pf.StringVar(&schedulingPolicy, "scheduling-policy", defaults.SchedulingPolicy, "decode-first, prefill-first or alternate")
	pf.StringVar(&evictionPolicy, "eviction-policy", defaults.EvictionPolicy, "block or fail when every entry is in flight")
	pf.StringVar(&traceLevel, "trace-level", defaults.TraceLevel, "none or decisions")

	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
