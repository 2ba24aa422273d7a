package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fentz26/conduit/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Conduit - workflow orchestration engine",
	Long: `Conduit matches repository events against declarative pipelines and runs
their jobs with cache-aware steps and per-group concurrency control.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

var (
	apiAddr    string
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads the config file, applies flag overrides and installs the
// logger.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	applyOverrides(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// applyOverrides copies explicitly set flags over file values.
func applyOverrides(fs *pflag.FlagSet, c *config.Config) {
	str := func(name string, dst *string) {
		if f := fs.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("log-level", &c.LogLevel)
	str("db", &c.Database)
	str("listen", &c.Listen)
	str("pipelines", &c.Pipelines)
	str("workspace", &c.Workspace)
	if fs.Changed("max-parallel-jobs") {
		if n, err := fs.GetInt("max-parallel-jobs"); err == nil {
			c.MaxParallelJobs = n
		}
	}
	if fs.Changed("job-timeout") {
		if d, err := fs.GetDuration("job-timeout"); err == nil {
			c.JobTimeout = d
		}
	}
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
