package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	orthotic "github.com/menta2k/orthotic-engine"
	"github.com/menta2k/orthotic-engine/internal/config"
	"github.com/menta2k/orthotic-engine/internal/logging"
	"github.com/menta2k/orthotic-engine/internal/utils"
)

const skipConfigLoad = "skip-config-load"

// app holds state shared by all commands of one invocation
type app struct {
	configPath string
	verbose    bool
	outputDir  string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "orthotic",
		Short: "Generate orthotic insole meshes from footprint scans",
		Long: `orthotic segments a footprint pressure scan into left and right feet,
classifies each arch, and deforms a reference insole template by shoe size,
body weight and arch type. Meshes are written as STL together with a
recommended print infill.`,
		Version:       orthotic.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default "+config.GetConfigPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&a.outputDir, "output", "o", "", "output directory for meshes (overrides config)")

	rootCmd.AddCommand(
		a.analyzeCmd(),
		a.generateCmd(),
		a.reportCmd(),
		a.batchCmd(),
		a.infillCmd(),
		a.jobsCmd(),
		a.configCmd(),
	)
	return rootCmd
}

// setup loads the configuration and builds the logger. Commands annotated
// with skipConfigLoad start from the defaults.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if _, skip := cmd.Annotations[skipConfigLoad]; !skip {
		var err error
		if cfg, err = a.loadConfig(); err != nil {
			return err
		}
	}
	if a.outputDir != "" {
		cfg.Output.Dir = a.outputDir
	}

	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.configPath != "" {
		return config.LoadFromFile(a.configPath)
	}
	if path := config.GetConfigPath(); utils.FileExists(path) {
		return config.LoadFromFile(path)
	}
	return config.Default(), nil
}

func (a *app) newEngine() (*orthotic.Engine, error) {
	return orthotic.New(a.cfg, orthotic.WithLogger(a.logger))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
