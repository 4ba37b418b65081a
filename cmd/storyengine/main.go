package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/storyengine/pkg/config"
	"github.com/wehubfusion/storyengine/pkg/service"
)

var (
	cfg   = config.Load()
	debug bool
)

var rootCmd = &cobra.Command{
	Use:           "storyengine",
	Short:         "Story execution engine",
	Long:          "storyengine runs stories, workflow graphs whose lines run containers, branch, call functions and assign values.",
	Version:       service.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Sets the engine into debug mode")
	rootCmd.AddCommand(startCmd, validateCmd, runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newLogger builds a production logger, or a development one in debug mode.
func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
