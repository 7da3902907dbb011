// ============================================================================
// fractalpool CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for the pool user and the pool element
//
// Command Structure:
//   fractalpooluser                # Root command
//   ├── run                        # Calculate images on the pool
//   ├── serve                      # Run a pool element
//   ├── history                    # List recorded image runs
//   ├── config                     # Print the effective configuration
//   ├── --config, -c               # YAML config file (optional)
//   └── --version / --help
//
// Configuration:
//   Defaults < config file < FRACTALPOOL_* environment < explicit flags.
//   See internal/config for the keys.
//
// run Command:
//   1. Load config, build the logger
//   2. Create registry, gRPC transport, history store
//   3. Join the pool handle over NATS (unless pool.discovery is false)
//   4. Serve /metrics, /status, /elements, /failovers (if metrics.enabled)
//   5. Calculate images until SIGINT/SIGTERM or image.count is reached
//
//   Examples:
//     ./fractalpooluser run -s 4 --width 800 --height 500
//     ./fractalpooluser run --no-discovery --element 1@127.0.0.1:50051
//
// serve Command:
//   Starts a pool element: gRPC calculation service plus NATS announcements.
//
//   Examples:
//     ./fractalpooluser serve --listen :50051
//     ./fractalpooluser serve --failure-after 10   # failure tester
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the running image (every unit is released),
//   withdraw a pool element from the pool and close all resources.
//
// ============================================================================

package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fractalpool/internal/config"
	"github.com/ChuLiYu/fractalpool/pkg/types"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fractalpooluser",
		Short: "fractalpool: fault tolerant fractal calculation on a server pool",
		Long: `fractalpooluser calculates fractal images on a pool of interchangeable
calculation servers:
- tiles distributed over concurrent sessions
- failover to another pool element when one fails mid-tile
- pool membership by NATS announcements or static configuration
- Prometheus metrics and a SQLite run history`,
		Version:       "2.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().Bool("log-development", false, "human readable debug logging")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("pool-handle", "", "pool handle")
	rootCmd.PersistentFlags().String("nats-url", "", "NATS server URL(s), comma separated")
	rootCmd.PersistentFlags().Bool("no-discovery", false, "do not use NATS pool discovery")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

// persistentKeys maps the root flags to configuration keys.
var persistentKeys = map[string]string{
	"log-development": "log.development",
	"log-level":       "log.level",
	"pool-handle":     "pool.handle",
	"nats-url":        "pool.nats_url",
}

// loadConfig builds the configuration of cmd: file, environment and the
// flags named in keys.
func loadConfig(cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	v := config.New()
	if err := bindFlags(v, cmd, persistentKeys); err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd, keys); err != nil {
		return nil, err
	}
	// --no-discovery is the negation of pool.discovery
	if f := cmd.Flags().Lookup("no-discovery"); f != nil && f.Changed {
		off, _ := strconv.ParseBool(f.Value.String())
		v.Set("pool.discovery", !off)
	}
	// --element replaces the configured static elements
	if specs := stringSliceFlag(cmd.Flags(), "element"); len(specs) > 0 {
		elements, err := parseElements(specs)
		if err != nil {
			return nil, err
		}
		list := make([]map[string]any, 0, len(elements))
		for _, e := range elements {
			list = append(list, map[string]any{"id": e.ID, "address": e.Address})
		}
		v.Set("pool.elements", list)
	}

	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) error {
	present := make(map[string]string, len(keys))
	for flag, key := range keys {
		if cmd.Flags().Lookup(flag) != nil {
			present[flag] = key
		}
	}
	return config.BindFlags(v, cmd.Flags(), present)
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// parseElements parses static elements given as ID@address. IDs may be
// decimal, 0x hexadecimal or $ hexadecimal as the status line shows them.
func parseElements(specs []string) ([]config.StaticElement, error) {
	elements := make([]config.StaticElement, 0, len(specs))
	for _, spec := range specs {
		id, address, ok := strings.Cut(spec, "@")
		if !ok || address == "" {
			return nil, fmt.Errorf("element %q: want ID@address", spec)
		}
		var n uint64
		var err error
		if hex, ok := strings.CutPrefix(id, "$"); ok {
			n, err = strconv.ParseUint(hex, 16, 32)
		} else {
			n, err = strconv.ParseUint(id, 0, 32)
		}
		if err != nil || n == uint64(types.NoElement) {
			return nil, fmt.Errorf("element %q: invalid identifier", spec)
		}
		elements = append(elements, config.StaticElement{ID: uint32(n), Address: address})
	}
	return elements, nil
}

func buildConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after applying the config file, environment and flags, as YAML.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func printConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// stringSliceFlag returns a string slice flag of cmd.
func stringSliceFlag(flags *pflag.FlagSet, name string) []string {
	values, err := flags.GetStringSlice(name)
	if err != nil {
		return nil
	}
	return values
}
