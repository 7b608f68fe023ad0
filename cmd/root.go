// Package cmd wires the command line interface: configuration loading,
// logger bootstrap, and the dependency graph behind each subcommand.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/internal/config"
	"github.com/xkilldash9x/shade-cli/internal/observability"
)

var (
	cfgFile string

	// cfg is populated once by the persistent pre-run and read by every
	// subcommand. It never leaks past this package; components receive it
	// explicitly through buildComponents.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "shade",
	Short: "shade drives a hardened browser that behaves like a person",
	Long: `shade automates a real Chrome instance behind a rotating identity,
persistent per-purpose profiles, humanized input, and adaptive pacing
that backs off on its own when pages start fighting back.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// 1. Layer defaults, the config file, and environment variables.
		if err := initializeConfig(); err != nil {
			return err
		}

		// 2. Unmarshal and validate in one step.
		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			// A minimal console logger so the failure is still readable.
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "shade"})
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		// 3. Initialize the logger from the validated configuration.
		logger := observability.InitializeLogger(cfg.Logger)
		logger.Info("Starting shade",
			zap.String("version", cmd.Root().Version),
			zap.String("command", cmd.Name()),
		)
		return nil
	},
}

// Execute runs the root command under the given context. Cancelling the
// context unwinds whatever subcommand is in flight.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil && ctx.Err() == nil {
		// Context cancellation is a normal shutdown, not a failure.
		observability.GetLogger().Error("Command execution failed.", zap.Error(err))
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(versionCmd)
}

// initializeConfig reads in the config file and SHADE_* environment
// variables if set.
func initializeConfig() error {
	v := viper.GetViper()

	// Set default values so the app can run with a minimal config.
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SHADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys it already knows about; bind the one
	// people actually override in scripts.
	_ = v.BindEnv("profiles.dir", "SHADE_PROFILES_DIR")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, parsing failures are not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
