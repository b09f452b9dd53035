package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mycolab/labdb/internal/config"
	"github.com/mycolab/labdb/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	Version = "0.4.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "labdb",
		Short: "data access layer for the mycology lab",
		Long: fmt.Sprintf(`labdb (v%s)

Cached, deduplicated and batched access to the lab database, with realtime
change subscriptions and a connection monitor. The serve command exposes the
admin API, the load command runs a load plan once.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of labdb",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("labdb v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(loadCmd)
	RootCmd.AddCommand(probeCmd)
	RootCmd.AddCommand(versionCmd)

	key := "config"
	RootCmd.PersistentFlags().String(key, "configs/labdb.yaml", "path to the YAML config file")
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "", "overrides logging.level (debug, info, warn, error)")
	key = "transport"
	RootCmd.PersistentFlags().String(key, "", "overrides transport.kind (postgres, sqlite, memory, none)")
}

// initConfig lets every flag be set as LABDB_<FLAG> as well
func initConfig() {
	viper.SetEnvPrefix("LABDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the config file named by --config and applies the flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if kind := viper.GetString("transport"); kind != "" && kind != cfg.Transport.Kind {
		cfg.Transport.Kind = kind
		cfg.Transport.Feed = ""
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
