package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	logLevel string
	dataDir  string
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "invssa",
	Short: "Invert SSA velocities for basal yield stress",
	Long: `invssa recovers the basal yield stress field tauc from observed
SSA ice velocities by adjoint-based iterative inversion, with
checkpoint/restart and a job server for long-running inversions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.SetConfigName("invssa")
			viper.SetConfigType("yaml")
			viper.AddConfigPath(".")
		}
		viper.SetEnvPrefix("INVSSA")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()
		if err := viper.ReadInConfig(); err != nil {
			// A config file is optional; anything else is a real error.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}

		if viper.IsSet("log-level") && !cmd.Flags().Changed("log-level") {
			logLevel = viper.GetString("log-level")
		}
		if viper.IsSet("data-dir") && !cmd.Flags().Changed("data-dir") {
			dataDir = viper.GetString("data-dir")
		}

		var level slog.Level
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{Level: level}
		handler := slog.NewJSONHandler(os.Stdout, opts)
		logger = slog.New(handler)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default invssa.yaml in working directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "Base directory for checkpoints and traces")
}
