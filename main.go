package main

import (
	"fmt"
	"os"

	"nstbot/internal/config"
	"nstbot/internal/logging"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "nstbot",
	Short:         "Neural style transfer bot and task API",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(config.New(configPath))
		if err != nil {
			return err
		}

		logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
		log.Debug().Str("config", configPath).Msg("config loaded")

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default ./config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
