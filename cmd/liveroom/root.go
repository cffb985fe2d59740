package main

import (
	"os"

	"github.com/dkeye/liveroom/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	cfg        *config.Config
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:          "liveroom [command]",
		Short:        "live interview rooms",
		Long:         `liveroom runs the signaling relay, joins a room as a participant, or issues join tokens.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// The logger must exist before config.Load, which logs.
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			level, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping info")
			} else {
				zerolog.SetGlobalLevel(level)
			}
			g.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (default config/config.<CONFIG_ENV>.yaml)")
	cmd.AddCommand(relayCmd(g), joinCmd(g), tokenCmd(g))
	return cmd
}
