package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatsocket/cmd/chatsocket/cmds"
)

var rootCmd = &cobra.Command{
	Use:           "chatsocket",
	Short:         "chatsocket is a client for the streaming chat socket",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// flags are parsed by now, so --log-level and co are visible
		return initLogger(loggingSettingsFromViper())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		if err := loadConfig(viper.GetString("config")); err != nil {
			cobra.CheckErr(err)
		}
	})

	addLoggingFlags(rootCmd)
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.chatsocket/config.yaml)")
	cmds.AddSettingsFlags(rootCmd)
	cobra.CheckErr(viper.BindPFlags(rootCmd.PersistentFlags()))

	rootCmd.AddCommand(cmds.NewChatCommand())
	rootCmd.AddCommand(cmds.NewHistoryCommand())
	rootCmd.AddCommand(cmds.NewReplayCommand())
	rootCmd.AddCommand(cmds.NewMockServerCommand())
}
