package cmd

import (
	"log"

	"github.com/mtsev/senko/senko"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Senko bot and (optionally) the status API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := senko.New(cfg)
		if err != nil {
			log.Fatalf("error creating senko: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running senko: %s", err.Error())
		}
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
