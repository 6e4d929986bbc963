package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatflow",
	Short: "Chatflow - conversational flow engine",
	Long: `Chatflow runs chat bots written as flows: steps of say, ask, hold
and goto statements, interpreted one inbound message at a time.

Use serve to run the HTTP API, validate to check a bot before deploying it,
and chat to talk to a bot from the terminal.`,
	SilenceUsage: true,
}

var configPath string

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the chatflow configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(chatCmd)
}
