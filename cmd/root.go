package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "botdriver",
	Short: "Messenger webhook driver and reply gateway",
	Long: `botdriver normalizes Facebook Messenger webhooks into plain messages,
answers them from configured rules, and posts replies back through the
Send API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
