package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "opsctl",
	Short: "Provisioning operator CLI",
	Long: "opsctl inspects and nudges the provisioning job queue.\n\n" +
		"Configuration is read from the environment (and a local .env file),\n" +
		"the same variables the api and scheduler use.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().Bool("verbose", false, "Log at debug level")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(requeueCmd)
	rootCmd.AddCommand(statusCmd)
}
