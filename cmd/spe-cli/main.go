// spe-cli is the command-line interface for the study execution
// coordinator.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "spe-cli",
		Short: "Study execution coordinator CLI",
		Long:  "Command-line interface for registering and running clinical studies.",
	}

	// Global flags
	rootCmd.PersistentFlags().String("server", getEnvDefault("SPE_SERVER_URL", "http://localhost:8080"), "SPE server URL")
	rootCmd.PersistentFlags().String("token", os.Getenv("SPE_TOKEN"), "Service token")

	// Add commands
	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newExecuteCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newResultsCmd())
	rootCmd.AddCommand(newLogsCmd())
	rootCmd.AddCommand(newSummaryCmd())
	rootCmd.AddCommand(newHealthCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnvDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
