// Command server runs the ptcgate programmatic tool calling gateway.
//
// Configuration is loaded from a YAML file (--config, PTCGATE_CONFIG,
// ./config.yaml or /etc/ptcgate/config.yaml) with environment overrides.
// A .env file in the working directory is read first.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "ptcgate runs model generated code in sandboxes that call tools",
	Long: `ptcgate executes model generated Python in isolated containers. Tool
calls made by that code are batched and handed back to the loop driver,
whose results are fed back into the still-running sandbox.`,
	RunE:          runServe, // Default to serve.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd, reapCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
