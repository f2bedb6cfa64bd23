package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	debug bool

	rootCmd = &cobra.Command{
		Use:   "gatelog",
		Short: "gatelog - an encrypted visitor and vehicle access register",
		Long: `gatelog records visitor entries and exits at a gate, encrypting every
personal field at rest with a key derived from the installation secret.

Configuration is read from the TOML file named by GATELOG_CONFIG and from
GATELOG_* environment variables.

Available Commands:
  serve      Run the kiosk HTTP API and the backup scheduler
  backup     Create, list, prune, export and import encrypted backups
  user       Manage operator accounts
  known      Maintain the known-persons index
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(knownCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("✗")+" "+err.Error())
		os.Exit(1)
	}
}
