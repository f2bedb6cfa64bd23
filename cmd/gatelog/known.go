package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var knownCmd = &cobra.Command{
	Use:   "known",
	Short: "Maintain the known-persons index",
}

func init() {
	knownCmd.AddCommand(knownRebuildCmd)
}

var knownRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the known-persons index from stored entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.unlock(ctx); err != nil {
			return err
		}

		n, err := a.register.RebuildKnown(ctx, cliOperator)
		if err != nil {
			return err
		}
		fmt.Println(color.GreenString("✓") + fmt.Sprintf(" Rebuilt index from %d sighting(s)", n))
		return nil
	},
}
