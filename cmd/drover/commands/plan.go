package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var planSetFile string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect and replace an item's plan",
}

var planShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Print the item's plan.yaml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Shutdown()

		itemID, err := resolveItemID(e, args[0])
		if err != nil {
			return err
		}
		content, err := e.GetPlanContent(itemID)
		if err != nil {
			return err
		}
		fmt.Print(string(content))
		return nil
	},
}

var planSetCmd = &cobra.Command{
	Use:   "set <item-id>",
	Short: "Validate and replace the item's plan from a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if planSetFile == "" {
			return fmt.Errorf("--file is required")
		}
		content, err := os.ReadFile(planSetFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", planSetFile, err)
		}

		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Shutdown()

		itemID, err := resolveItemID(e, args[0])
		if err != nil {
			return err
		}
		if err := e.UpdatePlanContent(itemID, content); err != nil {
			return err
		}
		fmt.Printf("Plan for %s updated\n", itemID)
		return nil
	},
}

func init() {
	planSetCmd.Flags().StringVar(&planSetFile, "file", "", "Path to the replacement plan.yaml")
	planCmd.AddCommand(planShowCmd, planSetCmd)
	rootCmd.AddCommand(planCmd)
}
