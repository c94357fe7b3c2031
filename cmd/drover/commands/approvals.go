package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	approvalReason string
	approvalAll    bool
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals <item-id>",
	Short: "List an item's pending approval requests",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsList,
}

var approveCmd = &cobra.Command{
	Use:   "approve <item-id> [event-id...]",
	Short: "Approve pending requests (--all for every pending request)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(args, true)
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <item-id> [event-id...]",
	Short: "Deny pending requests (--all for every pending request)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(args, false)
	},
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, denyCmd} {
		c.Flags().StringVar(&approvalReason, "reason", "", "Reason recorded with the decision")
		c.Flags().BoolVar(&approvalAll, "all", false, "Decide every pending request for the item")
	}
	rootCmd.AddCommand(approvalsCmd, approveCmd, denyCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Shutdown()

	itemID, err := resolveItemID(e, args[0])
	if err != nil {
		return err
	}
	pending, err := e.PendingApprovals(itemID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	for _, ev := range pending {
		fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(ev.ID), ev.Timestamp.Format("15:04:05"))
		fmt.Printf("  agent:   %s\n", ev.AgentID)
		fmt.Printf("  command: %s\n", color.YellowString(strings.TrimSpace(ev.PayloadString("command"))))
		fmt.Println()
	}
	fmt.Printf("Decide with: drover approve %s <event-id> or drover deny %s <event-id>\n", itemID, itemID)
	return nil
}

func runDecide(args []string, approve bool) error {
	eventIDs := args[1:]

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Shutdown()

	itemID, err := resolveItemID(e, args[0])
	if err != nil {
		return err
	}

	if approvalAll {
		pending, err := e.PendingApprovals(itemID)
		if err != nil {
			return err
		}
		for _, ev := range pending {
			eventIDs = append(eventIDs, ev.ID)
		}
	}
	if len(eventIDs) == 0 {
		return fmt.Errorf("no event ids given (use --all to decide every pending request)")
	}

	if err := e.BatchDecideApprovals(context.Background(), itemID, eventIDs, approve, approvalReason); err != nil {
		return err
	}
	verb := "Denied"
	if approve {
		verb = "Approved"
	}
	fmt.Printf("%s %d request(s)\n", verb, len(eventIDs))
	return nil
}
