package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Inspect and control agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list <item-id>",
	Short: "List an item's agents with their derived status",
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
		agents, err := e.ListAgents(itemID)
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROLE\tREPO\tSTATUS\tPID")
		for _, a := range agents {
			pid := "-"
			if a.PID != 0 {
				pid = fmt.Sprintf("%d", a.PID)
			}
			repo := a.RepoName
			if repo == "" {
				repo = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Role, repo, colorAgentStatus(a.Status), pid)
		}
		return w.Flush()
	},
}

var agentStopCmd = &cobra.Command{
	Use:   "stop <item-id> <agent-id>",
	Short: "Stop one agent",
	Args:  cobra.ExactArgs(2),
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
		return e.StopAgent(context.Background(), itemID, args[1])
	},
}

var agentSendCmd = &cobra.Command{
	Use:   "send <agent-id> <text>",
	Short: "Send a line of input to an agent's terminal",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Shutdown()
		return e.SendAgentInput(args[0], []byte(args[1]+"\n"))
	},
}

var agentOutputCmd = &cobra.Command{
	Use:   "output <agent-id>",
	Short: "Print an agent's recent terminal output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Shutdown()
		tail, err := e.AgentOutputBuffer(args[0])
		if err != nil {
			return err
		}
		fmt.Print(tail)
		return nil
	},
}

func init() {
	agentCmd.AddCommand(agentListCmd, agentStopCmd, agentSendCmd, agentOutputCmd)
	rootCmd.AddCommand(agentCmd)
}
