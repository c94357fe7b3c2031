package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/timespec"
	"github.com/droverhq/drover/pkg/model"
)

var (
	eventsFollow bool
	eventsRaw    bool
	eventsSince  string
	eventsUntil  string
)

var eventsCmd = &cobra.Command{
	Use:   "events <item-id>",
	Short: "Print an item's event journal",
	Long: `Print an item's event journal in append order.

With --follow the command keeps running and streams new events as they
are published, until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Stream new events after the replay")
	eventsCmd.Flags().BoolVar(&eventsRaw, "raw", false, "Include stdout events (terminal noise)")
	eventsCmd.Flags().StringVar(&eventsSince, "since", "", "Only replay events after this time (duration like '1h' or RFC3339)")
	eventsCmd.Flags().StringVar(&eventsUntil, "until", "", "Only replay events before this time (duration like '1h' or RFC3339)")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	window, err := timespec.ParseRange(eventsSince, eventsUntil)
	if err != nil {
		return err
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

	// Subscribe before the replay so the gap between them cannot drop
	// events; duplicates are filtered by id.
	var sub = e.Subscribe(itemID)
	defer sub.Close()

	events, err := e.Events(itemID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		seen[ev.ID] = true
		if !window.Contains(ev.Timestamp) {
			continue
		}
		printEvent(ev)
	}
	if !eventsFollow {
		return nil
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sig:
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if seen[ev.ID] {
				continue
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev *model.Event) {
	if ev.Type == model.EventStdout && !eventsRaw {
		return
	}

	ts := ev.Timestamp.Format("15:04:05")
	kind := colorEventType(ev.Type)
	scope := ""
	if ev.AgentID != "" {
		scope = " " + ev.AgentID
	}

	detail := eventDetail(ev)
	if detail != "" {
		fmt.Printf("%s  %-28s%s  %s\n", ts, kind, scope, detail)
	} else {
		fmt.Printf("%s  %-28s%s\n", ts, kind, scope)
	}
}

func eventDetail(ev *model.Event) string {
	switch ev.Type {
	case model.EventError:
		return ev.PayloadString("message")
	case model.EventCloneStarted, model.EventCloneCompleted,
		model.EventWorkspaceSetupStarted, model.EventWorkspaceSetupCompleted,
		model.EventRepoNoChanges, model.EventGitSnapshot, model.EventGitSnapshotError:
		return ev.PayloadString("repoName")
	case model.EventPRCreated:
		return fmt.Sprintf("%s #%d %s", ev.PayloadString("repoName"), ev.PayloadInt("prNumber"), ev.PayloadString("prUrl"))
	case model.EventStatusChanged:
		return fmt.Sprintf("%s -> %s", ev.PayloadString("oldStatus"), ev.PayloadString("newStatus"))
	case model.EventApprovalRequested:
		return strings.TrimSpace(ev.PayloadString("command"))
	case model.EventApprovalDecision:
		return fmt.Sprintf("%s (%s)", ev.PayloadString("decision"), ev.PayloadString("source"))
	case model.EventPlanCreated:
		return fmt.Sprintf("%d tasks", ev.PayloadInt("taskCount"))
	case model.EventReviewFindingsExtracted:
		return fmt.Sprintf("%s iteration %d: %d critical, %d major, %d minor",
			ev.PayloadString("repoName"), ev.PayloadInt("iteration"),
			ev.PayloadInt("criticalCount"), ev.PayloadInt("majorCount"), ev.PayloadInt("minorCount"))
	default:
		return ""
	}
}

func colorEventType(t model.EventType) string {
	switch t {
	case model.EventError, model.EventGitSnapshotError:
		return color.RedString(string(t))
	case model.EventPRCreated, model.EventPlanCreated, model.EventTasksCompleted:
		return color.GreenString(string(t))
	case model.EventApprovalRequested:
		return color.YellowString(string(t))
	default:
		return string(t)
	}
}
