package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine in the foreground",
	Long: `Run the engine as a long-lived process: recover orphans, keep plan
watchers and snapshot jobs alive, and stream every event to stdout until
interrupted. One-shot commands manage their own short-lived engine; use
run when items should progress unattended.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Shutdown()

	sub := e.Subscribe("")
	defer sub.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	fmt.Println("Engine running. Ctrl-C to stop.")
	for {
		select {
		case <-sig:
			fmt.Println("Shutting down.")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			printEvent(ev)
		}
	}
}
