package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/item"
)

var (
	repoRemoteSpec string
	repoLocalSpec  string
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage the saved repositories catalog",
	Long: `The catalog stores reusable repository configurations by name, so
item creation can reference them with --repo <name> instead of spelling
out the full spec each time.`,
}

var repoAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Save a repository configuration under a name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (repoRemoteSpec == "") == (repoLocalSpec == "") {
			return fmt.Errorf("exactly one of --remote or --local is required")
		}

		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Shutdown()

		entry := item.SavedRepository{Name: args[0]}
		if repoRemoteSpec != "" {
			repo, err := parseRemoteSpec(repoRemoteSpec)
			if err != nil {
				return err
			}
			entry.Repository = repo
		} else {
			repo, err := parseLocalSpec(repoLocalSpec)
			if err != nil {
				return err
			}
			entry.Repository = repo
		}

		if err := e.CatalogAdd(entry); err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", args[0])
		return nil
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Shutdown()

		entries, err := e.CatalogList()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No saved repositories.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDIR\tROLE\tTYPE\tSOURCE")
		for _, entry := range entries {
			source := entry.Repository.URL
			if source == "" {
				source = entry.Repository.Path
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", entry.Name,
				entry.Repository.DirectoryName, entry.Repository.Role,
				entry.Repository.Type, source)
		}
		return w.Flush()
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a saved repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine()
		if err != nil {
			return err
		}
		defer e.Shutdown()
		return e.CatalogRemove(args[0])
	},
}

func init() {
	repoAddCmd.Flags().StringVar(&repoRemoteSpec, "remote", "", "Remote spec dir:role:url[:baseBranch]")
	repoAddCmd.Flags().StringVar(&repoLocalSpec, "local", "", "Local spec dir:role:/abs/path:mode")
	repoCmd.AddCommand(repoAddCmd, repoListCmd, repoRemoveCmd)
	rootCmd.AddCommand(repoCmd)
}
