package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/item"
	"github.com/droverhq/drover/pkg/model"
)

var (
	itemName        string
	itemDescription string
	itemDesignFile  string
	itemRemoteRepos []string
	itemLocalRepos  []string
	itemCatalogRefs []string
	itemListJSON    bool
)

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Manage work items",
}

var itemCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a work item and stage its workspace",
	Long: `Create a work item covering one or more repositories.

Repository specs:
  --remote dir:role:url[:baseBranch]   clone a remote repository
  --local  dir:role:/abs/path:mode     link a local repository (mode: symlink or copy)
  --repo   name                        use a saved repository from the catalog

After creation the workspace is staged and the planner starts
automatically; watch progress with 'drover events <item-id> --follow'.`,
	RunE: runItemCreate,
}

var itemListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all work items with their derived status",
	RunE:  runItemList,
}

var itemShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Show one item's configuration, status, and agents",
	Args:  cobra.ExactArgs(1),
	RunE:  runItemShow,
}

var itemDeleteCmd = &cobra.Command{
	Use:   "delete <item-id>",
	Short: "Stop everything and remove the item directory",
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
		if err := e.DeleteItem(context.Background(), itemID); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", itemID)
		return nil
	},
}

var itemRetryCmd = &cobra.Command{
	Use:   "retry-setup <item-id>",
	Short: "Re-stage the item's workspace from scratch",
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
		return e.RetrySetup(context.Background(), itemID)
	},
}

var itemWorkCmd = &cobra.Command{
	Use:   "work <item-id>",
	Short: "Run the dev, review, and finalize phases for the current plan",
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
		return e.StartWork(context.Background(), itemID)
	},
}

var itemPRsCmd = &cobra.Command{
	Use:   "create-prs <item-id>",
	Short: "Push each repository and open draft pull requests",
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
		return e.CreatePRs(context.Background(), itemID)
	},
}

var itemReviewRecvCmd = &cobra.Command{
	Use:   "review-receive <item-id> [repo-name]",
	Short: "Turn pull-request review comments into a new plan cycle",
	Args:  cobra.RangeArgs(1, 2),
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
		repoName := ""
		if len(args) == 2 {
			repoName = args[1]
		}
		agentID, err := e.StartReviewReceive(context.Background(), itemID, repoName)
		if err != nil {
			return err
		}
		fmt.Printf("Review-receive started (agent %s)\n", agentID)
		return nil
	},
}

func init() {
	itemCreateCmd.Flags().StringVar(&itemName, "name", "", "Item name (required)")
	itemCreateCmd.Flags().StringVar(&itemDescription, "description", "", "Item description")
	itemCreateCmd.Flags().StringVar(&itemDesignFile, "design-doc", "", "Path to a design document file")
	itemCreateCmd.Flags().StringArrayVar(&itemRemoteRepos, "remote", nil, "Remote repository spec dir:role:url[:baseBranch]")
	itemCreateCmd.Flags().StringArrayVar(&itemLocalRepos, "local", nil, "Local repository spec dir:role:/abs/path:mode")
	itemCreateCmd.Flags().StringArrayVar(&itemCatalogRefs, "repo", nil, "Saved repository name from the catalog")
	_ = itemCreateCmd.MarkFlagRequired("name")

	itemListCmd.Flags().BoolVar(&itemListJSON, "json", false, "Output in JSON format")

	itemCmd.AddCommand(itemCreateCmd, itemListCmd, itemShowCmd, itemDeleteCmd,
		itemRetryCmd, itemWorkCmd, itemPRsCmd, itemReviewRecvCmd)
	rootCmd.AddCommand(itemCmd)
}

func runItemCreate(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Shutdown()

	req := item.CreateRequest{
		Name:        itemName,
		Description: itemDescription,
	}
	if itemDesignFile != "" {
		data, err := os.ReadFile(itemDesignFile)
		if err != nil {
			return fmt.Errorf("failed to read design document: %w", err)
		}
		req.DesignDoc = string(data)
	}

	for _, spec := range itemRemoteRepos {
		repo, err := parseRemoteSpec(spec)
		if err != nil {
			return err
		}
		req.Repositories = append(req.Repositories, repo)
	}
	for _, spec := range itemLocalRepos {
		repo, err := parseLocalSpec(spec)
		if err != nil {
			return err
		}
		req.Repositories = append(req.Repositories, repo)
	}
	for _, name := range itemCatalogRefs {
		saved, err := e.CatalogGet(name)
		if err != nil {
			return err
		}
		req.Repositories = append(req.Repositories, saved.Repository)
	}

	it, err := e.CreateItem(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s (%d repositories)\n", color.GreenString(it.ID), len(it.Repositories))
	fmt.Printf("Follow progress: drover events %s --follow\n", it.ID)
	return nil
}

func parseRemoteSpec(spec string) (model.RepositoryConfig, error) {
	parts := strings.SplitN(spec, ":", 4)
	if len(parts) < 3 {
		return model.RepositoryConfig{}, fmt.Errorf("invalid --remote spec %q (want dir:role:url[:baseBranch])", spec)
	}
	repo := model.RepositoryConfig{
		DirectoryName: parts[0],
		Role:          parts[1],
		Type:          model.RepositoryTypeRemote,
		URL:           parts[2],
	}
	if len(parts) == 4 {
		repo.BaseBranch = parts[3]
	}
	return repo, nil
}

func parseLocalSpec(spec string) (model.RepositoryConfig, error) {
	parts := strings.SplitN(spec, ":", 4)
	if len(parts) != 4 {
		return model.RepositoryConfig{}, fmt.Errorf("invalid --local spec %q (want dir:role:/abs/path:mode)", spec)
	}
	return model.RepositoryConfig{
		DirectoryName: parts[0],
		Role:          parts[1],
		Type:          model.RepositoryTypeLocal,
		Path:          parts[2],
		LinkMode:      model.LinkMode(parts[3]),
	}, nil
}

func runItemList(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Shutdown()

	views, err := e.ListItems()
	if err != nil {
		return err
	}

	if itemListJSON {
		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(views) == 0 {
		fmt.Println("No items found.")
		fmt.Println()
		fmt.Println("Run 'drover item create' to start one.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tREPOS\tCREATED")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			v.Item.ID, v.Item.Name, colorStatus(v.Status),
			len(v.Item.Repositories), v.Item.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runItemShow(cmd *cobra.Command, args []string) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Shutdown()

	itemID, err := resolveItemID(e, args[0])
	if err != nil {
		return err
	}
	view, err := e.GetItem(itemID)
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(view.Item.ID), view.Item.Name)
	fmt.Printf("Status:  %s\n", colorStatus(view.Status))
	if view.Item.Description != "" {
		fmt.Printf("About:   %s\n", view.Item.Description)
	}
	fmt.Printf("Created: %s\n\n", view.Item.CreatedAt.Format("2006-01-02 15:04:05"))

	fmt.Println("Repositories:")
	for idx := range view.Item.Repositories {
		repo := &view.Item.Repositories[idx]
		switch repo.Type {
		case model.RepositoryTypeRemote:
			fmt.Printf("  %s (role %s) %s -> %s\n", repo.DirectoryName, repo.Role, repo.URL, repo.WorkBranch)
		default:
			fmt.Printf("  %s (role %s) %s (%s)\n", repo.DirectoryName, repo.Role, repo.Path, repo.LinkMode)
		}
	}

	agents, err := e.ListAgents(view.Item.ID)
	if err != nil {
		return err
	}
	if len(agents) > 0 {
		fmt.Println()
		fmt.Println("Agents:")
		for _, a := range agents {
			fmt.Printf("  %s  %s\n", a.ID, colorAgentStatus(a.Status))
		}
	}
	return nil
}

func colorStatus(s model.ItemStatus) string {
	switch s {
	case model.ItemStatusCompleted:
		return color.GreenString(string(s))
	case model.ItemStatusError:
		return color.RedString(string(s))
	case model.ItemStatusWaitingApproval:
		return color.YellowString(string(s))
	case model.ItemStatusRunning, model.ItemStatusPlanning, model.ItemStatusReviewReceiving:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func colorAgentStatus(s model.AgentStatus) string {
	switch s {
	case model.AgentStatusCompleted:
		return color.GreenString(string(s))
	case model.AgentStatusError:
		return color.RedString(string(s))
	case model.AgentStatusWaitingApproval:
		return color.YellowString(string(s))
	case model.AgentStatusRunning, model.AgentStatusWaitingOrchestrator:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}
