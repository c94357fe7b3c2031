package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/engine"
	"github.com/droverhq/drover/internal/resolver"
	"github.com/droverhq/drover/pkg/model"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - AI agent orchestrator for multi-repo development",
	Long: `Drover orchestrates long-lived interactive AI-assistant agents, each
attached to its own pseudo-terminal, to drive multi-repository software
development: plan from a design document, implement in parallel per
repository, run a bounded review loop, and open one draft pull request
per repository.

All state lives as append-only event journals under the data root
(default ~/.drover, override with DROVER_DATA_DIR).`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// newEngine builds a started engine from the environment. The caller owns
// shutdown.
func newEngine() (*engine.Engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	e := engine.New(cfg)
	if err := e.Startup(); err != nil {
		return nil, err
	}
	return e, nil
}

// resolveItemID expands an abbreviated item id against the engine's item
// list, so commands accept any unambiguous prefix.
func resolveItemID(e *engine.Engine, input string) (string, error) {
	views, err := e.ListItems()
	if err != nil {
		return "", err
	}
	pool := make([]*model.Item, 0, len(views))
	for _, v := range views {
		pool = append(pool, v.Item)
	}

	id, err := resolver.ResolveItemID(pool, input)
	if err != nil {
		var amb *resolver.AmbiguousError
		if errors.As(err, &amb) {
			return "", fmt.Errorf("%s", resolver.FormatAmbiguous(amb))
		}
		return "", err
	}
	return id, nil
}
