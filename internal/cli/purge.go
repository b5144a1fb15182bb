package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge <path>",
	Short: "Remove revisions no branch can see",
	Long: `Physically remove revisions of a branch that are no longer needed.

Modes:
  LATEST   revisions superseded within the latest segment of the branch
  HISTORY  revisions superseded in every segment of the branch
  ALL      every revision the branch superseded, including inherited ones

Examples:
  revindex purge MAIN
  revindex purge --mode HISTORY MAIN/release`,
	Args: cobra.ExactArgs(1),
	Run:  runPurge,
}

var purgeMode string

func init() {
	purgeCmd.Flags().StringVar(&purgeMode, "mode", string(models.PurgeLatest), "Purge mode: LATEST, HISTORY or ALL")
}

func runPurge(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := purgeBranch(cmd.Context(), c, args[0], purgeMode); err != nil {
		exitError("%v", err)
	}
}

type purgeView struct {
	Branch  string           `yaml:"branch"`
	Mode    models.PurgeMode `yaml:"mode"`
	Deleted map[string]int   `yaml:"deleted"`
}

func purgeBranch(ctx context.Context, c *cmdContext, path, mode string) error {
	m, err := models.ParsePurgeMode(mode)
	if err != nil {
		return fmt.Errorf("invalid purge mode %q: %w", mode, err)
	}
	result, err := c.Revisions.Purge(ctx, path, m)
	if err != nil {
		return err
	}

	view := purgeView{Branch: path, Mode: result.Mode, Deleted: result.Deleted}
	return render(c.Out, view, func() {
		if result.Total() == 0 {
			fmt.Fprintf(c.Out, "Nothing to purge on %s\n", path)
			return
		}
		types := make([]string, 0, len(result.Deleted))
		for t := range result.Deleted {
			types = append(types, t)
		}
		slices.Sort(types)
		fmt.Fprintf(c.Out, "Purged %d revision(s) from %s (%s)\n", result.Total(), path, result.Mode)
		for _, t := range types {
			red.Fprintf(c.Out, "  %s: %d\n", t, result.Deleted[t])
		}
	})
}
