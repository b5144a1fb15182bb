package cli

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state <path> [other]",
	Short: "Show how a branch relates to another branch",
	Long: `Show the state of a branch against another branch, its parent by default.

  UP_TO_DATE  neither side has changes the other lacks
  FORWARD     only the branch has changes
  BEHIND      only the other branch has changes
  DIVERGED    both sides have changes`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runState,
}

func runState(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	other := ""
	if len(args) > 1 {
		other = args[1]
	}
	if err := showState(cmd.Context(), c, args[0], other); err != nil {
		exitError("%v", err)
	}
}

type stateView struct {
	Branch string             `yaml:"branch"`
	Other  string             `yaml:"other"`
	State  models.BranchState `yaml:"state"`
}

func showState(ctx context.Context, c *cmdContext, path, other string) error {
	state, err := c.Revisions.Branching().BranchState(ctx, path, other)
	if err != nil {
		return err
	}
	if other == "" {
		other = models.ParentPathOf(path)
	}
	view := stateView{Branch: path, Other: other, State: state}
	return render(c.Out, view, func() {
		fmt.Fprintf(c.Out, "%s is ", path)
		stateColor(state).Fprint(c.Out, state)
		fmt.Fprintf(c.Out, " against %s\n", other)
	})
}
