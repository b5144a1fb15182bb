package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/kilupskalvis/revindex/internal/revision"
	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <from> <to>",
	Short: "Merge one branch into another",
	Long: `Merge the changes of a branch into another branch.

When the target has not moved since the source forked, the target fast-forwards
to the source head. Otherwise the changes are applied in a single merge commit.
If conflicts are detected, the merge aborts unless --ours or --theirs is given.

Examples:
  revindex merge MAIN/release MAIN           # Deliver 'release' to MAIN
  revindex merge --squash MAIN/a MAIN        # Force a merge commit
  revindex merge -m "msg" MAIN/a MAIN        # Use custom merge commit message
  revindex merge --ours MAIN/a MAIN          # On conflict, keep the target value
  revindex merge --theirs MAIN/a MAIN        # On conflict, take the source value`,
	Args: cobra.ExactArgs(2),
	Run:  runMerge,
}

var rebaseCmd = &cobra.Command{
	Use:   "rebase <path>",
	Short: "Bring the parent's changes onto a branch",
	Long: `Apply the changes of the parent branch onto the branch at path.

Examples:
  revindex rebase MAIN/release
  revindex rebase --theirs MAIN/release     # On conflict, take the parent value`,
	Args: cobra.ExactArgs(1),
	Run:  runRebase,
}

var (
	mergeSquash  bool
	mergeMessage string
	mergeOurs    bool
	mergeTheirs  bool
)

func init() {
	mergeCmd.Flags().BoolVar(&mergeSquash, "squash", false, "Create a merge commit even when fast-forward is possible")
	for _, cmd := range []*cobra.Command{mergeCmd, rebaseCmd} {
		cmd.Flags().StringVarP(&mergeMessage, "message", "m", "", "Custom merge commit message")
		cmd.Flags().BoolVar(&mergeOurs, "ours", false, "On conflict, keep the target value")
		cmd.Flags().BoolVar(&mergeTheirs, "theirs", false, "On conflict, take the source value")
	}
}

// conflictStrategy maps the --ours and --theirs flags to a processor name.
func conflictStrategy(ours, theirs bool) (string, error) {
	switch {
	case ours && theirs:
		return "", errors.New("cannot use --ours and --theirs together")
	case ours:
		return "ours", nil
	case theirs:
		return "theirs", nil
	}
	return "abort", nil
}

func runMerge(cmd *cobra.Command, args []string) {
	strategy, err := conflictStrategy(mergeOurs, mergeTheirs)
	if err != nil {
		exitError("%v", err)
	}

	c := initContext()
	defer c.Close()

	req := revision.MergeRequest{
		From:    args[0],
		To:      args[1],
		Message: mergeMessage,
		Author:  authorName,
		Squash:  mergeSquash,
	}
	if err := runMergeRequest(cmd.Context(), c, req, strategy); err != nil {
		exitError("%v", err)
	}
}

func runRebase(cmd *cobra.Command, args []string) {
	strategy, err := conflictStrategy(mergeOurs, mergeTheirs)
	if err != nil {
		exitError("%v", err)
	}

	c := initContext()
	defer c.Close()

	if err := rebaseBranch(cmd.Context(), c, args[0], mergeMessage, strategy); err != nil {
		exitError("%v", err)
	}
}

func runMergeRequest(ctx context.Context, c *cmdContext, req revision.MergeRequest, strategy string) error {
	processor, err := revision.ProcessorFor(strategy)
	if err != nil {
		return err
	}
	req.Processor = processor

	result, err := c.Revisions.Merge(ctx, req)
	if err != nil {
		return mergeFailed(c, err)
	}
	if result == nil {
		fmt.Fprintf(c.Out, "Already up to date: %s has nothing new for %s\n", req.From, req.To)
		return nil
	}
	return printMergeResult(c, result, strategy)
}

func rebaseBranch(ctx context.Context, c *cmdContext, path, message, strategy string) error {
	processor, err := revision.ProcessorFor(strategy)
	if err != nil {
		return err
	}
	result, err := c.Revisions.Rebase(ctx, path, message, authorName, processor)
	if err != nil {
		return mergeFailed(c, err)
	}
	return printMergeResult(c, result, strategy)
}

func mergeFailed(c *cmdContext, err error) error {
	var conflicts *models.MergeConflictError
	if !errors.As(err, &conflicts) {
		return err
	}
	red.Fprintln(c.Out, "CONFLICTS:")
	for _, conflict := range conflicts.Conflicts {
		fmt.Fprintf(c.Out, "  %s\n", conflict)
	}
	return fmt.Errorf("automatic merge of %s into %s failed; retry with --ours or --theirs", conflicts.From, conflicts.To)
}

func printMergeResult(c *cmdContext, result *models.MergeResult, strategy string) error {
	return render(c.Out, result, func() {
		if result.FastForward {
			green.Fprintf(c.Out, "Fast-forward to %d\n", result.Timestamp)
			return
		}
		fmt.Fprintln(c.Out, "Merge made by squash commit.")
		if result.Commit != nil {
			fmt.Fprintf(c.Out, "  Merge commit: %s\n", result.Commit.ShortID())
		}

		if result.ResolvedConflicts > 0 {
			yellow.Fprintf(c.Out, "Auto-resolved %d conflict(s) using '%s' strategy\n", result.ResolvedConflicts, strategy)
		}
		if result.ObjectsAdded > 0 {
			green.Fprintf(c.Out, "  %d objects added\n", result.ObjectsAdded)
		}
		if result.ObjectsChanged > 0 {
			yellow.Fprintf(c.Out, "  %d objects changed\n", result.ObjectsChanged)
		}
		if result.ObjectsRemoved > 0 {
			red.Fprintf(c.Out, "  %d objects removed\n", result.ObjectsRemoved)
		}
		if result.Dropped > 0 {
			yellow.Fprintf(c.Out, "  Warning: %d change(s) to detached objects dropped\n", result.Dropped)
		}
	})
}
