package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/spf13/cobra"
)

var branchCmd = &cobra.Command{
	Use:   "branch [path]",
	Short: "List, create, or delete branches",
	Long: `Manage the branches of the index.

Without arguments, lists all branches with their state against the parent.
With a path argument, forks the branch from its parent at the parent's head.

Examples:
  revindex branch                          # List all branches
  revindex branch MAIN/release             # Fork 'release' from MAIN
  revindex branch MAIN/release --meta owner=alice
  revindex branch -d MAIN/release          # Delete 'release' and its children
  revindex branch --reopen MAIN/release    # Replace a deleted branch with a fresh fork`,
	Args: cobra.MaximumNArgs(1),
	Run:  runBranch,
}

var (
	branchDelete   bool
	branchReopen   bool
	branchShowAll  bool
	branchMetadata []string
)

func init() {
	branchCmd.Flags().BoolVarP(&branchDelete, "delete", "d", false, "Delete a branch and its descendants")
	branchCmd.Flags().BoolVar(&branchReopen, "reopen", false, "Replace the branch with a fresh fork of its parent")
	branchCmd.Flags().BoolVarP(&branchShowAll, "all", "a", false, "Include deleted branches")
	branchCmd.Flags().StringArrayVar(&branchMetadata, "meta", nil, "Branch metadata as key=value (repeatable)")
}

func runBranch(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	var err error
	switch {
	case len(args) == 0:
		err = listBranches(cmd.Context(), c, branchShowAll)
	case branchDelete:
		err = deleteBranch(cmd.Context(), c, args[0])
	default:
		err = createBranch(cmd.Context(), c, args[0], branchReopen, branchMetadata)
	}
	if err != nil {
		exitError("%v", err)
	}
}

type branchView struct {
	Path     string             `yaml:"path"`
	ID       int64              `yaml:"id"`
	Base     int64              `yaml:"base"`
	Head     int64              `yaml:"head"`
	State    models.BranchState `yaml:"state,omitempty"`
	Deleted  bool               `yaml:"deleted,omitempty"`
	Metadata map[string]any     `yaml:"metadata,omitempty"`
}

func listBranches(ctx context.Context, c *cmdContext, all bool) error {
	search := c.Revisions.Branching().SearchByPathPrefix
	if all {
		search = func(ctx context.Context, prefix string) ([]*models.RevisionBranch, error) {
			return c.Revisions.Branching().Search(ctx, index.Prefix("path", prefix))
		}
	}
	branches, err := search(ctx, models.MainPath)
	if err != nil {
		return fmt.Errorf("failed to list branches: %w", err)
	}

	views := make([]branchView, 0, len(branches))
	for _, b := range branches {
		if b.Deleted && !all {
			continue
		}
		v := branchView{Path: b.Path, ID: b.ID, Base: b.BaseTimestamp, Head: b.HeadTimestamp, Deleted: b.Deleted, Metadata: b.Metadata}
		if !b.IsMain() && !b.Deleted {
			if v.State, err = c.Revisions.Branching().BranchState(ctx, b.Path, ""); err != nil {
				return err
			}
		}
		views = append(views, v)
	}

	return render(c.Out, views, func() {
		for _, v := range views {
			switch {
			case v.Deleted:
				red.Fprintf(c.Out, "  %s (deleted)\n", v.Path)
			case v.State == "":
				green.Fprintf(c.Out, "* %s\n", v.Path)
			default:
				fmt.Fprintf(c.Out, "  %s ", v.Path)
				stateColor(v.State).Fprintf(c.Out, "[%s]\n", v.State)
			}
		}
	})
}

func createBranch(ctx context.Context, c *cmdContext, path string, reopen bool, meta []string) error {
	metadata, err := parseMetadata(meta)
	if err != nil {
		return err
	}
	parent, name := models.ParentPathOf(path), models.NameOf(path)
	if parent == "" {
		return fmt.Errorf("%q has no parent: %w", path, models.ErrBadRequest)
	}

	if reopen {
		branch, err := c.Revisions.Branching().Reopen(ctx, parent, name, metadata)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.Out, "Reopened branch '%s' at %d\n", branch.Path, branch.BaseTimestamp)
		return nil
	}
	created, err := c.Revisions.Branching().CreateBranch(ctx, parent, name, metadata)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "Created branch '%s'\n", created)
	return nil
}

func deleteBranch(ctx context.Context, c *cmdContext, path string) error {
	if err := c.Revisions.Branching().Delete(ctx, path); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "Deleted branch '%s'\n", path)
	return nil
}

func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	metadata := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata %q is not key=value: %w", pair, models.ErrBadRequest)
		}
		metadata[key] = value
	}
	return metadata, nil
}
