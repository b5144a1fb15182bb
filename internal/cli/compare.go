package cli

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/kilupskalvis/revindex/internal/revision"
	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare <path> | <base> <compare>",
	Short: "Show what a branch changed",
	Long: `Show the documents a branch added, changed and deleted.

With one path, the branch is compared with its parent. With two, the second
branch is compared with the first. Paths accept the base and range forms:

Examples:
  revindex compare MAIN/release            # changes of 'release' against MAIN
  revindex compare MAIN/a MAIN/b           # what MAIN/b holds that MAIN/a lacks
  revindex compare MAIN/a^ MAIN/a          # changes since MAIN/a was forked
  revindex compare --stat MAIN/release     # counts only`,
	Args: cobra.RangeArgs(1, 2),
	Run:  runCompare,
}

var (
	compareStat  bool
	compareLimit int
)

func init() {
	compareCmd.Flags().BoolVar(&compareStat, "stat", false, "Show counts instead of document ids")
	compareCmd.Flags().IntVar(&compareLimit, "limit", 0, "Cap the ids collected per type (default from config)")
}

func runCompare(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := showCompare(cmd.Context(), c, args, compareLimit, compareStat); err != nil {
		exitError("%v", err)
	}
}

type typeChangesView struct {
	Type    string          `yaml:"type"`
	Totals  revision.Totals `yaml:"totals"`
	New     []string        `yaml:"new,omitempty"`
	Changed []string        `yaml:"changed,omitempty"`
	Deleted []string        `yaml:"deleted,omitempty"`
}

func showCompare(ctx context.Context, c *cmdContext, args []string, limit int, stat bool) error {
	if limit <= 0 {
		limit = c.Config.Compare.DefaultLimit
	}

	var diff *revision.Compare
	var err error
	if len(args) == 1 {
		diff, err = c.Revisions.CompareWithLimit(ctx, args[0], limit)
	} else {
		diff, err = c.Revisions.CompareBranchesWithLimit(ctx, args[0], args[1], limit)
	}
	if err != nil {
		return fmt.Errorf("failed to compare: %w", err)
	}

	views := make([]typeChangesView, 0, len(diff.Types()))
	for _, docType := range diff.Types() {
		v := typeChangesView{Type: docType, Totals: diff.Totals(docType)}
		if !stat {
			q := index.Select(docType).Project(models.FieldID)
			if v.New, err = documentIDs(diff.SearchNew(ctx, q)); err != nil {
				return err
			}
			if v.Changed, err = documentIDs(diff.SearchChanged(ctx, q)); err != nil {
				return err
			}
			if v.Deleted, err = documentIDs(diff.SearchDeleted(ctx, q)); err != nil {
				return err
			}
		}
		views = append(views, v)
	}

	return render(c.Out, views, func() {
		if len(views) == 0 {
			fmt.Fprintln(c.Out, "No changes")
			return
		}
		for _, v := range views {
			magenta.Fprintf(c.Out, "%s\n", v.Type)
			if stat {
				if v.Totals.New > 0 {
					green.Fprintf(c.Out, " %d new(+)\n", v.Totals.New)
				}
				if v.Totals.Changed > 0 {
					yellow.Fprintf(c.Out, " %d changed(~)\n", v.Totals.Changed)
				}
				if v.Totals.Deleted > 0 {
					red.Fprintf(c.Out, " %d deleted(-)\n", v.Totals.Deleted)
				}
				continue
			}
			for _, id := range v.New {
				green.Fprintf(c.Out, "  + %s\n", id)
			}
			for _, id := range v.Changed {
				yellow.Fprintf(c.Out, "  ~ %s\n", id)
			}
			for _, id := range v.Deleted {
				red.Fprintf(c.Out, "  - %s\n", id)
			}
		}
	})
}

func documentIDs(hits *index.Hits, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(hits.Items))
	for _, hit := range hits.Items {
		doc, err := hit.Document()
		if err != nil {
			return nil, err
		}
		ids = append(ids, doc.String(models.FieldID))
	}
	return ids, nil
}
