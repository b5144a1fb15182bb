package cli

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/kilupskalvis/revindex/internal/revision"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log [path]",
	Short: "Show commit history",
	Long: `Display the commits of a branch, or of every branch, newest first.

Examples:
  revindex log
  revindex log MAIN/release -n 10
  revindex log --by alice --oneline`,
	Args: cobra.MaximumNArgs(1),
	Run:  runLog,
}

var (
	logOneline bool
	logLimit   int
	logAuthor  string
)

func init() {
	logCmd.Flags().BoolVar(&logOneline, "oneline", false, "Show each commit on a single line")
	logCmd.Flags().IntVarP(&logLimit, "n", "n", 0, "Limit the number of commits to show")
	logCmd.Flags().StringVar(&logAuthor, "by", "", "Only show commits by this author")
}

func runLog(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	q := revision.CommitQuery{Author: logAuthor, Limit: logLimit}
	if len(args) > 0 {
		q.Branch = args[0]
	}
	if err := showLog(cmd.Context(), c, q, logOneline); err != nil {
		exitError("%v", err)
	}
}

func showLog(ctx context.Context, c *cmdContext, q revision.CommitQuery, oneline bool) error {
	commits, err := c.Revisions.Commits(ctx, q)
	if err != nil {
		return fmt.Errorf("failed to get commit log: %w", err)
	}
	details := make(map[string][]detailLine, len(commits))
	if !oneline {
		for _, commit := range commits {
			if details[commit.ID], err = detailLines(commit.Details); err != nil {
				return fmt.Errorf("commit %s: %w", commit.ShortID(), err)
			}
		}
	}

	return render(c.Out, commits, func() {
		if len(commits) == 0 {
			fmt.Fprintln(c.Out, "No commits yet")
			return
		}
		for _, commit := range commits {
			if oneline {
				yellow.Fprintf(c.Out, "%s ", commit.ShortID())
				cyan.Fprintf(c.Out, "(%s) ", commit.Branch)
				if commit.IsMergeCommit() {
					magenta.Fprint(c.Out, "[merge] ")
				}
				fmt.Fprintln(c.Out, commit.Comment)
				continue
			}

			yellow.Fprintf(c.Out, "commit %s ", commit.ID)
			cyan.Fprintf(c.Out, "(%s)", commit.Branch)
			if commit.IsMergeCommit() {
				magenta.Fprint(c.Out, " [merge]")
			}
			fmt.Fprintln(c.Out)
			fmt.Fprintf(c.Out, "Author: %s\n", commit.Author)
			fmt.Fprintf(c.Out, "Date:   %s\n", formatTimestamp(commit.Timestamp))
			fmt.Fprintf(c.Out, "\n    %s\n\n", commit.Comment)
			for _, line := range details[commit.ID] {
				line.color.Fprintf(c.Out, "    %s\n", line.text)
			}
			if len(details[commit.ID]) > 0 {
				fmt.Fprintln(c.Out)
			}
		}
	})
}

// formatTimestamp prints a commit timestamp, which counts nanoseconds since
// the epoch.
func formatTimestamp(ts int64) string {
	return time.Unix(0, ts).UTC().Format("Mon Jan 2 15:04:05 2006")
}

type detailLine struct {
	color *color.Color
	text  string
}

var detailSigns = map[models.DetailOp]struct {
	sign  string
	color *color.Color
}{
	models.DetailAdd:    {"+", green},
	models.DetailChange: {"~", yellow},
	models.DetailRemove: {"-", red},
}

// detailLines renders one line per property change and one per container of
// a hierarchical change.
func detailLines(details []models.CommitDetail) ([]detailLine, error) {
	var lines []detailLine
	for _, d := range details {
		op, err := models.ParseDetailOp(string(d.Op))
		if err != nil {
			return nil, err
		}
		style := detailSigns[op]
		if d.IsPropertyChange() {
			lines = append(lines, detailLine{style.color, fmt.Sprintf("%s %s.%s: %q -> %q (%s)",
				style.sign, d.ObjectType, d.Prop, d.From, d.To, strings.Join(d.Objects, ", "))})
			continue
		}
		for _, container := range slices.Sorted(maps.Keys(d.Components)) {
			text := fmt.Sprintf("%s %s %s", style.sign, d.ComponentType, strings.Join(d.Components[container], ", "))
			if container != models.RootID {
				text += " in " + models.ObjectKey(d.ContainerType, container)
			}
			lines = append(lines, detailLine{style.color, text})
		}
	}
	return lines, nil
}
