package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/kilupskalvis/revindex/internal/config"
	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/kilupskalvis/revindex/internal/revision"
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate a shell completion script for revindex.

Besides commands and flags, the script completes branch paths such as
MAIN/release from the repository in the current directory, so
"revindex merge MAIN/<TAB>" lists the active branches below MAIN.

  revindex completion bash > /etc/bash_completion.d/revindex
  revindex completion zsh > "${fpath[1]}/_revindex"
  revindex completion fish > ~/.config/fish/completions/revindex.fish
  revindex completion powershell | Out-String | Invoke-Expression`,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	DisableFlagsInUseLine: true,
	Run: func(cmd *cobra.Command, args []string) {
		if err := writeCompletion(os.Stdout, args[0]); err != nil {
			exitError("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)

	// commands whose leading arguments are all branch paths
	for _, cmd := range []*cobra.Command{stateCmd, compareCmd, mergeCmd, rebaseCmd, purgeCmd, logCmd} {
		cmd.ValidArgsFunction = branchPathArgs(cmd.Args)
	}
	// commands that take a branch path first and something else after it
	for _, cmd := range []*cobra.Command{putCmd, getCmd, rmCmd} {
		cmd.ValidArgsFunction = branchPathArgs(cobra.ExactArgs(0))
	}
}

func writeCompletion(w io.Writer, shell string) error {
	switch shell {
	case "bash":
		return rootCmd.GenBashCompletionV2(w, true)
	case "zsh":
		return rootCmd.GenZshCompletion(w)
	case "fish":
		return rootCmd.GenFishCompletion(w, true)
	case "powershell":
		return rootCmd.GenPowerShellCompletionWithDesc(w)
	}
	return fmt.Errorf("unsupported shell %q", shell)
}

// branchPathArgs completes branch paths while args still accepts one more
// argument. It stays silent outside a repository.
func branchPathArgs(accepts cobra.PositionalArgs) cobra.CompletionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]cobra.Completion, cobra.ShellCompDirective) {
		if len(args) > 0 && accepts != nil && accepts(cmd, append(slices.Clip(args), toComplete)) != nil {
			return nil, cobra.ShellCompDirectiveDefault
		}
		cfg, err := config.Load()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		ctx := context.Background()
		c, err := openContext(ctx, cfg, io.Discard)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		defer c.Close()

		paths, err := completeBranchPaths(ctx, c, toComplete)
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		return paths, cobra.ShellCompDirectiveNoFileComp
	}
}

// completeBranchPaths lists the active branch paths starting with prefix.
// After a range separator only the second path is completed.
func completeBranchPaths(ctx context.Context, c *cmdContext, prefix string) ([]string, error) {
	var lead string
	if i := strings.LastIndex(prefix, revision.RangeSeparator); i >= 0 {
		lead, prefix = prefix[:i+len(revision.RangeSeparator)], prefix[i+len(revision.RangeSeparator):]
	}
	branches, err := c.Revisions.Branching().SearchByPathPrefix(ctx, models.MainPath)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, b := range branches {
		if strings.HasPrefix(b.Path, prefix) {
			paths = append(paths, lead+b.Path)
		}
	}
	return paths, nil
}
