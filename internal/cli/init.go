package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kilupskalvis/revindex/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new revindex repository",
	Long: `Initialize a new revindex repository in the current directory.
This creates a .revindex directory holding the configuration and the index,
and creates the MAIN branch.

Examples:
  revindex init
  revindex init --backend sqlite --type concept --type description`,
	Args: cobra.NoArgs,
	Run:  runInit,
}

var (
	initBackend string
	initTypes   []string
)

func init() {
	initCmd.Flags().StringVar(&initBackend, "backend", config.BackendBolt, "Index backend: bbolt, badger, sqlite or memory")
	initCmd.Flags().StringArrayVar(&initTypes, "type", nil, "Versioned document type to declare (repeatable)")
}

func runInit(cmd *cobra.Command, args []string) {
	dir, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}
	if err := initRepository(cmd.Context(), dir, initBackend, initTypes, os.Stdout); err != nil {
		exitError("%v", err)
	}
}

func initRepository(ctx context.Context, dir, backend string, types []string, out io.Writer) error {
	if _, err := config.FindRootFrom(dir); err == nil {
		return fmt.Errorf("revindex repository already exists")
	}

	cfg, err := config.Initialize(dir, backend)
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	if len(types) > 0 {
		for _, t := range types {
			cfg.Types = append(cfg.Types, config.TypeConfig{Name: t, Kind: config.KindRevision})
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return err
		}
	}

	c, err := openContext(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintf(out, "Initialized empty revindex repository in %s/\n", config.RepoDir)
	fmt.Fprintf(out, "Index backend: %s\n", cfg.Index.Backend)
	if len(types) > 0 {
		fmt.Fprintf(out, "Document types: %v\n", types)
	}
	return nil
}
