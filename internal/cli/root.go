// Package cli implements the command-line interface for revindex.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/kilupskalvis/revindex/internal/config"
	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/index/engine"
	"github.com/kilupskalvis/revindex/internal/logging"
	"github.com/kilupskalvis/revindex/internal/notify"
	"github.com/kilupskalvis/revindex/internal/pathlock"
	"github.com/kilupskalvis/revindex/internal/revision"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config    *config.Config
	Index     *index.Index
	Revisions *revision.RevisionIndex
	Logger    *zap.Logger
	Out       io.Writer

	stopNotify func()
}

// Close releases resources held by cmdContext. Calling it again is a no-op
// apart from rewriting the metrics file.
func (c *cmdContext) Close() {
	if c.stopNotify != nil {
		c.stopNotify()
		c.stopNotify = nil
	}
	if c.Index != nil {
		if err := c.Index.Close(); err != nil {
			c.Logger.Warn("close index", zap.Error(err))
		}
		c.Index = nil
	}
	if path := c.Config.Metrics.Textfile; path != "" {
		if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
			c.Logger.Warn("write metrics", zap.String("path", path), zap.Error(err))
		}
	}
	_ = c.Logger.Sync()
}

// initContext loads the repository configuration and opens the index
func initContext() *cmdContext {
	cfg, err := config.Load()
	if err != nil {
		exitError("%v", err)
	}

	c, err := openContext(context.Background(), cfg, os.Stdout)
	if err != nil {
		exitError("%v", err)
	}
	return c
}

// openContext wires logging, the index backend, branch locks, webhooks and
// the revision index described by cfg, and makes sure MAIN exists.
func openContext(ctx context.Context, cfg *config.Config, out io.Writer) (*cmdContext, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}

	ix, err := engine.Open(cfg, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	c := &cmdContext{Config: cfg, Index: ix, Logger: logger, Out: out}

	idle, _ := cfg.LockIdleTimeout()
	wait, _ := cfg.LockWaitTimeout()
	registry := revision.NewRegistry(pathlock.New(pathlock.Options{
		IdleTimeout: idle,
		WaitTimeout: wait,
		Size:        cfg.Branching.LockCacheSize,
		Logger:      logger.Named("pathlock"),
	}))

	rix, err := revision.New(ix, revision.Options{
		Mappings:       mappingsFromConfig(cfg.Types),
		Registry:       registry,
		Logger:         logger.Named("revision"),
		CompareLimit:   cfg.Compare.DefaultLimit,
		PurgeBatchSize: cfg.Purge.BatchSize,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("invalid document types: %w", err)
	}
	c.Revisions = rix

	timeout, _ := cfg.NotifyTimeout()
	notifier := notify.NewWebhookNotifier(&notify.WebhookConfig{
		URLs:    cfg.Notify.WebhookURLs,
		Repo:    cfg.RepoPath(),
		Timeout: timeout,
		Retries: 2,
	}, logger.Named("notify"))
	c.stopNotify = notifier.Watch(registry)

	if err := rix.Init(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize MAIN: %w", err)
	}
	return c, nil
}

// mappingsFromConfig turns the declared document types into revision
// mappings. Types without a kind are versioned.
func mappingsFromConfig(types []config.TypeConfig) []revision.Mapping {
	mappings := make([]revision.Mapping, 0, len(types))
	for _, t := range types {
		m := revision.Mapping{
			Type:           t.Name,
			Kind:           revision.KindRevision,
			Parent:         t.Parent,
			Field:          t.Field,
			ContainerType:  t.ContainerType,
			ContainerField: t.ContainerField,
			Tracked:        t.Tracked,
		}
		switch t.Kind {
		case config.KindPlain:
			m.Kind = revision.KindPlain
		case config.KindNested:
			m.Kind = revision.KindNested
		}
		mappings = append(mappings, m)
	}
	return mappings
}

var rootCmd = &cobra.Command{
	Use:   "revindex",
	Short: "Revision-controlled document index",
	Long: `revindex keeps a document index under version control. Documents are
written to branches forked from MAIN, compared, merged back and purged,
with every branch seeing its own consistent view of the index.`,
}

var (
	outputFormat string
	authorName   string
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or yaml")
	rootCmd.PersistentFlags().StringVar(&authorName, "author", defaultAuthor(), "Author recorded on commits")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(rebaseCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rmCmd)
}

func defaultAuthor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "revindex"
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
