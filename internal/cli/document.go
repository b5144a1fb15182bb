package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/kilupskalvis/revindex/internal/index"
	"github.com/kilupskalvis/revindex/internal/models"
	"github.com/kilupskalvis/revindex/internal/revision"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <path> <type> <file>",
	Short: "Write documents to a branch",
	Long: `Write the documents in a JSON or YAML file to a branch in one commit.

The file holds one document or a list of documents, each with an "id" field.
Documents missing on the branch are added, the others replace the version the
branch sees.

Examples:
  revindex put MAIN/release concept concepts.yaml -m "Import concepts"
  cat doc.json | revindex put MAIN concept -`,
	Args: cobra.ExactArgs(3),
	Run:  runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <path> <type> <id>",
	Short: "Print a document as a branch sees it",
	Long: `Print a document as seen by a branch. Paths accept the timestamp form:

  revindex get MAIN concept 12345
  revindex get MAIN@1700000000000000000 concept 12345`,
	Args: cobra.ExactArgs(3),
	Run:  runGet,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path> <type> <id>...",
	Short: "Remove documents from a branch",
	Args:  cobra.MinimumNArgs(3),
	Run:   runRm,
}

var documentMessage string

func init() {
	putCmd.Flags().StringVarP(&documentMessage, "message", "m", "", "Commit message")
	rmCmd.Flags().StringVarP(&documentMessage, "message", "m", "", "Commit message")
}

func runPut(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	var data []byte
	var err error
	if args[2] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[2])
	}
	if err != nil {
		exitError("failed to read %s: %v", args[2], err)
	}
	if err := putDocuments(cmd.Context(), c, args[0], args[1], data, documentMessage); err != nil {
		exitError("%v", err)
	}
}

func runGet(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := getDocument(cmd.Context(), c, args[0], args[1], args[2]); err != nil {
		exitError("%v", err)
	}
}

func runRm(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	if err := removeDocuments(cmd.Context(), c, args[0], args[1], args[2:], documentMessage); err != nil {
		exitError("%v", err)
	}
}

// parseDocuments decodes one document or a list of documents. YAML is a
// superset of JSON, so both formats go through the YAML decoder.
func parseDocuments(data []byte) ([]index.Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse documents: %w", err)
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case nil:
		return nil, fmt.Errorf("no documents: %w", models.ErrBadRequest)
	default:
		items = []any{v}
	}

	docs := make([]index.Document, 0, len(items))
	for i, item := range items {
		doc, err := index.ToDocument(item)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if doc.String(models.FieldID) == "" {
			return nil, fmt.Errorf("document %d has no id: %w", i, models.ErrBadRequest)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func putDocuments(ctx context.Context, c *cmdContext, path, docType string, data []byte, message string) error {
	docs, err := parseDocuments(data)
	if err != nil {
		return err
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.String(models.FieldID)
	}

	var existing map[string]index.Document
	err = c.Revisions.Read(ctx, path, func(s *revision.Searcher) error {
		existing, err = s.GetDocuments(docType, ids...)
		return err
	})
	if err != nil {
		return err
	}

	if message == "" {
		message = fmt.Sprintf("Put %d %s document(s)", len(docs), docType)
	}
	var added, changed int
	commit, err := c.Revisions.Write(ctx, path, authorName, message, func(staging *revision.StagingArea) error {
		for _, doc := range docs {
			old, ok := existing[doc.String(models.FieldID)]
			if !ok {
				added++
				if err := staging.StageNew(docType, doc); err != nil {
					return err
				}
				continue
			}
			changed++
			if err := staging.StageChange(docType, old, doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	printCommit(c, commit, added, changed, 0)
	return nil
}

func getDocument(ctx context.Context, c *cmdContext, path, docType, id string) error {
	var doc index.Document
	err := c.Revisions.Read(ctx, path, func(s *revision.Searcher) error {
		found, err := s.Get(docType, id, &doc)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%s in %s: %w", models.NewObjectID(docType, id), path, models.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return render(c.Out, doc, func() {
		data, _ := json.MarshalIndent(doc, "", "  ")
		fmt.Fprintln(c.Out, string(data))
	})
}

func removeDocuments(ctx context.Context, c *cmdContext, path, docType string, ids []string, message string) error {
	var existing map[string]index.Document
	err := c.Revisions.Read(ctx, path, func(s *revision.Searcher) error {
		var err error
		existing, err = s.GetDocuments(docType, ids...)
		return err
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := existing[id]; !ok {
			return fmt.Errorf("%s in %s: %w", models.NewObjectID(docType, id), path, models.ErrNotFound)
		}
	}

	if message == "" {
		message = fmt.Sprintf("Remove %d %s document(s)", len(ids), docType)
	}
	commit, err := c.Revisions.Write(ctx, path, authorName, message, func(staging *revision.StagingArea) error {
		for _, id := range ids {
			if err := staging.StageRemove(docType, existing[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	printCommit(c, commit, 0, 0, len(ids))
	return nil
}

func printCommit(c *cmdContext, commit *models.Commit, added, changed, removed int) {
	if commit == nil {
		fmt.Fprintln(c.Out, "Nothing to commit")
		return
	}
	yellow.Fprintf(c.Out, "[%s %s] ", commit.Branch, commit.ShortID())
	fmt.Fprintln(c.Out, commit.Comment)
	if added > 0 {
		green.Fprintf(c.Out, "  %d added\n", added)
	}
	if changed > 0 {
		yellow.Fprintf(c.Out, "  %d changed\n", changed)
	}
	if removed > 0 {
		red.Fprintf(c.Out, "  %d removed\n", removed)
	}
}
