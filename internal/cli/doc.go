package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/collab"
	"github.com/roach88/stepsync/internal/model"
	"github.com/roach88/stepsync/internal/store"
)

// emptyTree is the tree of a newly created document when no file is given.
const emptyTree = `{"type":"doc","content":[{"type":"paragraph"}]}`

// DocOptions holds flags shared by the doc subcommands.
type DocOptions struct {
	*RootOptions
	Database string
}

// NewDocCommand creates the doc command group.
func NewDocCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Inspect and administer stored documents",
		Long: `Inspect and administer stored documents directly in the store.

Examples:
  stepsync doc create ms-42 --tree ./initial.json --project proj-7
  stepsync doc show ms-42 --format json
  stepsync doc history ms-42 --from 10
  stepsync doc clear-history ms-42`,
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides store.path)")

	cmd.AddCommand(newDocCreateCommand(opts))
	cmd.AddCommand(newDocShowCommand(opts))
	cmd.AddCommand(newDocListCommand(opts))
	cmd.AddCommand(newDocHistoryCommand(opts))
	cmd.AddCommand(newDocClearHistoryCommand(opts))

	return cmd
}

// withService opens the configured store and runs fn against a service
// backed by it.
func (o *DocOptions) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *collab.Service) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	if o.Database != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = o.Database
	}
	c, err := newCodec(cfg.Sync)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := newLogger(cfg.Log, o.Verbose, cmd.ErrOrStderr())
	return fn(ctx, collab.NewService(st, c, collab.WithLogger(logger)))
}

// DocumentSummary is the output of doc create and doc show.
type DocumentSummary struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id,omitempty"`
	Version       int64           `json:"version"`
	Steps         int             `json:"steps"`
	SchemaVersion string          `json:"schema_version,omitempty"`
	Tree          json.RawMessage `json:"tree,omitempty"`
}

func summarize(doc *model.Document, withTree bool) DocumentSummary {
	s := DocumentSummary{
		ID:            doc.ID,
		ProjectID:     doc.ProjectID,
		Version:       doc.Version,
		Steps:         len(doc.Steps),
		SchemaVersion: doc.SchemaVersion,
	}
	if withTree {
		s.Tree = doc.Tree
	}
	return s
}

func (s DocumentSummary) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "Document: %s\n", s.ID)
	if s.ProjectID != "" {
		fmt.Fprintf(w, "Project:  %s\n", s.ProjectID)
	}
	fmt.Fprintf(w, "Version:  %d\n", s.Version)
	fmt.Fprintf(w, "Steps:    %d retained\n", s.Steps)
	if s.SchemaVersion != "" {
		fmt.Fprintf(w, "Schema:   %s\n", s.SchemaVersion)
	}
	if len(s.Tree) > 0 {
		fmt.Fprintf(w, "Tree:     %s\n", s.Tree)
	}
	return nil
}

func newDocCreateCommand(opts *DocOptions) *cobra.Command {
	var treeFile, projectID string
	cmd := &cobra.Command{
		Use:           "create <document-id>",
		Short:         "Create a document at version 0",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree := json.RawMessage(emptyTree)
			if treeFile != "" {
				data, err := readTreeFile(cmd, treeFile)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read tree", err)
				}
				tree = data
			}
			out := opts.newFormatter(cmd)
			return opts.withService(cmd, func(ctx context.Context, svc *collab.Service) error {
				doc, err := svc.CreateDocument(ctx, projectID, args[0], tree)
				if err != nil {
					return out.Fail("failed to create document", err)
				}
				out.VerboseLog("created %s", doc.ID)
				return out.Success(summarize(doc, false))
			})
		},
	}
	cmd.Flags().StringVar(&treeFile, "tree", "", "file holding the initial tree JSON (- for stdin)")
	cmd.Flags().StringVar(&projectID, "project", "", "project the document belongs to (empty: reachable from any project)")
	return cmd
}

func readTreeFile(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func newDocShowCommand(opts *DocOptions) *cobra.Command {
	var noTree bool
	cmd := &cobra.Command{
		Use:           "show <document-id>",
		Short:         "Show a document's version and tree",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.newFormatter(cmd)
			return opts.withService(cmd, func(ctx context.Context, svc *collab.Service) error {
				doc, err := svc.Document(ctx, args[0])
				if err != nil {
					return out.Fail("failed to read document", err)
				}
				return out.Success(summarize(doc, !noTree))
			})
		},
	}
	cmd.Flags().BoolVar(&noTree, "no-tree", false, "omit the tree")
	return cmd
}

// DocumentList is the output of doc list.
type DocumentList struct {
	Documents []DocumentListEntry `json:"documents"`
}

// DocumentListEntry is one row of doc list.
type DocumentListEntry struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id,omitempty"`
	Version       int64     `json:"version"`
	Steps         int       `json:"steps"`
	SchemaVersion string    `json:"schema_version,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (l DocumentList) RenderText(w io.Writer) error {
	if len(l.Documents) == 0 {
		_, err := fmt.Fprintln(w, "No documents.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROJECT\tVERSION\tSTEPS\tUPDATED")
	for _, d := range l.Documents {
		project := d.ProjectID
		if project == "" {
			project = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", d.ID, project, d.Version, d.Steps, d.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func newDocListCommand(opts *DocOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List documents, most recently updated first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.newFormatter(cmd)
			return opts.withService(cmd, func(ctx context.Context, svc *collab.Service) error {
				infos, err := svc.ListDocuments(ctx)
				if err != nil {
					return out.Fail("failed to list documents", err)
				}
				return out.Success(toDocumentList(infos))
			})
		},
	}
}

func toDocumentList(infos []store.DocumentInfo) DocumentList {
	list := DocumentList{Documents: make([]DocumentListEntry, 0, len(infos))}
	for _, info := range infos {
		list.Documents = append(list.Documents, DocumentListEntry{
			ID:            info.ID,
			ProjectID:     info.ProjectID,
			Version:       info.Version,
			Steps:         info.StepCount,
			SchemaVersion: info.SchemaVersion,
			UpdatedAt:     info.UpdatedAt,
		})
	}
	return list
}

// HistoryOutput is the output of doc history.
type HistoryOutput struct {
	*model.HistoryResponse
}

func (h HistoryOutput) RenderText(w io.Writer) error {
	fmt.Fprintf(w, "Version: %d (%d steps)\n", h.Version, len(h.Steps))
	for i, step := range h.Steps {
		fmt.Fprintf(w, "  [client %d] %s\n", h.ClientIDs[i], step)
	}
	if len(h.Doc) > 0 {
		fmt.Fprintf(w, "Tree: %s\n", h.Doc)
	}
	return nil
}

func newDocHistoryCommand(opts *DocOptions) *cobra.Command {
	var (
		from     int64
		withTree bool
	)
	cmd := &cobra.Command{
		Use:           "history <document-id>",
		Short:         "Print the committed steps since a version",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.newFormatter(cmd)
			return opts.withService(cmd, func(ctx context.Context, svc *collab.Service) error {
				resp, err := svc.GetHistory(ctx, args[0], from, withTree)
				if err != nil {
					return out.Fail("failed to read history", err)
				}
				return out.Success(HistoryOutput{resp})
			})
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "version to read history from")
	cmd.Flags().BoolVar(&withTree, "tree", false, "include the current tree")
	return cmd
}

func newDocClearHistoryCommand(opts *DocOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-history <document-id>",
		Short: "Drop a document's retained step log",
		Long: `Drop a document's retained step log. The version and tree are kept;
clients that fall behind afterwards resync from the full tree.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.newFormatter(cmd)
			return opts.withService(cmd, func(ctx context.Context, svc *collab.Service) error {
				if err := svc.ClearHistory(ctx, args[0]); err != nil {
					return out.Fail("failed to clear history", err)
				}
				return out.Success(fmt.Sprintf("Cleared history of %s", args[0]))
			})
		},
	}
}
