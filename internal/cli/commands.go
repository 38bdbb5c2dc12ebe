package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"fieldsync/internal/models"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	var kind, resource, payload, payloadFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a create, update or delete for the remote API",
		Example: `  fieldsyncctl enqueue --kind create --resource widgets --payload '{"name":"A"}'
  fieldsyncctl enqueue --kind delete --resource widgets --payload '{"id":"A"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)

			parsed, err := models.ParseOperationKind(kind)
			if err != nil {
				return f.Fail(ExitCommandError, CodeInvalidArgs, err.Error(), nil)
			}
			raw, err := readPayload(payload, payloadFile, cmd.InOrStdin())
			if err != nil {
				return f.Fail(ExitCommandError, CodeInvalidArgs, err.Error(), nil)
			}

			op, err := NewClient(rootOpts).Enqueue(cmd.Context(), parsed, resource, raw)
			if err != nil {
				return reportError(f, err)
			}
			return f.Success(op, func(w io.Writer) {
				fmt.Fprintf(w, "Queued %s %s as %s\n", op.Kind, op.Resource, op.ID)
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "operation kind (create|update|delete)")
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "remote collection name")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the JSON payload from a file, - for stdin")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("resource")

	return cmd
}

func readPayload(inline, file string, stdin io.Reader) (json.RawMessage, error) {
	if inline != "" && file != "" {
		return nil, fmt.Errorf("use either --payload or --payload-file")
	}

	var data []byte
	switch {
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		data = b
	default:
		data = []byte(inline)
	}

	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync pass now and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			res, err := NewClient(rootOpts).Sync(cmd.Context())
			if err != nil {
				return reportError(f, err)
			}
			return f.Success(res, func(w io.Writer) {
				if res.Syncing {
					fmt.Fprintf(w, "Sync already running, %d pending\n", res.Depth)
					return
				}
				fmt.Fprintf(w, "Sync finished, %d pending\n", res.Depth)
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, sync state and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			st, err := NewClient(rootOpts).Status(cmd.Context())
			if err != nil {
				return reportError(f, err)
			}
			if !list {
				st.Operations = nil
			}
			return f.Success(st, func(w io.Writer) {
				state := color.New(color.FgRed).Sprint("offline")
				if st.Online {
					state = color.New(color.FgGreen).Sprint("online")
				}
				fmt.Fprintf(w, "Connectivity: %s\nSyncing:      %t\nPending:      %d\n", state, st.Syncing, st.Depth)
				if list && len(st.Operations) > 0 {
					fmt.Fprintln(w)
					writeOperations(w, st.Operations)
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&list, "list", "l", false, "list pending operations")
	return cmd
}

func writeOperations(w io.Writer, ops []models.PendingOperation) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tRESOURCE\tENQUEUED\tRETRIES")
	for _, op := range ops {
		enqueued := time.UnixMilli(op.EnqueuedAt).UTC().Format(time.RFC3339)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", op.ID, op.Kind, op.Resource, enqueued, op.RetryCount)
	}
	_ = tw.Flush()
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending operation",
		Long:  "Drop every pending operation without sending it. Refused while a sync pass is running.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			if !yes {
				return f.Fail(ExitCommandError, CodeInvalidArgs, "refusing to clear the queue without --yes", nil)
			}
			if err := NewClient(rootOpts).Clear(cmd.Context()); err != nil {
				return reportError(f, err)
			}
			return f.Success(map[string]bool{"cleared": true}, func(w io.Writer) {
				fmt.Fprintln(w, "Queue cleared")
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm dropping all pending operations")
	return cmd
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Save the pending queue as an xlsx workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			if out == "" {
				out = fmt.Sprintf("pending_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
			}

			file, err := os.Create(out)
			if err != nil {
				return f.Fail(ExitCommandError, CodeInvalidArgs, fmt.Sprintf("create %s: %v", out, err), nil)
			}
			n, err := NewClient(rootOpts).Export(cmd.Context(), file)
			closeErr := file.Close()
			if err != nil {
				_ = os.Remove(out)
				return reportError(f, err)
			}
			if closeErr != nil {
				return f.Fail(ExitFailure, CodeRemote, closeErr.Error(), nil)
			}

			return f.Success(map[string]any{"path": out, "bytes": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Wrote %s (%d bytes)\n", out, n)
			})
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default pending_<timestamp>.xlsx)")
	return cmd
}

// NewDeadLetterCommand creates the deadletter command.
func NewDeadLetterCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "List operations evicted after exhausting their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			if limit <= 0 {
				return f.Fail(ExitCommandError, CodeInvalidArgs, "--limit must be positive", nil)
			}
			entries, err := NewClient(rootOpts).DeadLetters(cmd.Context(), limit)
			if err != nil {
				return reportError(f, err)
			}
			return f.Success(entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, "No evicted operations")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tRESOURCE\tRETRIES\tEVICTED\tERROR")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
						e.Operation.OperationID, e.Operation.Kind, e.Operation.Resource,
						e.Operation.RetryCount, e.EvictedAt.UTC().Format(time.RFC3339), e.Operation.Error)
				}
				_ = tw.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum entries to show")
	return cmd
}
