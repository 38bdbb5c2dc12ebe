package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr     string
	APIKey   string
	APIExtra string
	Format   string // "json" | "text"
	Timeout  time.Duration
	NoColor  bool
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the fieldsyncctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldsyncctl",
		Short: "Control a running fieldsync daemon",
		Long: `fieldsyncctl talks to the control API of a fieldsync daemon.

It enqueues mutations, forces a sync pass, inspects or clears the pending
queue and exports it as a spreadsheet.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.NoColor || opts.Format == "json" {
				color.NoColor = true
			}
			if !isValidFormat(opts.Format) {
				return &ExitError{
					Code:    ExitCommandError,
					Message: fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats),
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", envOr("FIELDSYNC_ADDR", "http://localhost:8080"), "daemon control API address")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", os.Getenv("FIELDSYNC_API_KEY"), "API key")
	cmd.PersistentFlags().StringVar(&opts.APIExtra, "api-extra", os.Getenv("FIELDSYNC_API_EXTRA"), "API key secret")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "disable colored text output")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", defaultTimeout(), "request timeout")

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewDeadLetterCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

// reportError maps a client error onto output and exit code.
func reportError(f *OutputFormatter, err error) error {
	var apiErr *APIError
	var transportErr *TransportError
	switch {
	case errors.As(err, &transportErr):
		return f.Fail(ExitCommandError, CodeUnreachable, transportErr.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return f.Fail(ExitCommandError, CodeUnreachable, err.Error(), nil)
	case errors.As(err, &apiErr):
		switch apiErr.StatusCode {
		case http.StatusBadRequest:
			return f.Fail(ExitCommandError, CodeInvalidArgs, apiErr.Message, nil)
		case http.StatusServiceUnavailable:
			return f.Fail(ExitFailure, CodeOffline, apiErr.Message, nil)
		case http.StatusConflict:
			return f.Fail(ExitFailure, CodeConflict, apiErr.Message, nil)
		case http.StatusBadGateway:
			return f.Fail(ExitFailure, CodeSyncHalted, apiErr.Message, map[string]any{
				"operation_id": apiErr.OperationID,
				"retry_count":  apiErr.RetryCount,
				"evicted":      apiErr.Evicted,
			})
		default:
			return f.Fail(ExitFailure, CodeRemote, apiErr.Message, map[string]any{"status": apiErr.StatusCode})
		}
	default:
		return f.Fail(ExitFailure, CodeRemote, err.Error(), nil)
	}
}
