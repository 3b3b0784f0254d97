package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"LifelogRouter/internal/app"
	"LifelogRouter/internal/config"
	"LifelogRouter/internal/domain"
)

func newRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the lifelog feed and dispatch triggered entries until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.Application, _ config.Config) error {
				return a.Run(cmd.Context())
			})
		},
	}
}

func newEvidenceCommand(opts *RootOptions) *cobra.Command {
	var (
		entryID string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "List evidence records for an entry or the most recent dispatches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.Application, _ config.Config) error {
				records, err := a.Evidence(cmd.Context(), entryID, limit)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), evidenceView(records))
				}
				return writeEvidenceTable(cmd.OutOrStdout(), records)
			})
		},
	}
	cmd.Flags().StringVar(&entryID, "entry", "", "entry id to inspect")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recent records when --entry is not set")
	return cmd
}

func newVerifyCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute evidence integrity hashes against committed records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.Application, _ config.Config) error {
				report, err := a.Verify(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					if err := writeJSON(cmd.OutOrStdout(), map[string]any{
						"checked":    report.Checked,
						"valid":      report.Valid,
						"mismatched": evidenceView(report.Mismatched),
						"missing":    evidenceView(report.Missing),
					}); err != nil {
						return err
					}
				} else {
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "checked %d, valid %d\n", report.Checked, report.Valid)
					for _, ev := range report.Mismatched {
						fmt.Fprintf(out, "MISMATCH %s %s\n", ev.EntryID, ev.HandlerName)
					}
					for _, ev := range report.Missing {
						fmt.Fprintf(out, "MISSING  %s %s\n", ev.EntryID, ev.HandlerName)
					}
				}
				if !report.OK() {
					return &ExitError{Code: ExitFailure, Message: "evidence does not match committed records"}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 1000, "number of recent evidence records to check")
	return cmd
}

func newTasksCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "Show scheduled handler tasks and their last outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.Application, cfg config.Config) error {
				tasks, err := a.Tasks(cmd.Context())
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), tasks)
				}
				loc := cfg.Scheduler.Location()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TASK\tAT\tSTATE\tLAST OUTCOME\tNEXT RUN\tLAST ERROR")
				for _, t := range tasks {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						t.ID, t.At, t.State, orDash(string(t.LastOutcome)), formatTime(t.NextRun, loc), orDash(t.LastError))
				}
				return tw.Flush()
			})
		},
	}
}

func newAskCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the handlers whose question patterns match it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.Application, _ config.Config) error {
				answers, err := a.Ask(cmd.Context(), args[0], time.Now())
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), answers)
				}
				for _, ans := range answers {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s]\n%s\n", ans.Handler, ans.Text)
				}
				return nil
			})
		},
	}
}

func newImageCommand(opts *RootOptions) *cobra.Command {
	var (
		handlerName string
		hint        string
	)
	cmd := &cobra.Command{
		Use:   "image <path>",
		Short: "Analyse a photo with a handler; the estimate awaits confirmation and is not committed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "read image", Err: err}
			}
			return withApp(cmd.Context(), opts, func(a *app.Application, _ config.Config) error {
				res, err := a.AnalyzeImage(cmd.Context(), handlerName, image, hint)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]any{
						"handler": res.HandlerName,
						"status":  string(res.Status),
						"payload": res.Payload,
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n%s\n", res.HandlerName, res.Status, res.Payload)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&handlerName, "handler", "nutrition", "handler that analyses the photo")
	cmd.Flags().StringVar(&hint, "hint", "", "free-text context passed along with the photo")
	return cmd
}

type evidenceJSON struct {
	ID              string   `json:"id"`
	EntryID         string   `json:"entry_id"`
	Handler         string   `json:"handler"`
	Status          string   `json:"status"`
	Selected        []string `json:"selected"`
	Source          string   `json:"routing_source"`
	RecordRef       *string  `json:"record_ref,omitempty"`
	ConfirmationRef *string  `json:"confirmation_ref,omitempty"`
	Error           string   `json:"error,omitempty"`
	IntegrityHash   string   `json:"integrity_hash"`
	Excerpt         string   `json:"excerpt"`
	RecordedAt      string   `json:"recorded_at"`
}

func evidenceView(records []domain.EvidenceRecord) []evidenceJSON {
	out := make([]evidenceJSON, 0, len(records))
	for _, ev := range records {
		out = append(out, evidenceJSON{
			ID:              ev.ID,
			EntryID:         ev.EntryID,
			Handler:         ev.HandlerName,
			Status:          string(ev.Status),
			Selected:        ev.RoutingDecision.Selected,
			Source:          string(ev.RoutingDecision.Source),
			RecordRef:       ev.RecordRef,
			ConfirmationRef: ev.ConfirmationRef,
			Error:           ev.Error,
			IntegrityHash:   ev.IntegrityHash,
			Excerpt:         ev.SourceExcerpt,
			RecordedAt:      ev.RecordedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func writeEvidenceTable(w io.Writer, records []domain.EvidenceRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tENTRY\tHANDLER\tSTATUS\tRECORD\tCONFIRMATION\tERROR")
	for _, ev := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.RecordedAt.UTC().Format(time.RFC3339), ev.EntryID, ev.HandlerName, ev.Status,
			deref(ev.RecordRef), deref(ev.ConfirmationRef), orDash(ev.Error))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
