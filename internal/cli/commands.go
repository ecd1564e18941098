package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/analysis-orchestrator/internal/bridge"
	"github.com/ChuLiYu/analysis-orchestrator/internal/facade"
	"github.com/ChuLiYu/analysis-orchestrator/internal/journal"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// ============================================================================
// bridge 命令
// ============================================================================

// withBridge 連線到常駐程序並以遠端 facade 執行 fn
func withBridge(cmd *cobra.Command, fn func(ctx context.Context, f *facade.Facade) error) error {
	client, err := bridge.Dial(resolveBridge(bridgeAddr, cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to bridge: %w", err)
	}
	f := facade.New(client, facade.Options{})
	defer f.Close()
	return fn(cmd.Context(), f)
}

// parseTickers 接受空白或逗號分隔
func parseTickers(args []string) []types.Ticker {
	var out []types.Ticker
	for _, a := range args {
		for _, t := range strings.Split(a, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, types.Ticker(t))
			}
		}
	}
	return out
}

func buildAnalyzeCommand() *cobra.Command {
	var (
		kind       string
		jobID      string
		compare    bool
		background bool
		detach     bool
	)

	cmd := &cobra.Command{
		Use:   "analyze TICKER...",
		Short: "Start an analysis job and follow its events",
		Long:  "Start an analysis job on the running daemon. Without --detach the command prints events until the job finishes; Ctrl+C cancels the job.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := types.JobSpec{
				JobID:      types.JobID(jobID),
				Tickers:    parseTickers(args),
				Kind:       types.AnalysisKind(strings.ToUpper(kind)),
				Mode:       types.ModeAnalyze,
				Background: background,
			}
			if compare {
				spec.Mode = types.ModeCompare
			}
			return withBridge(cmd, func(ctx context.Context, f *facade.Facade) error {
				return analyze(ctx, cmd.OutOrStdout(), f, spec, detach)
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", string(types.KindStandard), "analysis kind: QUICK, STANDARD, COMPREHENSIVE")
	cmd.Flags().StringVar(&jobID, "id", "", "job ID (default: generated)")
	cmd.Flags().BoolVar(&compare, "compare", false, "compare the tickers against each other")
	cmd.Flags().BoolVar(&background, "background", false, "notify on completion instead of following")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "print the job ID and exit")
	return cmd
}

// analyze 啟動任務；detach 時只印出 ID
func analyze(ctx context.Context, w io.Writer, f *facade.Facade, spec types.JobSpec, detach bool) error {
	if detach {
		id, err := f.Start(ctx, spec)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, id)
		return nil
	}

	events := make(chan types.Event, 256)
	done := make(chan struct{})
	id, unsub, err := f.StartAndSubscribe(ctx, spec, func(ev types.Event) {
		select {
		case events <- ev:
		case <-done:
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		close(done)
		unsub()
	}()
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("job:"), id)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	for {
		select {
		case ev := <-events:
			RenderEvent(w, ev)
			if ev.Type == types.EvJobSync && ev.Deleted {
				return errors.New("job was cleared")
			}
			if !ev.Terminal() {
				continue
			}
			if job, ok := f.Get(id); ok {
				RenderJob(w, job)
				RenderReports(w, job)
			}
			if ev.Type == types.EvJobFailed {
				return fmt.Errorf("analysis failed: %s", ev.Error)
			}
			return nil
		case <-f.Done():
			return errors.New("bridge connection closed")
		case <-sigCtx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := f.Cancel(cctx, id); err != nil {
				return fmt.Errorf("failed to cancel %s: %w", id, err)
			}
			fmt.Fprintln(w, "cancelled", id)
			return nil
		}
	}
}

func buildCancelCommand() *cobra.Command {
	var ticker string
	cmd := &cobra.Command{
		Use:   "cancel JOB",
		Short: "Cancel a job or a single ticker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := types.JobID(args[0])
			return withBridge(cmd, func(ctx context.Context, f *facade.Facade) error {
				if ticker != "" {
					return f.CancelTicker(ctx, id, types.Ticker(ticker))
				}
				return f.Cancel(ctx, id)
			})
		},
	}
	cmd.Flags().StringVarP(&ticker, "ticker", "t", "", "cancel only this ticker")
	return cmd
}

func buildRerunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rerun JOB TICKER",
		Short: "Re-analyze a single ticker of a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(cmd, func(ctx context.Context, f *facade.Facade) error {
				return f.Rerun(ctx, types.JobID(args[0]), types.Ticker(args[1]))
			})
		},
	}
}

func buildClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Cancel every running job and clear the job store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBridge(cmd, func(ctx context.Context, f *facade.Facade) error {
				if err := f.ClearAll(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared")
				return nil
			})
		},
	}
}

// ============================================================================
// 本機命令
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [JOB]",
		Short: "Show jobs from the job store",
		Long:  "Read the job store directly. Works whether or not the daemon is running.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, st, err := OpenStore(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer backend.Close()
			defer st.Close()

			w := cmd.OutOrStdout()
			if len(args) == 0 {
				RenderJobs(w, st.List())
				return nil
			}
			job, ok := st.Get(types.JobID(args[0]))
			if !ok {
				return fmt.Errorf("job %s: %w", args[0], facade.ErrJobNotFound)
			}
			RenderJob(w, job)
			RenderReports(w, job)
			return nil
		},
	}
}

func buildHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List analysis history saved on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := historyToken(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := NewRemoteClient(cfg).FetchHistory(cmd.Context(), token)
			if err != nil {
				return fmt.Errorf("failed to fetch history: %w", err)
			}
			RenderJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rm ID",
		Short: "Delete a history record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := historyToken(cmd.Context())
			if err != nil {
				return err
			}
			return NewRemoteClient(cfg).DeleteHistory(cmd.Context(), token, types.JobID(args[0]))
		},
	})
	return cmd
}

func historyToken(ctx context.Context) (string, error) {
	tokens, err := NewTokenSource(cfg)
	if err != nil {
		return "", err
	}
	return tokens.Token(ctx)
}

func buildJournalCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the event journal",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "journal file (default: journal.path from config)")
	journalPath := func() string {
		if path != "" {
			return path
		}
		return cfg.Journal.Path
	}

	var jobID string
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print journal records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return journal.Dump(journalPath(), types.JobID(jobID), cmd.OutOrStdout())
		},
	}
	dump.Flags().StringVar(&jobID, "job", "", "only records of this job")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := journal.GetStats(journalPath())
			if err != nil {
				return err
			}
			renderStats(cmd.OutOrStdout(), journalPath(), s)
			return nil
		},
	}

	cmd.AddCommand(dump, stats)
	return cmd
}

func renderStats(w io.Writer, path string, s *journal.Stats) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("file:   "), path)
	fmt.Fprintf(&b, "%s %d (seq %d..%d)\n", labelStyle.Render("records:"), s.TotalRecords, s.FirstSeq, s.LastSeq)
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("jobs:   "), s.Jobs)
	if s.TotalRecords > 0 {
		fmt.Fprintf(&b, "%s %s .. %s\n", labelStyle.Render("range:  "),
			s.TimeRange[0].Format(time.RFC3339), s.TimeRange[1].Format(time.RFC3339))
	}

	kinds := make([]string, 0, len(s.EventTypes))
	for k := range s.EventTypes {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "  %-18s %d\n", k, s.EventTypes[types.EventType(k)])
	}

	fmt.Fprintln(w, titleStyle.Render("Journal"))
	fmt.Fprintln(w, boxStyle.Render(strings.TrimRight(b.String(), "\n")))
}
