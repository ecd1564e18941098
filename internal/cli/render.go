package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// 終端機樣式
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED")).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981")).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8B5CF6"))
)

// statusStyle 依狀態選擇顏色
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(types.StatusRunning), string(types.TickerInProgress):
		return runningStyle
	case string(types.StatusCompleted), string(types.TickerDone):
		return doneStyle
	case string(types.StatusFailed), string(types.StatusCancelled):
		return failStyle
	default:
		return pendingStyle
	}
}

// progressBar 固定寬度的進度條
func progressBar(p float64, width int) string {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	filled := int(p * float64(width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + fmt.Sprintf(" %3.0f%%", p*100)
}

// RenderJob 單一任務的詳細狀態
func RenderJob(w io.Writer, job *types.Job) {
	var b strings.Builder

	kind := string(job.Kind)
	if job.RequestedKind != "" && job.RequestedKind != job.Kind {
		kind += labelStyle.Render(" (requested " + string(job.RequestedKind) + ")")
	}

	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("job:     "), job.ID)
	fmt.Fprintf(&b, "%s %s %s\n", labelStyle.Render("status:  "), statusStyle(string(job.Status)).Render(string(job.Status)), job.Phase)
	fmt.Fprintf(&b, "%s %s / %s\n", labelStyle.Render("analysis:"), kind, job.Mode)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("progress:"), progressBar(job.GlobalProgress, 30))
	if job.FinishedAt != nil {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("duration:"), job.FinishedAt.Sub(job.CreatedAt).Round(time.Second))
	}
	if job.Failure != nil {
		fmt.Fprintf(&b, "%s %s %s\n", labelStyle.Render("failure: "), failStyle.Render(string(job.Failure.Kind)), job.Failure.Reason)
	}
	for _, n := range job.Notices {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("notice:  "), noticeStyle.Render(string(n)))
	}

	b.WriteString("\n")
	for _, t := range job.Tickers {
		st := job.PerTicker[t]
		if st == nil {
			continue
		}
		line := fmt.Sprintf("%-6s %-10s %s", t, statusStyle(string(st.Status)).Render(string(st.Status)), progressBar(st.Progress, 20))
		if st.CurrentAgent != "" && !st.Status.Terminal() {
			line += labelStyle.Render(" " + string(st.CurrentAgent))
		}
		if st.Error != "" {
			line += " " + failStyle.Render(string(st.Error))
		}
		b.WriteString(line + "\n")
	}

	fmt.Fprintln(w, titleStyle.Render("Analysis"))
	fmt.Fprintln(w, boxStyle.Render(strings.TrimRight(b.String(), "\n")))
}

// RenderJobs 任務列表，新的在前
func RenderJobs(w io.Writer, jobs []*types.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, labelStyle.Render("no jobs"))
		return
	}
	sorted := append([]*types.Job(nil), jobs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	var b strings.Builder
	for _, job := range sorted {
		tickers := make([]string, len(job.Tickers))
		for i, t := range job.Tickers {
			tickers[i] = string(t)
		}
		fmt.Fprintf(&b, "%-36s  %-9s  %-13s  %s  %s\n",
			job.ID,
			statusStyle(string(job.Status)).Render(fmt.Sprintf("%-9s", job.Status)),
			job.Kind,
			progressBar(job.GlobalProgress, 10),
			strings.Join(tickers, ","))
	}
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Jobs (%d)", len(jobs))))
	fmt.Fprintln(w, boxStyle.Render(strings.TrimRight(b.String(), "\n")))
}

// RenderEvent 單行事件，PROGRESS 只顯示整體進度
func RenderEvent(w io.Writer, ev types.Event) {
	ts := labelStyle.Render(time.Now().Format("15:04:05"))
	typ := fmt.Sprintf("%-16s", ev.Type)

	var detail string
	switch ev.Type {
	case types.EvProgress:
		detail = progressBar(ev.GlobalProgress, 20)
		if ev.Phase != "" {
			detail += labelStyle.Render(" " + ev.Phase)
		}
		if ev.Reason != "" {
			detail += noticeStyle.Render(fmt.Sprintf(" %s %s", ev.Ticker, ev.Reason))
		}
	case types.EvAgentStarted, types.EvAgentCompleted:
		detail = fmt.Sprintf("%s %s", ev.Ticker, ev.Agent)
	case types.EvTickerCompleted:
		detail = doneStyle.Render(string(ev.Ticker))
	case types.EvTickerFailed:
		detail = fmt.Sprintf("%s %s", failStyle.Render(string(ev.Ticker)), ev.Error)
	case types.EvJobCompleted:
		typ = doneStyle.Render(typ)
		detail = fmt.Sprintf("%d reports", len(ev.Reports))
		if len(ev.Errors) > 0 {
			detail += failStyle.Render(fmt.Sprintf(", %d failed", len(ev.Errors)))
		}
	case types.EvJobFailed, types.EvJobCancelled:
		typ = failStyle.Render(typ)
		detail = strings.TrimSpace(string(ev.Error) + " " + ev.Reason)
	case types.EvNotify:
		detail = noticeStyle.Render(ev.Summary)
	case types.EvStorageError:
		detail = failStyle.Render(string(ev.Error))
	case types.EvJobStarted:
		if ev.Job != nil {
			detail = fmt.Sprintf("%s %s", ev.Job.Kind, ev.Job.Mode)
			for _, n := range ev.Job.Notices {
				detail += " " + noticeStyle.Render(string(n))
			}
		}
	}
	fmt.Fprintf(w, "%s %s %s\n", ts, typ, detail)
}

// RenderReports 每個代碼的報告摘要（代理依固定順序）
func RenderReports(w io.Writer, job *types.Job) {
	for _, t := range job.Tickers {
		rep := job.Reports[t]
		if rep == nil {
			continue
		}
		var b strings.Builder
		for _, a := range types.CanonicalAgents {
			sec, ok := rep.Sections[a]
			if !ok {
				continue
			}
			text := string(sec)
			if len(text) > 100 {
				text = text[:97] + "..."
			}
			fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-11s", a)), text)
		}
		fmt.Fprintln(w, titleStyle.Render(string(t)))
		fmt.Fprintln(w, boxStyle.Render(strings.TrimRight(b.String(), "\n")))
	}
	if len(job.Comparison) > 0 {
		fmt.Fprintln(w, titleStyle.Render("Comparison"))
		fmt.Fprintln(w, boxStyle.Render(string(job.Comparison)))
	}
}
