package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ChuLiYu/analysis-orchestrator/internal/faults"
	"github.com/ChuLiYu/analysis-orchestrator/internal/remote"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// ============================================================================
// Driver 回報處理（主迴圈中執行）
// ============================================================================

// current 回報是否屬於目前世代且代碼尚未終止
func (o *Orchestrator) current(id types.JobID, ticker types.Ticker, gen int) (*run, *types.Job, bool) {
	r, ok := o.runs[id]
	if !ok {
		return nil, nil, false
	}
	d, ok := r.tickers[ticker]
	if !ok || d.gen != gen {
		return nil, nil, false
	}
	job, ok := o.jobs.GetJob(id)
	if !ok || job.PerTicker[ticker].Status.Terminal() {
		return nil, nil, false
	}
	return r, job, true
}

func (o *Orchestrator) onTickerBegin(m tickerBegin) {
	r, job, ok := o.current(m.job, m.ticker, m.gen)
	if !ok || job.PerTicker[m.ticker].Status == types.TickerInProgress {
		return
	}
	_ = o.jobs.Update(m.job, func(j *types.Job) {
		j.PerTicker[m.ticker].Status = types.TickerInProgress
		j.Phase = "streaming"
	})
	o.markDirty(m.job)
	o.emitProgress(r)
}

// onStreamEvent 套用串流事件；重試後重送的已完成代理直接略過
func (o *Orchestrator) onStreamEvent(m streamMsg) {
	r, job, ok := o.current(m.job, m.ticker, m.gen)
	if !ok {
		return
	}
	st := job.PerTicker[m.ticker]
	order := types.AgentsFor(job.Kind)
	var next types.AgentID
	if len(st.CompletedAgents) < len(order) {
		next = order[len(st.CompletedAgents)]
	}

	switch m.ev.Kind {
	case remote.EventStart:
		o.onTickerBegin(tickerBegin{job: m.job, ticker: m.ticker, gen: m.gen})

	case remote.EventAgentStart:
		if contains(st.CompletedAgents, m.ev.Agent) || st.CurrentAgent == m.ev.Agent {
			return
		}
		if m.ev.Agent != next {
			o.protocolFailure(r, m.ticker, fmt.Sprintf("agent %s started out of order, expected %s", m.ev.Agent, next))
			return
		}
		_ = o.jobs.Update(m.job, func(j *types.Job) {
			ts := j.PerTicker[m.ticker]
			ts.Status = types.TickerInProgress
			ts.CurrentAgent = m.ev.Agent
			j.Phase = strings.ToLower(string(m.ev.Agent))
		})
		o.markDirty(m.job)
		o.emit(types.Event{Type: types.EvAgentStarted, JobID: m.job, Ticker: m.ticker, Agent: m.ev.Agent})

	case remote.EventAgentResult:
		if contains(st.CompletedAgents, m.ev.Agent) {
			return
		}
		if m.ev.Agent != next {
			o.protocolFailure(r, m.ticker, fmt.Sprintf("agent %s completed out of order, expected %s", m.ev.Agent, next))
			return
		}
		_ = o.jobs.Update(m.job, func(j *types.Job) {
			ts := j.PerTicker[m.ticker]
			ts.CompletedAgents = append(ts.CompletedAgents, m.ev.Agent)
			ts.CurrentAgent = ""
			ts.Progress = float64(len(ts.CompletedAgents)) / float64(len(order))
		})
		o.markDirty(m.job)
		o.emit(types.Event{Type: types.EvAgentCompleted, JobID: m.job, Ticker: m.ticker, Agent: m.ev.Agent, Partial: m.ev.Partial})
		o.emitProgress(r)

	case remote.EventComplete, remote.EventCached:
		o.completeTicker(r, m.ticker, m.ev.Report)
		o.emitProgress(r)
		o.checkCompletion(r)
	}
}

func (o *Orchestrator) protocolFailure(r *run, ticker types.Ticker, msg string) {
	o.log.Warn().Str("job_id", string(r.id)).Str("ticker", string(ticker)).Msg(msg)
	d := r.tickers[ticker]
	d.stop()
	d.gen++
	o.failTicker(r, ticker, types.ErrProtocol)
	o.emitProgress(r)
	o.checkCompletion(r)
}

// onStreamDone 串流結束；成功的情況已由 complete 事件處理
func (o *Orchestrator) onStreamDone(m streamDone) {
	r, _, ok := o.current(m.job, m.ticker, m.gen)
	if !ok {
		return
	}

	err := m.err
	if err == nil {
		err = faults.Newf(types.ErrProtocol, "stream", "stream ended without a report").WithTicker(m.ticker)
	}
	kind := faults.KindOf(err)
	o.log.Warn().Str("job_id", string(m.job)).Str("ticker", string(m.ticker)).Str("kind", string(kind)).Err(err).Msg("ticker stream failed")

	switch kind {
	case types.ErrCancelled:
		return
	case types.ErrAuth:
		o.failJob(r, kind, err)
		return
	}
	o.failTicker(r, m.ticker, kind)
	o.emitProgress(r)
	o.checkCompletion(r)
}

// onUnaryDone 單次請求結束：依列舉順序完成或失敗各代碼
func (o *Orchestrator) onUnaryDone(m unaryDone) {
	r, ok := o.runs[m.job]
	if !ok {
		return
	}
	if m.main && m.res != nil {
		r.comparison = m.res.Comparison
	}

	var kind types.ErrorKind
	if m.err != nil {
		kind = faults.KindOf(m.err)
		switch kind {
		case types.ErrCancelled:
			return
		case types.ErrAuth:
			o.log.Warn().Str("job_id", string(m.job)).Err(m.err).Msg("request rejected, failing job")
			o.failJob(r, kind, m.err)
			return
		}
		o.log.Warn().Str("job_id", string(m.job)).Str("kind", string(kind)).Err(m.err).Msg("request failed")
	}

	job, _ := o.jobs.GetJob(m.job)
	for _, t := range job.Tickers {
		gen, ok := m.gens[t]
		if !ok || r.tickers[t].gen != gen || job.PerTicker[t].Status.Terminal() {
			continue
		}
		switch {
		case m.err != nil:
			o.failTicker(r, t, kind)
		case m.res.Reports[t] == nil:
			o.failTicker(r, t, types.ErrProtocol)
		default:
			o.completeTicker(r, t, m.res.Reports[t])
		}
	}
	o.emitProgress(r)
	o.checkCompletion(r)
}

// onSpliceDone 已終止任務的重新執行結果併入紀錄，狀態不變
func (o *Orchestrator) onSpliceDone(m spliceDone) {
	key := spliceKey{job: m.job, ticker: m.ticker}
	d, ok := o.splices[key]
	if !ok || d.gen != m.gen {
		return
	}
	delete(o.splices, key)
	d.stop()

	job, ok := o.jobs.GetJob(m.job)
	if !ok {
		return
	}

	if m.err != nil {
		kind := faults.KindOf(m.err)
		if kind == types.ErrCancelled {
			return
		}
		o.log.Warn().Str("job_id", string(m.job)).Str("ticker", string(m.ticker)).Str("kind", string(kind)).Err(m.err).Msg("rerun failed")
		_ = o.jobs.Update(m.job, func(j *types.Job) {
			j.Errors[m.ticker] = kind
			st := j.PerTicker[m.ticker]
			st.Status = types.TickerFailed
			st.Error = kind
			st.CurrentAgent = ""
		})
		o.emit(types.Event{Type: types.EvTickerFailed, JobID: m.job, Ticker: m.ticker, Error: kind, GlobalProgress: job.GlobalProgress})
		o.persistNow(m.job)
		return
	}

	_ = o.jobs.Update(m.job, func(j *types.Job) {
		j.Reports[m.ticker] = m.report.Clone()
		delete(j.Errors, m.ticker)
		j.PerTicker[m.ticker] = &types.TickerState{
			Status:          types.TickerDone,
			Progress:        1,
			CompletedAgents: types.AgentsFor(j.Kind),
		}
	})
	o.emit(types.Event{Type: types.EvTickerCompleted, JobID: m.job, Ticker: m.ticker, Report: m.report.Clone(), GlobalProgress: job.GlobalProgress})
	o.persistNow(m.job)
	o.log.Info().Str("job_id", string(m.job)).Str("ticker", string(m.ticker)).Msg("rerun report spliced into finished job")
}

// ============================================================================
// 代碼轉換
// ============================================================================

func (o *Orchestrator) completeTicker(r *run, ticker types.Ticker, report *types.Report) {
	if report == nil {
		o.failTicker(r, ticker, types.ErrProtocol)
		return
	}
	_ = o.jobs.Update(r.id, func(j *types.Job) {
		j.Reports[ticker] = report.Clone()
		delete(j.Errors, ticker)
		j.PerTicker[ticker] = &types.TickerState{
			Status:          types.TickerDone,
			Progress:        1,
			CompletedAgents: types.AgentsFor(j.Kind),
		}
	})
	o.markDirty(r.id)
	o.emit(types.Event{Type: types.EvTickerCompleted, JobID: r.id, Ticker: ticker, Report: report.Clone()})
}

// failTicker 代碼失敗；CANCELLED 代碼從進度分母移除
func (o *Orchestrator) failTicker(r *run, ticker types.Ticker, kind types.ErrorKind) {
	r.tickers[ticker].stop()
	_ = o.jobs.Update(r.id, func(j *types.Job) {
		j.Errors[ticker] = kind
		st := j.PerTicker[ticker]
		st.Status = types.TickerFailed
		if kind == types.ErrCancelled {
			st.Status = types.TickerCancelled
		}
		st.Error = kind
		st.CurrentAgent = ""
	})
	o.markDirty(r.id)
	o.emit(types.Event{Type: types.EvTickerFailed, JobID: r.id, Ticker: ticker, Error: kind})
}

// ============================================================================
// 進度
// ============================================================================

// globalProgress 未取消代碼的平均；失敗視為 1，執行中上限 0.99
func globalProgress(job *types.Job) float64 {
	sum, n := 0.0, 0
	for _, t := range job.Tickers {
		st := job.PerTicker[t]
		switch st.Status {
		case types.TickerCancelled:
			continue
		case types.TickerDone, types.TickerFailed:
			sum++
		default:
			sum += st.Progress
		}
		n++
	}
	if n == 0 {
		return job.GlobalProgress
	}
	p := sum / float64(n)
	if p > 0.99 {
		p = 0.99
	}
	if p < job.GlobalProgress {
		return job.GlobalProgress
	}
	return p
}

// emitProgress 重新計算整體進度並送出 PROGRESS
func (o *Orchestrator) emitProgress(r *run) {
	o.emitProgressFor(r, "", "")
}

// emitProgressFor 帶 ticker 與 reason 的 PROGRESS；reason 為 rerun 時該代碼的代理序列從頭開始
func (o *Orchestrator) emitProgressFor(r *run, ticker types.Ticker, reason string) {
	var snap *types.Job
	_ = o.jobs.Update(r.id, func(j *types.Job) {
		j.GlobalProgress = globalProgress(j)
		snap = j.Clone()
	})
	if snap == nil || snap.Status != types.StatusRunning {
		return
	}
	o.markDirty(r.id)
	o.emit(types.Event{
		Type:           types.EvProgress,
		JobID:          r.id,
		Ticker:         ticker,
		Reason:         reason,
		GlobalProgress: snap.GlobalProgress,
		Phase:          snap.Phase,
		PerTicker:      snap.PerTicker,
	})
}

// estimate 進度推估 tick：推進單次請求代碼的進度，有變化才送出
func (o *Orchestrator) estimate() {
	now := o.opts.Now()
	for _, r := range o.runs {
		if r.streaming {
			continue
		}
		changed := false
		_ = o.jobs.Update(r.id, func(j *types.Job) {
			for _, t := range j.Tickers {
				st := j.PerTicker[t]
				if st.Status.Terminal() {
					continue
				}
				d := r.tickers[t]
				e := d.est.Estimate(now.Sub(d.since), j.Kind)
				if e.Progress > st.Progress {
					st.Progress = e.Progress
					st.Status = types.TickerInProgress
					changed = true
				}
				if e.Phase != "" && e.Phase != j.Phase {
					j.Phase = e.Phase
					changed = true
				}
			}
		})
		if changed {
			o.emitProgress(r)
		}
	}
}

// ============================================================================
// 任務終止
// ============================================================================

// checkCompletion 所有代碼終止時結束任務；全部取消則視為取消
func (o *Orchestrator) checkCompletion(r *run) {
	job, ok := o.jobs.GetJob(r.id)
	if !ok || job.IsTerminal() {
		return
	}
	cancelled := 0
	for _, t := range job.Tickers {
		st := job.PerTicker[t].Status
		if !st.Terminal() {
			return
		}
		if st == types.TickerCancelled {
			cancelled++
		}
	}
	if cancelled == len(job.Tickers) {
		o.cancelJob(r, "user")
		return
	}
	o.completeJob(r)
}

func (o *Orchestrator) completeJob(r *run) {
	now := o.opts.Now().UTC()
	_ = o.jobs.Update(r.id, func(j *types.Job) {
		j.Phase = "complete"
		for _, st := range j.PerTicker {
			st.CurrentAgent = ""
		}
		if j.Mode == types.ModeCompare {
			j.Comparison = r.comparison
			if len(j.Comparison) == 0 {
				j.Comparison = buildComparison(j)
			}
		}
	})
	_ = o.jobs.Finish(r.id, types.StatusCompleted, now, nil)
	o.finishRun(r)

	job, _ := o.jobs.GetJob(r.id)
	o.emit(types.Event{
		Type:           types.EvJobCompleted,
		JobID:          r.id,
		GlobalProgress: 1,
		Phase:          job.Phase,
		Reports:        job.Reports,
		Errors:         job.Errors,
		Comparison:     job.Comparison,
		Job:            job.Clone(),
	})
	if job.Background {
		o.emit(types.Event{Type: types.EvNotify, JobID: r.id, GlobalProgress: 1, Summary: summarize(job)})
	}
	o.persistNow(r.id)
	o.log.Info().Str("job_id", string(r.id)).Int("reports", len(job.Reports)).Int("errors", len(job.Errors)).Msg("job completed")

	if o.opts.SaveHistory && o.opts.Client != nil {
		o.saveHistory(job)
	}
}

// cancelJob 中止所有 driver；未終止的代碼標記取消但不逐一送出 TICKER_FAILED
func (o *Orchestrator) cancelJob(r *run, reason string) {
	now := o.opts.Now().UTC()
	_ = o.jobs.Update(r.id, func(j *types.Job) {
		for _, st := range j.PerTicker {
			if !st.Status.Terminal() {
				st.Status = types.TickerCancelled
				st.CurrentAgent = ""
			}
		}
	})
	_ = o.jobs.Finish(r.id, types.StatusCancelled, now, nil)
	o.finishRun(r)

	job, _ := o.jobs.GetJob(r.id)
	o.emit(types.Event{Type: types.EvJobCancelled, JobID: r.id, Reason: reason, GlobalProgress: job.GlobalProgress, Job: job})
	o.persistNow(r.id)
	o.log.Info().Str("job_id", string(r.id)).Str("reason", reason).Msg("job cancelled")
}

// failJob 整體性錯誤（AUTH）：中止所有工作並標記失敗
func (o *Orchestrator) failJob(r *run, kind types.ErrorKind, cause error) {
	now := o.opts.Now().UTC()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_ = o.jobs.Update(r.id, func(j *types.Job) {
		for t, st := range j.PerTicker {
			if !st.Status.Terminal() {
				st.Status = types.TickerFailed
				st.Error = kind
				st.CurrentAgent = ""
				j.Errors[t] = kind
			}
		}
	})
	_ = o.jobs.Finish(r.id, types.StatusFailed, now, &types.Failure{Kind: kind, Message: msg})
	o.finishRun(r)

	job, _ := o.jobs.GetJob(r.id)
	o.emit(types.Event{Type: types.EvJobFailed, JobID: r.id, Error: kind, Message: msg, GlobalProgress: job.GlobalProgress, Job: job})
	o.persistNow(r.id)
	o.log.Warn().Str("job_id", string(r.id)).Str("kind", string(kind)).Msg("job failed")
}

func (o *Orchestrator) finishRun(r *run) {
	r.cancel()
	delete(o.runs, r.id)
}

// orphan 將沒有 driver 的 RUNNING 紀錄標記為 FAILED{ORPHANED}
func (o *Orchestrator) orphan(job *types.Job) *types.Job {
	now := o.opts.Now().UTC()
	out := job.Clone()
	out.Status = types.StatusFailed
	out.FinishedAt = &now
	out.Failure = &types.Failure{Kind: types.ErrOrphaned, Reason: "orphaned"}
	for t, st := range out.PerTicker {
		if !st.Status.Terminal() {
			st.Status = types.TickerFailed
			st.Error = types.ErrOrphaned
			st.CurrentAgent = ""
			out.Errors[t] = types.ErrOrphaned
		}
	}
	o.jobs.Adopt(out)
	o.emit(types.Event{
		Type:           types.EvJobFailed,
		JobID:          out.ID,
		Error:          types.ErrOrphaned,
		Reason:         "orphaned",
		GlobalProgress: out.GlobalProgress,
		Job:            out.Clone(),
	})
	o.persistNow(out.ID)
	o.log.Warn().Str("job_id", string(out.ID)).Str("owner", job.Owner).Msg("orphaned job marked failed")
	return out
}

// saveHistory 寫入後端歷史（背景、盡力而為）
func (o *Orchestrator) saveHistory(job *types.Job) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultHistoryTimeout)
		defer cancel()

		token, err := o.opts.Tokens.Token(ctx)
		if err == nil {
			err = o.opts.Client.SaveHistory(ctx, token, job)
		}
		if err != nil {
			o.log.Warn().Str("job_id", string(job.ID)).Err(err).Msg("failed to save job to history")
		}
	}()
}

// ============================================================================
// 輔助函式
// ============================================================================

func contains(agents []types.AgentID, a types.AgentID) bool {
	for _, x := range agents {
		if x == a {
			return true
		}
	}
	return false
}

// buildComparison 後端沒有提供比較結果時，以各代碼結果摘要代替
func buildComparison(job *types.Job) types.RawValue {
	var completed, failed []types.Ticker
	for _, t := range job.Tickers {
		if _, ok := job.Reports[t]; ok {
			completed = append(completed, t)
		} else {
			failed = append(failed, t)
		}
	}
	agents := make(map[types.Ticker][]types.AgentID, len(completed))
	for _, t := range completed {
		agents[t] = job.Reports[t].Meta.AgentsUsed
	}
	data, err := json.Marshal(map[string]interface{}{
		"tickers":   job.Tickers,
		"completed": completed,
		"failed":    failed,
		"agents":    agents,
	})
	if err != nil {
		return nil
	}
	return data
}

func summarize(job *types.Job) string {
	names := make([]string, len(job.Tickers))
	for i, t := range job.Tickers {
		names[i] = string(t)
	}
	return fmt.Sprintf("Analysis of %s finished: %d succeeded, %d failed",
		strings.Join(names, ", "), len(job.Reports), len(job.Errors))
}
