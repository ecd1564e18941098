package orchestrator

import (
	"context"
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/internal/progress"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// ============================================================================
// 指令處理（主迴圈中執行）
// ============================================================================

func (o *Orchestrator) apply(cmd types.Command) error {
	switch cmd.Type {
	case types.CmdStart:
		return o.start(cmd.Spec())
	case types.CmdCancel:
		return o.cancel(cmd.JobID)
	case types.CmdCancelTicker:
		return o.cancelTicker(cmd.JobID, types.NormalizeTicker(string(cmd.Ticker)))
	case types.CmdRerun:
		return o.rerun(cmd.JobID, types.NormalizeTicker(string(cmd.Ticker)))
	case types.CmdCheckStatus:
		return o.checkStatus(cmd.JobID)
	case types.CmdClearAll:
		return o.clearAll()
	case types.CmdFlush:
		o.flushDirty(true)
		return nil
	}
	return ErrInvalidCommand
}

// start 建立任務並啟動 driver
func (o *Orchestrator) start(spec types.JobSpec) error {
	spec = spec.Normalize()
	if err := spec.Validate(); err != nil {
		return err
	}
	if o.jobs.Has(spec.JobID) {
		return ErrDuplicateJob
	}
	if o.opts.Store != nil {
		if _, ok := o.opts.Store.Get(spec.JobID); ok {
			return ErrDuplicateJob
		}
	}

	var notices []types.ErrorKind
	requested := spec.Kind
	if spec.Kind == types.KindComprehensive && len(spec.Tickers) > o.opts.MaxComprehensive {
		spec.Kind = types.KindStandard
		notices = append(notices, types.ErrDowngraded)
	}

	now := o.opts.Now().UTC()
	job := types.NewJob(spec, now)
	job.Owner = o.opts.TabID
	job.Notices = notices
	if spec.Kind != requested {
		job.RequestedKind = requested
	}
	if err := o.jobs.Register(job); err != nil {
		return err
	}
	if err := o.jobs.MarkRunning(job.ID, now); err != nil {
		return err
	}
	_ = o.jobs.Update(job.ID, func(j *types.Job) { j.Phase = "initialize" })

	r := newRun(context.Background(), job, now)
	o.runs[job.ID] = r

	snap, _ := o.jobs.GetJob(job.ID)
	o.emit(types.Event{Type: types.EvJobStarted, JobID: job.ID, Notices: notices, Job: snap})
	o.persistNow(job.ID)

	o.log.Info().Str("job_id", string(job.ID)).Str("kind", string(job.Kind)).
		Int("tickers", len(job.Tickers)).Bool("streaming", r.streaming).Msg("job started")

	if r.streaming {
		o.launchStreams(r, job.Tickers)
		return nil
	}
	o.wg.Add(1)
	go o.driveUnary(r.ctx, job.ID, job.Tickers, job.Kind, r.gens(job.Tickers), true, false)
	return nil
}

// cancel 取消整個任務；已終止的任務不做任何事
func (o *Orchestrator) cancel(id types.JobID) error {
	if r, ok := o.runs[id]; ok {
		o.cancelJob(r, "user")
		return nil
	}

	job, err := o.lookup(id)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}
	if o.leaseAlive(job) {
		return ErrNotOwner
	}

	// 沒有 driver 的 RUNNING 紀錄直接標記取消
	now := o.opts.Now().UTC()
	job.Status = types.StatusCancelled
	job.FinishedAt = &now
	for _, st := range job.PerTicker {
		if !st.Status.Terminal() {
			st.Status = types.TickerCancelled
			st.CurrentAgent = ""
		}
	}
	o.jobs.Adopt(job)
	o.emit(types.Event{Type: types.EvJobCancelled, JobID: id, Reason: "user", GlobalProgress: job.GlobalProgress, Job: job.Clone()})
	o.persistNow(id)
	return nil
}

// cancelTicker 取消串流任務中的單一代碼，其他代碼繼續
func (o *Orchestrator) cancelTicker(id types.JobID, ticker types.Ticker) error {
	r, ok := o.runs[id]
	if !ok {
		job, err := o.lookup(id)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			return nil
		}
		return ErrNotOwner
	}
	if !r.streaming {
		return ErrNotStreaming
	}
	d, ok := r.tickers[ticker]
	if !ok {
		return ErrUnknownTicker
	}

	job, _ := o.jobs.GetJob(id)
	if job.PerTicker[ticker].Status.Terminal() {
		return nil
	}

	d.stop()
	d.gen++
	o.failTicker(r, ticker, types.ErrCancelled)
	o.emitProgress(r)
	o.checkCompletion(r)
	return nil
}

// rerun 重新執行單一代碼
//
// 執行中：代碼重置為 0 後重新驅動；已終止：背景取得新報告後併入，狀態不變。
func (o *Orchestrator) rerun(id types.JobID, ticker types.Ticker) error {
	if r, ok := o.runs[id]; ok {
		d, ok := r.tickers[ticker]
		if !ok {
			return ErrUnknownTicker
		}
		d.stop()
		d.gen++
		d.since = o.opts.Now()
		d.est = progress.New(1)

		// 進行中的代理不會收到 AGENT_COMPLETED，舊世代的串流事件一律丟棄
		_ = o.jobs.Update(id, func(j *types.Job) {
			j.PerTicker[ticker] = &types.TickerState{Status: types.TickerQueued, CurrentAgent: "", CompletedAgents: []types.AgentID{}}
			delete(j.Reports, ticker)
			delete(j.Errors, ticker)
		})
		o.markDirty(id)
		o.emitProgressFor(r, ticker, ReasonRerun)
		o.launchTicker(r, ticker)
		o.log.Info().Str("job_id", string(id)).Str("ticker", string(ticker)).Msg("rerunning ticker")
		return nil
	}

	job, err := o.lookup(id)
	if err != nil {
		return err
	}
	if _, ok := job.PerTicker[ticker]; !ok {
		return ErrUnknownTicker
	}
	if !job.IsTerminal() {
		if o.leaseAlive(job) {
			return ErrNotOwner
		}
		job = o.orphan(job)
	}

	key := spliceKey{job: id, ticker: ticker}
	gen := 1
	if prev, ok := o.splices[key]; ok {
		prev.stop()
		gen = prev.gen + 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.splices[key] = &drive{gen: gen, cancel: cancel}
	o.launchSplice(ctx, job, ticker, gen)

	o.log.Info().Str("job_id", string(id)).Str("ticker", string(ticker)).Msg("rerunning ticker of finished job")
	return nil
}

// checkStatus 回覆 JOB_STATUS；沒有 driver 的 RUNNING 紀錄先判定為孤兒
func (o *Orchestrator) checkStatus(id types.JobID) error {
	if _, ok := o.runs[id]; ok {
		job, _ := o.jobs.GetJob(id)
		o.emit(statusEvent(job))
		return nil
	}

	job, err := o.lookup(id)
	if err != nil {
		return err
	}
	if job.Status == types.StatusRunning && !o.leaseAlive(job) {
		job = o.orphan(job)
	}
	o.emit(statusEvent(job))
	return nil
}

func statusEvent(job *types.Job) types.Event {
	return types.Event{
		Type:           types.EvJobStatus,
		JobID:          job.ID,
		GlobalProgress: job.GlobalProgress,
		Phase:          job.Phase,
		Job:            job,
	}
}

// clearAll 取消自己的所有任務並清空 store
func (o *Orchestrator) clearAll() error {
	for _, r := range o.runs {
		o.cancelJob(r, "cleared")
	}
	for key, d := range o.splices {
		d.stop()
		delete(o.splices, key)
	}

	cleared := o.jobs.List()
	o.jobs.Clear()
	for _, job := range cleared {
		o.emit(types.Event{Type: types.EvJobSync, JobID: job.ID, Deleted: true})
	}
	o.dirty = make(map[types.JobID]bool)
	o.lastWrite = make(map[types.JobID]time.Time)
	if o.opts.Store != nil {
		if err := o.opts.Store.Clear(context.Background()); err != nil {
			o.storageError("", err)
			return err
		}
	}
	o.log.Info().Msg("all jobs cleared")
	return nil
}

// lookup 取得未驅動任務的最新版本：store 優先，其次記憶體
func (o *Orchestrator) lookup(id types.JobID) (*types.Job, error) {
	if o.opts.Store != nil {
		if job, ok := o.opts.Store.Get(id); ok {
			o.jobs.Adopt(job)
			return job, nil
		}
	}
	if job, ok := o.jobs.GetJob(id); ok {
		return job, nil
	}
	return nil, ErrJobNotFound
}

// leaseAlive 其他實例的 RUNNING 任務租約是否仍有效
func (o *Orchestrator) leaseAlive(job *types.Job) bool {
	if job.Status != types.StatusRunning || job.Owner == o.opts.TabID || job.Owner == "" {
		return false
	}
	lease := time.Duration(o.opts.LeaseBeats) * o.opts.Heartbeat
	return o.opts.Now().Sub(job.HeartbeatAt) <= lease
}
