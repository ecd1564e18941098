package orchestrator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/internal/faults"
	"github.com/ChuLiYu/analysis-orchestrator/internal/progress"
	"github.com/ChuLiYu/analysis-orchestrator/internal/remote"
	"github.com/ChuLiYu/analysis-orchestrator/internal/retry"
	"github.com/ChuLiYu/analysis-orchestrator/internal/worker"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// ============================================================================
// 主迴圈訊息
// ============================================================================

type message interface{}

type commandMsg struct {
	cmd   types.Command
	reply chan error
}

// tickerBegin 串流 driver 開始處理某代碼
type tickerBegin struct {
	job    types.JobID
	ticker types.Ticker
	gen    int
}

type streamMsg struct {
	job    types.JobID
	ticker types.Ticker
	gen    int
	ev     remote.StreamEvent
}

type streamDone struct {
	job    types.JobID
	ticker types.Ticker
	gen    int
	err    error
}

// unaryDone 單次請求結束；gens 是發出請求時各代碼的世代
type unaryDone struct {
	job  types.JobID
	gens map[types.Ticker]int
	main bool
	res  *remote.UnaryResult
	err  error
}

// spliceDone 已終止任務的單一代碼重新執行結束
type spliceDone struct {
	job    types.JobID
	ticker types.Ticker
	gen    int
	report *types.Report
	err    error
}

// ============================================================================
// 執行中狀態
// ============================================================================

// run 一個由本實例驅動的任務
type run struct {
	id         types.JobID
	kind       types.AnalysisKind
	streaming  bool
	ctx        context.Context
	cancel     context.CancelFunc
	tickers    map[types.Ticker]*drive
	comparison types.RawValue
}

// drive 單一代碼的驅動狀態；gen 每次重置加一，舊世代的回報一律忽略
type drive struct {
	gen    int
	cancel context.CancelFunc
	since  time.Time
	est    progress.Estimator
}

func (d *drive) stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

type spliceKey struct {
	job    types.JobID
	ticker types.Ticker
}

func newRun(parent context.Context, job *types.Job, now time.Time) *run {
	ctx, cancel := context.WithCancel(parent)
	r := &run{
		id:        job.ID,
		kind:      job.Kind,
		streaming: job.Kind == types.KindComprehensive,
		ctx:       ctx,
		cancel:    cancel,
		tickers:   make(map[types.Ticker]*drive, len(job.Tickers)),
	}
	est := progress.New(len(job.Tickers))
	for _, t := range job.Tickers {
		r.tickers[t] = &drive{gen: 1, since: now, est: est}
	}
	return r
}

// gens 目前各代碼的世代快照
func (r *run) gens(tickers []types.Ticker) map[types.Ticker]int {
	out := make(map[types.Ticker]int, len(tickers))
	for _, t := range tickers {
		out[t] = r.tickers[t].gen
	}
	return out
}

// ============================================================================
// Driver（在自己的 goroutine 中執行，只透過 post 回報）
// ============================================================================

func (o *Orchestrator) onRetry(op string, ticker types.Ticker) func(int, error) {
	return func(attempt int, err error) {
		kind := faults.KindOf(err)
		o.opts.Metrics.ObserveRetry(op, kind)
		o.log.Debug().Str("op", op).Str("ticker", string(ticker)).Int("attempt", attempt+1).
			Str("kind", string(kind)).Err(err).Msg("retrying transient failure")
	}
}

// invalidate 清除後端快取，失敗只記錄
func (o *Orchestrator) invalidate(ctx context.Context, ticker types.Ticker) {
	token, err := o.opts.Tokens.Token(ctx)
	if err == nil {
		err = o.opts.Client.InvalidateCache(ctx, ticker, token)
	}
	if err != nil {
		o.log.Warn().Str("ticker", string(ticker)).Err(err).Msg("cache invalidation failed")
	}
}

// request 單次請求（含重試）
func (o *Orchestrator) request(ctx context.Context, tickers []types.Ticker, kind types.AnalysisKind) (*remote.UnaryResult, error) {
	return retry.Do(ctx, o.opts.Policy, func(ctx context.Context) (*remote.UnaryResult, error) {
		token, err := o.opts.Tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		return o.opts.Client.RequestReport(ctx, tickers, kind, token)
	}, o.onRetry("request", ""))
}

// driveUnary 執行單次請求並回報結果
func (o *Orchestrator) driveUnary(ctx context.Context, job types.JobID, tickers []types.Ticker, kind types.AnalysisKind,
	gens map[types.Ticker]int, main, invalidate bool) {
	defer o.wg.Done()

	if invalidate {
		for _, t := range tickers {
			o.invalidate(ctx, t)
		}
	}
	res, err := o.request(ctx, tickers, kind)
	o.post(unaryDone{job: job, gens: gens, main: main, res: res, err: err})
}

// stream 開啟串流並逐筆回報事件，直到 complete / cached
//
// onEvent 為 nil 時只收集最終報告（已終止任務的重新執行）。
func (o *Orchestrator) stream(ctx context.Context, ticker types.Ticker, kind types.AnalysisKind,
	onEvent func(remote.StreamEvent)) (*types.Report, error) {
	return retry.Do(ctx, o.opts.Policy, func(ctx context.Context) (*types.Report, error) {
		token, err := o.opts.Tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		s, err := o.opts.Client.StreamReport(ctx, ticker, kind, token)
		if err != nil {
			return nil, err
		}
		defer s.Close()

		for {
			ev, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return nil, faults.Newf(types.ErrNetwork, "stream", "stream closed before completion").WithTicker(ticker)
			}
			if err != nil {
				return nil, err
			}
			if onEvent != nil {
				onEvent(ev)
			}
			switch ev.Kind {
			case remote.EventError:
				return nil, faults.Newf(ev.ErrorKind(), "stream", "%s", ev.Error).WithTicker(ticker)
			case remote.EventComplete, remote.EventCached:
				return ev.Report, nil
			}
		}
	}, o.onRetry("stream", ticker))
}

// driveStream 串流 driver；事件轉成 streamMsg 送回主迴圈
func (o *Orchestrator) driveStream(ctx context.Context, job types.JobID, ticker types.Ticker, kind types.AnalysisKind,
	gen int, invalidate bool) error {
	if invalidate {
		o.invalidate(ctx, ticker)
	}
	o.post(tickerBegin{job: job, ticker: ticker, gen: gen})

	_, err := o.stream(ctx, ticker, kind, func(ev remote.StreamEvent) {
		if ev.Kind == remote.EventError {
			return
		}
		o.post(streamMsg{job: job, ticker: ticker, gen: gen, ev: ev})
	})
	return err
}

// launchStreams 以 worker pool 驅動所有代碼，同時最多 MaxStreams 條
func (o *Orchestrator) launchStreams(r *run, tickers []types.Ticker) {
	n := len(tickers)
	pool := worker.NewPool(n)
	workers := n
	if workers > o.opts.MaxStreams {
		workers = o.opts.MaxStreams
	}
	if err := pool.Start(workers); err != nil {
		o.log.Error().Err(err).Str("job_id", string(r.id)).Msg("failed to start stream pool")
		return
	}

	gens := make(map[string]int, n)
	for _, t := range tickers {
		d := r.tickers[t]
		ctx, cancel := context.WithCancel(r.ctx)
		d.cancel = cancel
		gen := d.gen
		gens[string(t)] = gen

		err := pool.Submit(worker.Task{
			ID:  string(t),
			Ctx: ctx,
			Run: func(ctx context.Context) error {
				return o.driveStream(ctx, r.id, t, r.kind, gen, false)
			},
		})
		if err != nil {
			o.log.Error().Err(err).Str("ticker", string(t)).Msg("failed to submit stream task")
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer pool.Stop()
		for i := 0; i < n; i++ {
			res, err := pool.ReceiveResult()
			if err != nil {
				return
			}
			o.post(streamDone{job: r.id, ticker: types.Ticker(res.TaskID), gen: gens[res.TaskID], err: res.Error})
		}
	}()
}

// launchTicker 重新驅動執行中任務的單一代碼
func (o *Orchestrator) launchTicker(r *run, ticker types.Ticker) {
	d := r.tickers[ticker]
	ctx, cancel := context.WithCancel(r.ctx)
	d.cancel = cancel
	gen := d.gen

	o.wg.Add(1)
	if r.streaming {
		go func() {
			defer o.wg.Done()
			err := o.driveStream(ctx, r.id, ticker, r.kind, gen, true)
			o.post(streamDone{job: r.id, ticker: ticker, gen: gen, err: err})
		}()
		return
	}
	go o.driveUnary(ctx, r.id, []types.Ticker{ticker}, r.kind, map[types.Ticker]int{ticker: gen}, false, true)
}

// launchSplice 已終止任務的單一代碼重新執行，只取最終報告
func (o *Orchestrator) launchSplice(ctx context.Context, job *types.Job, ticker types.Ticker, gen int) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.invalidate(ctx, ticker)

		var (
			report *types.Report
			err    error
		)
		if job.Kind == types.KindComprehensive {
			report, err = o.stream(ctx, ticker, job.Kind, nil)
		} else {
			var res *remote.UnaryResult
			res, err = o.request(ctx, []types.Ticker{ticker}, job.Kind)
			if err == nil {
				report = res.Reports[ticker]
				if report == nil {
					err = faults.Newf(types.ErrProtocol, "request", "response has no report").WithTicker(ticker)
				}
			}
		}
		o.post(spliceDone{job: job.ID, ticker: ticker, gen: gen, report: report, err: err})
	}()
}
