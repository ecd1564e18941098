// ============================================================================
// OrchestratorFacade - 畫面端入口
// ============================================================================
//
// Package: internal/facade
// File: facade.go
// Purpose: 透過 Transport 轉送指令、維護畫面快取、依 jobId 分派事件
//
// 事件處理（單一 dispatch goroutine，依到達順序）:
//   1. 套用到畫面快取（types.ApplyEvent；JOB_SYNC 刪除時移除）
//   2. NOTIFY 交給 Notifier（未設定時略過）
//   3. 呼叫該任務的訂閱者，再呼叫 SubscribeAll 的訂閱者
//
// 訂閱者在 dispatch goroutine 中同步執行，不可阻塞。
//
// ============================================================================

package facade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/analysis-orchestrator/internal/jobmanager"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// Handler 事件訂閱回呼
type Handler func(ev types.Event)

// Notifier 背景任務完成通知
type Notifier interface {
	Notify(jobID types.JobID, summary string)
}

// LogNotifier 以 log 輸出通知
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify 實作 Notifier
func (n LogNotifier) Notify(jobID types.JobID, summary string) {
	n.Logger.Info().Str("job_id", string(jobID)).Str("summary", summary).Msg("analysis ready")
}

// Options facade 設定
type Options struct {
	Notifier Notifier // 可為 nil
}

// Facade OrchestratorFacade
type Facade struct {
	tr       Transport
	notifier Notifier
	log      zerolog.Logger

	view *jobmanager.JobManager

	dmu    sync.Mutex // 一次分派一個事件（含畫面快取更新）
	mu     sync.RWMutex
	subs   map[types.JobID]map[int]Handler
	all    map[int]Handler
	nextID int

	done      chan struct{}
	closeOnce sync.Once
}

// New 建立 facade 並開始消費 Transport 的事件
func New(tr Transport, opts Options) *Facade {
	f := &Facade{
		tr:       tr,
		notifier: opts.Notifier,
		log:      log.With().Str("component", "facade").Logger(),
		view:     jobmanager.NewJobManager(),
		subs:     make(map[types.JobID]map[int]Handler),
		all:      make(map[int]Handler),
		done:     make(chan struct{}),
	}
	go f.dispatch()
	return f
}

// ============================================================================
// 指令
// ============================================================================

// Start 驗證請求、產生 jobId 並送出 START
func (f *Facade) Start(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	id, _, err := f.start(ctx, spec, nil)
	return id, err
}

// StartAndSubscribe 先訂閱再送出 START，不會漏掉 JOB_STARTED
func (f *Facade) StartAndSubscribe(ctx context.Context, spec types.JobSpec, fn Handler) (types.JobID, func(), error) {
	return f.start(ctx, spec, fn)
}

func (f *Facade) start(ctx context.Context, spec types.JobSpec, fn Handler) (types.JobID, func(), error) {
	spec = spec.Normalize()
	if spec.JobID == "" {
		spec.JobID = types.JobID(uuid.NewString())
	}
	if err := spec.Validate(); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	unsubscribe := func() {}
	if fn != nil {
		unsubscribe = f.Subscribe(spec.JobID, fn)
	}
	if err := f.tr.Send(ctx, types.StartCommand(spec)); err != nil {
		unsubscribe()
		return "", nil, err
	}
	return spec.JobID, unsubscribe, nil
}

// Cancel 取消整個任務
func (f *Facade) Cancel(ctx context.Context, id types.JobID) error {
	return f.tr.Send(ctx, types.Command{Type: types.CmdCancel, JobID: id})
}

// CancelTicker 取消串流任務中的單一代碼
func (f *Facade) CancelTicker(ctx context.Context, id types.JobID, ticker types.Ticker) error {
	return f.tr.Send(ctx, types.Command{Type: types.CmdCancelTicker, JobID: id, Ticker: types.NormalizeTicker(string(ticker))})
}

// Rerun 重新執行單一代碼
func (f *Facade) Rerun(ctx context.Context, id types.JobID, ticker types.Ticker) error {
	return f.tr.Send(ctx, types.Command{Type: types.CmdRerun, JobID: id, Ticker: types.NormalizeTicker(string(ticker))})
}

// CheckStatus 要求 orchestrator 回報（或判定孤兒）任務狀態
func (f *Facade) CheckStatus(ctx context.Context, id types.JobID) error {
	return f.tr.Send(ctx, types.Command{Type: types.CmdCheckStatus, JobID: id})
}

// ClearAll 清除所有任務
func (f *Facade) ClearAll(ctx context.Context) error {
	if err := f.tr.Send(ctx, types.Command{Type: types.CmdClearAll}); err != nil {
		return err
	}
	f.view.Clear()
	return nil
}

// Send 原樣轉送指令（bridge 使用）
func (f *Facade) Send(ctx context.Context, cmd types.Command) error {
	if cmd.Type == types.CmdStart {
		_, err := f.Start(ctx, cmd.Spec())
		return err
	}
	if cmd.Type == types.CmdClearAll {
		return f.ClearAll(ctx)
	}
	return f.tr.Send(ctx, cmd)
}

// ============================================================================
// 生命週期掛鉤
// ============================================================================

// OnVisible 畫面重新可見：對每個執行中的任務送出 CHECK_STATUS
func (f *Facade) OnVisible(ctx context.Context) error {
	var errs []error
	for _, job := range f.view.List() {
		if job.Status != types.StatusRunning {
			continue
		}
		if err := f.CheckStatus(ctx, job.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.ID, err))
		}
	}
	return errors.Join(errs...)
}

// OnBeforeUnload 畫面即將關閉：立即寫出所有任務
func (f *Facade) OnBeforeUnload(ctx context.Context) error {
	return f.tr.Send(ctx, types.Command{Type: types.CmdFlush})
}

// ============================================================================
// 查詢與訂閱
// ============================================================================

// Get 畫面快取中的任務
func (f *Facade) Get(id types.JobID) (*types.Job, bool) {
	return f.view.GetJob(id)
}

// List 畫面快取中的所有任務（新到舊）
func (f *Facade) List() []*types.Job {
	return f.view.List()
}

// Subscribe 訂閱單一任務的事件，回傳取消訂閱函式
func (f *Facade) Subscribe(id types.JobID, fn Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	key := f.nextID
	if f.subs[id] == nil {
		f.subs[id] = make(map[int]Handler)
	}
	f.subs[id][key] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[id], key)
		if len(f.subs[id]) == 0 {
			delete(f.subs, id)
		}
	}
}

// SubscribeAll 訂閱所有事件
func (f *Facade) SubscribeAll(fn Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	key := f.nextID
	f.all[key] = fn

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.all, key)
	}
}

// Attach 取得畫面快取快照並訂閱所有事件
//
// 快照之後的事件才會送給 fn，兩者之間不重複也不遺漏。不可在訂閱者中呼叫。
func (f *Facade) Attach(fn Handler) ([]*types.Job, func()) {
	f.dmu.Lock()
	defer f.dmu.Unlock()
	return f.view.List(), f.SubscribeAll(fn)
}

// Done dispatch 結束（Transport 的事件通道關閉）時關閉
func (f *Facade) Done() <-chan struct{} {
	return f.done
}

// Close 關閉 Transport 並等待剩餘事件分派完畢
func (f *Facade) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.tr.Close()
		<-f.done
	})
	return err
}

// ============================================================================
// 事件分派
// ============================================================================

func (f *Facade) dispatch() {
	defer close(f.done)
	for ev := range f.tr.Events() {
		f.dmu.Lock()
		f.apply(ev)

		if ev.Type == types.EvNotify && f.notifier != nil {
			f.notifier.Notify(ev.JobID, ev.Summary)
		}

		for _, fn := range f.handlers(ev.JobID) {
			f.call(fn, ev)
		}
		f.dmu.Unlock()
	}
}

// apply 更新畫面快取
func (f *Facade) apply(ev types.Event) {
	if ev.JobID == "" {
		return
	}
	if ev.Type == types.EvJobSync && ev.Deleted {
		f.view.Remove(ev.JobID)
		return
	}

	current, _ := f.view.GetJob(ev.JobID)
	if next := types.ApplyEvent(current, ev); next != nil {
		f.view.Adopt(next)
	}
}

// handlers 依訂閱順序取得回呼（先單一任務，後全部）
func (f *Facade) handlers(id types.JobID) []Handler {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Handler, 0, len(f.subs[id])+len(f.all))
	out = appendOrdered(out, f.subs[id])
	return appendOrdered(out, f.all)
}

func appendOrdered(out []Handler, m map[int]Handler) []Handler {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// call 訂閱者 panic 不影響其他訂閱者
func (f *Facade) call(fn Handler, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error().Interface("panic", r).Str("job_id", string(ev.JobID)).Str("event", string(ev.Type)).
				Msg("subscriber panicked")
		}
	}()
	fn(ev)
}
