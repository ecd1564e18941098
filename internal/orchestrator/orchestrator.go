// ============================================================================
// AnalysisOrchestrator - 分析任務編排器
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: 接收指令、驅動後端分析任務、產生事件並寫入 DurableJobStore
//
// 執行模型:
//   單一主迴圈 goroutine 擁有所有任務狀態，從同一個 inbox 讀取：
//     - 指令（Send）
//     - driver 回報（串流事件、單次請求結果）
//     - 計時器（進度推估 tick、持久化 tick、心跳）
//     - 其他分頁的 store 變更
//   driver 在自己的 goroutine 中執行，只透過 post 回報，不直接修改狀態。
//
// 任務狀態機:
//   PENDING → RUNNING → COMPLETED / CANCELLED / FAILED
//   每個 START 恰好產生一個終止事件。
//
// 策略:
//   COMPREHENSIVE → 每個代碼一條串流，同時最多 min(n, 4) 條（worker pool）
//   QUICK / STANDARD → 單一請求，進度由 progress.Estimator 推估
//
// 所有權:
//   每個實例有 TabID。自己驅動的任務定期更新 heartbeatAt；
//   沒有 driver 的 RUNNING 紀錄（重新載入、租約過期）標記為 FAILED{ORPHANED}。
//
// ============================================================================

package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/analysis-orchestrator/internal/jobmanager"
	"github.com/ChuLiYu/analysis-orchestrator/internal/outbox"
	"github.com/ChuLiYu/analysis-orchestrator/internal/remote"
	"github.com/ChuLiYu/analysis-orchestrator/internal/retry"
	"github.com/ChuLiYu/analysis-orchestrator/internal/session"
	"github.com/ChuLiYu/analysis-orchestrator/internal/store"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// ============================================================================
// 預設值與錯誤定義
// ============================================================================

const (
	DefaultTick             = 50 * time.Millisecond
	DefaultHeartbeat        = 2 * time.Second
	DefaultLeaseBeats       = 3
	DefaultPersistInterval  = 100 * time.Millisecond
	DefaultMaxComprehensive = 10
	DefaultMaxStreams       = 4
	DefaultHistoryTimeout   = 30 * time.Second
)

// ReasonRerun 重新執行時重置代碼的 PROGRESS 事件
const ReasonRerun = "rerun"

var (
	// ErrNotStarted 主迴圈尚未啟動
	ErrNotStarted = errors.New("orchestrator not started")
	// ErrStopped 主迴圈已停止
	ErrStopped = errors.New("orchestrator stopped")
	// ErrInvalidCommand 指令驗證失敗
	ErrInvalidCommand = errors.New("invalid command")
	// ErrJobNotFound 任務不存在（記憶體與 store 都找不到）
	ErrJobNotFound = jobmanager.ErrJobNotFound
	// ErrDuplicateJob 任務 ID 重複
	ErrDuplicateJob = jobmanager.ErrDuplicateJob
	// ErrNotOwner 任務由另一個存活的實例驅動
	ErrNotOwner = errors.New("job is driven by another instance")
	// ErrNotStreaming 單一代碼取消只適用於串流任務
	ErrNotStreaming = errors.New("per-ticker cancel requires a streaming job")
	// ErrUnknownTicker 代碼不屬於該任務
	ErrUnknownTicker = errors.New("ticker not part of job")
)

// Journal 事件日誌
type Journal interface {
	Append(ev types.Event) error
}

// Metrics 事件與重試計數
type Metrics interface {
	ObserveEvent(ev types.Event)
	ObserveRetry(op string, kind types.ErrorKind)
}

type noopMetrics struct{}

func (noopMetrics) ObserveEvent(types.Event)             {}
func (noopMetrics) ObserveRetry(string, types.ErrorKind) {}

// Options 編排器設定
type Options struct {
	TabID   string
	Client  *remote.Client
	Tokens  session.TokenSource
	Store   *store.Store // 可為 nil（不持久化）
	Policy  retry.Policy
	Journal Journal // 可為 nil
	Metrics Metrics // 可為 nil

	Tick             time.Duration // 進度推估間隔
	Heartbeat        time.Duration // 心跳間隔
	LeaseBeats       int           // 幾次心跳沒更新視為孤兒
	PersistInterval  time.Duration // 同一任務兩次寫入的最短間隔
	MaxComprehensive int           // 超過此代碼數的 COMPREHENSIVE 降級為 STANDARD
	MaxStreams       int           // 每個任務同時開啟的串流上限
	SaveHistory      bool          // 完成後寫入後端歷史

	Now func() time.Time
}

func (o *Options) withDefaults() {
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.LeaseBeats <= 0 {
		o.LeaseBeats = DefaultLeaseBeats
	}
	if o.PersistInterval <= 0 {
		o.PersistInterval = DefaultPersistInterval
	}
	if o.MaxComprehensive <= 0 {
		o.MaxComprehensive = DefaultMaxComprehensive
	}
	if o.MaxStreams <= 0 {
		o.MaxStreams = DefaultMaxStreams
	}
	if o.Policy.Strategy == nil {
		o.Policy = retry.DefaultPolicy()
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ============================================================================
// Orchestrator
// ============================================================================

// Orchestrator 分析任務編排器
type Orchestrator struct {
	opts  Options
	jobs  *jobmanager.JobManager
	log   zerolog.Logger
	inbox chan message
	out   *outbox.Outbox

	// store 變更（來自 watcher goroutine）先放進無界佇列
	changeMu  sync.Mutex
	changes   []store.Change
	changeSig chan struct{}
	unsub     func()

	stopCh   chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup // driver、collector、歷史寫入
	mu       sync.Mutex
	started  bool
	stopped  bool

	// 以下只在主迴圈中存取
	runs      map[types.JobID]*run
	splices   map[spliceKey]*drive
	dirty     map[types.JobID]bool
	lastWrite map[types.JobID]time.Time
	seq       uint64
}

// New 建立編排器
func New(opts Options) *Orchestrator {
	opts.withDefaults()
	return &Orchestrator{
		opts:      opts,
		jobs:      jobmanager.NewJobManager(),
		log:       log.With().Str("component", "orchestrator").Str("tab", opts.TabID).Logger(),
		inbox:     make(chan message, 256),
		out:       outbox.New(),
		changeSig: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
		runs:      make(map[types.JobID]*run),
		splices:   make(map[spliceKey]*drive),
		dirty:     make(map[types.JobID]bool),
		lastWrite: make(map[types.JobID]time.Time),
	}
}

// TabID 實例識別碼
func (o *Orchestrator) TabID() string {
	return o.opts.TabID
}

// Events 事件輸出；Stop 後送完剩餘事件即關閉
func (o *Orchestrator) Events() <-chan types.Event {
	return o.out.C()
}

// Start 載入 store 內容並啟動主迴圈
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator already started")
	}

	if o.opts.Store != nil {
		o.unsub = o.opts.Store.Subscribe(o.onStoreChange)
		for _, job := range o.opts.Store.List() {
			o.jobs.Adopt(job)
			o.emit(types.Event{Type: types.EvJobSync, JobID: job.ID, Job: job})
		}
	}

	o.started = true
	go o.loop()
	o.log.Info().Int("jobs", len(o.jobs.List())).Msg("orchestrator started")
	return nil
}

// Stop 停止主迴圈並等待所有 driver 結束
//
// 執行中的任務不產生終止事件，store 中保持 RUNNING，由下一個實例判定為孤兒。
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	close(o.stopCh)
	<-o.loopDone
	o.wg.Wait()

	if o.unsub != nil {
		o.unsub()
	}
	o.out.Close()
	o.log.Info().Msg("orchestrator stopped")
}

// Send 送出指令並等待主迴圈處理完畢
//
// 驗證錯誤同步回傳；任務執行結果只透過事件回報。
func (o *Orchestrator) Send(cmd types.Command) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	o.mu.Lock()
	started, stopped := o.started, o.stopped
	o.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if stopped {
		return ErrStopped
	}

	reply := make(chan error, 1)
	select {
	case o.inbox <- commandMsg{cmd: cmd, reply: reply}:
	case <-o.stopCh:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-o.stopCh:
		return ErrStopped
	}
}

// Get 任務快照（記憶體中的版本）
func (o *Orchestrator) Get(id types.JobID) (*types.Job, bool) {
	return o.jobs.GetJob(id)
}

// List 所有已知任務（包含其他分頁的任務）
func (o *Orchestrator) List() []*types.Job {
	return o.jobs.List()
}

// Stats 各狀態任務數
func (o *Orchestrator) Stats() map[string]int {
	return o.jobs.Stats()
}

// ============================================================================
// 主迴圈
// ============================================================================

func (o *Orchestrator) loop() {
	defer close(o.loopDone)

	tick := time.NewTicker(o.opts.Tick)
	defer tick.Stop()
	persist := time.NewTicker(o.opts.PersistInterval)
	defer persist.Stop()
	heartbeat := time.NewTicker(o.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-o.stopCh:
			o.shutdown()
			return

		case msg := <-o.inbox:
			o.handle(msg)

		case <-o.changeSig:
			for _, c := range o.drainChanges() {
				o.onForeign(c)
			}

		case <-tick.C:
			o.estimate()

		case <-persist.C:
			o.flushDirty(false)

		case <-heartbeat.C:
			o.beat()
		}
	}
}

// post driver 回報主迴圈；主迴圈停止後直接丟棄
func (o *Orchestrator) post(msg message) {
	select {
	case o.inbox <- msg:
	case <-o.stopCh:
	}
}

func (o *Orchestrator) handle(msg message) {
	switch m := msg.(type) {
	case commandMsg:
		m.reply <- o.apply(m.cmd)
	case tickerBegin:
		o.onTickerBegin(m)
	case streamMsg:
		o.onStreamEvent(m)
	case streamDone:
		o.onStreamDone(m)
	case unaryDone:
		o.onUnaryDone(m)
	case spliceDone:
		o.onSpliceDone(m)
	}
}

// shutdown 中止所有 driver 並寫出尚未持久化的狀態
func (o *Orchestrator) shutdown() {
	for _, r := range o.runs {
		r.cancel()
	}
	for _, d := range o.splices {
		d.stop()
	}
	o.flushDirty(true)
}

// onStoreChange store 訂閱回呼（在 watcher goroutine 執行）
func (o *Orchestrator) onStoreChange(c store.Change) {
	if c.Local {
		return
	}
	o.changeMu.Lock()
	o.changes = append(o.changes, c)
	o.changeMu.Unlock()

	select {
	case o.changeSig <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) drainChanges() []store.Change {
	o.changeMu.Lock()
	defer o.changeMu.Unlock()
	out := o.changes
	o.changes = nil
	return out
}

// onForeign 其他分頁的變更：自己驅動中的任務以記憶體為準，其餘同步並轉發
func (o *Orchestrator) onForeign(c store.Change) {
	if _, driving := o.runs[c.ID]; driving {
		return
	}
	if c.Deleted {
		o.jobs.Remove(c.ID)
		o.emit(types.Event{Type: types.EvJobSync, JobID: c.ID, Deleted: true})
		return
	}
	o.jobs.Adopt(c.Job)
	o.emit(types.Event{Type: types.EvJobSync, JobID: c.ID, Job: c.Job.Clone()})
}

// emit 編號、記錄並送出事件
func (o *Orchestrator) emit(ev types.Event) {
	o.seq++
	ev.Seq = o.seq

	if o.opts.Journal != nil {
		if err := o.opts.Journal.Append(ev); err != nil {
			o.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to append event to journal")
		}
	}
	o.opts.Metrics.ObserveEvent(ev)
	o.out.Push(ev)
}
