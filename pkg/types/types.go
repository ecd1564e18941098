// Package types 定義了分析編排系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// 基本識別型別
// ============================================================================

// JobID 任務唯一識別碼（UUID v4，由 facade 產生）
type JobID string

// Ticker 股票代碼，大寫且去除空白
type Ticker string

// NormalizeTicker 將輸入轉為標準化代碼
func NormalizeTicker(s string) Ticker {
	return Ticker(strings.ToUpper(strings.TrimSpace(s)))
}

// ============================================================================
// 分析類型與代理
// ============================================================================

// AnalysisKind 分析預設等級，決定參與的代理與預期耗時
type AnalysisKind string

const (
	KindQuick         AnalysisKind = "QUICK"
	KindStandard      AnalysisKind = "STANDARD"
	KindComprehensive AnalysisKind = "COMPREHENSIVE"
)

// AnalysisMode 分析模式
type AnalysisMode string

const (
	ModeAnalyze AnalysisMode = "ANALYZE" // 每個代碼一份報告
	ModeCompare AnalysisMode = "COMPARE" // 額外產生跨代碼比較
)

// AgentID 後端分析代理
type AgentID string

const (
	AgentMarket      AgentID = "MARKET"
	AgentSentiment   AgentID = "SENTIMENT"
	AgentFundamental AgentID = "FUNDAMENTAL"
	AgentRisk        AgentID = "RISK"
	AgentStrategy    AgentID = "STRATEGY"
)

// CanonicalAgents 代理的固定執行順序
var CanonicalAgents = []AgentID{AgentMarket, AgentSentiment, AgentFundamental, AgentRisk, AgentStrategy}

// AgentsFor 回傳指定分析類型使用的代理（依固定順序）
func AgentsFor(kind AnalysisKind) []AgentID {
	switch kind {
	case KindQuick:
		return []AgentID{AgentMarket}
	case KindStandard:
		return []AgentID{AgentMarket, AgentSentiment}
	case KindComprehensive:
		out := make([]AgentID, len(CanonicalAgents))
		copy(out, CanonicalAgents)
		return out
	}
	return nil
}

// ExpectedDuration 單一代碼的預期耗時
func (k AnalysisKind) ExpectedDuration() time.Duration {
	switch k {
	case KindQuick:
		return 30 * time.Second
	case KindStandard:
		return 60 * time.Second
	case KindComprehensive:
		return 120 * time.Second
	}
	return 0
}

// Valid 檢查分析類型是否合法
func (k AnalysisKind) Valid() bool {
	return k == KindQuick || k == KindStandard || k == KindComprehensive
}

// Valid 檢查分析模式是否合法
func (m AnalysisMode) Valid() bool {
	return m == ModeAnalyze || m == ModeCompare
}

// IsPrefixOf 判斷 agents 是否為 kind 固定順序的前綴
func IsPrefixOf(agents []AgentID, kind AnalysisKind) bool {
	order := AgentsFor(kind)
	if len(agents) > len(order) {
		return false
	}
	for i, a := range agents {
		if order[i] != a {
			return false
		}
	}
	return true
}

// ============================================================================
// 狀態定義
// ============================================================================

// JobStatus 任務狀態
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"   // 已建立，尚未開始
	StatusRunning   JobStatus = "RUNNING"   // 執行中
	StatusCompleted JobStatus = "COMPLETED" // 全部代碼結束
	StatusCancelled JobStatus = "CANCELLED" // 使用者取消
	StatusFailed    JobStatus = "FAILED"    // 整體性錯誤
)

// Terminal 是否為終止狀態
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// TickerStatus 單一代碼子狀態
type TickerStatus string

const (
	TickerQueued     TickerStatus = "QUEUED"
	TickerInProgress TickerStatus = "IN_PROGRESS"
	TickerDone       TickerStatus = "DONE"
	TickerFailed     TickerStatus = "FAILED"
	TickerCancelled  TickerStatus = "CANCELLED"
)

// Terminal 是否為終止子狀態
func (s TickerStatus) Terminal() bool {
	return s == TickerDone || s == TickerFailed || s == TickerCancelled
}

// ErrorKind 錯誤分類
type ErrorKind string

const (
	ErrAuth        ErrorKind = "AUTH"
	ErrNetwork     ErrorKind = "NETWORK"
	ErrTimeout     ErrorKind = "TIMEOUT"
	ErrServer      ErrorKind = "SERVER"
	ErrProtocol    ErrorKind = "PROTOCOL"
	ErrCancelled   ErrorKind = "CANCELLED"
	ErrStorageFull ErrorKind = "STORAGE_FULL"
	ErrOrphaned    ErrorKind = "ORPHANED"
	ErrDowngraded  ErrorKind = "DOWNGRADED" // 僅提示，不是失敗
	ErrCache       ErrorKind = "CACHE"
	ErrValidation  ErrorKind = "VALIDATION"
)

// ============================================================================
// Job 結構
// ============================================================================

// TickerState 單一代碼的進度
type TickerState struct {
	Status          TickerStatus `json:"status"`
	Progress        float64      `json:"progress"`
	CurrentAgent    AgentID      `json:"currentAgent,omitempty"`
	CompletedAgents []AgentID    `json:"completedAgents"`
	Error           ErrorKind    `json:"error,omitempty"`
}

// Failure 任務層級失敗原因
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Reason  string    `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Job 一次使用者發起的分析請求
type Job struct {
	// 識別
	ID JobID `json:"jobId"`

	// 請求內容
	Tickers       []Ticker     `json:"tickers"`
	Kind          AnalysisKind `json:"kind"`
	RequestedKind AnalysisKind `json:"requestedKind,omitempty"` // 被降級時的原始類型
	Mode          AnalysisMode `json:"mode"`
	Background    bool         `json:"background,omitempty"`

	// 生命週期
	Status     JobStatus  `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	// 進度
	GlobalProgress float64                 `json:"globalProgress"`
	Phase          string                  `json:"phase"`
	PerTicker      map[Ticker]*TickerState `json:"perTicker"`

	// 結果
	Reports    map[Ticker]*Report   `json:"reports"`
	Errors     map[Ticker]ErrorKind `json:"errors"`
	Comparison RawValue             `json:"comparison,omitempty"`
	Failure    *Failure             `json:"failure,omitempty"`
	Notices    []ErrorKind          `json:"notices,omitempty"`

	// 所有權（跨分頁孤兒偵測）
	Owner       string    `json:"owner,omitempty"`
	HeartbeatAt time.Time `json:"heartbeatAt,omitempty"`
}

// JobSpec 啟動任務所需的請求參數
type JobSpec struct {
	JobID      JobID        `json:"jobId"`
	Tickers    []Ticker     `json:"tickers"`
	Kind       AnalysisKind `json:"kind"`
	Mode       AnalysisMode `json:"mode"`
	Background bool         `json:"background,omitempty"`
}

var (
	// ErrNoTickers 請求未包含任何代碼
	ErrNoTickers = errors.New("at least one ticker is required")
	// ErrDuplicateTicker 同一任務中代碼重複
	ErrDuplicateTicker = errors.New("duplicate ticker")
	// ErrInvalidKind 不支援的分析類型
	ErrInvalidKind = errors.New("invalid analysis kind")
	// ErrInvalidMode 不支援的分析模式
	ErrInvalidMode = errors.New("invalid analysis mode")
)

// Normalize 標準化代碼並補上預設模式
func (s JobSpec) Normalize() JobSpec {
	out := s
	out.Tickers = make([]Ticker, 0, len(s.Tickers))
	for _, t := range s.Tickers {
		out.Tickers = append(out.Tickers, NormalizeTicker(string(t)))
	}
	if out.Mode == "" {
		out.Mode = ModeAnalyze
	}
	return out
}

// Validate 同步驗證請求
func (s JobSpec) Validate() error {
	if len(s.Tickers) == 0 {
		return ErrNoTickers
	}
	seen := make(map[Ticker]bool, len(s.Tickers))
	for _, t := range s.Tickers {
		if t == "" {
			return fmt.Errorf("%w: empty ticker", ErrNoTickers)
		}
		if seen[t] {
			return fmt.Errorf("%w: %s", ErrDuplicateTicker, t)
		}
		seen[t] = true
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, s.Kind)
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, s.Mode)
	}
	return nil
}

// NewJob 依請求建立 PENDING 狀態的任務
func NewJob(spec JobSpec, now time.Time) *Job {
	job := &Job{
		ID:         spec.JobID,
		Tickers:    append([]Ticker(nil), spec.Tickers...),
		Kind:       spec.Kind,
		Mode:       spec.Mode,
		Background: spec.Background,
		Status:     StatusPending,
		CreatedAt:  now,
		PerTicker:  make(map[Ticker]*TickerState, len(spec.Tickers)),
		Reports:    make(map[Ticker]*Report),
		Errors:     make(map[Ticker]ErrorKind),
	}
	for _, t := range spec.Tickers {
		job.PerTicker[t] = &TickerState{Status: TickerQueued, CompletedAgents: []AgentID{}}
	}
	return job
}

// IsTerminal 任務是否已終止
func (j *Job) IsTerminal() bool {
	return j.Status.Terminal()
}

// HasNotice 是否帶有指定提示
func (j *Job) HasNotice(kind ErrorKind) bool {
	for _, n := range j.Notices {
		if n == kind {
			return true
		}
	}
	return false
}

// Validate 檢查任務的結構性不變量
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("job id is empty")
	}
	if len(j.Tickers) == 0 {
		return ErrNoTickers
	}
	seen := make(map[Ticker]bool, len(j.Tickers))
	for _, t := range j.Tickers {
		if seen[t] {
			return fmt.Errorf("%w: %s", ErrDuplicateTicker, t)
		}
		seen[t] = true
	}
	if j.GlobalProgress < 0 || j.GlobalProgress > 1 {
		return fmt.Errorf("global progress out of range: %v", j.GlobalProgress)
	}
	if (j.GlobalProgress == 1) != (j.Status == StatusCompleted) {
		return fmt.Errorf("global progress %v inconsistent with status %s", j.GlobalProgress, j.Status)
	}
	for t, st := range j.PerTicker {
		if !seen[t] {
			return fmt.Errorf("per-ticker state for unknown ticker %s", t)
		}
		if !IsPrefixOf(st.CompletedAgents, j.Kind) {
			return fmt.Errorf("ticker %s: completed agents %v not a prefix of %s order", t, st.CompletedAgents, j.Kind)
		}
	}
	return nil
}

// Clone 深拷貝任務，供事件快照與跨 goroutine 傳遞
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Tickers = append([]Ticker(nil), j.Tickers...)
	c.Notices = append([]ErrorKind(nil), j.Notices...)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	c.Comparison = cloneRaw(j.Comparison)
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	c.PerTicker = make(map[Ticker]*TickerState, len(j.PerTicker))
	for t, st := range j.PerTicker {
		c.PerTicker[t] = st.Clone()
	}
	c.Reports = make(map[Ticker]*Report, len(j.Reports))
	for t, r := range j.Reports {
		c.Reports[t] = r.Clone()
	}
	c.Errors = make(map[Ticker]ErrorKind, len(j.Errors))
	for t, e := range j.Errors {
		c.Errors[t] = e
	}
	return &c
}

// Clone 深拷貝代碼狀態
func (s *TickerState) Clone() *TickerState {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedAgents = append([]AgentID{}, s.CompletedAgents...)
	return &c
}

// SnapshotPerTicker 複製整個代碼狀態表
func (j *Job) SnapshotPerTicker() map[Ticker]*TickerState {
	out := make(map[Ticker]*TickerState, len(j.PerTicker))
	for t, st := range j.PerTicker {
		out[t] = st.Clone()
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
