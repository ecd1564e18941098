package types

import (
	"fmt"
)

// ============================================================================
// 指令（facade → orchestrator）
// ============================================================================

// CommandType 指令種類
type CommandType string

const (
	CmdStart        CommandType = "START"
	CmdCancel       CommandType = "CANCEL"
	CmdCancelTicker CommandType = "CANCEL_TICKER"
	CmdRerun        CommandType = "RERUN"
	CmdCheckStatus  CommandType = "CHECK_STATUS"
	CmdClearAll     CommandType = "CLEAR_ALL"
	CmdFlush        CommandType = "FLUSH"
)

// Command 帶有 type 標籤的指令
type Command struct {
	Type       CommandType  `json:"type"`
	JobID      JobID        `json:"jobId,omitempty"`
	Tickers    []Ticker     `json:"tickers,omitempty"`
	Kind       AnalysisKind `json:"kind,omitempty"`
	Mode       AnalysisMode `json:"mode,omitempty"`
	Background bool         `json:"background,omitempty"`
	Ticker     Ticker       `json:"ticker,omitempty"`
}

// StartCommand 由請求建立 START 指令
func StartCommand(spec JobSpec) Command {
	return Command{
		Type:       CmdStart,
		JobID:      spec.JobID,
		Tickers:    append([]Ticker(nil), spec.Tickers...),
		Kind:       spec.Kind,
		Mode:       spec.Mode,
		Background: spec.Background,
	}
}

// Spec START 指令中的請求內容
func (c Command) Spec() JobSpec {
	return JobSpec{
		JobID:      c.JobID,
		Tickers:    append([]Ticker(nil), c.Tickers...),
		Kind:       c.Kind,
		Mode:       c.Mode,
		Background: c.Background,
	}
}

// Validate 檢查指令欄位
func (c Command) Validate() error {
	switch c.Type {
	case CmdStart:
		if c.JobID == "" {
			return fmt.Errorf("%s: jobId is required", c.Type)
		}
		return c.Spec().Normalize().Validate()
	case CmdCancel, CmdCheckStatus:
		if c.JobID == "" {
			return fmt.Errorf("%s: jobId is required", c.Type)
		}
	case CmdCancelTicker, CmdRerun:
		if c.JobID == "" || c.Ticker == "" {
			return fmt.Errorf("%s: jobId and ticker are required", c.Type)
		}
	case CmdClearAll, CmdFlush:
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
	return nil
}

// ============================================================================
// 事件（orchestrator → facade）
// ============================================================================

// EventType 事件種類
type EventType string

const (
	EvJobStarted      EventType = "JOB_STARTED"
	EvProgress        EventType = "PROGRESS"
	EvAgentStarted    EventType = "AGENT_STARTED"
	EvAgentCompleted  EventType = "AGENT_COMPLETED"
	EvTickerCompleted EventType = "TICKER_COMPLETED"
	EvTickerFailed    EventType = "TICKER_FAILED"
	EvJobCompleted    EventType = "JOB_COMPLETED"
	EvJobCancelled    EventType = "JOB_CANCELLED"
	EvJobFailed       EventType = "JOB_FAILED"
	EvNotify          EventType = "NOTIFY"
	EvJobStatus       EventType = "JOB_STATUS"    // CHECK_STATUS 的回覆
	EvJobSync         EventType = "JOB_SYNC"      // 其他分頁寫入的變更
	EvStorageError    EventType = "STORAGE_ERROR" // 儲存失敗，不影響任務
)

// Event 帶有 type 標籤的事件
//
// 進度事件帶完整的 perTicker 快照；開始、終止、狀態與同步事件帶 job 快照，
// 讓晚到的訂閱者不需重播也能重建畫面。
type Event struct {
	Type           EventType               `json:"type"`
	Seq            uint64                  `json:"seq"`
	JobID          JobID                   `json:"jobId,omitempty"`
	Ticker         Ticker                  `json:"ticker,omitempty"`
	Agent          AgentID                 `json:"agent,omitempty"`
	Partial        RawValue                `json:"partial,omitempty"`
	Report         *Report                 `json:"report,omitempty"`
	GlobalProgress float64                 `json:"globalProgress"`
	Phase          string                  `json:"phase,omitempty"`
	PerTicker      map[Ticker]*TickerState `json:"perTicker,omitempty"`
	Reports        map[Ticker]*Report      `json:"reports,omitempty"`
	Errors         map[Ticker]ErrorKind    `json:"errors,omitempty"`
	Comparison     RawValue                `json:"comparison,omitempty"`
	Reason         string                  `json:"reason,omitempty"`
	Error          ErrorKind               `json:"error,omitempty"`
	Message        string                  `json:"message,omitempty"`
	Notices        []ErrorKind             `json:"notices,omitempty"`
	Summary        string                  `json:"summary,omitempty"`
	Job            *Job                    `json:"job,omitempty"`
	Deleted        bool                    `json:"deleted,omitempty"`
}

// Terminal 是否為任務終止事件
func (e Event) Terminal() bool {
	return e.Type == EvJobCompleted || e.Type == EvJobCancelled || e.Type == EvJobFailed
}

// ApplyEvent 將事件套用到畫面快取中的 job，回傳新的副本
//
// job 可為 nil；帶 job 快照的事件直接以快照取代。
func ApplyEvent(job *Job, ev Event) *Job {
	if ev.Job != nil {
		return ev.Job.Clone()
	}
	if job == nil {
		return nil
	}

	out := job.Clone()
	switch ev.Type {
	case EvProgress:
		if ev.GlobalProgress > out.GlobalProgress || out.Status != StatusRunning {
			out.GlobalProgress = ev.GlobalProgress
		}
		out.Phase = ev.Phase
		if ev.PerTicker != nil {
			out.PerTicker = make(map[Ticker]*TickerState, len(ev.PerTicker))
			for t, st := range ev.PerTicker {
				out.PerTicker[t] = st.Clone()
			}
		}
	case EvAgentStarted:
		if st := out.PerTicker[ev.Ticker]; st != nil {
			st.Status = TickerInProgress
			st.CurrentAgent = ev.Agent
		}
	case EvAgentCompleted:
		if st := out.PerTicker[ev.Ticker]; st != nil {
			st.CompletedAgents = append(st.CompletedAgents, ev.Agent)
			st.CurrentAgent = ""
		}
	case EvTickerCompleted:
		if ev.Report != nil {
			out.Reports[ev.Ticker] = ev.Report.Clone()
		}
		delete(out.Errors, ev.Ticker)
		if st := out.PerTicker[ev.Ticker]; st != nil {
			st.Status = TickerDone
			st.Progress = 1
			st.Error = ""
			st.CurrentAgent = ""
		}
	case EvTickerFailed:
		out.Errors[ev.Ticker] = ev.Error
		if st := out.PerTicker[ev.Ticker]; st != nil {
			st.Status = TickerFailed
			if ev.Error == ErrCancelled {
				st.Status = TickerCancelled
			}
			st.Error = ev.Error
			st.CurrentAgent = ""
		}
	}
	return out
}
