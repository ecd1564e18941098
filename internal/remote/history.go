package remote

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/internal/faults"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// HistoryRecord 後端歷史紀錄格式
//
// analysis_type 只區分 analyze / compare；分析類型另存在 kind。
type HistoryRecord struct {
	ID           string                           `json:"id,omitempty"`
	AnalysisID   string                           `json:"analysis_id,omitempty"`
	Tickers      []types.Ticker                   `json:"tickers"`
	AnalysisType string                           `json:"analysis_type"`
	Kind         types.AnalysisKind               `json:"kind,omitempty"`
	Results      map[types.Ticker]*types.Report   `json:"results"`
	Errors       map[types.Ticker]types.ErrorKind `json:"errors,omitempty"`
	Comparison   types.RawValue                   `json:"comparison,omitempty"`
	Status       string                           `json:"status"`
	StartTime    *time.Time                       `json:"startTime,omitempty"`
	CompletedAt  *time.Time                       `json:"completedAt,omitempty"`
}

// RecordFromJob 轉為 POST /analysis/history 的內容
func RecordFromJob(job *types.Job) HistoryRecord {
	start := job.CreatedAt
	rec := HistoryRecord{
		AnalysisID:   string(job.ID),
		Tickers:      append([]types.Ticker(nil), job.Tickers...),
		AnalysisType: strings.ToLower(string(job.Mode)),
		Kind:         job.Kind,
		Results:      make(map[types.Ticker]*types.Report, len(job.Reports)),
		Errors:       make(map[types.Ticker]types.ErrorKind, len(job.Errors)),
		Comparison:   job.Comparison,
		Status:       strings.ToLower(string(job.Status)),
		StartTime:    &start,
		CompletedAt:  job.FinishedAt,
	}
	for t, r := range job.Reports {
		rec.Results[t] = r
	}
	for t, e := range job.Errors {
		rec.Errors[t] = e
	}
	return rec
}

// Job 轉回終止狀態的 Job；無法辨識的紀錄回傳 nil
func (r HistoryRecord) Job() *types.Job {
	id := r.ID
	if id == "" {
		id = r.AnalysisID
	}
	if id == "" || len(r.Tickers) == 0 {
		return nil
	}

	mode := types.AnalysisMode(strings.ToUpper(r.AnalysisType))
	if !mode.Valid() {
		mode = types.ModeAnalyze
	}
	kind := r.Kind
	if !kind.Valid() {
		kind = types.KindStandard
	}

	var created time.Time
	if r.StartTime != nil {
		created = r.StartTime.UTC()
	}
	job := types.NewJob(types.JobSpec{
		JobID:   types.JobID(id),
		Tickers: r.Tickers,
		Kind:    kind,
		Mode:    mode,
	}, created)

	status := types.JobStatus(strings.ToUpper(r.Status))
	if !status.Terminal() {
		status = types.StatusCompleted
	}
	job.Status = status
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		job.FinishedAt = &t
	}
	job.Comparison = r.Comparison

	for _, t := range r.Tickers {
		st := job.PerTicker[t]
		if rep, ok := r.Results[t]; ok && rep != nil {
			job.Reports[t] = rep
			st.Status = types.TickerDone
			st.Progress = 1
			st.CompletedAgents = completedPrefix(rep, kind)
			continue
		}
		kindErr := r.Errors[t]
		if kindErr == "" {
			kindErr = types.ErrServer
		}
		job.Errors[t] = kindErr
		st.Status = types.TickerFailed
		st.Error = kindErr
	}
	if job.Status == types.StatusCompleted {
		job.GlobalProgress = 1
		job.Phase = "complete"
	}
	return job
}

// completedPrefix 報告中依固定順序連續出現的代理
func completedPrefix(rep *types.Report, kind types.AnalysisKind) []types.AgentID {
	out := []types.AgentID{}
	for _, a := range types.AgentsFor(kind) {
		if _, ok := rep.Sections[a]; !ok {
			break
		}
		out = append(out, a)
	}
	return out
}

// FetchHistory 取得後端保存的已完成任務
func (c *Client) FetchHistory(ctx context.Context, token string) ([]*types.Job, error) {
	const op = "history"
	if token == "" {
		return nil, faults.Newf(types.ErrAuth, op, "missing credential")
	}

	resp, err := c.request(ctx, token).Get("/analysis/history")
	if err != nil {
		return nil, faults.Wrap(op, err)
	}
	if err := checkStatus(op, resp); err != nil {
		return nil, err
	}

	var records []HistoryRecord
	if err := json.Unmarshal(resp.Body(), &records); err != nil {
		return nil, faults.New(types.ErrProtocol, op, err)
	}

	jobs := make([]*types.Job, 0, len(records))
	for _, rec := range records {
		if job := rec.Job(); job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// SaveHistory 將已完成任務存到後端（後端以 analysis_id upsert，保留最近 10 筆）
func (c *Client) SaveHistory(ctx context.Context, token string, job *types.Job) error {
	const op = "history.save"
	if token == "" {
		return faults.Newf(types.ErrAuth, op, "missing credential")
	}

	resp, err := c.request(ctx, token).
		SetHeader("Content-Type", "application/json").
		SetBody(RecordFromJob(job)).
		Post("/analysis/history")
	if err != nil {
		return faults.Wrap(op, err)
	}
	return checkStatus(op, resp)
}

// DeleteHistory 刪除後端的一筆紀錄
func (c *Client) DeleteHistory(ctx context.Context, token string, id types.JobID) error {
	const op = "history.delete"
	if token == "" {
		return faults.Newf(types.ErrAuth, op, "missing credential")
	}

	resp, err := c.request(ctx, token).
		SetPathParam("id", string(id)).
		Delete("/analysis/history/{id}")
	if err != nil {
		return faults.Wrap(op, err)
	}
	return checkStatus(op, resp)
}
