package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentsFor(t *testing.T) {
	tests := []struct {
		kind AnalysisKind
		want []AgentID
	}{
		{KindQuick, []AgentID{AgentMarket}},
		{KindStandard, []AgentID{AgentMarket, AgentSentiment}},
		{KindComprehensive, []AgentID{AgentMarket, AgentSentiment, AgentFundamental, AgentRisk, AgentStrategy}},
		{AnalysisKind("BOGUS"), nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, AgentsFor(tt.kind))
		})
	}

	// 回傳的切片不可與全域順序共用底層陣列
	all := AgentsFor(KindComprehensive)
	all[0] = AgentRisk
	assert.Equal(t, AgentMarket, CanonicalAgents[0])
}

func TestIsPrefixOf(t *testing.T) {
	assert.True(t, IsPrefixOf(nil, KindQuick))
	assert.True(t, IsPrefixOf([]AgentID{AgentMarket, AgentSentiment}, KindComprehensive))
	assert.False(t, IsPrefixOf([]AgentID{AgentSentiment}, KindComprehensive))
	assert.False(t, IsPrefixOf([]AgentID{AgentMarket, AgentSentiment}, KindQuick))
}

func TestJobSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    JobSpec
		wantErr error
	}{
		{"empty tickers", JobSpec{Kind: KindQuick, Mode: ModeAnalyze}, ErrNoTickers},
		{"duplicate", JobSpec{Tickers: []Ticker{"AAPL", "AAPL"}, Kind: KindQuick, Mode: ModeAnalyze}, ErrDuplicateTicker},
		{"bad kind", JobSpec{Tickers: []Ticker{"AAPL"}, Kind: "SLOW", Mode: ModeAnalyze}, ErrInvalidKind},
		{"bad mode", JobSpec{Tickers: []Ticker{"AAPL"}, Kind: KindQuick, Mode: "MERGE"}, ErrInvalidMode},
		{"ok", JobSpec{Tickers: []Ticker{"AAPL", "MSFT"}, Kind: KindStandard, Mode: ModeCompare}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestJobSpecNormalize(t *testing.T) {
	spec := JobSpec{Tickers: []Ticker{" aapl", "msft "}, Kind: KindQuick}.Normalize()
	assert.Equal(t, []Ticker{"AAPL", "MSFT"}, spec.Tickers)
	assert.Equal(t, ModeAnalyze, spec.Mode)

	// 正規化後重複的代碼必須被拒絕
	dup := JobSpec{Tickers: []Ticker{"aapl", "AAPL"}, Kind: KindQuick}.Normalize()
	assert.ErrorIs(t, dup.Validate(), ErrDuplicateTicker)
}

func TestNewJob(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := NewJob(JobSpec{JobID: "j1", Tickers: []Ticker{"A", "B"}, Kind: KindComprehensive, Mode: ModeAnalyze}, now)

	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, now, job.CreatedAt)
	require.Len(t, job.PerTicker, 2)
	assert.Equal(t, TickerQueued, job.PerTicker["A"].Status)
	assert.NoError(t, job.Validate())
}

func TestJobValidateProgressStatus(t *testing.T) {
	job := NewJob(JobSpec{JobID: "j1", Tickers: []Ticker{"A"}, Kind: KindQuick, Mode: ModeAnalyze}, time.Now())

	job.GlobalProgress = 1
	assert.Error(t, job.Validate(), "progress 1 requires COMPLETED")

	job.Status = StatusCompleted
	assert.NoError(t, job.Validate())

	job.GlobalProgress = 0.5
	assert.Error(t, job.Validate(), "COMPLETED requires progress 1")
}

func TestJobValidateAgentPrefix(t *testing.T) {
	job := NewJob(JobSpec{JobID: "j1", Tickers: []Ticker{"A"}, Kind: KindComprehensive, Mode: ModeAnalyze}, time.Now())
	job.PerTicker["A"].CompletedAgents = []AgentID{AgentMarket, AgentRisk}
	assert.Error(t, job.Validate())
}

func TestJobCloneIsDeep(t *testing.T) {
	now := time.Now().UTC()
	job := NewJob(JobSpec{JobID: "j1", Tickers: []Ticker{"A"}, Kind: KindQuick, Mode: ModeAnalyze}, now)
	job.StartedAt = &now
	job.Reports["A"] = NewReport(KindQuick, map[AgentID]RawValue{AgentMarket: RawValue(`"bull"`)}, now)
	job.Comparison = RawValue(`{"x":1}`)

	c := job.Clone()
	require.Equal(t, job, c)

	c.PerTicker["A"].Progress = 0.5
	c.PerTicker["A"].CompletedAgents = append(c.PerTicker["A"].CompletedAgents, AgentMarket)
	c.Reports["A"].Sections[AgentMarket][1] = 'X'
	c.Tickers[0] = "Z"
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, 0.0, job.PerTicker["A"].Progress)
	assert.Empty(t, job.PerTicker["A"].CompletedAgents)
	assert.Equal(t, `"bull"`, string(job.Reports["A"].Sections[AgentMarket]))
	assert.Equal(t, Ticker("A"), job.Tickers[0])
	assert.Equal(t, now, *job.StartedAt)
}

func TestJobJSONRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := created.Add(2 * time.Minute)
	job := NewJob(JobSpec{JobID: "j2", Tickers: []Ticker{"MSFT", "NVDA"}, Kind: KindComprehensive, Mode: ModeCompare}, created)
	job.Status = StatusCompleted
	job.GlobalProgress = 1
	job.FinishedAt = &finished
	job.Reports["MSFT"] = NewReport(KindComprehensive, map[AgentID]RawValue{
		AgentMarket: RawValue(`{"trend":"up"}`),
		AgentRisk:   RawValue(`["beta 1.1"]`),
	}, finished)
	job.Errors["NVDA"] = ErrNetwork
	job.PerTicker["NVDA"].Status = TickerFailed
	job.PerTicker["NVDA"].Error = ErrNetwork
	job.Comparison = RawValue(`{"winner":"MSFT"}`)
	job.Notices = []ErrorKind{ErrDowngraded}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var got Job
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, job, &got)
}

func TestReportFlatJSON(t *testing.T) {
	raw := `{"MARKET":{"summary":"ok"},"SENTIMENT":"neutral","generatedAt":"2026-01-01T00:00:00Z",
		"analysisKind":"STANDARD","agentsUsed":["MARKET","SENTIMENT"],"keyLevels":{"support":100},"source":"cache"}`

	var r Report
	require.NoError(t, json.Unmarshal([]byte(raw), &r))

	assert.JSONEq(t, `{"summary":"ok"}`, string(r.Sections[AgentMarket]))
	assert.JSONEq(t, `"neutral"`, string(r.Sections[AgentSentiment]))
	assert.Equal(t, KindStandard, r.Meta.AnalysisKind)
	assert.Equal(t, []AgentID{AgentMarket, AgentSentiment}, r.Meta.AgentsUsed)
	assert.JSONEq(t, `{"support":100}`, string(r.Meta.KeyLevels))
	assert.JSONEq(t, `"cache"`, string(r.Extra["source"]))

	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestNewReportOrdersAgents(t *testing.T) {
	r := NewReport(KindComprehensive, map[AgentID]RawValue{
		AgentStrategy: RawValue(`"s"`),
		AgentMarket:   RawValue(`"m"`),
	}, time.Now())
	assert.Equal(t, []AgentID{AgentMarket, AgentStrategy}, r.Meta.AgentsUsed)
}

func TestStartCommandValidateDefaultsMode(t *testing.T) {
	cmd := StartCommand(JobSpec{JobID: "JM", Tickers: []Ticker{"TSLA"}, Kind: KindStandard})
	assert.NoError(t, cmd.Validate())

	cmd.Mode = "MERGE"
	assert.ErrorIs(t, cmd.Validate(), ErrInvalidMode)

	lower := StartCommand(JobSpec{JobID: "J2", Tickers: []Ticker{"tsla", "TSLA "}, Kind: KindQuick})
	assert.ErrorIs(t, lower.Validate(), ErrDuplicateTicker)
}
