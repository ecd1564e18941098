package orchestrator

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-orchestrator/internal/backendsim"
	"github.com/ChuLiYu/analysis-orchestrator/internal/remote"
	"github.com/ChuLiYu/analysis-orchestrator/internal/retry"
	"github.com/ChuLiYu/analysis-orchestrator/internal/session"
	"github.com/ChuLiYu/analysis-orchestrator/internal/storage/kv"
	"github.com/ChuLiYu/analysis-orchestrator/internal/store"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const testToken = "secret"

// env 一個模擬後端加上一個共享儲存空間（多個分頁共用）
type env struct {
	sim    *backendsim.Server
	client *remote.Client
	hub    *kv.MemoryHub
}

func newEnv(t *testing.T, opts backendsim.Options) *env {
	t.Helper()
	opts.Token = testToken
	sim := backendsim.New(opts)
	srv := httptest.NewServer(sim)
	t.Cleanup(srv.Close)
	return &env{
		sim:    sim,
		client: remote.New(remote.Options{BaseURL: srv.URL, StreamIdle: 2 * time.Second}),
		hub:    kv.NewMemoryHub(0),
	}
}

// tab 一個分頁：orchestrator + 自己的 store 視角 + 事件紀錄
type tab struct {
	o     *Orchestrator
	store *store.Store
	rec   *recorder
}

func (e *env) openTab(t *testing.T, id string, mutate ...func(*Options)) *tab {
	t.Helper()
	return e.openTabOn(t, id, e.hub.Open(), mutate...)
}

// openTabOn 以指定的 backend 開啟分頁（backend 須連到 e.hub）
func (e *env) openTabOn(t *testing.T, id string, backend kv.Backend, mutate ...func(*Options)) *tab {
	t.Helper()
	st, err := store.Open(context.Background(), backend, store.Options{})
	require.NoError(t, err)

	opts := Options{
		TabID:           id,
		Client:          e.client,
		Tokens:          session.Static{Value: testToken, User: "alice"},
		Store:           st,
		Policy:          retry.DefaultPolicy().Scaled(0.001),
		Heartbeat:       100 * time.Millisecond,
		PersistInterval: 20 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	o := New(opts)
	rec := record(o)
	require.NoError(t, o.Start())

	tb := &tab{o: o, store: st, rec: rec}
	t.Cleanup(tb.close)
	return tb
}

// close 模擬關閉分頁：停止 orchestrator，store 中的狀態保留
func (tb *tab) close() {
	tb.o.Stop()
	tb.store.Close()
}

func (tb *tab) start(t *testing.T, id string, kind types.AnalysisKind, tickers ...types.Ticker) {
	t.Helper()
	require.NoError(t, tb.o.Send(types.StartCommand(types.JobSpec{
		JobID:   types.JobID(id),
		Tickers: tickers,
		Kind:    kind,
		Mode:    types.ModeAnalyze,
	})))
}

// recorder 收集所有事件
type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func record(o *Orchestrator) *recorder {
	r := &recorder{}
	go func() {
		for ev := range o.Events() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

// forJob 某任務的事件（依送出順序）
func (r *recorder) forJob(id types.JobID) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, ev := range r.events {
		if ev.JobID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(id types.JobID, typ types.EventType) int {
	n := 0
	for _, ev := range r.forJob(id) {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) find(id types.JobID, typ types.EventType) (types.Event, bool) {
	for _, ev := range r.forJob(id) {
		if ev.Type == typ {
			return ev, true
		}
	}
	return types.Event{}, false
}

// waitFor 等待事件出現
func (r *recorder) waitFor(t *testing.T, id types.JobID, typ types.EventType, timeout time.Duration) types.Event {
	t.Helper()
	var got types.Event
	require.Eventually(t, func() bool {
		ev, ok := r.find(id, typ)
		got = ev
		return ok
	}, timeout, 5*time.Millisecond, "waiting for %s on %s", typ, id)
	return got
}

// waitTerminal 等待任務的終止事件
func (r *recorder) waitTerminal(t *testing.T, id types.JobID, timeout time.Duration) types.Event {
	t.Helper()
	var got types.Event
	require.Eventually(t, func() bool {
		for _, ev := range r.forJob(id) {
			if ev.Terminal() {
				got = ev
				return true
			}
		}
		return false
	}, timeout, 5*time.Millisecond, "waiting for terminal event on %s", id)
	return got
}

func typesOf(events []types.Event) []types.EventType {
	out := make([]types.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// agentEvents 某代碼的 AGENT_* 事件序列，格式 "S:MARKET" / "C:MARKET"
func agentEvents(events []types.Event, ticker types.Ticker) []string {
	var out []string
	for _, ev := range events {
		if ev.Ticker != ticker {
			continue
		}
		switch ev.Type {
		case types.EvAgentStarted:
			out = append(out, "S:"+string(ev.Agent))
		case types.EvAgentCompleted:
			out = append(out, "C:"+string(ev.Agent))
		}
	}
	return out
}

func canonicalPairs(kind types.AnalysisKind) []string {
	var out []string
	for _, a := range types.AgentsFor(kind) {
		out = append(out, "S:"+string(a), "C:"+string(a))
	}
	return out
}

// assertMonotonic 整體進度不遞減，且只有 JOB_COMPLETED 為 1
func assertMonotonic(t *testing.T, events []types.Event) {
	t.Helper()
	last := 0.0
	for _, ev := range events {
		switch ev.Type {
		case types.EvProgress, types.EvJobCompleted:
		default:
			continue
		}
		require.GreaterOrEqual(t, ev.GlobalProgress, last, "progress regressed at seq %d", ev.Seq)
		if ev.Type == types.EvProgress {
			require.Less(t, ev.GlobalProgress, 1.0)
		}
		last = ev.GlobalProgress
	}
}

// countingBackend 記錄每次寫入的時間
type countingBackend struct {
	*kv.Memory
	mu     sync.Mutex
	writes []time.Time
}

func (c *countingBackend) Save(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, time.Now())
	c.mu.Unlock()
	return c.Memory.Save(ctx, key, data)
}

// writesBetween [from, to) 之間的寫入次數
func (c *countingBackend) writesBetween(from, to time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.writes {
		if !w.Before(from) && w.Before(to) {
			n++
		}
	}
	return n
}
