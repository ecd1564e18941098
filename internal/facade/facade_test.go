package facade

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-orchestrator/internal/backendsim"
	"github.com/ChuLiYu/analysis-orchestrator/internal/orchestrator"
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

// fakeTransport 記錄指令，事件由測試注入
type fakeTransport struct {
	mu     sync.Mutex
	cmds   []types.Command
	err    error
	events chan types.Event
	once   sync.Once
}

func newFake() *fakeTransport {
	return &fakeTransport{events: make(chan types.Event, 64)}
}

func (f *fakeTransport) Send(_ context.Context, cmd types.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeTransport) Events() <-chan types.Event { return f.events }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) sent() []types.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Command(nil), f.cmds...)
}

// collector 訂閱者收到的事件
type collector struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *collector) handle(ev types.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) types() []types.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.EventType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func runningJob(id types.JobID, tickers ...types.Ticker) *types.Job {
	job := types.NewJob(types.JobSpec{JobID: id, Tickers: tickers, Kind: types.KindQuick, Mode: types.ModeAnalyze}, time.Now())
	job.Status = types.StatusRunning
	return job
}

// closeAndDrain 關閉 fake 並等 dispatch 處理完所有已注入的事件
func closeAndDrain(t *testing.T, f *Facade) {
	t.Helper()
	require.NoError(t, f.Close())
}

// ============================================================================
// 指令
// ============================================================================

func TestStartValidatesSynchronously(t *testing.T) {
	tr := newFake()
	f := New(tr, Options{})
	defer f.Close()

	_, err := f.Start(context.Background(), types.JobSpec{Kind: types.KindQuick})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, types.ErrNoTickers)

	_, err = f.Start(context.Background(), types.JobSpec{Tickers: []types.Ticker{"aapl", "AAPL"}, Kind: types.KindQuick})
	assert.ErrorIs(t, err, types.ErrDuplicateTicker)

	assert.Empty(t, tr.sent(), "invalid requests never reach the transport")
}

func TestStartMintsJobID(t *testing.T) {
	tr := newFake()
	f := New(tr, Options{})
	defer f.Close()

	id, err := f.Start(context.Background(), types.JobSpec{Tickers: []types.Ticker{" msft"}, Kind: types.KindStandard})
	require.NoError(t, err)
	_, err = uuid.Parse(string(id))
	assert.NoError(t, err)

	cmds := tr.sent()
	require.Len(t, cmds, 1)
	assert.Equal(t, types.CmdStart, cmds[0].Type)
	assert.Equal(t, id, cmds[0].JobID)
	assert.Equal(t, []types.Ticker{"MSFT"}, cmds[0].Tickers)
	assert.Equal(t, types.ModeAnalyze, cmds[0].Mode)

	// 指定的 jobId 保留
	id, err = f.Start(context.Background(), types.JobSpec{JobID: "mine", Tickers: []types.Ticker{"NVDA"}, Kind: types.KindQuick})
	require.NoError(t, err)
	assert.Equal(t, types.JobID("mine"), id)
}

func TestStartTransportErrorUnsubscribes(t *testing.T) {
	tr := newFake()
	tr.err = ErrClosed
	f := New(tr, Options{})

	var c collector
	_, _, err := f.StartAndSubscribe(context.Background(), types.JobSpec{JobID: "J", Tickers: []types.Ticker{"A"}, Kind: types.KindQuick}, c.handle)
	assert.ErrorIs(t, err, ErrClosed)

	tr.events <- types.Event{Type: types.EvProgress, JobID: "J"}
	closeAndDrain(t, f)
	assert.Equal(t, 0, c.len())
}

func TestCommandsForwarded(t *testing.T) {
	tr := newFake()
	f := New(tr, Options{})
	defer f.Close()
	ctx := context.Background()

	require.NoError(t, f.Cancel(ctx, "J"))
	require.NoError(t, f.CancelTicker(ctx, "J", "aapl"))
	require.NoError(t, f.Rerun(ctx, "J", "msft"))
	require.NoError(t, f.CheckStatus(ctx, "J"))
	require.NoError(t, f.OnBeforeUnload(ctx))
	require.NoError(t, f.ClearAll(ctx))

	cmds := tr.sent()
	require.Len(t, cmds, 6)
	assert.Equal(t, types.Command{Type: types.CmdCancel, JobID: "J"}, cmds[0])
	assert.Equal(t, types.Command{Type: types.CmdCancelTicker, JobID: "J", Ticker: "AAPL"}, cmds[1])
	assert.Equal(t, types.Command{Type: types.CmdRerun, JobID: "J", Ticker: "MSFT"}, cmds[2])
	assert.Equal(t, types.CmdCheckStatus, cmds[3].Type)
	assert.Equal(t, types.CmdFlush, cmds[4].Type)
	assert.Equal(t, types.CmdClearAll, cmds[5].Type)
}

func TestOnVisibleChecksRunningJobs(t *testing.T) {
	tr := newFake()
	f := New(tr, Options{})

	done := runningJob("DONE", "A")
	done.Status = types.StatusCompleted
	done.GlobalProgress = 1
	tr.events <- types.Event{Type: types.EvJobSync, JobID: "R1", Job: runningJob("R1", "A")}
	tr.events <- types.Event{Type: types.EvJobSync, JobID: "R2", Job: runningJob("R2", "B")}
	tr.events <- types.Event{Type: types.EvJobSync, JobID: "DONE", Job: done}

	require.Eventually(t, func() bool { return len(f.List()) == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.OnVisible(context.Background()))

	var checked []types.JobID
	for _, cmd := range tr.sent() {
		assert.Equal(t, types.CmdCheckStatus, cmd.Type)
		checked = append(checked, cmd.JobID)
	}
	assert.ElementsMatch(t, []types.JobID{"R1", "R2"}, checked)
	closeAndDrain(t, f)
}

// ============================================================================
// 事件分派
// ============================================================================

func TestDispatchPerJobInOrder(t *testing.T) {
	tr := newFake()
	f := New(tr, Options{})

	var a, b, all collector
	unsubA := f.Subscribe("A", a.handle)
	f.Subscribe("B", b.handle)
	f.SubscribeAll(all.handle)

	tr.events <- types.Event{Type: types.EvJobStarted, JobID: "A", Job: runningJob("A", "X")}
	tr.events <- types.Event{Type: types.EvProgress, JobID: "A", GlobalProgress: 0.2}
	tr.events <- types.Event{Type: types.EvJobStarted, JobID: "B", Job: runningJob("B", "Y")}
	tr.events <- types.Event{Type: types.EvStorageError, Error: types.ErrStorageFull}
	require.Eventually(t, func() bool { return all.len() == 4 }, time.Second, 5*time.Millisecond)

	unsubA()
	tr.events <- types.Event{Type: types.EvProgress, JobID: "A", GlobalProgress: 0.4}
	closeAndDrain(t, f)

	assert.Equal(t, []types.EventType{types.EvJobStarted, types.EvProgress}, a.types())
	assert.Equal(t, []types.EventType{types.EvJobStarted}, b.types())
	assert.Equal(t, []types.EventType{
		types.EvJobStarted, types.EvProgress, types.EvJobStarted, types.EvStorageError, types.EvProgress,
	}, all.types())
}

func TestViewCacheFollowsEvents(t *testing.T) {
	tr := newFake()
	f := New(tr, Options{})

	tr.events <- types.Event{Type: types.EvJobStarted, JobID: "A", Job: runningJob("A", "X")}
	tr.events <- types.Event{Type: types.EvProgress, JobID: "A", GlobalProgress: 0.5, Phase: "market"}
	tr.events <- types.Event{Type: types.EvJobSync, JobID: "B", Job: runningJob("B", "Y")}
	tr.events <- types.Event{Type: types.EvJobSync, JobID: "B", Deleted: true}
	tr.events <- types.Event{Type: types.EvProgress, JobID: "unknown", GlobalProgress: 0.5}
	closeAndDrain(t, f)

	job, ok := f.Get("A")
	require.True(t, ok)
	assert.Equal(t, 0.5, job.GlobalProgress)
	assert.Equal(t, "market", job.Phase)

	_, ok = f.Get("B")
	assert.False(t, ok, "deleted by sync")
	_, ok = f.Get("unknown")
	assert.False(t, ok, "progress without a snapshot does not create a job")
	assert.Len(t, f.List(), 1)
}

func TestAttachSnapshotThenLive(t *testing.T) {
	tr := newFake()
	f := New(tr, Options{})

	tr.events <- types.Event{Type: types.EvJobStarted, JobID: "A", Job: runningJob("A", "X")}
	require.Eventually(t, func() bool { return len(f.List()) == 1 }, time.Second, 5*time.Millisecond)

	var c collector
	snapshot, unsub := f.Attach(c.handle)
	defer unsub()
	require.Len(t, snapshot, 1)
	assert.Equal(t, types.JobID("A"), snapshot[0].ID)

	tr.events <- types.Event{Type: types.EvProgress, JobID: "A", GlobalProgress: 0.3}
	closeAndDrain(t, f)
	assert.Equal(t, []types.EventType{types.EvProgress}, c.types())
}

type notifications struct {
	mu  sync.Mutex
	got map[types.JobID]string
}

func (n *notifications) Notify(id types.JobID, summary string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got[id] = summary
}

func TestNotifier(t *testing.T) {
	tr := newFake()
	n := &notifications{got: make(map[types.JobID]string)}
	f := New(tr, Options{Notifier: n})

	tr.events <- types.Event{Type: types.EvNotify, JobID: "A", Summary: "AAPL ready"}
	closeAndDrain(t, f)
	assert.Equal(t, "AAPL ready", n.got["A"])

	// 沒有 Notifier 時照常分派
	tr2 := newFake()
	f2 := New(tr2, Options{})
	var all collector
	f2.SubscribeAll(all.handle)
	tr2.events <- types.Event{Type: types.EvNotify, JobID: "A", Summary: "x"}
	closeAndDrain(t, f2)
	assert.Equal(t, 1, all.len())
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	tr := newFake()
	f := New(tr, Options{})

	var c collector
	f.Subscribe("A", func(types.Event) { panic("boom") })
	f.Subscribe("A", c.handle)

	tr.events <- types.Event{Type: types.EvProgress, JobID: "A"}
	tr.events <- types.Event{Type: types.EvProgress, JobID: "A"}
	closeAndDrain(t, f)
	assert.Equal(t, 2, c.len())
}

func TestCodeRoundTrip(t *testing.T) {
	for _, sentinel := range []error{ErrInvalidRequest, ErrJobNotFound, ErrDuplicateJob, ErrNotOwner, ErrNotStreaming, ErrUnknownTicker, ErrClosed} {
		wrapped := errors.Join(errors.New("context"), sentinel)
		code := Code(wrapped)
		assert.NotEqual(t, "internal", code, sentinel)
		assert.ErrorIs(t, FromCode(code, wrapped.Error()), sentinel)
	}
	assert.Equal(t, "", Code(nil))
	assert.NoError(t, FromCode("", ""))
	assert.Equal(t, "internal", Code(errors.New("boom")))
	assert.EqualError(t, FromCode("internal", "boom"), "boom")
}

// ============================================================================
// 搭配真正的 orchestrator
// ============================================================================

func TestLocalTransportEndToEnd(t *testing.T) {
	sim := backendsim.New(backendsim.Options{Token: "secret"})
	srv := httptest.NewServer(sim)
	defer srv.Close()

	st, err := store.Open(context.Background(), kv.NewMemoryHub(0).Open(), store.Options{})
	require.NoError(t, err)
	defer st.Close()

	orch := orchestrator.New(orchestrator.Options{
		TabID:  "tab-1",
		Client: remote.New(remote.Options{BaseURL: srv.URL}),
		Tokens: session.Static{Value: "secret", User: "alice"},
		Store:  st,
		Policy: retry.DefaultPolicy().Scaled(0.001),
	})
	require.NoError(t, orch.Start())

	n := &notifications{got: make(map[types.JobID]string)}
	f := New(NewLocal(orch), Options{Notifier: n})

	var c collector
	id, unsub, err := f.StartAndSubscribe(context.Background(), types.JobSpec{
		Tickers:    []types.Ticker{"AAPL"},
		Kind:       types.KindQuick,
		Background: true,
	}, c.handle)
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool {
		job, ok := f.Get(id)
		return ok && job.Status == types.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	got := c.types()
	require.NotEmpty(t, got)
	assert.Equal(t, types.EvJobStarted, got[0])
	assert.Contains(t, got, types.EvTickerCompleted)
	assert.Contains(t, got, types.EvJobCompleted)

	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.got[id] != ""
	}, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, f.Cancel(context.Background(), "missing"), ErrJobNotFound)
	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Cancel(context.Background(), id), ErrClosed)
}
