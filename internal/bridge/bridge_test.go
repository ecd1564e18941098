package bridge

import (
	"context"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/analysis-orchestrator/internal/backendsim"
	"github.com/ChuLiYu/analysis-orchestrator/internal/facade"
	"github.com/ChuLiYu/analysis-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/analysis-orchestrator/internal/remote"
	"github.com/ChuLiYu/analysis-orchestrator/internal/retry"
	"github.com/ChuLiYu/analysis-orchestrator/internal/session"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type harness struct {
	local  *facade.Facade
	server *Server
	grpc   *grpc.Server
	lis    *bufconn.Listener
}

func newHarness(t *testing.T, sim backendsim.Options) *harness {
	t.Helper()
	sim.Token = "secret"
	srv := httptest.NewServer(backendsim.New(sim))
	t.Cleanup(srv.Close)

	orch := orchestrator.New(orchestrator.Options{
		TabID:  "daemon",
		Client: remote.New(remote.Options{BaseURL: srv.URL}),
		Tokens: session.Static{Value: "secret", User: "alice"},
		Policy: retry.DefaultPolicy().Scaled(0.001),
	})
	require.NoError(t, orch.Start())
	local := facade.New(facade.NewLocal(orch), facade.Options{})
	t.Cleanup(func() { local.Close() })

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	bs := NewServer(local, ServerOptions{})
	bs.Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	return &harness{local: local, server: bs, grpc: gs, lis: lis}
}

func (h *harness) dial(t *testing.T) *Client {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return h.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c, err := NewClient(conn)
	require.NoError(t, err)
	return c
}

func waitStatus(t *testing.T, f *facade.Facade, id types.JobID, want types.JobStatus) *types.Job {
	t.Helper()
	var job *types.Job
	require.Eventually(t, func() bool {
		j, ok := f.Get(id)
		job = j
		return ok && j.Status == want
	}, 3*time.Second, 10*time.Millisecond, "waiting for %s to become %s", id, want)
	return job
}

// ============================================================================
// Tests
// ============================================================================

func TestEnvelopeRoundTrip(t *testing.T) {
	cmd := types.StartCommand(types.JobSpec{JobID: "J", Tickers: []types.Ticker{"AAPL", "MSFT"}, Kind: types.KindComprehensive, Mode: types.ModeCompare, Background: true})
	st, err := encode(envelope{Kind: kindCommand, ID: 42, Command: &cmd})
	require.NoError(t, err)
	assert.Equal(t, "command", st.Fields["kind"].GetStringValue())

	env, err := decode(st)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), env.ID)
	assert.Equal(t, cmd, *env.Command)

	ev := types.Event{Type: types.EvAgentCompleted, Seq: 7, JobID: "J", Ticker: "AAPL", Agent: types.AgentMarket,
		Partial: types.RawValue(`{"trend":"up","score":0.5}`), GlobalProgress: 0.2}
	st, err = encode(envelope{Kind: kindEvent, Event: &ev})
	require.NoError(t, err)
	env, err = decode(st)
	require.NoError(t, err)
	assert.Equal(t, ev.Seq, env.Event.Seq)
	assert.Equal(t, ev.Agent, env.Event.Agent)
	assert.JSONEq(t, string(ev.Partial), string(env.Event.Partial))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	st, err := encode(envelope{Kind: kindCommand})
	require.NoError(t, err)
	_, err = decode(st)
	assert.Error(t, err)

	st, err = encode(envelope{Kind: "bogus"})
	require.NoError(t, err)
	_, err = decode(st)
	assert.Error(t, err)
}

func TestRemoteFacadeRunsJob(t *testing.T) {
	h := newHarness(t, backendsim.Options{})
	remoteFacade := facade.New(h.dial(t), facade.Options{})
	defer remoteFacade.Close()

	var mu sync.Mutex
	var got []types.EventType
	id, unsub, err := remoteFacade.StartAndSubscribe(context.Background(), types.JobSpec{
		Tickers: []types.Ticker{"AAPL"},
		Kind:    types.KindQuick,
	}, func(ev types.Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	job := waitStatus(t, remoteFacade, id, types.StatusCompleted)
	assert.Equal(t, 1.0, job.GlobalProgress)
	require.Contains(t, job.Reports, types.Ticker("AAPL"))

	// 兩邊的畫面快取一致
	localJob := waitStatus(t, h.local, id, types.StatusCompleted)
	assert.Equal(t, localJob.Tickers, job.Tickers)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0 && got[len(got)-1] == types.EvJobCompleted
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, types.EvJobStarted, got[0])
	mu.Unlock()
	assert.Equal(t, 1, h.server.Sessions())
}

func TestErrorsCrossTheWire(t *testing.T) {
	h := newHarness(t, backendsim.Options{Default: backendsim.Script{Latency: 2 * time.Second}})
	c := h.dial(t)
	defer c.Close()
	ctx := context.Background()

	assert.ErrorIs(t, c.Send(ctx, types.Command{Type: types.CmdCancel, JobID: "nope"}), facade.ErrJobNotFound)
	assert.ErrorIs(t, c.Send(ctx, types.Command{Type: types.CmdStart, JobID: "J"}), facade.ErrInvalidRequest)

	require.NoError(t, c.Send(ctx, types.StartCommand(types.JobSpec{JobID: "J", Tickers: []types.Ticker{"AAPL"}, Kind: types.KindQuick, Mode: types.ModeAnalyze})))
	assert.ErrorIs(t, c.Send(ctx, types.Command{Type: types.CmdCancelTicker, JobID: "J", Ticker: "AAPL"}), facade.ErrNotStreaming)
	assert.ErrorIs(t, c.Send(ctx, types.StartCommand(types.JobSpec{JobID: "J", Tickers: []types.Ticker{"AAPL"}, Kind: types.KindQuick, Mode: types.ModeAnalyze})), facade.ErrDuplicateJob)
}

func TestLateSessionReceivesSnapshot(t *testing.T) {
	h := newHarness(t, backendsim.Options{})
	id, err := h.local.Start(context.Background(), types.JobSpec{Tickers: []types.Ticker{"NVDA"}, Kind: types.KindQuick})
	require.NoError(t, err)
	waitStatus(t, h.local, id, types.StatusCompleted)

	late := facade.New(h.dial(t), facade.Options{})
	defer late.Close()
	job := waitStatus(t, late, id, types.StatusCompleted)
	assert.Contains(t, job.Reports, types.Ticker("NVDA"))
}

func TestClientClose(t *testing.T) {
	h := newHarness(t, backendsim.Options{})
	c := h.dial(t)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Err())

	_, open := <-c.Events()
	assert.False(t, open)
	assert.ErrorIs(t, c.Send(context.Background(), types.Command{Type: types.CmdFlush}), facade.ErrClosed)

	require.Eventually(t, func() bool { return h.server.Sessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerStopEndsClientSession(t *testing.T) {
	h := newHarness(t, backendsim.Options{})
	c := h.dial(t)
	defer c.Close()
	require.NoError(t, c.Send(context.Background(), types.Command{Type: types.CmdFlush}))

	h.grpc.Stop()
	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		t.Fatal("client session did not end")
	}
	assert.Error(t, c.Err())
	assert.ErrorIs(t, c.Send(context.Background(), types.Command{Type: types.CmdFlush}), facade.ErrClosed)
}
