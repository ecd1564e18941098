package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-orchestrator/internal/backendsim"
	"github.com/ChuLiYu/analysis-orchestrator/internal/config"
	"github.com/ChuLiYu/analysis-orchestrator/internal/facade"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "analyst", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "analyze", "cancel", "rerun", "clear", "status", "history", "journal", "simulate"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("bridge"))
}

func TestBuildAnalyzeCommand(t *testing.T) {
	cmd := buildAnalyzeCommand()
	assert.Equal(t, "analyze", cmd.Name())

	kind := cmd.Flags().Lookup("kind")
	require.NotNil(t, kind)
	assert.Equal(t, "k", kind.Shorthand)
	assert.Equal(t, "STANDARD", kind.DefValue)
	assert.Error(t, cmd.Args(cmd, nil), "at least one ticker is required")
}

func TestResolveBridge(t *testing.T) {
	c := config.Default()
	assert.Equal(t, "localhost:50051", resolveBridge("", c))
	assert.Equal(t, "remote:9000", resolveBridge("remote:9000", c))

	c.GRPC.Addr = "10.0.0.1:7000"
	assert.Equal(t, "10.0.0.1:7000", resolveBridge("", c))
}

func TestParseTickers(t *testing.T) {
	got := parseTickers([]string{"aapl,msft", " nvda ", ",,"})
	assert.Equal(t, []types.Ticker{"aapl", "msft", "nvda"}, got)
}

func TestStatusStyle(t *testing.T) {
	tests := []struct {
		status string
		want   lipgloss.Style
	}{
		{string(types.StatusRunning), runningStyle},
		{string(types.TickerInProgress), runningStyle},
		{string(types.StatusCompleted), doneStyle},
		{string(types.TickerDone), doneStyle},
		{string(types.TickerFailed), failStyle},
		{string(types.TickerCancelled), failStyle},
		{string(types.TickerQueued), pendingStyle},
		{string(types.StatusPending), pendingStyle},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want.GetForeground(), statusStyle(tt.status).GetForeground())
		})
	}
}

func TestLoadSimulator(t *testing.T) {
	opts, err := loadSimulator("")
	require.NoError(t, err)
	assert.Empty(t, opts.Scripts)

	path := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
token: secret
default:
  agent_delay: 50ms
scripts:
  TSLA:
    fail: disconnect
    fail_times: 1
`), 0644))

	opts, err = loadSimulator(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", opts.Token)
	assert.Equal(t, 50*time.Millisecond, opts.Default.AgentDelay)
	assert.Equal(t, backendsim.FailDisconnect, opts.Scripts["TSLA"].Fail)
	assert.Equal(t, 1, opts.Scripts["TSLA"].FailTimes)

	_, err = loadSimulator(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewTokenSource(t *testing.T) {
	c := config.Default()
	c.Session.EnvFiles = nil

	c.Session.Token = "abc"
	src, err := NewTokenSource(c)
	require.NoError(t, err)
	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0600))
	c.Session.TokenFile = path
	src, err = NewTokenSource(c)
	require.NoError(t, err)
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-file", tok)
}

func TestResolveTabID(t *testing.T) {
	dir := t.TempDir()
	c := config.Default()
	c.Store.Backend = "file"
	c.Store.Path = filepath.Join(dir, "store")

	first, err := ResolveTabID(c)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	saved, err := os.ReadFile(filepath.Join(c.Store.Path, "tab_id"))
	require.NoError(t, err)
	assert.Equal(t, first+"\n", string(saved))

	again, err := ResolveTabID(c)
	require.NoError(t, err)
	assert.Equal(t, first, again, "restart keeps the same tab id")

	c.Store.Backend = "sqlite"
	c.Store.Path = filepath.Join(dir, "jobs.db")
	lite, err := ResolveTabID(c)
	require.NoError(t, err)
	assert.NotEqual(t, first, lite)
	assert.FileExists(t, c.Store.Path+".tab_id")

	c.Orchestrator.TabID = "tab-7"
	explicit, err := ResolveTabID(c)
	require.NoError(t, err)
	assert.Equal(t, "tab-7", explicit)

	c.Orchestrator.TabID = ""
	c.Store.Backend = "memory"
	a, err := ResolveTabID(c)
	require.NoError(t, err)
	b, err := ResolveTabID(c)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "memory store keeps nothing across restarts")
}

// ============================================================================
// 端對端：常駐程序 + CLI 命令
// ============================================================================

type daemon struct {
	sys    *System
	sim    *backendsim.Server
	config string
	dir    string
}

// startDaemon 以檔案型 store 與事件日誌啟動常駐程序
func startDaemon(t *testing.T) *daemon {
	t.Helper()
	for _, k := range []string{config.EnvBackendURL, config.EnvToken, config.EnvUser, config.EnvTabID, config.EnvLogLevel} {
		t.Setenv(k, "")
	}

	sim := backendsim.New(backendsim.Options{Token: "secret"})
	backend := httptest.NewServer(sim)
	t.Cleanup(backend.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
backend:
  url: %s
session:
  token: secret
  user: alice
  env_files: []
orchestrator:
  tab_id: daemon
  heartbeat: 100ms
  persist_interval: 20ms
  save_history: true
store:
  backend: file
  path: %s
  poll_interval: 50ms
journal:
  enabled: true
  path: %s
grpc:
  addr: 127.0.0.1:0
http:
  addr: ""
log:
  level: disabled
`, backend.URL, filepath.Join(dir, "store"), filepath.Join(dir, "events.jsonl"))), 0644))

	c, err := config.Load(path)
	require.NoError(t, err)

	sys, err := NewSystem(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, sys.Start())
	t.Cleanup(sys.Stop)

	return &daemon{sys: sys, sim: sim, config: path, dir: dir}
}

// run 執行一次 CLI 命令
func (d *daemon) run(args ...string) (string, error) {
	var out bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", d.config, "--bridge", d.sys.GRPCAddr()}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestAnalyzeFollowsJobToCompletion(t *testing.T) {
	d := startDaemon(t)

	out, err := d.run("analyze", "aapl,msft", "-k", "quick", "--id", "cli-job")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-job")
	assert.Contains(t, out, string(types.EvJobCompleted))
	assert.Contains(t, out, "AAPL")
	assert.Contains(t, out, "MSFT")

	job, ok := d.sys.Orch.Get("cli-job")
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, job.Status)

	// 另一個程序直接讀 store
	require.Eventually(t, func() bool {
		out, err := d.run("status", "cli-job")
		return err == nil && bytes.Contains([]byte(out), []byte(string(types.StatusCompleted)))
	}, 5*time.Second, 50*time.Millisecond)

	out, err = d.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-job")

	// 完成的任務寫入後端歷史
	require.Eventually(t, func() bool { return d.sim.HistoryLen() == 1 }, 5*time.Second, 20*time.Millisecond)
	out, err = d.run("history")
	require.NoError(t, err)
	assert.Contains(t, out, "cli-job")
}

func TestAnalyzeDetachAndCancel(t *testing.T) {
	d := startDaemon(t)
	d.sim.SetScript("NVDA", backendsim.Script{Latency: 5 * time.Second})

	out, err := d.run("analyze", "nvda", "--detach", "--id", "slow-job")
	require.NoError(t, err)
	assert.Equal(t, "slow-job\n", out)

	_, err = d.run("cancel", "slow-job")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, ok := d.sys.Orch.Get("slow-job")
		return ok && job.Status == types.StatusCancelled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCommandErrorsCrossTheBridge(t *testing.T) {
	d := startDaemon(t)

	_, err := d.run("cancel", "nope")
	assert.ErrorIs(t, err, facade.ErrJobNotFound)

	_, err = d.run("rerun", "nope", "AAPL")
	assert.ErrorIs(t, err, facade.ErrJobNotFound)

	_, err = d.run("status", "nope")
	assert.ErrorIs(t, err, facade.ErrJobNotFound)
}

func TestClearAndJournal(t *testing.T) {
	d := startDaemon(t)

	_, err := d.run("analyze", "aapl", "-k", "quick", "--id", "j1")
	require.NoError(t, err)

	out, err := d.run("clear")
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")
	require.Eventually(t, func() bool { return len(d.sys.Orch.List()) == 0 }, 5*time.Second, 20*time.Millisecond)

	out, err = d.run("journal", "dump", "--job", "j1")
	require.NoError(t, err)
	assert.Contains(t, out, string(types.EvJobStarted))
	assert.Contains(t, out, string(types.EvJobCompleted))

	out, err = d.run("journal", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, string(types.EvJobCompleted))
}

func TestBridgeUnavailable(t *testing.T) {
	d := startDaemon(t)
	d.sys.Stop()

	_, err := d.run("cancel", "j1")
	assert.Error(t, err)
}
