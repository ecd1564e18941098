package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/analysis-orchestrator/internal/faults"
	"github.com/ChuLiYu/analysis-orchestrator/internal/storage/kv"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return base }

func runningJob(id string, created time.Time) *types.Job {
	job := types.NewJob(types.JobSpec{
		JobID:   types.JobID(id),
		Tickers: []types.Ticker{"AAPL"},
		Kind:    types.KindQuick,
		Mode:    types.ModeAnalyze,
	}, created)
	job.Status = types.StatusRunning
	return job
}

func completedJob(id string, finished time.Time) *types.Job {
	job := runningJob(id, finished.Add(-time.Minute))
	job.Status = types.StatusCompleted
	job.GlobalProgress = 1
	job.FinishedAt = &finished
	job.PerTicker["AAPL"].Status = types.TickerDone
	job.PerTicker["AAPL"].Progress = 1
	job.PerTicker["AAPL"].CompletedAgents = []types.AgentID{types.AgentMarket}
	job.Reports["AAPL"] = types.NewReport(types.KindQuick,
		map[types.AgentID]types.RawValue{types.AgentMarket: types.RawValue(`{"trend":"up"}`)}, finished)
	return job
}

func openStore(t *testing.T, backend kv.Backend, codec Codec) *Store {
	t.Helper()
	s, err := Open(context.Background(), backend, Options{Codec: codec, Now: fixedNow})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// changeLog 收集訂閱通知
type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (c *changeLog) add(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, ch)
}

func (c *changeLog) find(id types.JobID, deleted bool) (Change, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.changes) - 1; i >= 0; i-- {
		ch := c.changes[i]
		if ch.ID == id && ch.Deleted == deleted {
			return ch, true
		}
	}
	return Change{}, false
}

func TestPutGetListRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			hub := kv.NewMemoryHub(0)
			s := openStore(t, hub.Open(), codec)
			ctx := context.Background()

			// j1 建立於 base-2m，j2 建立於 base-90s
			require.NoError(t, s.Put(ctx, runningJob("j1", base.Add(-2*time.Minute))))
			require.NoError(t, s.Put(ctx, completedJob("j2", base.Add(-30*time.Second))))

			got, ok := s.Get("j2")
			require.True(t, ok)
			assert.Equal(t, types.StatusCompleted, got.Status)
			assert.JSONEq(t, `{"trend":"up"}`, string(got.Reports["AAPL"].Sections[types.AgentMarket]))

			list := s.List()
			require.Len(t, list, 2)
			assert.Equal(t, types.JobID("j2"), list[0].ID, "newest first")
			assert.Equal(t, types.JobID("j1"), list[1].ID)

			// 重新開啟後內容相同
			reopened := openStore(t, hub.Open(), codec)
			again, ok := reopened.Get("j2")
			require.True(t, ok)
			assert.Equal(t, got, again)
		})
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := openStore(t, kv.NewMemoryHub(0).Open(), nil)
	require.NoError(t, s.Put(context.Background(), runningJob("j1", base)))

	a, _ := s.Get("j1")
	a.PerTicker["AAPL"].Progress = 0.9

	b, _ := s.Get("j1")
	assert.Equal(t, 0.0, b.PerTicker["AAPL"].Progress)
}

func TestEvictKeepsRecentTerminal(t *testing.T) {
	s := openStore(t, kv.NewMemoryHub(0).Open(), nil)
	ctx := context.Background()

	for i := 0; i < 13; i++ {
		require.NoError(t, s.Put(ctx, completedJob(fmt.Sprintf("done-%02d", i), base.Add(time.Duration(i-20)*time.Minute))))
	}
	require.NoError(t, s.Put(ctx, runningJob("live", base.Add(-time.Minute))))

	list := s.List()
	assert.Len(t, list, DefaultRecent+1)

	for i := 0; i < 3; i++ {
		_, ok := s.Get(types.JobID(fmt.Sprintf("done-%02d", i)))
		assert.False(t, ok, "oldest terminal jobs evicted")
	}
	_, ok := s.Get("done-12")
	assert.True(t, ok)
	_, ok = s.Get("live")
	assert.True(t, ok, "running jobs are never counted against the cap")
}

func TestEvictDropsStaleRunningJobs(t *testing.T) {
	s := openStore(t, kv.NewMemoryHub(0).Open(), nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, runningJob("stale", base.Add(-3*time.Hour))))
	_, ok := s.Get("stale")
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, runningJob("fresh", base.Add(-time.Hour))))
	_, ok = s.Get("fresh")
	assert.True(t, ok)
}

func TestQuotaEvictsOldestTerminalFirst(t *testing.T) {
	hub := kv.NewMemoryHub(0)
	s := openStore(t, hub.Open(), nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, completedJob("old", base.Add(-10*time.Minute))))
	require.NoError(t, s.Put(ctx, completedJob("new", base.Add(-5*time.Minute))))

	// 容量只夠兩筆：寫入第三筆時必須丟掉最舊的終止 job
	data, err := JSONCodec{}.Encode([]*types.Job{completedJob("old", base), completedJob("new", base)})
	require.NoError(t, err)
	hub.SetQuota(len(data) + 64)

	require.NoError(t, s.Put(ctx, runningJob("live", base)))
	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("new")
	assert.True(t, ok)
	_, ok = s.Get("live")
	assert.True(t, ok)
}

func TestQuotaStorageFull(t *testing.T) {
	hub := kv.NewMemoryHub(0)
	s := openStore(t, hub.Open(), nil)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, runningJob("a", base)))
	hub.SetQuota(10)

	err := s.Put(ctx, runningJob("b", base))
	require.Error(t, err)
	assert.Equal(t, types.ErrStorageFull, faults.KindOf(err))

	_, ok := s.Get("b")
	assert.False(t, ok, "dropped write is not visible")
	_, ok = s.Get("a")
	assert.True(t, ok)
}

func TestCorruptRecordDiscarded(t *testing.T) {
	hub := kv.NewMemoryHub(0)
	writer := hub.Open()
	ctx := context.Background()

	good, err := JSONCodec{}.Encode([]*types.Job{runningJob("ok", base)})
	require.NoError(t, err)
	// 第二筆欄位型別錯誤，第三筆違反 progress/status 不變量
	raw := string(good[:len(good)-1]) + `,{"jobId":7},{"jobId":"bad","tickers":["X"],"kind":"QUICK","status":"RUNNING","globalProgress":1}]`
	require.NoError(t, writer.Save(ctx, DefaultKey, []byte(raw)))

	s := openStore(t, hub.Open(), nil)
	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, types.JobID("ok"), list[0].ID)
}

func TestUnreadableContentsStartEmpty(t *testing.T) {
	hub := kv.NewMemoryHub(0)
	require.NoError(t, hub.Open().Save(context.Background(), DefaultKey, []byte("not json")))

	s := openStore(t, hub.Open(), nil)
	assert.Empty(t, s.List())

	require.NoError(t, s.Put(context.Background(), runningJob("j1", base)))
	assert.Len(t, s.List(), 1)
}

func TestCrossTabChanges(t *testing.T) {
	hub := kv.NewMemoryHub(0)
	tabA := openStore(t, hub.Open(), nil)
	tabB := openStore(t, hub.Open(), nil)
	ctx := context.Background()

	var seen changeLog
	unsubscribe := tabB.Subscribe(seen.add)
	defer unsubscribe()

	require.NoError(t, tabA.Put(ctx, runningJob("j1", base)))

	require.Eventually(t, func() bool {
		_, ok := seen.find("j1", false)
		return ok
	}, time.Second, 5*time.Millisecond)

	ch, _ := seen.find("j1", false)
	assert.False(t, ch.Local)
	got, ok := tabB.Get("j1")
	require.True(t, ok)
	assert.Equal(t, types.StatusRunning, got.Status)

	// 另一個分頁寫入時不會覆蓋本分頁的 job
	require.NoError(t, tabB.Put(ctx, runningJob("j2", base)))
	require.Eventually(t, func() bool {
		_, ok := tabA.Get("j2")
		return ok
	}, time.Second, 5*time.Millisecond)
	_, ok = tabB.Get("j1")
	assert.True(t, ok)

	require.NoError(t, tabA.Delete(ctx, "j1"))
	require.Eventually(t, func() bool {
		_, ok := seen.find("j1", true)
		return ok
	}, time.Second, 5*time.Millisecond)
	_, ok = tabB.Get("j1")
	assert.False(t, ok)
}

func TestLocalChangesNotified(t *testing.T) {
	s := openStore(t, kv.NewMemoryHub(0).Open(), nil)
	var seen changeLog
	s.Subscribe(seen.add)

	require.NoError(t, s.Put(context.Background(), runningJob("j1", base)))
	ch, ok := seen.find("j1", false)
	require.True(t, ok)
	assert.True(t, ch.Local)

	// 內容未變更時不通知
	seen.mu.Lock()
	n := len(seen.changes)
	seen.mu.Unlock()
	require.NoError(t, s.Put(context.Background(), runningJob("j1", base)))
	seen.mu.Lock()
	assert.Len(t, seen.changes, n)
	seen.mu.Unlock()
}

func TestClearRemovesEverything(t *testing.T) {
	s := openStore(t, kv.NewMemoryHub(0).Open(), nil)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, runningJob("a", base)))
	require.NoError(t, s.Put(ctx, completedJob("b", base)))

	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, s.List())
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := openStore(t, kv.NewMemoryHub(0).Open(), nil)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Put(context.Background(), runningJob("a", base)), ErrClosed)
}

func TestStoreOverFileBackend(t *testing.T) {
	dir := t.TempDir()
	fa, err := kv.NewFileBackend(dir, kv.FileOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	fb, err := kv.NewFileBackend(dir, kv.FileOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { fa.Close(); fb.Close() })

	a := openStore(t, fa, MsgpackCodec{})
	b := openStore(t, fb, MsgpackCodec{})

	require.NoError(t, a.Put(context.Background(), completedJob("j1", base)))
	require.Eventually(t, func() bool {
		_, ok := b.Get("j1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = CodecByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}
