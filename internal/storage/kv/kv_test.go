package kv

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder 收集 watcher 通知
type recorder struct {
	mu   sync.Mutex
	seen [][]byte
}

func (r *recorder) fn(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, data)
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return ""
	}
	return string(r.seen[len(r.seen)-1])
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// pair 兩個共享同一儲存的實例（模擬兩個分頁）
type pair struct {
	name string
	a, b Backend
}

func backends(t *testing.T) []pair {
	t.Helper()

	hub := NewMemoryHub(0)

	dir := t.TempDir()
	fa, err := NewFileBackend(dir, FileOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	fb, err := NewFileBackend(dir, FileOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	sa, err := NewSQLiteBackend(dbPath, SQLiteOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	sb, err := NewSQLiteBackend(dbPath, SQLiteOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	pairs := []pair{
		{"memory", hub.Open(), hub.Open()},
		{"file", fa, fb},
		{"sqlite", sa, sb},
	}
	t.Cleanup(func() {
		for _, p := range pairs {
			p.a.Close()
			p.b.Close()
		}
	})
	return pairs
}

func TestLoadMissingKey(t *testing.T) {
	for _, p := range backends(t) {
		t.Run(p.name, func(t *testing.T) {
			data, err := p.a.Load(context.Background(), "nope")
			require.NoError(t, err)
			assert.Nil(t, data)
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, p := range backends(t) {
		t.Run(p.name, func(t *testing.T) {
			require.NoError(t, p.a.Save(ctx, "jobs.v1", []byte(`[1]`)))
			require.NoError(t, p.a.Save(ctx, "jobs.v1", []byte(`[1,2]`)))

			got, err := p.b.Load(ctx, "jobs.v1")
			require.NoError(t, err)
			assert.Equal(t, `[1,2]`, string(got), "other instance sees the latest value")
		})
	}
}

func TestWatchSeesForeignWritesOnly(t *testing.T) {
	ctx := context.Background()
	for _, p := range backends(t) {
		t.Run(p.name, func(t *testing.T) {
			var onA, onB recorder
			stopA := p.a.Watch("k", onA.fn)
			defer stopA()
			stopB := p.b.Watch("k", onB.fn)
			defer stopB()

			require.NoError(t, p.a.Save(ctx, "k", []byte("from-a")))

			require.Eventually(t, func() bool { return onB.last() == "from-a" }, 2*time.Second, 5*time.Millisecond)

			// 給輪詢型後端足夠時間，確認自己的寫入沒有觸發
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, 0, onA.count(), "own writes must not notify")
		})
	}
}

func TestWatchStop(t *testing.T) {
	ctx := context.Background()
	for _, p := range backends(t) {
		t.Run(p.name, func(t *testing.T) {
			var rec recorder
			stop := p.b.Watch("k", rec.fn)
			stop()
			stop() // 重複呼叫安全

			require.NoError(t, p.a.Save(ctx, "k", []byte("x")))
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, 0, rec.count())
		})
	}
}

func TestQuotaExceeded(t *testing.T) {
	ctx := context.Background()

	hub := NewMemoryHub(8)
	assert.ErrorIs(t, hub.Open().Save(ctx, "k", []byte("0123456789")), ErrQuotaExceeded)

	fb, err := NewFileBackend(t.TempDir(), FileOptions{MaxBytes: 8})
	require.NoError(t, err)
	defer fb.Close()
	assert.ErrorIs(t, fb.Save(ctx, "k", []byte("0123456789")), ErrQuotaExceeded)
	assert.NoError(t, fb.Save(ctx, "k", []byte("short")))

	sb, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "q.db"), SQLiteOptions{MaxBytes: 8})
	require.NoError(t, err)
	defer sb.Close()
	assert.ErrorIs(t, sb.Save(ctx, "k", []byte("0123456789")), ErrQuotaExceeded)
}

func TestFileBackendAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFileBackend(dir, FileOptions{})
	require.NoError(t, err)
	defer fb.Close()

	require.NoError(t, fb.Save(context.Background(), "jobs.v1", []byte("data")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must be renamed away")
	assert.Equal(t, filepath.Base(fb.PathFor("jobs.v1")), entries[0].Name())
}

func TestClosedBackendRejectsOperations(t *testing.T) {
	ctx := context.Background()
	for _, p := range backends(t) {
		t.Run(p.name, func(t *testing.T) {
			require.NoError(t, p.a.Close())
			require.NoError(t, p.a.Close())
			assert.ErrorIs(t, p.a.Save(ctx, "k", []byte("x")), ErrClosed)
			_, err := p.a.Load(ctx, "k")
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}
