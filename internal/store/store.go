// ============================================================================
// DurableJobStore - 跨分頁共享的任務儲存
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: 持久化 job 紀錄，讓重新載入或另一個分頁看到相同的狀態
//
// 儲存格式:
//   單一 key（jobs.v1）存放整個 job 陣列，每次變更都整體原子寫入。
//   寫入採 read-modify-write：先讀回目前內容再合併，避免覆蓋其他分頁的 job。
//
// 淘汰規則（每次 Put 套用）:
//   1. 保留所有執行中（非終止）的 job
//   2. createdAt 超過 2 小時仍在執行的 job 視為孤兒，直接移除
//   3. 終止的 job 依 finishedAt 由新到舊保留 K_RECENT（10）筆
//
// 容量不足:
//   依 finishedAt 由舊到新逐筆移除終止 job 後重試；
//   全部移除仍失敗則放棄本次寫入並回傳 STORAGE_FULL。
//
// 跨分頁同步:
//   backend.Watch 收到其他寫入者的新內容後，與快取比對差異，
//   逐筆通知訂閱者（Change）。同一 jobId 以最後寫入者為準。
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/analysis-orchestrator/internal/faults"
	"github.com/ChuLiYu/analysis-orchestrator/internal/storage/kv"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

const (
	// DefaultKey 儲存 key
	DefaultKey = "jobs.v1"
	// DefaultRecent 保留的終止 job 數量
	DefaultRecent = 10
	// DefaultOrphanAge 執行中 job 的最長存活時間
	DefaultOrphanAge = 2 * time.Hour
)

// ErrClosed store 已關閉
var ErrClosed = errors.New("store: closed")

// Change 一筆 job 的變更通知
type Change struct {
	ID      types.JobID
	Job     *types.Job // Deleted 時為 nil
	Deleted bool
	Local   bool // 本實例寫入造成的變更
}

// Observer 儲存層指標
type Observer interface {
	StoreWrite(codec string, bytes int)
	StoreFull()
	StoreCorrupt(n int)
}

type noopObserver struct{}

func (noopObserver) StoreWrite(string, int) {}
func (noopObserver) StoreFull()             {}
func (noopObserver) StoreCorrupt(int)       {}

// Options store 選項
type Options struct {
	Key       string
	Codec     Codec
	Recent    int
	OrphanAge time.Duration
	Now       func() time.Time
	Observer  Observer
}

func (o *Options) withDefaults() {
	if o.Key == "" {
		o.Key = DefaultKey
	}
	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}
	if o.Recent <= 0 {
		o.Recent = DefaultRecent
	}
	if o.OrphanAge <= 0 {
		o.OrphanAge = DefaultOrphanAge
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Observer == nil {
		o.Observer = noopObserver{}
	}
}

// Store DurableJobStore
type Store struct {
	backend kv.Backend
	opts    Options

	writeMu sync.Mutex // 序列化本實例的 read-modify-write
	mu      sync.Mutex // 保護 jobs、subs
	jobs    map[types.JobID]*types.Job
	subs    map[int]func(Change)
	nextSub int
	closed  bool
	stop    func()
}

// Open 載入目前內容並開始監聽其他分頁
func Open(ctx context.Context, backend kv.Backend, opts Options) (*Store, error) {
	opts.withDefaults()
	s := &Store{
		backend: backend,
		opts:    opts,
		jobs:    make(map[types.JobID]*types.Job),
		subs:    make(map[int]func(Change)),
	}

	jobs, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}

	s.stop = backend.Watch(opts.Key, s.onForeign)
	log.Debug().Str("key", opts.Key).Str("codec", opts.Codec.Name()).Int("jobs", len(jobs)).Msg("job store opened")
	return s, nil
}

// ============================================================================
// 查詢
// ============================================================================

// Get 取得 job 副本
func (s *Store) Get(id types.JobID) (*types.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// List 依 createdAt 由新到舊列出所有 job 副本
func (s *Store) List() []*types.Job {
	s.mu.Lock()
	out := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Subscribe 訂閱變更，回傳取消函式
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// ============================================================================
// 寫入
// ============================================================================

// Put 寫入（或覆蓋）一筆 job
func (s *Store) Put(ctx context.Context, job *types.Job) error {
	if job == nil || job.ID == "" {
		return faults.Newf(types.ErrValidation, "store.put", "job without id")
	}
	put := job.Clone()
	return s.mutate(ctx, put.ID, func(m map[types.JobID]*types.Job) {
		m[put.ID] = put
	})
}

// Delete 移除一筆 job
func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	return s.mutate(ctx, "", func(m map[types.JobID]*types.Job) {
		delete(m, id)
	})
}

// Clear 移除所有 job
func (s *Store) Clear(ctx context.Context) error {
	return s.mutate(ctx, "", func(m map[types.JobID]*types.Job) {
		for id := range m {
			delete(m, id)
		}
	})
}

// Sweep 只套用淘汰規則（排程呼叫）
func (s *Store) Sweep(ctx context.Context) error {
	return s.mutate(ctx, "", func(map[types.JobID]*types.Job) {})
}

// mutate read-modify-write；protect 為容量不足時不可移除的 job
func (s *Store) mutate(ctx context.Context, protect types.JobID, fn func(map[types.JobID]*types.Job)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	current, err := s.load(ctx)
	if err != nil {
		return err
	}
	m := make(map[types.JobID]*types.Job, len(current))
	for _, j := range current {
		m[j.ID] = j
	}

	fn(m)
	jobs := Evict(m, s.opts.Now(), s.opts.Recent, s.opts.OrphanAge)

	saved, err := s.save(ctx, jobs, protect)
	if err != nil {
		// 寫入被放棄，快取仍與其他分頁同步
		s.apply(current, false)
		return err
	}
	s.apply(saved, true)
	return nil
}

// save 寫入；容量不足時逐筆丟棄最舊的終止 job
func (s *Store) save(ctx context.Context, jobs []*types.Job, protect types.JobID) ([]*types.Job, error) {
	for {
		data, err := s.opts.Codec.Encode(jobs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode jobs: %w", err)
		}

		err = s.backend.Save(ctx, s.opts.Key, data)
		if err == nil {
			s.opts.Observer.StoreWrite(s.opts.Codec.Name(), len(data))
			return jobs, nil
		}
		if !errors.Is(err, kv.ErrQuotaExceeded) {
			return nil, fmt.Errorf("failed to save jobs: %w", err)
		}

		victim := oldestTerminal(jobs, protect)
		if victim < 0 {
			s.opts.Observer.StoreFull()
			log.Warn().Str("key", s.opts.Key).Int("bytes", len(data)).Msg("job store full, write dropped")
			return nil, faults.New(types.ErrStorageFull, "store.save", err)
		}
		log.Debug().Str("job_id", string(jobs[victim].ID)).Msg("evicting terminal job to free storage")
		jobs = append(jobs[:victim:victim], jobs[victim+1:]...)
	}
}

// ============================================================================
// 載入與同步
// ============================================================================

// load 讀取並解碼；損壞的紀錄丟棄並記錄
func (s *Store) load(ctx context.Context) ([]*types.Job, error) {
	data, err := s.backend.Load(ctx, s.opts.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	return s.decode(data), nil
}

func (s *Store) decode(data []byte) []*types.Job {
	if len(data) == 0 {
		return nil
	}

	jobs, bad, err := s.opts.Codec.Decode(data)
	if err != nil {
		s.opts.Observer.StoreCorrupt(1)
		log.Error().Err(err).Str("key", s.opts.Key).Msg("job store unreadable, discarding contents")
		return nil
	}

	out := make([]*types.Job, 0, len(jobs))
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			bad = append(bad, fmt.Errorf("job %s: %w", j.ID, err))
			continue
		}
		normalize(j)
		out = append(out, j)
	}

	if len(bad) > 0 {
		s.opts.Observer.StoreCorrupt(len(bad))
		for _, e := range bad {
			log.Warn().Err(e).Str("key", s.opts.Key).Msg("discarding corrupt job record")
		}
	}
	return out
}

// onForeign 其他寫入者變更了儲存內容
func (s *Store) onForeign(data []byte) {
	if s.isClosed() {
		return
	}
	s.apply(s.decode(data), false)
}

// apply 以 jobs 取代快取並通知差異
func (s *Store) apply(jobs []*types.Job, local bool) {
	next := make(map[types.JobID]*types.Job, len(jobs))
	for _, j := range jobs {
		next[j.ID] = j
	}

	s.mu.Lock()
	var changes []Change
	for id, j := range next {
		if old, ok := s.jobs[id]; ok && reflect.DeepEqual(old, j) {
			continue
		}
		changes = append(changes, Change{ID: id, Job: j.Clone(), Local: local})
	}
	for id := range s.jobs {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{ID: id, Deleted: true, Local: local})
		}
	}
	s.jobs = next

	subs := make([]func(Change), 0, len(s.subs))
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	sort.Slice(changes, func(i, k int) bool { return changes[i].ID < changes[k].ID })
	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

// Reload 重新讀取 backend（例如分頁重新取得焦點）
func (s *Store) Reload(ctx context.Context) error {
	jobs, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.apply(jobs, false)
	return nil
}

// Close 停止監聽
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ============================================================================
// 淘汰
// ============================================================================

// Evict 套用淘汰規則，回傳依 createdAt 排序的結果
func Evict(m map[types.JobID]*types.Job, now time.Time, recent int, orphanAge time.Duration) []*types.Job {
	var running, terminal []*types.Job
	for _, j := range m {
		if j.IsTerminal() {
			terminal = append(terminal, j)
			continue
		}
		if now.Sub(j.CreatedAt) > orphanAge {
			log.Info().Str("job_id", string(j.ID)).Time("created_at", j.CreatedAt).Msg("evicting stale running job")
			continue
		}
		running = append(running, j)
	}

	sort.Slice(terminal, func(i, k int) bool {
		return finishedAt(terminal[i]).After(finishedAt(terminal[k]))
	})
	if len(terminal) > recent {
		terminal = terminal[:recent]
	}

	out := append(running, terminal...)
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

func finishedAt(j *types.Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.CreatedAt
}

// oldestTerminal 回傳最舊終止 job 的索引，沒有則回傳 -1
func oldestTerminal(jobs []*types.Job, protect types.JobID) int {
	idx := -1
	for i, j := range jobs {
		if !j.IsTerminal() || j.ID == protect {
			continue
		}
		if idx < 0 || finishedAt(j).Before(finishedAt(jobs[idx])) {
			idx = i
		}
	}
	return idx
}

// normalize 統一時間為 UTC，讓不同 codec 解碼結果可比較
func normalize(j *types.Job) {
	j.CreatedAt = j.CreatedAt.UTC()
	j.HeartbeatAt = j.HeartbeatAt.UTC()
	if j.StartedAt != nil {
		t := j.StartedAt.UTC()
		j.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := j.FinishedAt.UTC()
		j.FinishedAt = &t
	}
	for _, r := range j.Reports {
		if r != nil {
			r.Meta.GeneratedAt = r.Meta.GeneratedAt.UTC()
		}
	}
}
