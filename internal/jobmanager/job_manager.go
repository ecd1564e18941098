// ============================================================================
// 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: orchestrator 的任務表，負責狀態轉換與查詢
//
// 設計理念:
//   1. jobs map - 單一真實來源 (Single Source of Truth)
//   2. 狀態索引 - running / terminal 提供快速查詢
//   3. 所有讀取都回傳副本，只有 Update 能修改任務內容
//
// 任務狀態轉換 (State Machine):
//   PENDING ──MarkRunning──▶ RUNNING ──Finish──▶ COMPLETED / CANCELLED / FAILED
//
// 轉換規則:
//   - Register 只接受 PENDING
//   - 終止狀態不可再轉換（重新執行單一代碼不改變任務狀態）
//   - Adopt 收養儲存中讀回的紀錄（重新載入後的孤兒、其他分頁的任務）
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - orchestrator 的主迴圈是唯一的寫入者，facade / API 透過副本讀取
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateJob 任務 ID 重複
	ErrDuplicateJob = errors.New("job already exists")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 任務表
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job // 所有任務
	running  map[types.JobID]*types.Job // RUNNING 索引
	terminal map[types.JobID]*types.Job // 終止任務索引
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:     make(map[types.JobID]*types.Job),
		running:  make(map[types.JobID]*types.Job),
		terminal: make(map[types.JobID]*types.Job),
	}
}

// Register 加入新任務（必須是 PENDING）
func (jm *JobManager) Register(job *types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}
	if job.Status != types.StatusPending {
		return ErrInvalidTransition
	}
	jm.jobs[job.ID] = job.Clone()
	return nil
}

// Adopt 收養一筆從儲存讀回的紀錄，覆蓋同 ID 的舊資料
func (jm *JobManager) Adopt(job *types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	c := job.Clone()
	jm.jobs[c.ID] = c
	jm.index(c)
}

// MarkRunning PENDING → RUNNING
func (jm *JobManager) MarkRunning(id types.JobID, now time.Time) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.Status != types.StatusPending {
		return ErrInvalidTransition
	}

	job.Status = types.StatusRunning
	job.StartedAt = &now
	job.HeartbeatAt = now
	jm.running[id] = job
	return nil
}

// Finish RUNNING → 終止狀態
func (jm *JobManager) Finish(id types.JobID, status types.JobStatus, now time.Time, failure *types.Failure) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if !status.Terminal() || job.Status.Terminal() {
		return ErrInvalidTransition
	}

	job.Status = status
	job.FinishedAt = &now
	job.Failure = failure
	if status == types.StatusCompleted {
		job.GlobalProgress = 1
	}
	delete(jm.running, id)
	jm.terminal[id] = job
	return nil
}

// Update 在鎖內修改任務內容（不可改變 Status）
func (jm *JobManager) Update(id types.JobID, fn func(job *types.Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	status := job.Status
	fn(job)
	job.Status = status
	return nil
}

// Remove 移除任務
func (jm *JobManager) Remove(id types.JobID) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.jobs, id)
	delete(jm.running, id)
	delete(jm.terminal, id)
}

// Clear 清空任務表
func (jm *JobManager) Clear() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs = make(map[types.JobID]*types.Job)
	jm.running = make(map[types.JobID]*types.Job)
	jm.terminal = make(map[types.JobID]*types.Job)
}

// index 依狀態更新索引（呼叫者持有鎖）
func (jm *JobManager) index(job *types.Job) {
	delete(jm.running, job.ID)
	delete(jm.terminal, job.ID)
	switch {
	case job.Status == types.StatusRunning:
		jm.running[job.ID] = job
	case job.Status.Terminal():
		jm.terminal[job.ID] = job
	}
}

// ============================================================================
// 查詢
// ============================================================================

// GetJob 取得任務副本
func (jm *JobManager) GetJob(id types.JobID) (*types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Has 任務是否存在
func (jm *JobManager) Has(id types.JobID) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	_, ok := jm.jobs[id]
	return ok
}

// List 依 createdAt 由新到舊列出任務副本
func (jm *JobManager) List() []*types.Job {
	jm.mu.RLock()
	out := make([]*types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, job.Clone())
	}
	jm.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// RunningIDs 所有 RUNNING 任務的 ID（排序後）
func (jm *JobManager) RunningIDs() []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ids := make([]types.JobID, 0, len(jm.running))
	for id := range jm.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids
}

// IsTerminal 任務是否已終止
func (jm *JobManager) IsTerminal(id types.JobID) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	_, ok := jm.terminal[id]
	return ok
}

// Stats 各狀態任務數
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[string]int{
		"pending":   0,
		"running":   len(jm.running),
		"completed": 0,
		"cancelled": 0,
		"failed":    0,
	}
	for _, job := range jm.jobs {
		switch job.Status {
		case types.StatusPending:
			stats["pending"]++
		case types.StatusCompleted:
			stats["completed"]++
		case types.StatusCancelled:
			stats["cancelled"]++
		case types.StatusFailed:
			stats["failed"]++
		}
	}
	return stats
}
