package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/internal/faults"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// ============================================================================
// 持久化與心跳（主迴圈中執行）
// ============================================================================
//
// 寫入節流:
//   狀態變更只標記 dirty，由 persist tick 寫出；同一任務兩次寫入
//   間隔至少 PersistInterval。終止狀態立即寫入。
//
// 心跳:
//   1. 更新自己驅動中任務的 heartbeatAt（同樣經過節流）
//   2. 掃描 store 中的 RUNNING 紀錄，判定孤兒
//
// ============================================================================

const storeTimeout = 5 * time.Second

func (o *Orchestrator) markDirty(id types.JobID) {
	if o.opts.Store == nil {
		return
	}
	o.dirty[id] = true
}

// flushDirty 寫出 dirty 任務；force 忽略節流間隔
func (o *Orchestrator) flushDirty(force bool) {
	if len(o.dirty) == 0 {
		return
	}
	now := o.opts.Now()
	ids := make([]types.JobID, 0, len(o.dirty))
	for id := range o.dirty {
		if !force && now.Sub(o.lastWrite[id]) < o.opts.PersistInterval {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	for _, id := range ids {
		o.persistNow(id)
	}
}

// persistNow 立即寫入單一任務
func (o *Orchestrator) persistNow(id types.JobID) {
	if o.opts.Store == nil {
		return
	}
	delete(o.dirty, id)
	job, ok := o.jobs.GetJob(id)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	o.lastWrite[id] = o.opts.Now()
	if err := o.opts.Store.Put(ctx, job); err != nil {
		o.storageError(id, err)
	}
}

// storageError 儲存失敗只回報，不影響任務（記憶體中的紀錄為準）
func (o *Orchestrator) storageError(id types.JobID, err error) {
	var kind types.ErrorKind
	if faults.KindOf(err) == types.ErrStorageFull {
		kind = types.ErrStorageFull
	}
	o.log.Warn().Str("job_id", string(id)).Err(err).Msg("failed to persist job")
	o.emit(types.Event{Type: types.EvStorageError, JobID: id, Error: kind, Message: err.Error()})
}

// beat 心跳：更新租約並判定孤兒
func (o *Orchestrator) beat() {
	if o.opts.Store == nil {
		return
	}
	now := o.opts.Now().UTC()
	for id := range o.runs {
		_ = o.jobs.Update(id, func(j *types.Job) { j.HeartbeatAt = now })
		o.markDirty(id)
	}
	o.flushDirty(false)

	for _, job := range o.opts.Store.List() {
		if job.Status != types.StatusRunning {
			continue
		}
		if _, driving := o.runs[job.ID]; driving {
			continue
		}
		if o.leaseAlive(job) {
			continue
		}
		o.orphan(job)
	}
}
