// ============================================================================
// Worker - 任務執行單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: 每個 Worker 在獨立 goroutine 中從 taskCh 取任務執行
//
// 執行流程:
//   for task := range taskCh
//     ├─ 以 task.Ctx（可再加上 Timeout）建立 Context
//     ├─ task.Run(ctx)
//     └─ 結果送到 resultCh
//
// 取消:
//   排隊中的任務若已被取消，Worker 取出後不執行，直接回報 ctx.Err()。
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		parent := task.Ctx
		if parent == nil {
			parent = context.Background()
		}
		ctx, cancel := parent, context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, task.Timeout)
		}

		err := w.execute(ctx, task)
		cancel()

		result := Result{
			TaskID:   task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		default:
			// resultCh 容量等於提交上限，正常情況不會滿
		}
	}
}

// execute runs the task, converting panics into errors
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.Run == nil {
		return fmt.Errorf("task %s has no run function", task.ID)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: task %s panicked: %v", w.id, task.ID, r)
		}
	}()
	return task.Run(ctx)
}
