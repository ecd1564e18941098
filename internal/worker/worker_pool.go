// ============================================================================
// Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以固定數量的 Worker 限制同時執行的任務數
//
// 用途:
//   orchestrator 為每個串流任務建立一個 Pool，Worker 數為 min(代碼數, 4)，
//   其餘代碼排隊，等有空位再開始串流。
//
// 生命週期:
//   1. NewPool(n) - 建立 Pool，taskCh / resultCh 緩衝為 n
//   2. Start(k)   - 啟動 k 個 Worker
//   3. Submit     - 提交任務
//   4. ReceiveResult - 讀取結果
//   5. Stop       - 關閉 taskCh，等待 Worker 結束
//
// 錯誤:
//   - ErrPoolNotStarted: 尚未 Start
//   - ErrPoolClosed: 已 Stop
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool not started")
	errPoolStarted    = errors.New("worker pool already started")
)

type poolState int

const (
	poolIdle poolState = iota
	poolRunning
	poolStopped
)

// Pool 限制同時執行的任務數；未取得 Worker 的任務在 taskCh 中排隊
type Pool struct {
	mu      sync.Mutex
	state   poolState
	workers []*Worker

	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPool capacity 為可排隊的任務數，也是結果緩衝大小
func NewPool(capacity int) *Pool {
	return &Pool{
		taskCh:   make(chan Task, capacity),
		resultCh: make(chan Result, capacity),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動 n 個 Worker，只能呼叫一次
func (p *Pool) Start(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != poolIdle {
		return errPoolStarted
	}

	for id := 0; id < n; id++ {
		w := newWorker(id, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}
	p.state = poolRunning
	return nil
}

// Submit 排入一個任務
//
// 與 Stop 並行時由 stopCh 保護；Stop 只在所有結果收齊後呼叫。
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	switch p.state {
	case poolIdle:
		p.mu.Unlock()
		return ErrPoolNotStarted
	case poolStopped:
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 阻塞直到有任務結束，Pool 關閉後回傳 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case res, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return res, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 不再接受任務，等執行中的任務結束後關閉 resultCh；可重複呼叫
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.state != poolRunning {
		p.mu.Unlock()
		return
	}
	p.state = poolStopped
	p.mu.Unlock()

	close(p.stopCh)
	close(p.taskCh)
	p.wg.Wait()
	close(p.resultCh)
}

func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != poolIdle
}
