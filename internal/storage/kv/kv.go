// ============================================================================
// Key-Value Backend - 持久化儲存抽象
// ============================================================================
//
// Package: internal/storage/kv
// File: kv.go
// Purpose: 對應瀏覽器 localStorage + storage event 的抽象
//
// 語意:
//   - Load: 讀取 key，不存在回傳 (nil, nil)
//   - Save: 原子性寫入整個值；超過容量回傳 ErrQuotaExceeded
//   - Watch: 當「其他寫入者」改變 key 時通知；自己的寫入不觸發
//   - 通知會合併：watcher 只保證收到最新值
//
// 實作:
//   - MemoryHub: 同一程序內共享，模擬多個分頁（測試用）
//   - FileBackend: temp file + rename 原子寫入，輪詢內容偵測外部變更
//   - SQLiteBackend: modernc.org/sqlite，以 revision 欄位偵測變更
//
// ============================================================================

package kv

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrQuotaExceeded 寫入超過儲存容量
	ErrQuotaExceeded = errors.New("kv: quota exceeded")
	// ErrClosed 後端已關閉
	ErrClosed = errors.New("kv: backend closed")
)

// Backend 鍵值儲存
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Watch(key string, fn func(data []byte)) (stop func())
	Close() error
}

// ============================================================================
// 通知合併器
// ============================================================================

// mailbox 只保留最新值的通知佇列，送出端永不阻塞
type mailbox struct {
	mu      sync.Mutex
	pending []byte
	has     bool
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newMailbox(fn func([]byte)) *mailbox {
	m := &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run(fn)
	return m
}

func (m *mailbox) post(data []byte) {
	m.mu.Lock()
	m.pending = append([]byte(nil), data...)
	m.has = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run(fn func([]byte)) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		m.mu.Lock()
		data, has := m.pending, m.has
		m.pending, m.has = nil, false
		m.mu.Unlock()

		if has {
			fn(data)
		}
	}
}

func (m *mailbox) stop() {
	m.once.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}
