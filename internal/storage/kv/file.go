package kv

// ============================================================================
// 職責說明：
// 1. 每個 key 對應目錄中的一個檔案
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 輪詢檔案內容偵測其他程序的寫入
// 4. 自己寫入的內容不觸發 watcher
// ============================================================================

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultPollInterval 預設輪詢間隔
const DefaultPollInterval = 200 * time.Millisecond

// FileBackend 檔案儲存
type FileBackend struct {
	dir          string
	maxBytes     int
	pollInterval time.Duration

	mu      sync.Mutex        // 保護檔案操作與 written
	written map[string][]byte // 本實例最後一次寫入的內容
	closed  bool
	stops   []func()
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// FileOptions 檔案後端選項
type FileOptions struct {
	MaxBytes     int           // <= 0 不限
	PollInterval time.Duration // <= 0 使用預設值
}

// NewFileBackend 建立檔案後端，目錄不存在時自動建立
func NewFileBackend(dir string, opts FileOptions) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &FileBackend{
		dir:          dir,
		maxBytes:     opts.MaxBytes,
		pollInterval: opts.PollInterval,
		written:      make(map[string][]byte),
		stopCh:       make(chan struct{}),
	}, nil
}

// PathFor 取得 key 對應的檔案路徑（用於測試與除錯）
func (f *FileBackend) PathFor(key string) string {
	safe := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(key)
	return filepath.Join(f.dir, safe+".dat")
}

func (f *FileBackend) Load(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(f.PathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Save 原子性寫入
//
// 流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (f *FileBackend) Save(_ context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.maxBytes > 0 && len(data) > f.maxBytes {
		return ErrQuotaExceeded
	}

	path := f.PathFor(key)
	tmpPath := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", key, err)
	}

	f.written[key] = append([]byte(nil), data...)
	return nil
}

// Watch 輪詢檔案變更
func (f *FileBackend) Watch(key string, fn func(data []byte)) func() {
	box := newMailbox(fn)
	done := make(chan struct{})
	path := f.PathFor(key)

	last, _ := os.ReadFile(path)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-f.stopCh:
				return
			case <-ticker.C:
			}

			data, err := os.ReadFile(path)
			if err != nil || bytes.Equal(data, last) {
				continue
			}
			last = data

			f.mu.Lock()
			own := bytes.Equal(f.written[key], data)
			f.mu.Unlock()
			if own {
				continue
			}
			box.post(data)
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			box.stop()
		})
	}

	f.mu.Lock()
	f.stops = append(f.stops, stop)
	f.mu.Unlock()
	return stop
}

// Close 停止所有 watcher
func (f *FileBackend) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.stopCh)
	stops := f.stops
	f.stops = nil
	f.mu.Unlock()

	f.wg.Wait()
	for _, stop := range stops {
		stop()
	}
	return nil
}
