package journal

// ============================================================================
// Journal - 事件日誌
// 職責：
// 1. 將 orchestrator 送出的每個事件追加到日誌檔（append-only, JSON lines）
// 2. 每筆紀錄帶 CRC32 校驗和，重放時驗證
// 3. 批次寫入：緩衝區滿、超過 flush 間隔或終止事件時寫出
// 4. 支援日誌旋轉（舊檔改名保留）
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

const (
	DefaultBufferSize    = 256
	DefaultFlushInterval = time.Second
)

// Record 日誌中的一行
type Record struct {
	Seq       uint64          `json:"seq"`       // 日誌序號（單調遞增，與事件 seq 無關）
	Timestamp int64           `json:"timestamp"` // Unix 毫秒
	Payload   json.RawMessage `json:"event"`     // 事件 JSON
	Checksum  uint32          `json:"checksum"`  // CRC32(seq + payload)
}

// Event 解碼事件內容
func (r Record) Event() (types.Event, error) {
	var ev types.Event
	if err := json.Unmarshal(r.Payload, &ev); err != nil {
		return ev, fmt.Errorf("%w: seq %d: %v", ErrCorrupted, r.Seq, err)
	}
	return ev, nil
}

// Handler 重放時處理每筆紀錄
type Handler func(rec Record, ev types.Event) error

// Options 日誌設定
type Options struct {
	BufferSize    int           // 緩衝筆數，達到即寫出
	FlushInterval time.Duration // 最長寫出間隔
	SyncOnFlush   bool          // 寫出後 fsync
	Now           func() time.Time
}

// Journal 事件日誌實例
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	path    string
	seq     uint64
	opts    Options
	buffer  []Record
	closed  bool
	stopCh  chan struct{}
	flushWg sync.WaitGroup
}

// ============================================================================
// 公開介面
// ============================================================================

// Open 建立或開啟日誌；既有檔案從最後一筆的 seq 接續
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var seq uint64
	last, err := LastRecord(path)
	switch {
	case err == nil:
		seq = last.Seq
	case os.IsNotExist(err), err == ErrEmpty:
	default:
		return nil, fmt.Errorf("failed to read journal tail: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
		seq:    seq,
		opts:   opts,
		buffer: make([]Record, 0, opts.BufferSize),
		stopCh: make(chan struct{}),
	}

	j.flushWg.Add(1)
	go j.flushLoop()
	return j, nil
}

// Append 追加一個事件；終止事件立即寫出
func (j *Journal) Append(ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	j.seq++
	rec := Record{
		Seq:       j.seq,
		Timestamp: j.opts.Now().UnixMilli(),
		Payload:   payload,
	}
	rec.Checksum = Checksum(rec.Seq, rec.Payload)
	j.buffer = append(j.buffer, rec)

	if ev.Terminal() || len(j.buffer) >= j.opts.BufferSize {
		return j.flushLocked()
	}
	return nil
}

// Flush 寫出緩衝區
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay 從頭重放日誌（先寫出緩衝區）
func (j *Journal) Replay(handler Handler) error {
	if err := j.Flush(); err != nil {
		return err
	}
	return ReplayFile(j.path, handler)
}

// Rotate 將目前檔案改名保留，之後寫入新檔；回傳舊檔路徑
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrClosed
	}

	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backup := j.path + "." + j.opts.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backup); err != nil {
		return "", err
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	j.file = file
	j.writer = bufio.NewWriter(file)
	j.seq = 0
	return backup, nil
}

// Close 寫出剩餘紀錄並關閉；關閉後不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.stopCh)
	err := j.flushLocked()
	j.mu.Unlock()

	j.flushWg.Wait()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// LastSeq 目前的日誌序號
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔路徑
func (j *Journal) Path() string {
	return j.path
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLoop 定期寫出，避免低流量時事件長時間停留在緩衝區
func (j *Journal) flushLoop() {
	defer j.flushWg.Done()
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.mu.Lock()
			if !j.closed && len(j.buffer) > 0 {
				_ = j.flushLocked()
			}
			j.mu.Unlock()
		}
	}
}

// flushLocked 呼叫者持有 j.mu
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, rec := range j.buffer {
		line, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := j.writer.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]

	if err := j.writer.Flush(); err != nil {
		return err
	}
	if j.opts.SyncOnFlush {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	return nil
}
