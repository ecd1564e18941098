package journal

// ============================================================================
// 日誌工具函式
// 職責：檔案層級的讀取、統計與輸出（CLI journal 指令使用）
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// maxLine 單筆紀錄上限（JOB_COMPLETED 帶完整報告）
const maxLine = 16 << 20

// scan 逐行讀取並驗證紀錄
func scan(r io.Reader, fn func(line int, rec Record) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if !Verify(rec) {
			return &ChecksumError{Seq: rec.Seq, Line: line, Expected: Checksum(rec.Seq, rec.Payload), Actual: rec.Checksum}
		}
		if err := fn(line, rec); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReplayFile 重放日誌檔；遇到損壞或校驗錯誤立即停止
func ReplayFile(path string, handler Handler) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return scan(f, func(_ int, rec Record) error {
		ev, err := rec.Event()
		if err != nil {
			return err
		}
		return handler(rec, ev)
	})
}

// LastRecord 讀取最後一筆紀錄（Open 接續 seq 用）
func LastRecord(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var last *Record
	err = scan(f, func(_ int, rec Record) error {
		r := rec
		last = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmpty
	}
	return last, nil
}

// Stats 日誌統計
type Stats struct {
	TotalRecords int
	EventTypes   map[types.EventType]int
	Jobs         int
	FirstSeq     uint64
	LastSeq      uint64
	TimeRange    [2]time.Time
}

// GetStats 掃描整個日誌並統計
func GetStats(path string) (*Stats, error) {
	stats := &Stats{EventTypes: make(map[types.EventType]int)}
	jobs := make(map[types.JobID]bool)

	err := ReplayFile(path, func(rec Record, ev types.Event) error {
		if stats.TotalRecords == 0 {
			stats.FirstSeq = rec.Seq
			stats.TimeRange[0] = time.UnixMilli(rec.Timestamp)
		}
		stats.TotalRecords++
		stats.LastSeq = rec.Seq
		stats.TimeRange[1] = time.UnixMilli(rec.Timestamp)
		stats.EventTypes[ev.Type]++
		if ev.JobID != "" {
			jobs[ev.JobID] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.Jobs = len(jobs)
	return stats, nil
}

// Dump 以人類可讀格式輸出日誌，可只列出單一任務
func Dump(path string, jobID types.JobID, w io.Writer) error {
	return ReplayFile(path, func(rec Record, ev types.Event) error {
		if jobID != "" && ev.JobID != jobID {
			return nil
		}
		at := time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339Nano)
		detail := ""
		switch {
		case ev.Ticker != "" && ev.Agent != "":
			detail = fmt.Sprintf(" %s/%s", ev.Ticker, ev.Agent)
		case ev.Ticker != "":
			detail = " " + string(ev.Ticker)
		}
		if ev.Error != "" {
			detail += " error=" + string(ev.Error)
		}
		if ev.Type == types.EvProgress {
			detail += fmt.Sprintf(" progress=%.2f phase=%s", ev.GlobalProgress, ev.Phase)
		}
		_, err := fmt.Fprintf(w, "[%d] %s %s %s%s\n", rec.Seq, at, ev.Type, ev.JobID, detail)
		return err
	})
}
