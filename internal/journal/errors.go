package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted 日誌行無法解析
	ErrCorrupted = errors.New("journal: record is corrupted")
	// ErrChecksumMismatch 校驗和不符（資料損毀或遭竄改）
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	// ErrEmpty 日誌檔為空
	ErrEmpty = errors.New("journal: file is empty")
	// ErrClosed 日誌已關閉
	ErrClosed = errors.New("journal: already closed")
	// ErrSyncFailed fsync 失敗
	ErrSyncFailed = errors.New("journal: sync to disk failed")
)

// ChecksumError 校驗和錯誤的詳細資訊
type ChecksumError struct {
	Seq      uint64
	Line     int
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d line=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Line, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError 無法解析的日誌行
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() []error {
	return []error{ErrCorrupted, e.Cause}
}
