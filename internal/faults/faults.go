// ============================================================================
// Error Taxonomy - 錯誤分類
// ============================================================================
//
// Package: internal/faults
// File: faults.go
// Purpose: 將傳輸、儲存與協定錯誤統一歸類為 types.ErrorKind
//
// 分類規則:
//   - *Error 直接帶有 Kind
//   - context.Canceled          → CANCELLED
//   - context.DeadlineExceeded  → TIMEOUT
//   - net.Error (Timeout)       → TIMEOUT
//   - 其他 net / io 中斷         → NETWORK
//   - HTTP 401/403 → AUTH, 408/504 → TIMEOUT, 5xx → SERVER, 其他 4xx → PROTOCOL
//
// 重試與否不在這裡決定，見 internal/retry。
//
// ============================================================================

package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// Error 帶分類的錯誤
type Error struct {
	Kind   types.ErrorKind // 錯誤分類
	Op     string          // 發生錯誤的操作（request, stream, invalidate...）
	Ticker types.Ticker    // 相關代碼（可為空）
	Status int             // HTTP 狀態碼（若有）
	Err    error           // 底層錯誤
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Ticker != "" {
		msg += " [" + string(e.Ticker) + "]"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 讓 errors.Is(err, &Error{Kind: X}) 依分類比對
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// New 建立分類錯誤
func New(kind types.ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf 以格式化訊息建立分類錯誤
func Newf(kind types.ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithTicker 附上代碼
func (e *Error) WithTicker(t types.Ticker) *Error {
	e.Ticker = t
	return e
}

// Wrap 以 KindOf 的分類包裝任意錯誤，已分類的錯誤原樣返回
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf 對任意錯誤進行分類，nil 回傳空字串
func KindOf(err error) types.ErrorKind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return types.ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return types.ErrTimeout
		}
		return types.ErrNetwork
	}

	// 連線中斷（io.ErrUnexpectedEOF 等）與其他未知錯誤皆視為傳輸失敗
	return types.ErrNetwork
}

// FromStatus 將 HTTP 狀態碼對應到錯誤分類，2xx 回傳空字串
func FromStatus(code int) types.ErrorKind {
	switch {
	case code >= 200 && code < 300:
		return ""
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.ErrAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return types.ErrTimeout
	case code >= 500:
		return types.ErrServer
	default:
		return types.ErrProtocol
	}
}

// IsJobWide 此分類是否讓整個任務的未完成工作失效
func IsJobWide(kind types.ErrorKind) bool {
	return kind == types.ErrAuth
}
