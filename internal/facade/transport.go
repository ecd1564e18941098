package facade

import (
	"context"
	"errors"

	"github.com/ChuLiYu/analysis-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// Transport facade 與 orchestrator 之間的通道
//
// Events 只能有一個消費者；Close 後 Events 會被關閉。
type Transport interface {
	Send(ctx context.Context, cmd types.Command) error
	Events() <-chan types.Event
	Close() error
}

// Local 同一個行程內的 orchestrator
type Local struct {
	orch *orchestrator.Orchestrator
}

// NewLocal 包裝已啟動的 orchestrator；Close 會停止它
func NewLocal(orch *orchestrator.Orchestrator) *Local {
	return &Local{orch: orch}
}

// Send 轉送指令
func (l *Local) Send(ctx context.Context, cmd types.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.orch.Send(cmd)
}

// Events orchestrator 的事件輸出
func (l *Local) Events() <-chan types.Event {
	return l.orch.Events()
}

// Close 停止 orchestrator
func (l *Local) Close() error {
	l.orch.Stop()
	return nil
}

// ============================================================================
// 錯誤代碼（跨行程傳遞用）
// ============================================================================

var (
	// ErrInvalidRequest 請求驗證失敗
	ErrInvalidRequest = orchestrator.ErrInvalidCommand
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = orchestrator.ErrJobNotFound
	// ErrDuplicateJob 任務 ID 重複
	ErrDuplicateJob = orchestrator.ErrDuplicateJob
	// ErrNotOwner 任務由其他實例驅動
	ErrNotOwner = orchestrator.ErrNotOwner
	// ErrNotStreaming 單一代碼取消只適用於串流任務
	ErrNotStreaming = orchestrator.ErrNotStreaming
	// ErrUnknownTicker 代碼不屬於該任務
	ErrUnknownTicker = orchestrator.ErrUnknownTicker
	// ErrClosed facade 或 orchestrator 已關閉
	ErrClosed = orchestrator.ErrStopped
)

var codes = []struct {
	code string
	err  error
}{
	{"invalid", ErrInvalidRequest},
	{"not_found", ErrJobNotFound},
	{"duplicate", ErrDuplicateJob},
	{"not_owner", ErrNotOwner},
	{"not_streaming", ErrNotStreaming},
	{"unknown_ticker", ErrUnknownTicker},
	{"closed", ErrClosed},
	{"not_started", orchestrator.ErrNotStarted},
}

// Code 將錯誤轉為穩定的代碼字串；nil 回傳空字串
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// FromCode Code 的反向：還原為可用 errors.Is 比對的錯誤
func FromCode(code, message string) error {
	if code == "" {
		return nil
	}
	for _, c := range codes {
		if c.code == code {
			if message == "" || message == c.err.Error() {
				return c.err
			}
			return &remoteError{err: c.err, msg: message}
		}
	}
	return errors.New(message)
}

type remoteError struct {
	err error
	msg string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.err }
