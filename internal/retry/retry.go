// Package retry 將「是否重試、等多久」從控制流程中抽出成策略物件
package retry

import (
	"context"
	"math"
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/internal/faults"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// Strategy 決定重試間隔與是否重試
type Strategy interface {
	NextDelay(attempt int) time.Duration
	ShouldRetry(attempt int, err error) bool
}

// ExponentialBackoff 指數退避：Initial * Multiplier^attempt，上限 MaxDelay
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextDelay 計算第 attempt 次重試前的等待時間（attempt 從 0 開始）
func (e ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialDelay) * math.Pow(e.Multiplier, float64(attempt))
	if e.MaxDelay > 0 && delay > float64(e.MaxDelay) {
		return e.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry 只重試 NETWORK 與 TIMEOUT
func (e ExponentialBackoff) ShouldRetry(_ int, err error) bool {
	return Retryable(faults.KindOf(err))
}

// Retryable 分類是否可重試
func Retryable(kind types.ErrorKind) bool {
	return kind == types.ErrNetwork || kind == types.ErrTimeout
}

// Policy 重試策略
type Policy struct {
	MaxRetries int
	Strategy   Strategy
}

// DefaultPolicy 最多重試兩次，間隔 1s、3s
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		Strategy: ExponentialBackoff{
			InitialDelay: time.Second,
			MaxDelay:     3 * time.Second,
			Multiplier:   3,
		},
	}
}

// Scaled 回傳間隔按比例縮放的策略（測試用）
func (p Policy) Scaled(factor float64) Policy {
	eb, ok := p.Strategy.(ExponentialBackoff)
	if !ok {
		return p
	}
	eb.InitialDelay = time.Duration(float64(eb.InitialDelay) * factor)
	eb.MaxDelay = time.Duration(float64(eb.MaxDelay) * factor)
	p.Strategy = eb
	return p
}

// Do 執行 op，依策略重試；等待期間若 ctx 取消，回傳 CANCELLED
//
// onRetry 於每次等待前呼叫，可為 nil。
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), onRetry func(attempt int, err error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= p.MaxRetries || p.Strategy == nil || !p.Strategy.ShouldRetry(attempt, err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, faults.New(types.ErrCancelled, "retry", ctx.Err())
		}

		delay := p.Strategy.NextDelay(attempt)
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, faults.New(types.ErrCancelled, "retry", ctx.Err())
		}
	}
}
