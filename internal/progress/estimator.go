// ============================================================================
// Progress Estimator - 合成進度曲線
// ============================================================================
//
// Package: internal/progress
// File: estimator.go
// Purpose: 沒有串流資料時，依經過時間推估進度
//
// 演算法:
//   每種分析類型有一張固定的階段表，每個階段有累計目標進度與
//   到達時間（佔預期耗時的比例）。給定 elapsed：
//   1. 找出目前所在階段
//   2. 在前一階段與本階段的目標之間線性內插
//   3. 上限 0.98（0.99 ~ 1.00 保留給真正完成）
//
//   QUICK (30s):          initialize .10@10%  gather .40@40%  technical .80@80%  synthesis .98@100%
//   STANDARD (60s):       initialize .05@5%   gather .30@30%  technical .55@55%  sentiment .80@80%
//                         synthesis .98@100%
//   COMPREHENSIVE (120s): initialize .05@5%   gather .25@25%  technical .45@45%  fundamentals .65@65%
//                         sentiment .80@80%   risk .90@90%    synthesis .98@100%
//
// 純函式：不做 I/O、不讀時鐘，呼叫端提供 elapsed。
//
// ============================================================================

package progress

import (
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// Ceiling 推估進度的上限
const Ceiling = 0.98

// Phase 階段定義
type Phase struct {
	Name   string
	Target float64 // 累計目標進度
	At     float64 // 到達時間，佔預期耗時的比例
}

// Estimate 推估結果
type Estimate struct {
	Progress float64
	Phase    string
}

var tables = map[types.AnalysisKind][]Phase{
	types.KindQuick: {
		{"initialize", 0.10, 0.10},
		{"gather", 0.40, 0.40},
		{"technical", 0.80, 0.80},
		{"synthesis", 0.98, 1.00},
	},
	types.KindStandard: {
		{"initialize", 0.05, 0.05},
		{"gather", 0.30, 0.30},
		{"technical", 0.55, 0.55},
		{"sentiment", 0.80, 0.80},
		{"synthesis", 0.98, 1.00},
	},
	types.KindComprehensive: {
		{"initialize", 0.05, 0.05},
		{"gather", 0.25, 0.25},
		{"technical", 0.45, 0.45},
		{"fundamentals", 0.65, 0.65},
		{"sentiment", 0.80, 0.80},
		{"risk", 0.90, 0.90},
		{"synthesis", 0.98, 1.00},
	},
}

// Phases 回傳指定類型的階段表副本
func Phases(kind types.AnalysisKind) []Phase {
	return append([]Phase(nil), tables[kind]...)
}

// Estimator 以代碼數量縮放預期耗時的推估器
type Estimator struct {
	scale float64
}

// New 建立推估器，預期耗時乘以 tickers（至少 1）
func New(tickers int) Estimator {
	if tickers < 1 {
		tickers = 1
	}
	return Estimator{scale: float64(tickers)}
}

// Estimate 推估 elapsed 時的進度
func (e Estimator) Estimate(elapsed time.Duration, kind types.AnalysisKind) Estimate {
	scale := e.scale
	if scale <= 0 {
		scale = 1
	}
	total := time.Duration(float64(kind.ExpectedDuration()) * scale)
	return estimate(elapsed, total, tables[kind])
}

// EstimateFor 單一代碼的推估
func EstimateFor(elapsed time.Duration, kind types.AnalysisKind) Estimate {
	return New(1).Estimate(elapsed, kind)
}

func estimate(elapsed, total time.Duration, phases []Phase) Estimate {
	if len(phases) == 0 || total <= 0 {
		return Estimate{}
	}
	if elapsed <= 0 {
		return Estimate{Progress: 0, Phase: phases[0].Name}
	}

	frac := float64(elapsed) / float64(total)
	prevTarget, prevAt := 0.0, 0.0
	for _, p := range phases {
		if frac < p.At {
			span := p.At - prevAt
			ratio := 0.0
			if span > 0 {
				ratio = (frac - prevAt) / span
			}
			return Estimate{
				Progress: clamp(prevTarget + (p.Target-prevTarget)*ratio),
				Phase:    p.Name,
			}
		}
		prevTarget, prevAt = p.Target, p.At
	}

	last := phases[len(phases)-1]
	return Estimate{Progress: clamp(last.Target), Phase: last.Name}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > Ceiling {
		return Ceiling
	}
	return v
}
