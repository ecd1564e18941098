// ============================================================================
// Orchestrator Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 將 orchestrator 事件、重試與儲存層狀況轉為 Prometheus 指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - orchestrator_events_total{type}: 送出的事件數
//      - orchestrator_jobs_total{kind,outcome}: 結束的任務數
//      - orchestrator_tickers_total{outcome}: 結束的代碼數（outcome 為 completed 或錯誤分類）
//      - orchestrator_retries_total{op,kind}: 傳輸重試次數
//      - orchestrator_downgrades_total: COMPREHENSIVE 降級次數
//      - orchestrator_store_writes_total{codec} / orchestrator_store_bytes_total{codec}
//      - orchestrator_store_full_total / orchestrator_store_corrupt_total
//
//   2. 分佈 (Histogram)：
//      - orchestrator_job_duration_seconds{kind}: 開始到結束的時間
//
//   3. 瞬時值 (Gauge)：
//      - orchestrator_jobs_running: 本實例正在執行的任務數
//
// Prometheus 查詢示例:
//
//   # 任務失敗率
//   sum(rate(orchestrator_jobs_total{outcome="FAILED"}[5m])) / sum(rate(orchestrator_jobs_total[5m]))
//
//   # 95 分位耗時
//   histogram_quantile(0.95, sum by (le, kind) (rate(orchestrator_job_duration_seconds_bucket[5m])))
//
// ============================================================================

package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

const namespace = "orchestrator"

// Collector Prometheus 指標收集器
//
// 同時滿足 orchestrator.Metrics 與 store.Observer。
type Collector struct {
	events     *prometheus.CounterVec
	jobs       *prometheus.CounterVec
	tickers    *prometheus.CounterVec
	retries    *prometheus.CounterVec
	downgrades prometheus.Counter

	storeWrites  *prometheus.CounterVec
	storeBytes   *prometheus.CounterVec
	storeFull    prometheus.Counter
	storeCorrupt prometheus.Counter

	duration *prometheus.HistogramVec
	running  prometheus.Gauge

	gatherer prometheus.Gatherer

	mu   sync.Mutex
	live map[types.JobID]bool // 已計入 running 的任務
}

// NewCollector 建立收集器並註冊到 reg；reg 為 nil 時使用新的 Registry
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events emitted by the orchestrator, by type",
		}, []string{"type"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs that reached a terminal status",
		}, []string{"kind", "outcome"}),
		tickers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickers_total",
			Help:      "Tickers that finished, by outcome",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Transport retries, by operation and error kind",
		}, []string{"op", "kind"}),
		downgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downgrades_total",
			Help:      "COMPREHENSIVE requests downgraded to STANDARD",
		}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Successful job store writes",
		}, []string{"codec"}),
		storeBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_bytes_total",
			Help:      "Bytes written to the job store",
		}, []string{"codec"}),
		storeFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_full_total",
			Help:      "Writes rejected because the store quota was exceeded",
		}),
		storeCorrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_corrupt_total",
			Help:      "Corrupted job records discarded on load",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from job start to terminal status",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"kind"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently driven by this instance",
		}),
		gatherer: reg,
		live:     make(map[types.JobID]bool),
	}

	reg.MustRegister(
		c.events, c.jobs, c.tickers, c.retries, c.downgrades,
		c.storeWrites, c.storeBytes, c.storeFull, c.storeCorrupt,
		c.duration, c.running,
	)
	return c
}

// ============================================================================
// orchestrator.Metrics
// ============================================================================

// ObserveEvent 依事件種類更新指標
func (c *Collector) ObserveEvent(ev types.Event) {
	c.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case types.EvJobStarted:
		c.mu.Lock()
		if !c.live[ev.JobID] {
			c.live[ev.JobID] = true
			c.running.Inc()
		}
		c.mu.Unlock()
		if ev.Job != nil && ev.Job.HasNotice(types.ErrDowngraded) {
			c.downgrades.Inc()
		}

	case types.EvTickerCompleted:
		c.tickers.WithLabelValues("completed").Inc()

	case types.EvTickerFailed:
		c.tickers.WithLabelValues(string(ev.Error)).Inc()

	case types.EvJobCompleted, types.EvJobCancelled, types.EvJobFailed:
		c.mu.Lock()
		if c.live[ev.JobID] {
			delete(c.live, ev.JobID)
			c.running.Dec()
		}
		c.mu.Unlock()
		c.observeTerminal(ev)
	}
}

// ObserveRetry 記錄一次重試
func (c *Collector) ObserveRetry(op string, kind types.ErrorKind) {
	c.retries.WithLabelValues(op, string(kind)).Inc()
}

func (c *Collector) observeTerminal(ev types.Event) {
	job := ev.Job
	if job == nil {
		return
	}
	c.jobs.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	if job.StartedAt != nil && job.FinishedAt != nil {
		c.duration.WithLabelValues(string(job.Kind)).Observe(job.FinishedAt.Sub(*job.StartedAt).Seconds())
	}
}

// ============================================================================
// store.Observer
// ============================================================================

// StoreWrite 記錄一次成功寫入
func (c *Collector) StoreWrite(codec string, bytes int) {
	c.storeWrites.WithLabelValues(codec).Inc()
	c.storeBytes.WithLabelValues(codec).Add(float64(bytes))
}

// StoreFull 記錄一次容量不足
func (c *Collector) StoreFull() {
	c.storeFull.Inc()
}

// StoreCorrupt 記錄載入時丟棄的損壞紀錄
func (c *Collector) StoreCorrupt(n int) {
	c.storeCorrupt.Add(float64(n))
}

// ============================================================================
// HTTP
// ============================================================================

// Handler 回傳 /metrics 端點
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Running 目前計入的執行中任務數
func (c *Collector) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}
