// ============================================================================
// Backend Simulator - 分析後端模擬器
// ============================================================================
//
// Package: internal/backendsim
// File: server.go
// Purpose: 以可編排的延遲與故障實作後端分析介面，供測試、demo 與 simulate 指令使用
//
// 每個代碼可設定 Script:
//   - Latency:     unary 回應延遲（整組取最大值）
//   - AgentDelay:  串流中每個代理的耗時
//   - Fail:        故障類型（見 Failure）
//   - FailTimes:   前 N 次請求套用故障，之後恢復正常；0 表示永遠故障
//   - Cached:      串流直接回傳 cached 事件
//
// 歷史紀錄依 analysis_id upsert，只保留最近 10 筆。
//
// ============================================================================

package backendsim

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Failure 故障類型
type Failure string

const (
	FailNone       Failure = ""
	FailAuth       Failure = "auth"       // 401
	FailServer     Failure = "server"     // 500
	FailDisconnect Failure = "disconnect" // 中斷連線（串流在第一個代理之後）
	FailStreamErr  Failure = "stream_error"
	FailMalformed  Failure = "malformed"
	FailUnknown    Failure = "unknown_event" // 夾帶未知事件，不算失敗
	FailStall      Failure = "stall"         // 串流開始後不再送出事件
	FailCache      Failure = "cache"         // 清除快取回 500
)

// Script 單一代碼的行為
type Script struct {
	Latency    time.Duration `yaml:"latency" json:"latency"`
	AgentDelay time.Duration `yaml:"agent_delay" json:"agentDelay"`
	Fail       Failure       `yaml:"fail" json:"fail"`
	FailTimes  int           `yaml:"fail_times" json:"failTimes"`
	Cached     bool          `yaml:"cached" json:"cached"`
}

// historyLimit 每位使用者保留的歷史筆數
const historyLimit = 10

// Options 模擬器選項
type Options struct {
	Token   string // 空字串表示接受任何非空 token
	Default Script
	Scripts map[string]Script
}

// Server 後端模擬器
type Server struct {
	mu      sync.Mutex
	opts    Options
	scripts map[string]Script
	calls   map[string]int // key: 路徑種類 + 代碼
	history []map[string]json.RawMessage
	router  chi.Router
	log     zerolog.Logger
}

// New 建立模擬器
func New(opts Options) *Server {
	s := &Server{
		opts:    opts,
		scripts: make(map[string]Script),
		calls:   make(map[string]int),
		log:     log.With().Str("component", "backendsim").Logger(),
	}
	for t, sc := range opts.Scripts {
		s.scripts[strings.ToUpper(t)] = sc
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/analysis", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/", s.handleUnary)
		r.Get("/stream/{ticker}", s.handleStream)
		r.Delete("/cache", s.handleInvalidate)
		r.Get("/history", s.handleHistoryList)
		r.Post("/history", s.handleHistorySave)
		r.Delete("/history/{id}", s.handleHistoryDelete)
	})
	return r
}

// ServeHTTP 實作 http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetScript 設定代碼的行為
func (s *Server) SetScript(ticker string, sc Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[strings.ToUpper(ticker)] = sc
}

// Calls 回傳呼叫次數；kind 為 unary / stream / invalidate
func (s *Server) Calls(kind, ticker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind+":"+strings.ToUpper(ticker)]
}

// HistoryLen 目前歷史筆數
func (s *Server) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// ============================================================================
// 內部
// ============================================================================

// take 記錄一次呼叫並決定本次是否套用故障
func (s *Server) take(kind, ticker string) Script {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := kind + ":" + ticker
	s.calls[key]++
	n := s.calls[key]

	sc, ok := s.scripts[ticker]
	if !ok {
		sc = s.opts.Default
	}
	if sc.FailTimes > 0 && n > sc.FailTimes {
		sc.Fail = FailNone
	}
	return sc
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || (s.opts.Token != "" && token != s.opts.Token) {
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("backendsim: failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// abort 中斷連線，模擬網路斷線
func abort() {
	panic(http.ErrAbortHandler)
}

// report 產生代碼在指定代理下的報告
func report(ticker, kind string, agents []string, at time.Time) map[string]interface{} {
	rep := map[string]interface{}{
		"generatedAt":  at.UTC().Format(time.RFC3339Nano),
		"analysisKind": kind,
		"agentsUsed":   agents,
	}
	for _, a := range agents {
		rep[a] = section(ticker, a)
	}
	if len(agents) > 0 {
		rep["keyLevels"] = map[string]float64{"support": 100, "resistance": 120}
	}
	return rep
}

func section(ticker, agent string) map[string]interface{} {
	return map[string]interface{}{
		"summary": fmt.Sprintf("%s view on %s", strings.ToLower(agent), ticker),
		"score":   len(ticker) + len(agent),
	}
}

// agentsFor 與客戶端相同的代理順序
func agentsFor(kind string) []string {
	switch kind {
	case "QUICK":
		return []string{"MARKET"}
	case "STANDARD":
		return []string{"MARKET", "SENTIMENT"}
	case "COMPREHENSIVE":
		return []string{"MARKET", "SENTIMENT", "FUNDAMENTAL", "RISK", "STRATEGY"}
	}
	return nil
}

func splitTickers(csv string) []string {
	var out []string
	for _, t := range strings.Split(csv, ",") {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
