package backendsim

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleUnary GET /analysis?tickers=CSV&kind=KIND
func (s *Server) handleUnary(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	agents := agentsFor(kind)
	tickers := splitTickers(r.URL.Query().Get("tickers"))
	if agents == nil || len(tickers) == 0 {
		writeError(w, http.StatusBadRequest, "tickers and kind are required")
		return
	}

	var latency time.Duration
	var fail Failure
	for _, t := range tickers {
		sc := s.take("unary", t)
		if sc.Latency > latency {
			latency = sc.Latency
		}
		if fail == FailNone && sc.Fail != FailNone {
			fail = sc.Fail
		}
	}

	select {
	case <-time.After(latency):
	case <-r.Context().Done():
		return
	}

	switch fail {
	case FailAuth:
		writeError(w, http.StatusUnauthorized, "token expired")
		return
	case FailServer, FailStreamErr:
		writeError(w, http.StatusInternalServerError, "analysis crew failed")
		return
	case FailDisconnect:
		abort()
	case FailMalformed:
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reports": {`))
		return
	case FailStall:
		<-r.Context().Done()
		return
	}

	now := time.Now()
	reports := make(map[string]interface{}, len(tickers))
	for _, t := range tickers {
		reports[t] = report(t, kind, agents, now)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
		"summary": map[string]interface{}{"tickers": len(tickers), "kind": kind},
	})
}

// handleStream GET /analysis/stream/{ticker}?kind=KIND
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	kind := r.URL.Query().Get("kind")
	agents := agentsFor(kind)
	if agents == nil {
		writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}

	sc := s.take("stream", ticker)
	switch sc.Fail {
	case FailAuth:
		writeError(w, http.StatusUnauthorized, "token expired")
		return
	case FailServer:
		writeError(w, http.StatusInternalServerError, "analysis crew failed")
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	send := func(v interface{}) {
		if err := enc.Encode(v); err != nil {
			s.log.Debug().Err(err).Str("ticker", ticker).Msg("stream write failed")
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	wait := func(d time.Duration) bool {
		select {
		case <-time.After(d):
			return true
		case <-r.Context().Done():
			return false
		}
	}

	if sc.Cached {
		send(map[string]interface{}{"kind": "cached", "ticker": ticker, "report": report(ticker, kind, agents, time.Now())})
		return
	}

	send(map[string]interface{}{"kind": "start", "ticker": ticker})
	if sc.Fail == FailStall {
		<-r.Context().Done()
		return
	}

	for i, agent := range agents {
		send(map[string]interface{}{"kind": "agent_start", "agent": agent})
		if !wait(sc.AgentDelay) {
			return
		}
		send(map[string]interface{}{"kind": "agent_result", "agent": agent, "partial": section(ticker, agent)})

		if i == 0 {
			switch sc.Fail {
			case FailDisconnect:
				abort()
			case FailStreamErr:
				send(map[string]interface{}{"kind": "error", "error": "agent crashed"})
				return
			case FailMalformed:
				w.Write([]byte("{\"kind\": \"agent_start\", \n"))
				if flusher != nil {
					flusher.Flush()
				}
				return
			}
		}
		if sc.Fail == FailUnknown {
			send(map[string]interface{}{"kind": "heartbeat", "at": time.Now().Unix()})
		}
	}

	send(map[string]interface{}{"kind": "complete", "report": report(ticker, kind, agents, time.Now())})
}

// handleInvalidate DELETE /analysis/cache?ticker=T
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(r.URL.Query().Get("ticker"))
	sc := s.take("invalidate", ticker)
	if sc.Fail == FailCache {
		writeError(w, http.StatusInternalServerError, "cache unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistoryList GET /analysis/history
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]map[string]json.RawMessage, 0, len(s.history))
	for _, rec := range s.history {
		c := make(map[string]json.RawMessage, len(rec)+1)
		for k, v := range rec {
			if k == "analysis_id" {
				c["id"] = v
				continue
			}
			c[k] = v
		}
		out = append(out, c)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

// handleHistorySave POST /analysis/history
func (s *Server) handleHistorySave(w http.ResponseWriter, r *http.Request) {
	var rec map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	id := rec["analysis_id"]
	if len(id) == 0 {
		writeError(w, http.StatusBadRequest, "analysis_id is required")
		return
	}

	s.mu.Lock()
	kept := make([]map[string]json.RawMessage, 0, len(s.history)+1)
	kept = append(kept, rec)
	for _, old := range s.history {
		if string(old["analysis_id"]) != string(id) {
			kept = append(kept, old)
		}
	}
	if len(kept) > historyLimit {
		kept = kept[:historyLimit]
	}
	s.history = kept
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Analysis saved successfully"})
}

// handleHistoryDelete DELETE /analysis/history/{id}
func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	want, _ := json.Marshal(id)

	s.mu.Lock()
	idx := -1
	for i, rec := range s.history {
		if string(rec["analysis_id"]) == string(want) {
			idx = i
			break
		}
	}
	if idx >= 0 {
		s.history = append(s.history[:idx], s.history[idx+1:]...)
	}
	s.mu.Unlock()

	if idx < 0 {
		writeError(w, http.StatusNotFound, "Analysis not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
