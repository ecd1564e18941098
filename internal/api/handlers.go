package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ChuLiYu/analysis-orchestrator/internal/facade"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

const (
	eventQueueSize = 256
	writeTimeout   = 10 * time.Second
)

// startRequest POST /api/jobs
type startRequest struct {
	Tickers    []types.Ticker     `json:"tickers"`
	Kind       types.AnalysisKind `json:"kind"`
	Mode       types.AnalysisMode `json:"mode,omitempty"`
	Background bool               `json:"background,omitempty"`
}

type startResponse struct {
	JobID types.JobID `json:"jobId"`
}

func jobID(r *http.Request) types.JobID {
	return types.JobID(chi.URLParam(r, "id"))
}

func ticker(r *http.Request) types.Ticker {
	return types.NormalizeTicker(chi.URLParam(r, "ticker"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", facade.ErrInvalidRequest, err))
		return
	}

	id, err := s.facade.Start(r.Context(), types.JobSpec{
		Tickers:    req.Tickers,
		Kind:       req.Kind,
		Mode:       req.Mode,
		Background: req.Background,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, startResponse{JobID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs := s.facade.List()
	if jobs == nil {
		jobs = []*types.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.facade.Get(jobID(r))
	if !ok {
		s.writeError(w, facade.ErrJobNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// command 執行不回傳內容的指令
func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) error) {
	if err := fn(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context) error { return s.facade.Cancel(ctx, jobID(r)) })
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.facade.ClearAll)
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context) error { return s.facade.CheckStatus(ctx, jobID(r)) })
}

func (s *Server) handleCancelTicker(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context) error { return s.facade.CancelTicker(ctx, jobID(r), ticker(r)) })
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(ctx context.Context) error { return s.facade.Rerun(ctx, jobID(r), ticker(r)) })
}

// ============================================================================
// WebSocket 事件推播
// ============================================================================

// handleEvents 先送出任務快照（JOB_STATUS），之後轉發該任務的事件，終止事件後關閉
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := jobID(r)

	queue := make(chan types.Event, eventQueueSize)
	overflow := make(chan struct{})
	var overflowed bool
	snapshot, unsubscribe := s.facade.Attach(func(ev types.Event) {
		if ev.JobID != id || overflowed {
			return
		}
		select {
		case queue <- ev:
		default:
			overflowed = true
			close(overflow)
		}
	})
	defer unsubscribe()

	var job *types.Job
	for _, j := range snapshot {
		if j.ID == id {
			job = j
			break
		}
	}
	if job == nil {
		s.writeError(w, facade.ErrJobNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", string(id)).Msg("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	// 不讀取客戶端訊息；對方關閉時 ctx 取消
	ctx := conn.CloseRead(r.Context())

	first := types.Event{Type: types.EvJobStatus, JobID: id, GlobalProgress: job.GlobalProgress, Job: job}
	if err := s.writeEvent(ctx, conn, first); err != nil {
		return
	}
	if job.IsTerminal() {
		conn.Close(websocket.StatusNormalClosure, "job finished")
		return
	}

	for {
		select {
		case ev := <-queue:
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				return
			}
			if ev.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
		case <-overflow:
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev types.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, ev); err != nil {
		s.log.Debug().Err(err).Str("job_id", string(ev.JobID)).Msg("websocket write failed")
		return err
	}
	return nil
}
