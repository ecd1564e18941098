package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/internal/faults"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// EventKind 串流事件種類
type EventKind string

const (
	EventCached      EventKind = "cached"
	EventStart       EventKind = "start"
	EventAgentStart  EventKind = "agent_start"
	EventAgentResult EventKind = "agent_result"
	EventComplete    EventKind = "complete"
	EventError       EventKind = "error"
)

func (k EventKind) known() bool {
	switch k {
	case EventCached, EventStart, EventAgentStart, EventAgentResult, EventComplete, EventError:
		return true
	}
	return false
}

// StreamEvent 一行 NDJSON
type StreamEvent struct {
	Kind    EventKind       `json:"kind"`
	Ticker  types.Ticker    `json:"ticker,omitempty"`
	Agent   types.AgentID   `json:"agent,omitempty"`
	Partial types.RawValue  `json:"partial,omitempty"`
	Report  *types.Report   `json:"report,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    types.ErrorKind `json:"code,omitempty"`
}

// ErrorKind error 事件的分類，未指定時為 SERVER
func (e StreamEvent) ErrorKind() types.ErrorKind {
	if e.Code != "" {
		return e.Code
	}
	return types.ErrServer
}

// maxLine 單行上限（完整報告可能很大）
const maxLine = 8 << 20

// Stream 單一代碼的事件串流
//
// Recv 在 complete 或 error 事件之後回傳 io.EOF。
// 不可同時由多個 goroutine 呼叫 Recv。
type Stream struct {
	ticker  types.Ticker
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	ctx     context.Context

	idle    time.Duration
	mu      sync.Mutex
	timer   *time.Timer
	expired bool

	open types.AgentID
	done bool
	err  error
}

// StreamReport 開啟代碼的事件串流
func (c *Client) StreamReport(ctx context.Context, ticker types.Ticker, kind types.AnalysisKind, token string) (*Stream, error) {
	const op = "stream"
	if token == "" {
		return nil, faults.Newf(types.ErrAuth, op, "missing credential").WithTicker(ticker)
	}

	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.request(ctx, token).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "application/x-ndjson").
		SetPathParam("ticker", string(ticker)).
		SetQueryParam("kind", string(kind)).
		Get("/analysis/stream/{ticker}")
	if err != nil {
		cancel()
		fe := faults.Wrap(op, err)
		return nil, withTicker(fe, ticker)
	}

	body := resp.RawBody()
	if kind := faults.FromStatus(resp.StatusCode()); kind != "" {
		payload, _ := io.ReadAll(io.LimitReader(body, 4096))
		body.Close()
		cancel()
		return nil, &faults.Error{Kind: kind, Op: op, Ticker: ticker, Status: resp.StatusCode(), Err: bodyError(payload)}
	}

	s := &Stream{
		ticker:  ticker,
		body:    body,
		scanner: bufio.NewScanner(body),
		cancel:  cancel,
		ctx:     ctx,
		idle:    c.opts.StreamIdle,
	}
	s.scanner.Buffer(make([]byte, 64*1024), maxLine)
	s.timer = time.AfterFunc(s.idle, s.expire)
	return s, nil
}

// expire 閒置逾時：關閉 body 讓阻塞中的讀取返回
func (s *Stream) expire() {
	s.mu.Lock()
	s.expired = true
	s.mu.Unlock()
	s.cancel()
	s.body.Close()
}

func (s *Stream) isExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// Ticker 串流對應的代碼
func (s *Stream) Ticker() types.Ticker {
	return s.ticker
}

// Recv 讀取下一個事件
func (s *Stream) Recv() (StreamEvent, error) {
	const op = "stream"
	if s.err != nil {
		return StreamEvent{}, s.err
	}
	if s.done {
		return StreamEvent{}, io.EOF
	}

	for {
		if !s.scanner.Scan() {
			return StreamEvent{}, s.fail(s.scanErr())
		}
		s.timer.Reset(s.idle)

		line := s.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return StreamEvent{}, s.fail(faults.New(types.ErrProtocol, op, err).WithTicker(s.ticker))
		}
		if !ev.Kind.known() {
			continue
		}
		if ev.Ticker == "" {
			ev.Ticker = s.ticker
		}

		switch ev.Kind {
		case EventAgentStart:
			if ev.Agent == "" {
				return StreamEvent{}, s.fail(faults.Newf(types.ErrProtocol, op, "agent_start without agent").WithTicker(s.ticker))
			}
			s.open = ev.Agent
		case EventAgentResult:
			if ev.Agent == "" || ev.Agent != s.open {
				return StreamEvent{}, s.fail(faults.Newf(types.ErrProtocol, op, "agent_result %q without matching agent_start", ev.Agent).WithTicker(s.ticker))
			}
			s.open = ""
		case EventComplete, EventCached:
			if ev.Report == nil {
				return StreamEvent{}, s.fail(faults.Newf(types.ErrProtocol, op, "%s without report", ev.Kind).WithTicker(s.ticker))
			}
			if ev.Kind == EventComplete {
				s.finish()
			}
		case EventError:
			s.finish()
		}
		return ev, nil
	}
}

// scanErr 依結束原因分類
func (s *Stream) scanErr() error {
	const op = "stream"
	switch {
	case s.isExpired():
		return faults.Newf(types.ErrTimeout, op, "no event for %s", s.idle).WithTicker(s.ticker)
	case s.ctx.Err() != nil:
		return withTicker(faults.Wrap(op, s.ctx.Err()), s.ticker)
	case s.scanner.Err() != nil:
		if errors.Is(s.scanner.Err(), bufio.ErrTooLong) {
			return faults.New(types.ErrProtocol, op, s.scanner.Err()).WithTicker(s.ticker)
		}
		return withTicker(faults.Wrap(op, s.scanner.Err()), s.ticker)
	}
	// 在 complete/error 之前就結束
	return faults.New(types.ErrNetwork, op, io.ErrUnexpectedEOF).WithTicker(s.ticker)
}

func (s *Stream) fail(err error) error {
	s.err = err
	s.Close()
	return err
}

func (s *Stream) finish() {
	s.done = true
	s.Close()
}

// Close 中止串流，可重複呼叫
func (s *Stream) Close() error {
	s.timer.Stop()
	s.cancel()
	return s.body.Close()
}

func withTicker(err error, t types.Ticker) error {
	var fe *faults.Error
	if errors.As(err, &fe) && fe.Ticker == "" {
		fe.Ticker = t
	}
	return err
}
