// ============================================================================
// RemoteAnalysisClient - 後端分析服務的唯一出入口
// ============================================================================
//
// Package: internal/remote
// File: client.go
// Purpose: 封裝後端 HTTP 介面；分類錯誤但絕不自動重試（重試由 orchestrator 決定）
//
// 後端介面:
//   GET    /analysis?tickers=CSV&kind=KIND      一次取得整組報告（unary）
//   GET    /analysis/stream/{ticker}?kind=KIND  NDJSON 事件串流
//   DELETE /analysis/cache?ticker=T             清除後端快取
//   GET    /analysis/history                    已完成任務
//   POST   /analysis/history                    儲存任務
//   DELETE /analysis/history/{id}               刪除任務
//
// 逾時:
//   unary 整體上限 10 分鐘；串流 5 分鐘沒有新的一行即 TIMEOUT
//
// ============================================================================

package remote

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ChuLiYu/analysis-orchestrator/internal/faults"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

const (
	// DefaultUnaryTimeout unary 請求上限（與後端一致）
	DefaultUnaryTimeout = 10 * time.Minute
	// DefaultStreamIdle 串流閒置上限
	DefaultStreamIdle = 5 * time.Minute
)

// Options 客戶端選項
type Options struct {
	BaseURL      string
	UnaryTimeout time.Duration
	StreamIdle   time.Duration
	UserAgent    string
}

// Client RemoteAnalysisClient
type Client struct {
	http *resty.Client
	opts Options
}

// UnaryResult GET /analysis 的回應
type UnaryResult struct {
	Reports    map[types.Ticker]*types.Report `json:"reports"`
	Summary    types.RawValue                 `json:"summary,omitempty"`
	Comparison types.RawValue                 `json:"comparison,omitempty"`
}

// New 建立客戶端
func New(opts Options) *Client {
	if opts.UnaryTimeout <= 0 {
		opts.UnaryTimeout = DefaultUnaryTimeout
	}
	if opts.StreamIdle <= 0 {
		opts.StreamIdle = DefaultStreamIdle
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	client.SetHeader("Accept", "application/json")
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	// 重試由 orchestrator 的策略決定
	client.SetRetryCount(0)

	return &Client{http: client, opts: opts}
}

// BaseURL 後端位址
func (c *Client) BaseURL() string {
	return c.http.BaseURL
}

// request 帶上 ctx 與 bearer token 的請求
func (c *Client) request(ctx context.Context, token string) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if token != "" {
		req.SetAuthToken(token)
	}
	return req
}

// RequestReport 一次請求整組代碼的報告
func (c *Client) RequestReport(ctx context.Context, tickers []types.Ticker, kind types.AnalysisKind, token string) (*UnaryResult, error) {
	const op = "request"
	if token == "" {
		return nil, faults.Newf(types.ErrAuth, op, "missing credential")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.UnaryTimeout)
	defer cancel()

	names := make([]string, len(tickers))
	for i, t := range tickers {
		names[i] = string(t)
	}

	resp, err := c.request(ctx, token).
		SetQueryParams(map[string]string{
			"tickers": strings.Join(names, ","),
			"kind":    string(kind),
		}).
		Get("/analysis")
	if err != nil {
		return nil, faults.Wrap(op, err)
	}
	if err := checkStatus(op, resp); err != nil {
		return nil, err
	}

	var result UnaryResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, faults.New(types.ErrProtocol, op, err)
	}
	if result.Reports == nil {
		result.Reports = make(map[types.Ticker]*types.Report)
	}
	return &result, nil
}

// InvalidateCache 清除後端快取；ticker 為空時清除全部
//
// 任何失敗都歸類為 CACHE。
func (c *Client) InvalidateCache(ctx context.Context, ticker types.Ticker, token string) error {
	const op = "invalidate"
	req := c.request(ctx, token)
	if ticker != "" {
		req.SetQueryParam("ticker", string(ticker))
	}

	resp, err := req.Delete("/analysis/cache")
	if err != nil {
		if faults.KindOf(err) == types.ErrCancelled {
			return faults.New(types.ErrCancelled, op, err)
		}
		return faults.New(types.ErrCache, op, err).WithTicker(ticker)
	}
	if kind := faults.FromStatus(resp.StatusCode()); kind != "" {
		return &faults.Error{Kind: types.ErrCache, Op: op, Ticker: ticker, Status: resp.StatusCode()}
	}
	return nil
}

// checkStatus 非 2xx 轉為分類錯誤
func checkStatus(op string, resp *resty.Response) error {
	kind := faults.FromStatus(resp.StatusCode())
	if kind == "" {
		return nil
	}
	return &faults.Error{Kind: kind, Op: op, Status: resp.StatusCode(), Err: bodyError(resp.Body())}
}

type detailError string

func (e detailError) Error() string { return string(e) }

// bodyError 取出後端的 detail 訊息（FastAPI 格式），沒有則為 nil
func bodyError(body []byte) error {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Detail == "" {
		return nil
	}
	return detailError(payload.Detail)
}
