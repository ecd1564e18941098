package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/analysis-orchestrator/internal/facade"
	"github.com/ChuLiYu/analysis-orchestrator/internal/outbox"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

// Client bridge 客戶端，實作 facade.Transport
type Client struct {
	conn    *grpc.ClientConn
	ownConn bool
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	log     zerolog.Logger

	sendMu sync.Mutex // grpc.ClientStream 的 SendMsg 不可並行

	mu      sync.Mutex
	pending map[uint64]chan error
	nextID  uint64
	err     error

	events *outbox.Outbox
	done   chan struct{}
}

// Dial 連線到 bridge 伺服器；未指定選項時使用不加密連線
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge %s: %w", target, err)
	}
	c, err := NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.ownConn = true
	return c, nil
}

// NewClient 在既有連線上開啟 session
func NewClient(conn *grpc.ClientConn) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], SessionMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	c := &Client{
		conn:    conn,
		stream:  stream,
		cancel:  cancel,
		log:     log.With().Str("component", "bridge-client").Logger(),
		pending: make(map[uint64]chan error),
		events:  outbox.New(),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

// Send 送出指令並等待伺服器回覆
func (c *Client) Send(ctx context.Context, cmd types.Command) error {
	c.mu.Lock()
	if c.isDone() {
		c.mu.Unlock()
		return c.closedErr()
	}
	c.nextID++
	id := c.nextID
	reply := make(chan error, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	st, err := encode(envelope{Kind: kindCommand, ID: id, Command: &cmd})
	if err != nil {
		c.forget(id)
		return err
	}

	c.sendMu.Lock()
	err = c.stream.SendMsg(st)
	c.sendMu.Unlock()
	if err != nil {
		c.forget(id)
		if errors.Is(err, io.EOF) {
			// 串流已結束，真正的原因由 recvLoop 取得
			<-c.done
			return c.closedErr()
		}
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// Events 伺服器送來的事件；session 結束後關閉
func (c *Client) Events() <-chan types.Event {
	return c.events.C()
}

// Close 結束 session
func (c *Client) Close() error {
	c.cancel()
	<-c.done
	if c.ownConn {
		return c.conn.Close()
	}
	return nil
}

// Err session 結束的原因（主動關閉為 nil）
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %w", facade.ErrClosed, c.err)
	}
	return facade.ErrClosed
}

func (c *Client) recvLoop() {
	var cause error
	defer func() {
		c.mu.Lock()
		c.err = cause
		pending := c.pending
		c.pending = make(map[uint64]chan error)
		close(c.done)
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- c.closedErr()
		}
		c.events.Close()
	}()

	for {
		st := &structpb.Struct{}
		if err := c.stream.RecvMsg(st); err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				cause = err
				c.log.Warn().Err(err).Msg("session ended")
			}
			return
		}

		env, err := decode(st)
		if err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed message")
			continue
		}

		switch env.Kind {
		case kindEvent:
			c.events.Push(*env.Event)
		case kindReply:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- facade.FromCode(env.Code, env.Message)
			}
		}
	}
}
