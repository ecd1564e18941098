// ============================================================================
// Bridge - gRPC 指令 / 事件通道
// ============================================================================
//
// Package: internal/bridge
// File: server.go
// Purpose: 讓其他行程的 facade 透過 gRPC 使用同一個 orchestrator
//
// 服務: analysis.v1.Orchestrator/Session（雙向串流）
//   client → server: {kind:"command", id, command}
//   server → client: {kind:"reply", id, code, message}、{kind:"event", event}
//   每則訊息都是 google.protobuf.Struct。
//
// 連線建立時先送出畫面快取快照（JOB_SYNC），之後轉發所有事件。
//
// ============================================================================

package bridge

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/analysis-orchestrator/internal/facade"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

const (
	ServiceName   = "analysis.v1.Orchestrator"
	SessionMethod = "/analysis.v1.Orchestrator/Session"

	DefaultQueueSize = 1024
)

var errSlowConsumer = errors.New("bridge: session event queue overflow")

// SessionServer 服務介面
type SessionServer interface {
	Session(stream grpc.ServerStream) error
}

// ServiceDesc 手寫的服務描述（訊息型別為 structpb.Struct）
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "analysis/v1/orchestrator.proto",
}

func sessionHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SessionServer).Session(stream)
}

// Backend 伺服器端的 facade
type Backend interface {
	Send(ctx context.Context, cmd types.Command) error
	Attach(fn facade.Handler) ([]*types.Job, func())
}

// ServerOptions 伺服器設定
type ServerOptions struct {
	QueueSize int // 每個 session 的事件緩衝；溢位時中斷該 session
}

// Server bridge 伺服器
type Server struct {
	backend   Backend
	queueSize int
	log       zerolog.Logger
	sessions  atomic.Int64
}

// NewServer 建立伺服器
func NewServer(backend Backend, opts ServerOptions) *Server {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Server{
		backend:   backend,
		queueSize: opts.QueueSize,
		log:       log.With().Str("component", "bridge").Logger(),
	}
}

// Register 註冊到 gRPC 伺服器
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Sessions 目前連線數
func (s *Server) Sessions() int {
	return int(s.sessions.Load())
}

// Session 處理一條連線
func (s *Server) Session(stream grpc.ServerStream) error {
	s.sessions.Add(1)
	defer s.sessions.Add(-1)

	ctx, cancel := context.WithCancelCause(stream.Context())
	defer cancel(nil)

	out := make(chan *structpb.Struct, s.queueSize)
	snapshot, unsubscribe := s.backend.Attach(func(ev types.Event) {
		st, err := encode(envelope{Kind: kindEvent, Event: &ev})
		if err != nil {
			s.log.Error().Err(err).Str("event", string(ev.Type)).Msg("dropping event")
			return
		}
		select {
		case out <- st:
		default:
			cancel(errSlowConsumer)
		}
	})
	defer unsubscribe()

	// 快照直接寫出，期間的即時事件留在 out 中
	for _, job := range snapshot {
		st, err := encode(envelope{Kind: kindEvent, Event: &types.Event{Type: types.EvJobSync, JobID: job.ID, GlobalProgress: job.GlobalProgress, Job: job}})
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(st); err != nil {
			return err
		}
	}
	s.log.Info().Int("jobs", len(snapshot)).Msg("session attached")

	go s.readCommands(ctx, cancel, stream, out)

	for {
		select {
		case st := <-out:
			if err := stream.SendMsg(st); err != nil {
				return err
			}
		case <-ctx.Done():
			cause := context.Cause(ctx)
			switch {
			case errors.Is(cause, errSlowConsumer):
				s.log.Warn().Msg("session dropped: client too slow")
				return status.Error(codes.ResourceExhausted, cause.Error())
			case errors.Is(cause, errClientDone):
				return nil
			}
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

var errClientDone = errors.New("bridge: client closed the stream")

// readCommands 依序套用指令並回覆
func (s *Server) readCommands(ctx context.Context, cancel context.CancelCauseFunc, stream grpc.ServerStream, out chan<- *structpb.Struct) {
	for {
		in := &structpb.Struct{}
		if err := stream.RecvMsg(in); err != nil {
			cancel(errClientDone)
			return
		}

		env, err := decode(in)
		if err != nil || env.Kind != kindCommand {
			if err == nil {
				err = errors.New("bridge: expected a command")
			}
			s.log.Warn().Err(err).Msg("ignoring malformed message")
			continue
		}

		err = s.backend.Send(ctx, *env.Command)
		reply := envelope{Kind: kindReply, ID: env.ID}
		if err != nil {
			reply.Code = facade.Code(err)
			reply.Message = err.Error()
		}
		st, err := encode(reply)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to encode reply")
			continue
		}
		select {
		case out <- st:
		case <-ctx.Done():
			return
		}
	}
}
