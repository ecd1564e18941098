// ============================================================================
// System - 常駐程序組裝
// ============================================================================
//
// Package: internal/cli
// File: system.go
// Purpose: 依設定建立並串接所有元件
//
// 啟動順序:
//   1. 憑證來源、後端客戶端、metrics
//   2. kv 後端 → job store
//   3. 事件日誌（可選）
//   4. orchestrator → facade
//   5. gRPC bridge、HTTP API
//   6. cron 定期清理 store
//
// 關閉順序相反；FLUSH 讓未寫入的進度在停止前落盤。
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/analysis-orchestrator/internal/api"
	"github.com/ChuLiYu/analysis-orchestrator/internal/bridge"
	"github.com/ChuLiYu/analysis-orchestrator/internal/config"
	"github.com/ChuLiYu/analysis-orchestrator/internal/facade"
	"github.com/ChuLiYu/analysis-orchestrator/internal/journal"
	"github.com/ChuLiYu/analysis-orchestrator/internal/metrics"
	"github.com/ChuLiYu/analysis-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/analysis-orchestrator/internal/remote"
	"github.com/ChuLiYu/analysis-orchestrator/internal/retry"
	"github.com/ChuLiYu/analysis-orchestrator/internal/session"
	"github.com/ChuLiYu/analysis-orchestrator/internal/storage/kv"
	"github.com/ChuLiYu/analysis-orchestrator/internal/store"
)

// System 常駐程序的所有元件
type System struct {
	cfg *config.Config
	log zerolog.Logger

	Metrics *metrics.Collector // metrics 停用時為 nil
	Backend kv.Backend
	Store   *store.Store
	Journal *journal.Journal // 停用時為 nil
	Orch    *orchestrator.Orchestrator
	Facade  *facade.Facade
	API     *api.Server

	grpc    *grpc.Server
	bridge  *bridge.Server
	grpcLis net.Listener
	cron    *cron.Cron
	httpErr chan error
	stopped bool
}

// NewTokenSource 依設定選擇憑證來源
//
// 優先順序：token_file > token > 環境變數。
func NewTokenSource(cfg *config.Config) (session.TokenSource, error) {
	switch {
	case cfg.Session.TokenFile != "":
		return session.NewFile(cfg.Session.TokenFile, cfg.Session.User), nil
	case cfg.Session.Token != "":
		return session.Static{Value: cfg.Session.Token, User: cfg.Session.User}, nil
	default:
		return session.NewEnv(cfg.Session.EnvFiles...)
	}
}

// NewRemoteClient 建立後端客戶端
func NewRemoteClient(cfg *config.Config) *remote.Client {
	return remote.New(remote.Options{
		BaseURL:      cfg.Backend.URL,
		UnaryTimeout: cfg.Backend.UnaryTimeout,
		StreamIdle:   cfg.Backend.StreamIdle,
		UserAgent:    "analyst/" + Version,
	})
}

// OpenBackend 依設定開啟 kv 後端
func OpenBackend(cfg *config.Config) (kv.Backend, error) {
	switch cfg.Store.Backend {
	case "memory":
		return kv.NewMemoryHub(cfg.Store.QuotaBytes).Open(), nil
	case "file":
		return kv.NewFileBackend(cfg.Store.Path, kv.FileOptions{
			MaxBytes:     cfg.Store.QuotaBytes,
			PollInterval: cfg.Store.PollInterval,
		})
	case "sqlite":
		return kv.NewSQLiteBackend(cfg.Store.Path, kv.SQLiteOptions{
			MaxBytes:     cfg.Store.QuotaBytes,
			PollInterval: cfg.Store.PollInterval,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// tabIDPath 持久化 tab id 的檔案；memory 後端不保存
func tabIDPath(cfg *config.Config) string {
	switch cfg.Store.Backend {
	case "file":
		return filepath.Join(cfg.Store.Path, "tab_id")
	case "sqlite":
		return cfg.Store.Path + ".tab_id"
	}
	return ""
}

// ResolveTabID 設定值優先；否則沿用 store 旁保存的 id，沒有則產生並寫入
//
// 重啟後沿用同一個 id，上次未結束的任務在第一次心跳就判定為孤兒，
// 不必等舊租約過期。
func ResolveTabID(cfg *config.Config) (string, error) {
	if cfg.Orchestrator.TabID != "" {
		return cfg.Orchestrator.TabID, nil
	}
	path := tabIDPath(cfg)
	if path == "" {
		return uuid.NewString(), nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read tab id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to save tab id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to save tab id: %w", err)
	}
	return id, nil
}

// OpenStore 開啟 kv 後端與 job store
func OpenStore(ctx context.Context, cfg *config.Config, observer store.Observer) (kv.Backend, *store.Store, error) {
	codec, err := store.CodecByName(cfg.Store.Codec)
	if err != nil {
		return nil, nil, err
	}
	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store backend: %w", err)
	}
	st, err := store.Open(ctx, backend, store.Options{
		Codec:     codec,
		Recent:    cfg.Store.Recent,
		OrphanAge: cfg.Store.OrphanAge,
		Observer:  observer,
	})
	if err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("failed to open job store: %w", err)
	}
	return backend, st, nil
}

// NewSystem 依設定建立所有元件（尚未開始監聽）
func NewSystem(ctx context.Context, cfg *config.Config) (*System, error) {
	sys := &System{
		cfg:     cfg,
		log:     log.With().Str("component", "system").Logger(),
		httpErr: make(chan error, 1),
	}
	ok := false
	defer func() {
		if !ok {
			sys.closeStorage()
		}
	}()

	tokens, err := NewTokenSource(cfg)
	if err != nil {
		return nil, err
	}

	var (
		observer store.Observer
		orchMet  orchestrator.Metrics
	)
	if cfg.Metrics.Enabled {
		sys.Metrics = metrics.NewCollector(nil)
		observer, orchMet = sys.Metrics, sys.Metrics
	}

	sys.Backend, sys.Store, err = OpenStore(ctx, cfg, observer)
	if err != nil {
		return nil, err
	}

	var jrnl orchestrator.Journal
	if cfg.Journal.Enabled {
		sys.Journal, err = journal.Open(cfg.Journal.Path, journal.Options{
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval,
			SyncOnFlush:   cfg.Journal.Sync,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		jrnl = sys.Journal
	}

	tabID, err := ResolveTabID(cfg)
	if err != nil {
		return nil, err
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.Orchestrator.MaxRetries

	sys.Orch = orchestrator.New(orchestrator.Options{
		TabID:            tabID,
		Client:           NewRemoteClient(cfg),
		Tokens:           tokens,
		Store:            sys.Store,
		Policy:           policy,
		Journal:          jrnl,
		Metrics:          orchMet,
		Tick:             cfg.Orchestrator.Tick,
		Heartbeat:        cfg.Orchestrator.Heartbeat,
		LeaseBeats:       cfg.Orchestrator.LeaseBeats,
		PersistInterval:  cfg.Orchestrator.PersistInterval,
		MaxComprehensive: cfg.Orchestrator.MaxComprehensive,
		MaxStreams:       cfg.Orchestrator.MaxStreams,
		SaveHistory:      cfg.Orchestrator.SaveHistory,
	})

	ok = true
	return sys, nil
}

// Start 啟動 orchestrator、bridge、API 與排程
func (s *System) Start() error {
	if err := s.Orch.Start(); err != nil {
		s.closeStorage()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	s.Facade = facade.New(facade.NewLocal(s.Orch), facade.Options{
		Notifier: facade.LogNotifier{Logger: log.With().Str("component", "notify").Logger()},
	})

	var metricsHandler http.Handler
	if s.Metrics != nil {
		metricsHandler = s.Metrics.Handler()
	}
	s.API = api.New(api.Options{
		Addr:           s.cfg.HTTP.Addr,
		Facade:         s.Facade,
		Metrics:        metricsHandler,
		AllowedOrigins: s.cfg.HTTP.AllowedOrigins,
	})

	if s.cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPC.Addr)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPC.Addr, err)
		}
		s.grpcLis = lis
		s.grpc = grpc.NewServer()
		s.bridge = bridge.NewServer(s.Facade, bridge.ServerOptions{})
		s.bridge.Register(s.grpc)
		go func() {
			if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.log.Error().Err(err).Msg("gRPC server stopped")
			}
		}()
		s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC bridge listening")
	}

	if s.cfg.HTTP.Addr != "" {
		go func() {
			if err := s.API.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.httpErr <- err
			}
		}()
	}

	if err := s.schedule(); err != nil {
		s.Stop()
		return err
	}

	s.log.Info().
		Str("tab_id", s.Orch.TabID()).
		Str("backend", s.cfg.Backend.URL).
		Str("store", s.cfg.Store.Backend).
		Bool("journal", s.Journal != nil).
		Msg("system started")
	return nil
}

// schedule 註冊定期工作：store 清理、日誌輪替
func (s *System) schedule() error {
	s.cron = cron.New()
	if spec := s.cfg.Store.SweepSchedule; spec != "" {
		if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
		}
	}
	if spec := s.cfg.Journal.RotateSchedule; spec != "" && s.Journal != nil {
		if _, err := s.cron.AddFunc(spec, s.rotate); err != nil {
			return fmt.Errorf("invalid rotate schedule %q: %w", spec, err)
		}
	}
	s.cron.Start()
	return nil
}

// rotate 輪替事件日誌
func (s *System) rotate() {
	backup, err := s.Journal.Rotate()
	if err != nil {
		s.log.Warn().Err(err).Msg("journal rotate failed")
		return
	}
	s.log.Info().Str("backup", backup).Msg("journal rotated")
}

// sweep 定期清理過期與孤兒任務
func (s *System) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Store.Sweep(ctx); err != nil {
		s.log.Warn().Err(err).Msg("store sweep failed")
		return
	}
	s.log.Debug().Int("jobs", len(s.Store.List())).Msg("store swept")
}

// Errors 背景服務的致命錯誤
func (s *System) Errors() <-chan error {
	return s.httpErr
}

// GRPCAddr bridge 實際監聽位址（未啟用時為空字串）
func (s *System) GRPCAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// Stop 依相反順序關閉
func (s *System) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.cfg.HTTP.Addr != "" && s.API != nil {
		if err := s.API.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("HTTP shutdown")
		}
	}
	if s.grpc != nil {
		s.grpc.Stop()
	}
	if s.Facade != nil {
		if err := s.Facade.OnBeforeUnload(ctx); err != nil {
			s.log.Warn().Err(err).Msg("final flush failed")
		}
		s.Facade.Close()
	}
	s.closeStorage()
	s.log.Info().Msg("system stopped")
}

func (s *System) closeStorage() {
	if s.Journal != nil {
		if err := s.Journal.Close(); err != nil {
			s.log.Warn().Err(err).Msg("journal close")
		}
	}
	if s.Store != nil {
		s.Store.Close()
	}
	if s.Backend != nil {
		s.Backend.Close()
	}
}
