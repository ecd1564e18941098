package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key      TEXT PRIMARY KEY,
	value    BLOB NOT NULL,
	revision INTEGER NOT NULL DEFAULT 0,
	writer   TEXT NOT NULL DEFAULT ''
)`

// SQLiteBackend 以 SQLite 表格儲存，多個程序可共用同一個資料庫檔
type SQLiteBackend struct {
	conn         *sql.DB
	path         string
	writer       string // 本實例的寫入者 id
	maxBytes     int
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool
	stops  []func()
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// SQLiteOptions SQLite 後端選項
type SQLiteOptions struct {
	MaxBytes     int
	PollInterval time.Duration
}

// NewSQLiteBackend 開啟（或建立）資料庫
func NewSQLiteBackend(dbPath string, opts SQLiteOptions) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode 讓多個讀者與單一寫者可並行
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	return &SQLiteBackend{
		conn:         conn,
		path:         dbPath,
		writer:       uuid.NewString(),
		maxBytes:     opts.MaxBytes,
		pollInterval: opts.PollInterval,
		stopCh:       make(chan struct{}),
	}, nil
}

func (s *SQLiteBackend) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SQLiteBackend) Load(ctx context.Context, key string) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	var data []byte
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return data, nil
}

func (s *SQLiteBackend) Save(ctx context.Context, key string, data []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.maxBytes > 0 && len(data) > s.maxBytes {
		return ErrQuotaExceeded
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value, revision, writer) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = kv.revision + 1,
			writer = excluded.writer`,
		key, data, s.writer)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteBackend) revision(key string) (int64, string, []byte, error) {
	var rev int64
	var writer string
	var data []byte
	err := s.conn.QueryRow(`SELECT revision, writer, value FROM kv WHERE key = ?`, key).Scan(&rev, &writer, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil, nil
	}
	return rev, writer, data, err
}

// Watch 輪詢 revision 欄位
func (s *SQLiteBackend) Watch(key string, fn func(data []byte)) func() {
	box := newMailbox(fn)
	done := make(chan struct{})
	lastRev, _, _, _ := s.revision(key)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
			}

			rev, writer, data, err := s.revision(key)
			if err != nil || rev == lastRev {
				continue
			}
			lastRev = rev
			if writer == s.writer {
				continue
			}
			box.post(data)
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			box.stop()
		})
	}
	s.mu.Lock()
	s.stops = append(s.stops, stop)
	s.mu.Unlock()
	return stop
}

// Close 停止 watcher 並關閉連線
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()

	s.wg.Wait()
	for _, stop := range stops {
		stop()
	}
	return s.conn.Close()
}
