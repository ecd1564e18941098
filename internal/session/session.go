// ============================================================================
// TokenSource - 憑證存取
// ============================================================================
//
// Package: internal/session
// File: session.go
// Purpose: 提供 bearer token 與使用者身分的唯讀存取
//
// 取得與更新 token 不在此處理（登入流程由外部負責），
// 這裡只負責「目前的 token 是什麼」。缺少 token 一律回報 AUTH。
//
// 實作:
//   - Static: 固定值（測試、CLI 參數）
//   - Env:    從環境變數讀取，支援 .env 檔（godotenv）
//   - File:   每次讀取檔案內容，外部程序可隨時輪替 token
//
// ============================================================================

package session

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ChuLiYu/analysis-orchestrator/internal/faults"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

const (
	EnvToken = "ANALYSIS_TOKEN"
	EnvUser  = "ANALYSIS_USER"
)

// Identity 使用者身分
type Identity struct {
	UserID string `json:"userId"`
}

// TokenSource 憑證來源
type TokenSource interface {
	// Token 回傳目前的 bearer token，缺少時回傳 AUTH 錯誤
	Token(ctx context.Context) (string, error)
	// Identity 回傳目前使用者
	Identity() Identity
}

func missing(source string) error {
	return faults.Newf(types.ErrAuth, "token", "no credential available from %s", source)
}

// Static 固定 token
type Static struct {
	Value string
	User  string
}

func (s Static) Token(context.Context) (string, error) {
	if s.Value == "" {
		return "", missing("static source")
	}
	return s.Value, nil
}

func (s Static) Identity() Identity {
	return Identity{UserID: s.User}
}

// Env 從環境變數讀取 token
type Env struct {
	TokenVar string
	UserVar  string
}

// NewEnv 載入 .env 檔（可選）後回傳 Env 來源
//
// 檔案不存在不視為錯誤；已存在的環境變數不會被覆蓋。
func NewEnv(files ...string) (*Env, error) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return &Env{TokenVar: EnvToken, UserVar: EnvUser}, nil
}

func (e *Env) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(e.TokenVar))
	if v == "" {
		return "", missing("$" + e.TokenVar)
	}
	return v, nil
}

func (e *Env) Identity() Identity {
	return Identity{UserID: os.Getenv(e.UserVar)}
}

// File 從檔案讀取 token，內容變更即時生效
type File struct {
	Path string
	User string
}

// NewFile 建立檔案來源
func NewFile(path, user string) *File {
	return &File{Path: path, User: user}
}

func (f *File) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", missing(f.Path)
		}
		return "", faults.New(types.ErrAuth, "token", err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", missing(f.Path)
	}
	return v, nil
}

func (f *File) Identity() Identity {
	return Identity{UserID: f.User}
}
