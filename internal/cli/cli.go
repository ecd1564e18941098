// ============================================================================
// Analyst CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 以 Cobra 建立命令列介面
//
// Command Structure:
//   analyst                          # Root command
//   ├── run                          # 常駐：orchestrator + gRPC bridge + HTTP API
//   ├── analyze TICKER...            # 經由 bridge 啟動分析並追蹤事件
//   ├── cancel JOB [--ticker T]      # 取消整個任務或單一代碼
//   ├── rerun JOB TICKER             # 重新分析單一代碼
//   ├── clear                        # 取消並清除所有任務
//   ├── status [JOB]                 # 直接讀取 job store
//   ├── history                      # 後端歷史紀錄
//   │   └── rm ID
//   ├── journal                      # 事件日誌
//   │   ├── dump [--job ID]
//   │   └── stats
//   └── simulate                     # 啟動後端模擬器
//
// 全域旗標:
//   --config, -c   設定檔（預設 configs/default.yaml，不存在時使用預設值）
//   --bridge       bridge 位址（預設取 grpc.addr）
//
// Signal Handling:
//   run / simulate 收到 SIGINT、SIGTERM 後優雅關閉。
//   analyze 收到 SIGINT 時送出 CANCEL 再結束。
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/analysis-orchestrator/internal/config"
	"github.com/ChuLiYu/analysis-orchestrator/internal/logging"
)

// Version 版本
const Version = "1.0.0"

var (
	configFile string
	bridgeAddr string
	cfg        *config.Config
)

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "analyst",
		Short: "Analyst: multi-agent stock analysis orchestrator",
		Long: `Analyst drives multi-agent analysis jobs against a remote backend:
- streaming and unary analysis with retries
- durable job store shared between instances
- event journal and Prometheus metrics
- gRPC bridge and HTTP/WebSocket API`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = c
			logging.Setup(logging.Config{Level: c.Log.Level, Pretty: c.Log.Pretty, Output: cmd.ErrOrStderr()})
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&bridgeAddr, "bridge", "", "bridge address (default: grpc.addr from config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildAnalyzeCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildRerunCommand())
	rootCmd.AddCommand(buildClearCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildJournalCommand())
	rootCmd.AddCommand(buildSimulateCommand())

	return rootCmd
}

// resolveBridge 決定 bridge 位址；":50051" 視為本機
func resolveBridge(flag string, c *config.Config) string {
	addr := flag
	if addr == "" {
		addr = c.GRPC.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return addr
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator daemon",
		Long:  "Start the orchestrator with its job store, journal, metrics, gRPC bridge and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}
}

// runSystem 啟動並阻塞直到 ctx 結束或背景服務失敗
func runSystem(ctx context.Context, c *config.Config) error {
	sys, err := NewSystem(ctx, c)
	if err != nil {
		return err
	}
	if err := sys.Start(); err != nil {
		return err
	}
	defer sys.Stop()

	select {
	case <-ctx.Done():
		sys.log.Info().Msg("received shutdown signal, stopping gracefully")
		return nil
	case err := <-sys.Errors():
		return fmt.Errorf("HTTP server failed: %w", err)
	}
}

// Execute 執行根命令
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render("error:"), err)
		return 1
	}
	return 0
}
