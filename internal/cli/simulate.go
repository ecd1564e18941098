package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/analysis-orchestrator/internal/backendsim"
)

// simulatorFile 模擬器腳本檔
//
//	token: secret
//	default:
//	  agent_delay: 200ms
//	scripts:
//	  TSLA:
//	    fail: disconnect
//	    fail_times: 1
type simulatorFile struct {
	Token   string                       `yaml:"token"`
	Default backendsim.Script            `yaml:"default"`
	Scripts map[string]backendsim.Script `yaml:"scripts"`
}

// loadSimulator 讀取腳本檔；path 為空時使用預設行為
func loadSimulator(path string) (backendsim.Options, error) {
	var f simulatorFile
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return backendsim.Options{}, fmt.Errorf("failed to read script file: %w", err)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return backendsim.Options{}, fmt.Errorf("failed to parse script file: %w", err)
		}
	}
	return backendsim.Options{Token: f.Token, Default: f.Default, Scripts: f.Scripts}, nil
}

func buildSimulateCommand() *cobra.Command {
	var (
		addr       string
		scriptFile string
		token      string
		agentDelay time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a local analysis backend simulator",
		Long:  "Serve the analysis backend API with scripted latency and failures for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadSimulator(scriptFile)
			if err != nil {
				return err
			}
			if token != "" {
				opts.Token = token
			}
			if cmd.Flags().Changed("agent-delay") {
				opts.Default.AgentDelay = agentDelay
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           backendsim.New(opts),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Int("scripts", len(opts.Scripts)).Msg("backend simulator listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	cmd.Flags().StringVarP(&scriptFile, "scripts", "s", "", "YAML file with per-ticker scripts")
	cmd.Flags().StringVar(&token, "token", "", "required bearer token (default: any non-empty token)")
	cmd.Flags().DurationVar(&agentDelay, "agent-delay", 0, "delay between agents on streaming requests")
	return cmd
}
