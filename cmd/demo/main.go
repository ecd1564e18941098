// Demo: 中斷後由另一個實例接手
//
//	go run ./cmd/demo start     # 啟動任務，串流中按 Ctrl+C 模擬當機
//	go run ./cmd/demo recover   # 新實例載入 store，過期的任務標記為 ORPHANED
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/analysis-orchestrator/internal/backendsim"
	"github.com/ChuLiYu/analysis-orchestrator/internal/cli"
	"github.com/ChuLiYu/analysis-orchestrator/internal/facade"
	"github.com/ChuLiYu/analysis-orchestrator/internal/logging"
	"github.com/ChuLiYu/analysis-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/analysis-orchestrator/internal/remote"
	"github.com/ChuLiYu/analysis-orchestrator/internal/session"
	"github.com/ChuLiYu/analysis-orchestrator/internal/storage/kv"
	"github.com/ChuLiYu/analysis-orchestrator/internal/store"
	"github.com/ChuLiYu/analysis-orchestrator/pkg/types"
)

const (
	storeDir  = "data/demo"
	token     = "demo-token"
	heartbeat = 500 * time.Millisecond
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]
	logging.Setup(logging.Config{Level: "warn", Pretty: true})

	// 模擬後端：每個代理 800ms，方便在串流中途中斷
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	sim := &http.Server{
		Handler:           backendsim.New(backendsim.Options{Token: token, Default: backendsim.Script{AgentDelay: 800 * time.Millisecond}}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go sim.Serve(lis)
	defer sim.Close()

	backend, err := kv.NewFileBackend(storeDir, kv.FileOptions{})
	if err != nil {
		log.Fatalf("Failed to open store backend: %v", err)
	}
	defer backend.Close()
	st, err := store.Open(context.Background(), backend, store.Options{})
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer st.Close()

	orch := orchestrator.New(orchestrator.Options{
		TabID:     fmt.Sprintf("demo-%s-%d", mode, time.Now().Unix()),
		Client:    remote.New(remote.Options{BaseURL: "http://" + lis.Addr().String()}),
		Tokens:    session.Static{Value: token, User: "demo"},
		Store:     st,
		Heartbeat: heartbeat,
	})
	if err := orch.Start(); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}
	f := facade.New(facade.NewLocal(orch), facade.Options{})

	fmt.Printf("✓ Orchestrator started (mode: %s, tab: %s)\n", mode, orch.TabID())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		if jobs := f.List(); len(jobs) > 0 {
			fmt.Printf("\n⚠️  Found %d jobs from a previous run, use 'recover' or delete %s\n\n", len(jobs), storeDir)
			cli.RenderJobs(os.Stdout, jobs)
			break
		}

		spec := types.JobSpec{Tickers: []types.Ticker{"AAPL", "MSFT", "NVDA"}, Kind: types.KindComprehensive, Mode: types.ModeCompare}
		id, unsub, err := f.StartAndSubscribe(context.Background(), spec, func(ev types.Event) {
			cli.RenderEvent(os.Stdout, ev)
		})
		if err != nil {
			log.Fatalf("Failed to start job: %v", err)
		}
		defer unsub()
		fmt.Printf("✓ Started job %s\n", id)
		fmt.Printf("💡 Press Ctrl+C while agents are running to leave the job RUNNING in the store\n\n")

	case "recover":
		jobs := f.List()
		fmt.Printf("\n📊 Loaded %d jobs from %s\n", len(jobs), storeDir)
		cli.RenderJobs(os.Stdout, jobs)

		// 等到前一個實例的租約過期，再檢查狀態
		wait := heartbeat * orchestrator.DefaultLeaseBeats * 2
		fmt.Printf("\n⏳ Waiting %s for stale leases to expire...\n", wait)
		time.Sleep(wait)
		if err := f.OnVisible(context.Background()); err != nil {
			log.Printf("Status check failed: %v", err)
		}
		time.Sleep(200 * time.Millisecond)

		fmt.Printf("\n📊 Status after recovery:\n")
		cli.RenderJobs(os.Stdout, f.List())
		for _, job := range f.List() {
			if job.Failure != nil && job.Failure.Kind == types.ErrOrphaned {
				fmt.Printf("✓ %s was orphaned by its previous owner %s\n", job.ID, job.Owner)
			}
		}

	default:
		log.Fatalf("Unknown mode %q", mode)
	}

	<-sigChan
	fmt.Println("\n\nReceived shutdown signal, stopping...")
	f.Close()
	fmt.Println("✓ Orchestrator stopped")
}
