// Command agenthub runs the Agent Hub coordination kernel: it loads
// configuration, wires every component through pkg/hub, and runs the
// pipeline supervisor's dispatch loop until an OS signal requests
// shutdown.
//
// Environment Variables:
//
//	AGENT_HUB_WORKSPACE       - workspace root (default ".")
//	UAS_SQLITE_BUS            - use the embedded SQLite bus (default true)
//	UAS_ADAPTIVE_POLL         - use adaptive polling (default true)
//	UAS_SESSION_BUDGET        - session cloud-spend cap in USD (default 1.00)
//	UAS_DAILY_BUDGET          - daily cloud-spend cap in USD (default 5.00)
//	OLLAMA_BASE_URL           - local inference endpoint (default http://localhost:11434)
//	OTEL_EXPORTER_OTLP_ENDPOINT - OTLP/gRPC collector address (stdout exporter if unset)
//
// See SPEC_FULL.md §6 for the complete list.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	hubconfig "github.com/agenthub/kernel/internal/config"
	"github.com/agenthub/kernel/pkg/hub"
)

func main() {
	cfg, err := hubconfig.Load()
	if err != nil {
		log.Fatalf("agenthub: configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	h, err := hub.New(ctx, cfg, "agenthub")
	if err != nil {
		log.Fatalf("agenthub: failed to initialize: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("agenthub: shutting down gracefully...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		cancel()

		if err := h.Close(shutdownCtx); err != nil {
			log.Printf("agenthub: error during shutdown: %v", err)
		}
	}()

	log.Printf("agenthub: starting pipeline supervisor (workspace=%s)", cfg.WorkspaceRoot)
	h.Supervisor.Run(ctx)
	log.Println("agenthub: stopped")
}
