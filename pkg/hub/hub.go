// Package hub is the Agent Hub wiring root: it constructs every
// component named in SPEC_FULL.md's package table from one Config and
// holds the singletons the rest of the process depends on, the same
// shape the upstream framework's BaseAgent/Framework construction gives
// its own modules (core.NewBaseAgent wires discovery, telemetry, AI
// providers once at startup; Hub does the equivalent for the
// contract/bus/router/budget/breaker/gate/pipeline set).
package hub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	hubconfig "github.com/agenthub/kernel/internal/config"

	"github.com/agenthub/kernel/internal/audit"
	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/budget"
	"github.com/agenthub/kernel/internal/bus"
	"github.com/agenthub/kernel/internal/contract"
	"github.com/agenthub/kernel/internal/degradation"
	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/pipeline"
	"github.com/agenthub/kernel/internal/router"
	"github.com/agenthub/kernel/internal/sandbox"
	"github.com/agenthub/kernel/internal/storage"
	"github.com/agenthub/kernel/internal/telemetry"
	"github.com/agenthub/kernel/internal/toolsurface"
)

// Hub holds every process-wide singleton, injected into the pipeline
// supervisor and the tool surface rather than looked up ad hoc
// (SPEC_FULL.md §9's "process-wide singletons become explicit context"
// design note).
type Hub struct {
	Config *hubconfig.Config

	Audit       *audit.Log
	Breaker     *breaker.ComponentBreaker
	Budget      *budget.Manager
	Bus         bus.Bus
	Degradation *degradation.Manager
	Router      *router.Router
	Sandbox     *sandbox.Sandbox
	Gate        *sandbox.Gate
	Git         *contract.GitManager
	ContractDir string

	Supervisor *pipeline.Supervisor
	Tools      *toolsurface.Server
	Telemetry  *telemetry.Telemetry

	Log logging.Logger

	sqlStore *storage.SQLStore
}

// dataPath joins the workspace root's data directory with name —
// every durable JSON/NDJSON document lives under <workspace>/data, the
// same single-directory convention the teacher's own examples use for
// their local state files.
func dataPath(workspaceRoot, name string) string {
	return filepath.Join(workspaceRoot, "data", name)
}

// New constructs every component from cfg. serviceName identifies this
// process to the telemetry resource (SPEC_FULL.md §6.3).
func New(ctx context.Context, cfg *hubconfig.Config, serviceName string) (*Hub, error) {
	log := logging.New("hub")

	if err := os.MkdirAll(filepath.Join(cfg.WorkspaceRoot, "data"), 0o755); err != nil {
		return nil, fmt.Errorf("hub: create data dir: %w", err)
	}
	storage.DryRun = cfg.DryRun

	tel, err := telemetry.New(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("hub: build telemetry: %w", err)
	}

	al, err := audit.New(dataPath(cfg.WorkspaceRoot, "audit.ndjson"), sessionID())
	if err != nil {
		return nil, fmt.Errorf("hub: build audit log: %w", err)
	}

	haltPath := cfg.HaltFile
	cb, err := breaker.NewComponentBreaker(
		dataPath(cfg.WorkspaceRoot, "breaker_state.json"),
		haltPath,
		breaker.Thresholds{Router: cfg.RouterFailureLimit, Bus: cfg.SQLiteFailureLimit, Ollama: cfg.OllamaFailureLimit},
		tel,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("hub: build component breaker: %w", err)
	}

	pricing, err := budget.LoadPricingTable(filepath.Join(cfg.WorkspaceRoot, "config", "pricing.yaml"))
	if err != nil {
		return nil, fmt.Errorf("hub: load pricing table: %w", err)
	}
	bm, err := budget.New(
		dataPath(cfg.WorkspaceRoot, "budget_state.json"),
		sessionID(),
		cfg.SessionBudgetUSD, cfg.DailyBudgetUSD,
		log,
		budget.WithDisabled(cfg.DisableBudgetCheck),
		budget.WithPricingTable(pricing),
		budget.WithTelemetry(tel),
	)
	if err != nil {
		return nil, fmt.Errorf("hub: build budget manager: %w", err)
	}

	deg := degradation.New(
		cfg.OllamaBaseURL,
		dataPath(cfg.WorkspaceRoot, "LOW_POWER_MODE.txt"),
		"bedrock/claude-haiku",
		cfg.HealthCheckTimeout,
		cb, al, log,
	)

	h := &Hub{
		Config: cfg, Audit: al, Breaker: cb, Budget: bm, Degradation: deg,
		ContractDir: filepath.Join(cfg.WorkspaceRoot, "data", "contracts"),
		Telemetry:   tel,
		Log:         log,
	}

	if err := h.buildBus(ctx, cfg, log); err != nil {
		return nil, err
	}

	rt, err := h.buildRouter(ctx, cfg, al, cb, deg, tel, log)
	if err != nil {
		return nil, err
	}
	h.Router = rt

	h.Sandbox = sandbox.New(filepath.Join(cfg.WorkspaceRoot, "data", "sandbox"), cfg.WorkspaceRoot)
	if err := h.Sandbox.EnsureExists(); err != nil {
		return nil, fmt.Errorf("hub: prepare sandbox dir: %w", err)
	}
	h.Gate = sandbox.NewGate(h.Sandbox, al, tel, log)

	h.Git = contract.NewGitManager(cfg.WorkspaceRoot, cfg.DryRun)

	if err := os.MkdirAll(h.ContractDir, 0o755); err != nil {
		return nil, fmt.Errorf("hub: create contract dir: %w", err)
	}

	env := pipeline.NewSubprocessEnvironment(cfg.StageShell, cfg.WorkspaceRoot, cfg.StageShellArg)
	var poller pipeline.Poller
	if cfg.AdaptivePoll {
		poller = pipeline.NewAdaptivePoller(1*time.Second, 10*time.Second)
	} else {
		poller = pipeline.NewFixedPoller(5 * time.Second)
	}
	h.Supervisor = pipeline.New(h.Bus, h.ContractDir, haltPath, cfg.WorkspaceRoot, cfg.DryRun, h.Gate, al, cb, tel, env, log, pipeline.WithPoller(poller))

	h.Tools = toolsurface.New(h.Bus, h.Router, h.Budget, h.Gate, al, log)

	return h, nil
}

func (h *Hub) buildBus(ctx context.Context, cfg *hubconfig.Config, log logging.Logger) error {
	if cfg.SQLiteBus {
		// AGENT_HUB_DRY_RUN gets the NDJSON-backed bus instead of
		// opening a real sqlite3 (cgo) connection (SPEC_FULL.md §4.1's
		// storage-substrate feature flag). Hosts without cgo are not
		// detected here; with dry run off they still open SQLite.
		if cfg.DryRun {
			fb, err := bus.NewFileBus(dataPath(cfg.WorkspaceRoot, "bus"), h.Breaker, log)
			if err != nil {
				return fmt.Errorf("hub: open file bus: %w", err)
			}
			h.Bus = fb
			return nil
		}
		store, err := storage.OpenSQLStore(dataPath(cfg.WorkspaceRoot, "hub.db"))
		if err != nil {
			return fmt.Errorf("hub: open sqlite store: %w", err)
		}
		h.sqlStore = store
		h.Bus = bus.NewSQLBus(store, h.Breaker, log)
		return nil
	}

	redisURL := os.Getenv("AGENT_HUB_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}
	rb, err := bus.NewRedisBus(redisURL, "agenthub:bus", h.Breaker, log)
	if err != nil {
		return fmt.Errorf("hub: connect redis bus: %w", err)
	}
	h.Bus = rb
	return nil
}

func (h *Hub) buildRouter(ctx context.Context, cfg *hubconfig.Config, al *audit.Log, cb *breaker.ComponentBreaker, deg *degradation.Manager, tel *telemetry.Telemetry, log logging.Logger) (*router.Router, error) {
	routerCfg, err := router.LoadConfig(filepath.Join(cfg.WorkspaceRoot, "config", "router.yaml"))
	if err != nil {
		return nil, fmt.Errorf("hub: load router config: %w", err)
	}

	ollama := router.NewOllamaClient(cfg.OllamaBaseURL, cfg.HealthCheckTimeout)
	clients := map[router.Tier]router.InferenceClient{
		router.TierLocal: ollama,
	}

	if awsCfg, err := config.LoadDefaultConfig(ctx); err == nil {
		bedrockClient := router.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg))
		clients[router.TierCheap] = bedrockClient
		clients[router.TierPremium] = bedrockClient
	} else {
		log.Warn("bedrock unavailable, cloud tiers disabled", logging.Fields{"error": err.Error()})
	}

	return router.New(routerCfg, clients, h.Budget, deg, cb, al, tel, log), nil
}

// Close releases every resource Hub opened (SQL connections, bus
// sockets) and flushes telemetry. Call once during graceful shutdown.
func (h *Hub) Close(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.Bus != nil {
		record(h.Bus.Close())
	}
	if h.Telemetry != nil {
		record(h.Telemetry.Shutdown(ctx))
	}
	return firstErr
}

func sessionID() string {
	return fmt.Sprintf("session-%d", time.Now().UnixNano())
}
