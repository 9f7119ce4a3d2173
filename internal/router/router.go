package router

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/agenthub/kernel/internal/audit"
	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/budget"
	"github.com/agenthub/kernel/internal/degradation"
	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/telemetry"
)

// Router resolves a task-type chain, applies degraded-mode filtering,
// skips cooled-down or unaffordable candidates, and drives the call
// through to a successful InferenceClient or an exhaustion error.
type Router struct {
	cfg     Config
	clients map[Tier]InferenceClient

	budget      *budget.Manager
	degradation *degradation.Manager
	breaker     *breaker.ComponentBreaker
	audit       *audit.Log
	tel         *telemetry.Telemetry
	cooldown    *cooldownTracker
	log         logging.Logger
}

// New builds a router. clients maps a Tier to the InferenceClient that
// serves it (TierLocal -> *OllamaClient, TierCheap/TierPremium ->
// *BedrockClient, typically sharing one instance). tel may be nil.
func New(cfg Config, clients map[Tier]InferenceClient, b *budget.Manager, d *degradation.Manager, cb *breaker.ComponentBreaker, al *audit.Log, tel *telemetry.Telemetry, log logging.Logger) *Router {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Router{
		cfg: cfg, clients: clients,
		budget: b, degradation: d, breaker: cb, audit: al, tel: tel,
		cooldown: newCooldownTracker(),
		log:      log.WithComponent("hub/router"),
	}
}

// Route resolves the chain for taskType, tries each candidate in order,
// and returns the first success.
func (r *Router) Route(ctx context.Context, taskType, preferred string, req ChatRequest, runID string) (ChatResponse, error) {
	if r.tel != nil {
		var span trace.Span
		ctx, span = r.tel.StartSpan(ctx, "router.route")
		defer span.End()
	}

	chain, ok := r.cfg.Chains[taskType]
	if !ok {
		chain = r.cfg.Chains["default"]
	}
	candidates := append([]string(nil), chain.Models...)
	if preferred != "" {
		candidates = promoteToFront(candidates, preferred)
	}

	degraded := r.degradation != nil && r.degradation.IsDegraded()
	if degraded {
		candidates = dropLocalTier(candidates, r.cfg.Models)
	}

	budgetSkips := 0
	for i, modelID := range candidates {
		entry, ok := r.cfg.Models[modelID]
		if !ok {
			continue
		}

		if r.cooldown.inCooldown(modelID) {
			r.log.Debug("skipping model in cooldown", logging.Fields{"model": modelID})
			continue
		}

		if r.budget != nil && entry.Tier != TierLocal {
			ok, reason := r.budget.CanAfford(ctx, modelID, req.MaxTokens, req.MaxTokens)
			if !ok {
				budgetSkips++
				r.logAudit(audit.EventBudgetCheckFail, runID, map[string]interface{}{"model": modelID, "reason": reason})
				continue
			}
			r.logAudit(audit.EventBudgetCheckPass, runID, map[string]interface{}{"model": modelID})
		}

		attemptReq := req
		attemptReq.Model = modelID
		r.logAudit(audit.EventModelCallStart, runID, map[string]interface{}{"model": modelID})

		client := r.clients[entry.Tier]
		if client == nil {
			continue
		}
		resp, err := client.Chat(ctx, attemptReq)
		if err != nil {
			r.cooldown.recordFailure(modelID, entry.Limit, entry.Cooldown)
			if r.breaker != nil {
				r.breaker.RecordFailure("router")
			}
			r.recordCall(ctx, modelID, "failure")
			r.logAudit(audit.EventModelCallFailure, runID, map[string]interface{}{"model": modelID, "error": err.Error()})
			continue
		}

		r.cooldown.recordSuccess(modelID)
		if r.breaker != nil {
			r.breaker.RecordSuccess("router")
		}
		r.recordCall(ctx, modelID, "success")
		wasFallback := i > 0
		if r.budget != nil {
			if err := r.budget.RecordCost(modelID, resp.TokensIn, resp.TokensOut, taskType, wasFallback); err != nil {
				r.log.Error("record cost failed", logging.Fields{"error": err.Error()})
			}
		}
		r.logAudit(audit.EventModelCallSuccess, runID, map[string]interface{}{"model": modelID, "fallback_used": wasFallback})
		if wasFallback {
			r.logAudit(audit.EventModelCallFallback, runID, map[string]interface{}{"model": modelID})
		}
		return resp, nil
	}

	if budgetSkips > 0 && budgetSkips == len(candidates) {
		return ChatResponse{}, ErrBudgetExceeded
	}
	return ChatResponse{}, ErrRouterExhausted
}

func (r *Router) recordCall(ctx context.Context, model, outcome string) {
	if r.tel != nil {
		r.tel.RecordRouterCall(ctx, model, outcome)
	}
}

func (r *Router) logAudit(eventType audit.EventType, runID string, data map[string]interface{}) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(eventType, "router", data, runID); err != nil {
		r.log.Error("audit log failed", logging.Fields{"error": err.Error()})
	}
}

func promoteToFront(models []string, preferred string) []string {
	out := []string{preferred}
	for _, m := range models {
		if m != preferred {
			out = append(out, m)
		}
	}
	return out
}

func dropLocalTier(models []string, catalog map[string]ModelEntry) []string {
	var out []string
	for _, m := range models {
		if entry, ok := catalog[m]; ok && entry.Tier == TierLocal {
			continue
		}
		out = append(out, m)
	}
	return out
}
