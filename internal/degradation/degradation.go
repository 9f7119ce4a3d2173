// Package degradation implements Low-Power Mode (spec.md §4.6): a cheap
// health probe against the local inference endpoint that, after two
// consecutive failures, rewrites local-tier model requests to a cloud
// fallback until the endpoint recovers.
package degradation

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agenthub/kernel/internal/audit"
	"github.com/agenthub/kernel/internal/breaker"
	"github.com/agenthub/kernel/internal/logging"
	"github.com/agenthub/kernel/internal/storage"
)

const healthCacheTTL = 30 * time.Second

// Manager probes the local inference endpoint and tracks Low-Power Mode.
type Manager struct {
	mu sync.Mutex

	baseURL          string
	notificationPath string
	fallbackModel    string
	timeout          time.Duration

	client  *http.Client
	breaker *breaker.ComponentBreaker
	audit   *audit.Log
	log     logging.Logger

	lastCheck   time.Time
	lastHealthy bool
	degraded    bool
}

// New builds a degradation manager whose health probe issues a GET
// against baseURL itself (no /health suffix is appended). notificationPath is the Low-Power-Mode sentinel
// file (default data/LOW_POWER_MODE.txt); fallbackModel is the cloud
// model substituted for local-tier requests while degraded. al may be
// nil, in which case enter/recover transitions are not audited.
func New(baseURL, notificationPath, fallbackModel string, timeout time.Duration, cb *breaker.ComponentBreaker, al *audit.Log, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Manager{
		baseURL:          baseURL,
		notificationPath: notificationPath,
		fallbackModel:    fallbackModel,
		timeout:          timeout,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: cb,
		audit:   al,
		log:     log.WithComponent("hub/degradation"),
	}
}

// IsHealthy probes (or returns the cached result within healthCacheTTL)
// and updates the component-layer breaker and Low-Power Mode state.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastCheck) < healthCacheTTL && m.lastHealthy {
		return true
	}

	healthy := m.probe(ctx)
	m.lastCheck = time.Now().UTC()
	m.lastHealthy = healthy

	if healthy {
		if m.breaker != nil {
			m.breaker.RecordSuccess("ollama")
		}
		if m.degraded {
			m.recoverLocked()
		}
		return true
	}

	if m.breaker != nil {
		m.breaker.RecordFailure("ollama")
		if m.breaker.OllamaFailureCount() >= 2 && !m.degraded {
			m.enterLocked()
		}
	}
	return false
}

func (m *Manager) probe(ctx context.Context) bool {
	url := m.baseURL
	if url == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// IsDegraded reports whether the process is currently in Low-Power Mode.
func (m *Manager) IsDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// GetBestAvailableModel rewrites preferred to the configured cloud
// fallback while degraded, and is a no-op otherwise.
func (m *Manager) GetBestAvailableModel(preferred string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		return m.fallbackModel
	}
	return preferred
}

func (m *Manager) enterLocked() {
	m.degraded = true
	m.log.Warn("entering low-power mode", logging.Fields{"base_url": m.baseURL})
	if err := storage.AtomicWriteFile(m.notificationPath, []byte(fmt.Sprintf(
		"Low-Power Mode entered at %s: local inference endpoint unreachable.\n",
		time.Now().UTC().Format(time.RFC3339))), 0o644); err != nil {
		m.log.Error("write low-power notification failed", logging.Fields{"error": err.Error()})
	}
	m.logAudit(audit.EventDegradationEnter)
}

func (m *Manager) recoverLocked() {
	m.degraded = false
	m.log.Info("recovered from low-power mode", logging.Fields{"base_url": m.baseURL})
	if err := os.Remove(m.notificationPath); err != nil && !os.IsNotExist(err) {
		m.log.Error("remove low-power notification failed", logging.Fields{"error": err.Error()})
	}
	m.logAudit(audit.EventDegradationRecover)
}

func (m *Manager) logAudit(eventType audit.EventType) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(eventType, "degradation", map[string]interface{}{"base_url": m.baseURL}, ""); err != nil {
		m.log.Error("audit log failed", logging.Fields{"error": err.Error()})
	}
}
