package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
)

// ErrDegraded marks a check failure that should not take the service out of
// rotation, such as agents that stopped reporting.
var ErrDegraded = stderrors.New("degraded")

// Check states reported per checker.
const (
	stateHealthy   = "healthy"
	stateDegraded  = "degraded"
	stateUnhealthy = "unhealthy"
	stateTimeout   = "timeout"
)

type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker is implemented by the store, the poller manager and telemetry.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthManager aggregates named checkers behind the /health endpoints.
//
// Liveness never runs checkers. Readiness and the aggregate endpoint run all
// of them. Startup fails until MarkStarted is called.
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	version  string
	started  atomic.Bool
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{checkers: make(map[string]HealthChecker), version: version}
}

func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// MarkStarted flips the startup probe once pollers and the listener are up.
func (hm *HealthManager) MarkStarted() {
	hm.started.Store(true)
}

func (hm *HealthManager) snapshot() map[string]HealthChecker {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make(map[string]HealthChecker, len(hm.checkers))
	for name, c := range hm.checkers {
		out[name] = c
	}
	return out
}

func (hm *HealthManager) runHealthChecks(ctx context.Context) map[string]string {
	checkers := hm.snapshot()
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		checks[name] = classify(ctx, checkers[name])
	}
	return checks
}

func classify(ctx context.Context, c HealthChecker) string {
	if ctx.Err() != nil {
		return stateTimeout
	}
	err := c.CheckHealth(ctx)
	switch {
	case err == nil:
		return stateHealthy
	case stderrors.Is(err, ErrDegraded):
		return stateDegraded
	case stderrors.Is(err, context.DeadlineExceeded):
		return stateTimeout
	default:
		return stateUnhealthy
	}
}

// overallStatus is unhealthy if any check is; timeouts only degrade.
func overallStatus(checks map[string]string) string {
	status := stateHealthy
	for _, s := range checks {
		switch s {
		case stateUnhealthy:
			return stateUnhealthy
		case stateDegraded, stateTimeout:
			status = stateDegraded
		}
	}
	return status
}

func (hm *HealthManager) fail(w http.ResponseWriter, r *http.Request, probe, message, status string, checks map[string]string) {
	envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", message)
	respondWithError(w, r, enrichHealthEnvelope(envelope, probe, status, checks))
}

func writeProbe(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GET /health with per-check states.
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := hm.runHealthChecks(ctx)
	status := overallStatus(checks)
	if status == stateUnhealthy {
		hm.fail(w, r, "aggregate", "aggregate health check failed", status, checks)
		return
	}
	writeProbe(w, HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

// LivenessHandler reports that the process is serving requests.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, ProbeResponse{Status: stateHealthy, Timestamp: time.Now().UTC()})
}

// ReadinessHandler fails when any hard dependency is unhealthy. Stale agents
// only degrade it.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := hm.runHealthChecks(ctx)
	status := overallStatus(checks)
	if status == stateUnhealthy {
		hm.fail(w, r, "ready", "ready probe failed", status, checks)
		return
	}
	writeProbe(w, ProbeResponse{Status: status, Timestamp: time.Now().UTC()})
}

func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	if !hm.started.Load() {
		hm.fail(w, r, "startup", "startup probe failed", "starting", nil)
		return
	}
	writeProbe(w, ProbeResponse{Status: stateHealthy, Timestamp: time.Now().UTC()})
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	details := map[string]interface{}{"status": status, "probe": probe}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	envelope = envelope.WithDetails(details)

	var failing []string
	for name, result := range checks {
		if result != stateHealthy {
			failing = append(failing, name)
		}
	}
	contextData := map[string]interface{}{"probe": probe}
	if len(failing) > 0 {
		sort.Strings(failing)
		contextData["unhealthy_checks"] = failing
	}
	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

var globalHealthManager *HealthManager

func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func withGlobalManager(probe string, handle func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hm := globalHealthManager; hm != nil {
			handle(hm, w, r)
			return
		}
		envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health manager not initialized")
		respondWithError(w, r, enrichHealthEnvelope(envelope, probe, "unknown", nil))
	}
}

// Handlers backed by the global manager.
var (
	HealthHandler    = withGlobalManager("aggregate", (*HealthManager).HealthHandler)
	LivenessHandler  = withGlobalManager("live", (*HealthManager).LivenessHandler)
	ReadinessHandler = withGlobalManager("ready", (*HealthManager).ReadinessHandler)
	StartupHandler   = withGlobalManager("startup", (*HealthManager).StartupHandler)
)
