package metrics

import (
	"context"
	"sync"
	"time"
)

// CheckFunc probes one external dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthStatus is the payload of the health endpoint.
type HealthStatus struct {
	Status    string            `json:"status"` // "healthy" or "unhealthy"
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// Healthy reports whether every check passed.
func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}

// HealthChecker runs registered dependency probes on demand.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthChecker creates an empty checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]CheckFunc)}
}

// Register adds a named dependency probe.
func (hc *HealthChecker) Register(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// Check runs every probe with a per-probe timeout and returns the
// aggregate status.
func (hc *HealthChecker) Check(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	checks := make(map[string]CheckFunc, len(hc.checks))
	for name, fn := range hc.checks {
		checks[name] = fn
	}
	hc.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Checks:    make(map[string]string, len(checks)),
		Timestamp: time.Now(),
	}

	for name, fn := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := fn(probeCtx)
		cancel()

		if err != nil {
			status.Status = "unhealthy"
			status.Checks[name] = "unhealthy: " + err.Error()
		} else {
			status.Checks[name] = "healthy"
		}
	}

	return status
}
