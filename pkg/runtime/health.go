// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jllopis/rtfscore/pkg/audit"
	"github.com/jllopis/rtfscore/pkg/checkpoint"
	"github.com/jllopis/rtfscore/pkg/host"
	"github.com/jllopis/rtfscore/pkg/mcp"
)

// HealthStatus represents the health state of a session component.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthResult is the outcome of one component check.
type HealthResult struct {
	Component string       `json:"component"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
}

// HealthChecker checks the health of a component. The context carries the
// check deadline.
type HealthChecker interface {
	Check(ctx context.Context) HealthResult
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) HealthResult

func (f HealthCheckFunc) Check(ctx context.Context) HealthResult { return f(ctx) }

// Health is a registry of named component checkers.
type Health struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealth returns an empty registry.
func NewHealth() *Health {
	return &Health{checkers: make(map[string]HealthChecker)}
}

// Register adds or replaces the checker for name.
func (h *Health) Register(name string, checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Check runs the checker registered under name.
func (h *Health) Check(ctx context.Context, name string) (HealthResult, error) {
	h.mu.RLock()
	checker, ok := h.checkers[name]
	h.mu.RUnlock()
	if !ok {
		return HealthResult{}, fmt.Errorf("checker not registered: %s", name)
	}
	return stamp(name, checker.Check(ctx)), nil
}

// CheckAll runs every checker. Results are sorted by component; the overall
// status is the worst individual one.
func (h *Health) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	overall := HealthHealthy
	results := make([]HealthResult, 0, len(names))
	for _, name := range names {
		res, err := h.Check(ctx, name)
		if err != nil {
			// unregistered concurrently
			continue
		}
		results = append(results, res)
		switch res.Status {
		case HealthUnhealthy:
			overall = HealthUnhealthy
		case HealthDegraded:
			if overall == HealthHealthy {
				overall = HealthDegraded
			}
		}
	}
	return results, overall
}

func stamp(name string, res HealthResult) HealthResult {
	res.Component = name
	if res.Status == "" {
		res.Status = HealthHealthy
	}
	if res.LastCheck.IsZero() {
		res.LastCheck = time.Now().UTC()
	}
	return res
}

func unhealthy(err error) HealthResult {
	return HealthResult{Status: HealthUnhealthy, Message: err.Error()}
}

func checkpointHealth(store checkpoint.Store) HealthChecker {
	return HealthCheckFunc(func(ctx context.Context) HealthResult {
		if _, err := store.List(ctx, checkpoint.Filter{Limit: 1}); err != nil {
			return unhealthy(err)
		}
		return HealthResult{Status: HealthHealthy}
	})
}

func auditHealth(store audit.Store) HealthChecker {
	return HealthCheckFunc(func(ctx context.Context) HealthResult {
		if _, err := store.List(ctx, audit.Filter{Limit: 1}); err != nil {
			return unhealthy(err)
		}
		return HealthResult{Status: HealthHealthy}
	})
}

// driverHealth is degraded while any namespace circuit is not closed.
func driverHealth(d *host.Driver) HealthChecker {
	return HealthCheckFunc(func(context.Context) HealthResult {
		var tripped []string
		for ns, state := range d.BreakerStates() {
			if state != host.BreakerClosed {
				tripped = append(tripped, fmt.Sprintf("%s=%s", ns, state))
			}
		}
		if len(tripped) == 0 {
			return HealthResult{Status: HealthHealthy}
		}
		sort.Strings(tripped)
		return HealthResult{Status: HealthDegraded, Message: fmt.Sprintf("circuits %v", tripped)}
	})
}

func mcpHealth(c *mcp.Client) HealthChecker {
	return HealthCheckFunc(func(ctx context.Context) HealthResult {
		if err := c.Ping(ctx); err != nil {
			return unhealthy(err)
		}
		return HealthResult{Status: HealthHealthy}
	})
}
