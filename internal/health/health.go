// Package health aggregates dependency probes into a readiness report.
// Liveness stays a bare 200; readiness walks the registered checks so
// orchestrators stop routing traffic when a critical dependency is down.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status summarizes one check or the whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of a single probe.
type CheckResult struct {
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Critical bool          `json:"critical"`
	Duration time.Duration `json:"duration"`
}

// Report is the aggregate readiness view. Status is unhealthy when any
// critical check fails and degraded when only optional ones do.
type Report struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

type check struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Registry holds named dependency checks. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry builds an empty registry with a per-check timeout.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout, logger: logger}
}

// Register adds a probe. Critical failures make the whole report
// unhealthy; optional failures only degrade it.
func (r *Registry) Register(name string, critical bool, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, check{name: name, critical: critical, fn: fn})
}

// RunChecks probes every registered dependency concurrently.
func (r *Registry) RunChecks(ctx context.Context) Report {
	r.mu.RLock()
	checks := make([]check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Checks:    make(map[string]CheckResult, len(checks)),
		Timestamp: time.Now(),
	}

	type outcome struct {
		name   string
		result CheckResult
	}
	results := make(chan outcome, len(checks))
	for _, c := range checks {
		go func(c check) {
			start := time.Now()
			checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			res := CheckResult{Status: StatusHealthy, Critical: c.critical}
			if err := c.fn(checkCtx); err != nil {
				res.Status = StatusUnhealthy
				res.Error = err.Error()
			}
			res.Duration = time.Since(start)
			results <- outcome{name: c.name, result: res}
		}(c)
	}

	for range checks {
		o := <-results
		report.Checks[o.name] = o.result
		if o.result.Status != StatusUnhealthy {
			continue
		}
		if o.result.Critical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

// Handler serves the readiness report as JSON. Critical failures map
// to 503 so load balancers pull the instance.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		report := r.RunChecks(req.Context())

		if report.Status == StatusUnhealthy {
			names := failedChecks(report)
			r.logger.Warn("Readiness check failed", zap.Strings("checks", names))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

func failedChecks(report Report) []string {
	var names []string
	for name, res := range report.Checks {
		if res.Status == StatusUnhealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
