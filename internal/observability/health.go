package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
type ReadinessChecks struct {
	// Required checks, always run.
	DefinitionsLoaded func() bool
	DirectoryLoaded   func() bool

	// Optional checks, only run if non-nil.
	Store       HealthChecker
	LockBackend HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns an HTTP handler for the readiness endpoint. All checks
// run concurrently; any failing check makes the service not ready.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runners := map[string]func(context.Context) CheckResult{
			"definitions": flagCheck(checks.DefinitionsLoaded, "seed definitions not applied"),
			"directory":   flagCheck(checks.DirectoryLoaded, "approver directory not loaded"),
		}
		if checks.Store != nil {
			runners["store"] = timedCheck(checks.Store)
		}
		if checks.LockBackend != nil {
			runners["lock_backend"] = timedCheck(checks.LockBackend)
		}

		results := make(map[string]CheckResult, len(runners))
		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, run := range runners {
			wg.Go(func() {
				result := run(r.Context())
				mu.Lock()
				results[name] = result
				mu.Unlock()
			})
		}
		wg.Wait()

		status, httpStatus := "ready", http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				status, httpStatus = "not_ready", http.StatusServiceUnavailable
				break
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(ReadinessResponse{Status: status, Checks: results})
	}
}

// flagCheck reports an in-process readiness flag. A nil flag is never ready.
func flagCheck(ready func() bool, reason string) func(context.Context) CheckResult {
	return func(context.Context) CheckResult {
		if ready != nil && ready() {
			return CheckResult{Status: "ok"}
		}
		return CheckResult{Status: "error", Error: reason}
	}
}

// timedCheck runs a dependency check under checkTimeout and records latency.
func timedCheck(checker HealthChecker) func(context.Context) CheckResult {
	return func(parent context.Context) CheckResult {
		ctx, cancel := context.WithTimeout(parent, checkTimeout)
		defer cancel()

		start := time.Now()
		err := checker.HealthCheck(ctx)
		result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
		}
		return result
	}
}
