package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) (bool, error)
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
		healthy, err := check.Check(checkCtx)
		cancel()
		if err != nil || !healthy {
			status.Status = "unhealthy"
			if err != nil {
				status.Checks[check.Name] = err.Error()
			} else {
				status.Checks[check.Name] = "check failed"
			}
		} else {
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}

// StartBackgroundChecks runs every check on its own interval until ctx is
// done, logging transitions between healthy and failing.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context, logger *zap.SugaredLogger) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go h.runCheckPeriodically(ctx, check, logger)
	}
}

func (h *HealthChecker) runCheckPeriodically(ctx context.Context, check HealthCheck, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
			ok, err := check.Check(checkCtx)
			cancel()

			ok = ok && err == nil
			if ok != healthy {
				if ok {
					logger.Infow("health check recovered", "check", check.Name)
				} else {
					logger.Warnw("health check failing", "check", check.Name, "error", err)
				}
				healthy = ok
			}
		}
	}
}
