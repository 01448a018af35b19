package monitor

import (
	"sync"
	"time"
)

// Unhealthy thresholds for background tasks
const (
	MaxSinceSuccess      = 1 * time.Hour
	MaxConsecutiveErrors = 3
)

// TaskMonitor tracks the health of a periodic background task
type TaskMonitor struct {
	name string

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewTaskMonitor creates a monitor for the named task
func NewTaskMonitor(name string) *TaskMonitor {
	return &TaskMonitor{name: name}
}

// Name of the monitored task
func (tm *TaskMonitor) Name() string { return tm.name }

// RecordSuccess records a successful run.
func (tm *TaskMonitor) RecordSuccess() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := time.Now()
	tm.lastSuccess = now
	tm.lastAttempt = now
	tm.consecutiveErrors = 0
	tm.lastError = ""
}

// RecordFailure records a failed run.
func (tm *TaskMonitor) RecordFailure(err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.lastAttempt = time.Now()
	tm.consecutiveErrors++
	if err != nil {
		tm.lastError = err.Error()
	}
}

// IsHealthy returns true if the task is working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - Haven't succeeded in >1 hour
//   - More than 3 consecutive failures
func (tm *TaskMonitor) IsHealthy() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.healthyLocked()
}

func (tm *TaskMonitor) healthyLocked() bool {
	if tm.lastSuccess.IsZero() {
		return false
	}
	if time.Since(tm.lastSuccess) > MaxSinceSuccess {
		return false
	}
	return tm.consecutiveErrors <= MaxConsecutiveErrors
}

// TaskStatus is the health check view of a TaskMonitor
type TaskStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current task status for health checks.
func (tm *TaskMonitor) Status() TaskStatus {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	status := TaskStatus{
		Name:    tm.name,
		Healthy: tm.healthyLocked(),
	}

	if !tm.lastSuccess.IsZero() {
		status.LastSuccess = tm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(tm.lastSuccess).Round(time.Second).String()
	}

	if !tm.lastAttempt.IsZero() {
		status.LastAttempt = tm.lastAttempt.Format(time.RFC3339)
	}

	if tm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = tm.consecutiveErrors
		status.LastError = tm.lastError
	}

	return status
}
