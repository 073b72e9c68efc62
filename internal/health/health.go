// Package health serves liveness and readiness probes for the courier
// process.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// CheckFunc returns nil if the component is healthy, or an error describing
// the issue.
type CheckFunc func() error

// Component is the health of a single registered component.
type Component struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status               `json:"status"`
	Components map[string]Component `json:"components,omitempty"`
	Timestamp  string               `json:"timestamp"`
}

// Checker provides liveness and readiness probes. Pipeline components
// (consumers, uploaders) register readiness checks by name.
type Checker struct {
	mu           sync.RWMutex
	checks       map[string]CheckFunc
	shuttingDown atomic.Bool
}

// New creates a health Checker.
func New() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// RegisterReadiness registers a named readiness check, called on each
// /ready request.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetShuttingDown marks the instance as shutting down. After this, both
// /live and /ready return 503 so load balancers drain the instance.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// LiveHandler serves the /live endpoint. Liveness only checks that the
// process is running and not in shutdown.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.drainResponse(w) {
			return
		}
		writeJSON(w, http.StatusOK, Response{
			Status:    StatusUp,
			Timestamp: timestamp(),
		})
	}
}

// ReadyHandler serves the /ready endpoint. Readiness runs all registered
// checks; if any fail, the response is 503.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.drainResponse(w) {
			return
		}

		c.mu.RLock()
		checks := make(map[string]CheckFunc, len(c.checks))
		for name, fn := range c.checks {
			checks[name] = fn
		}
		c.mu.RUnlock()

		overall := StatusUp
		components := make(map[string]Component, len(checks))
		for name, check := range checks {
			if err := check(); err != nil {
				overall = StatusDown
				components[name] = Component{Status: StatusDown, Message: err.Error()}
			} else {
				components[name] = Component{Status: StatusUp}
			}
		}

		code := http.StatusOK
		if overall == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, Response{
			Status:     overall,
			Components: components,
			Timestamp:  timestamp(),
		})
	}
}

// drainResponse writes the shutting-down 503 when draining.
func (c *Checker) drainResponse(w http.ResponseWriter) bool {
	if !c.shuttingDown.Load() {
		return false
	}
	writeJSON(w, http.StatusServiceUnavailable, Response{
		Status:    StatusDown,
		Timestamp: timestamp(),
		Components: map[string]Component{
			"process": {Status: StatusDown, Message: "shutting down"},
		},
	})
	return true
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
