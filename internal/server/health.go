package server

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms"`
}

// slowCheck marks a reachable component as degraded.
const slowCheck = time.Second

// HandleHealth reports every component. Degraded still answers 200.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := s.checkHealth(ctx)
	status := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// HandleReady is the readiness probe for load balancers: every dependency
// must answer within two seconds.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			s.log.Warn().Err(err).Str("check", name).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "not_ready",
				"message": name + " unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleLive is the liveness probe: it answers while the process runs.
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// checkHealth probes all components concurrently.
func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:  time.Now().UTC(),
		Version:    s.cfg.Version,
		Components: make(map[string]ComponentHealth, len(s.checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, p := range s.checks {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()
			c := s.check(ctx, name, p)
			mu.Lock()
			health.Components[name] = c
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	health.Status = overallHealth(health.Components)
	return health
}

// check pings one component. Ping errors are logged and never echoed.
func (s *Server) check(ctx context.Context, name string, p Pinger) ComponentHealth {
	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start)
	c := ComponentHealth{LatencyMs: float64(latency.Microseconds()) / 1000}

	switch {
	case err != nil:
		s.log.Warn().Err(err).Str("check", name).Msg("health check failed")
		c.Status = ComponentStatusDown
		c.Message = "unreachable"
	case latency > slowCheck:
		c.Status = ComponentStatusDegraded
		c.Message = "latency high"
	default:
		c.Status = ComponentStatusUp
	}
	return c
}

// overallHealth is unhealthy if anything is down, degraded if anything is
// slow, healthy otherwise.
func overallHealth(components map[string]ComponentHealth) HealthStatus {
	var down, degraded int
	for _, c := range components {
		switch c.Status {
		case ComponentStatusDown:
			down++
		case ComponentStatusDegraded:
			degraded++
		}
	}
	if down > 0 {
		return HealthStatusUnhealthy
	}
	if degraded > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
