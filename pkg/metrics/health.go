package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// criticalComponents gates readiness: every one of conductor's three roles
// (api, scheduler, worker) depends on the durable store and the KV store,
// and the api role additionally depends on its own listener being up.
// /readyz reports not_ready until all three have reported in healthy.
var criticalComponents = []string{"store", "kv", "api"}

// HealthStatus is the JSON body served by /healthz and /readyz.
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "not_ready", "unhealthy"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

var healthChecker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

// ComponentHealth is the last reported status of one dependency (the
// Postgres store, the Redis KV store, the HTTP listener, ...).
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker aggregates every component's last reported status behind a
// single process-wide instance, read by the api role's /healthz, /readyz, and
// /livez endpoints.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

// SetVersion records the build version reported in health responses.
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent records a dependency's initial status; call once per
// dependency at process startup (store, kv, api).
func RegisterComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent reports a change in a dependency's status after startup
// (e.g. a lost database connection detected mid-run).
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth reports whether every registered component is currently
// healthy, regardless of whether it is on the critical-for-readiness list.
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(healthChecker.components))
	for name, comp := range healthChecker.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + comp.Message
	}

	return healthChecker.snapshot(status, "", components)
}

// GetReadiness reports whether every component in criticalComponents has
// both registered and reported healthy — the condition a load balancer or
// orchestrator should wait on before routing traffic to this process.
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(criticalComponents))

	for _, name := range criticalComponents {
		comp, exists := healthChecker.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return healthChecker.snapshot(status, message, components)
}

func (h *HealthChecker) snapshot(status, message string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Uptime:     time.Since(h.startTime).String(),
		StartTime:  h.startTime,
	}
}

// HealthHandler serves GET /healthz: 200 if every registered component is
// healthy, 503 otherwise.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		writeHealthJSON(w, health.Status == "unhealthy", health)
	}
}

// ReadyHandler serves GET /readyz: 200 once every critical component has
// reported healthy, 503 while any is missing or unhealthy.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		writeHealthJSON(w, readiness.Status != "ready", readiness)
	}
}

// LivenessHandler serves GET /livez: always 200 while the process can still
// handle requests at all, independent of any dependency's state.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}

func writeHealthJSON(w http.ResponseWriter, unavailable bool, body HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	statusCode := http.StatusOK
	if unavailable {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}
