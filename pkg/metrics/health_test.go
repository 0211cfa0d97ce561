package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func TestUpdateComponent(t *testing.T) {
	resetHealth()

	UpdateComponent("store", true, "ok")
	UpdateComponent("store", false, "disk full")

	comp := healthChecker.components["store"]
	if comp.Healthy {
		t.Error("component should be unhealthy after update")
	}
	if comp.Message != "disk full" {
		t.Errorf("expected message 'disk full', got '%s'", comp.Message)
	}
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{"all healthy", map[string]bool{"store": true, "bus": true}, "healthy"},
		{"one unhealthy", map[string]bool{"store": true, "bus": false}, "unhealthy"},
		{"nothing registered", nil, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			SetVersion("1.0.0")
			for name, ok := range tt.components {
				UpdateComponent(name, ok, "redis unreachable")
			}

			health := GetHealth()
			if health.Status != tt.want {
				t.Errorf("expected status '%s', got '%s'", tt.want, health.Status)
			}
			if health.Version != "1.0.0" {
				t.Errorf("expected version '1.0.0', got '%s'", health.Version)
			}
		})
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth()
	UpdateComponent(ComponentStore, true, "")
	UpdateComponent(ComponentBus, true, "")

	// listener not registered yet
	if r := GetReadiness(); r.Status != "not_ready" || r.Message == "" {
		t.Errorf("expected not_ready with a message, got %s %q", r.Status, r.Message)
	}

	UpdateComponent(ComponentListener, false, "resubscribing")
	if r := GetReadiness(); r.Status != "not_ready" {
		t.Errorf("expected not_ready, got %s", r.Status)
	}

	UpdateComponent(ComponentListener, true, "")
	if r := GetReadiness(); r.Status != "ready" {
		t.Errorf("expected ready, got %s", r.Status)
	}
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth()
	SetCriticalComponents(ComponentBus)
	UpdateComponent(ComponentBus, true, "")

	if r := GetReadiness(); r.Status != "ready" {
		t.Errorf("expected ready with only the bus critical, got %s", r.Status)
	}
}

func TestHandlers(t *testing.T) {
	resetHealth()
	UpdateComponent(ComponentBus, false, "broken")

	tests := []struct {
		path    string
		handler http.HandlerFunc
		code    int
		status  string
	}{
		{"/health", HealthHandler(), http.StatusServiceUnavailable, "unhealthy"},
		{"/ready", ReadyHandler(), http.StatusServiceUnavailable, "not_ready"},
		{"/live", LivenessHandler(), http.StatusOK, "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			w := httptest.NewRecorder()
			tt.handler(w, req)

			if w.Code != tt.code {
				t.Errorf("expected status %d, got %d", tt.code, w.Code)
			}
			var body map[string]interface{}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if body["status"] != tt.status {
				t.Errorf("expected status %q, got %v", tt.status, body["status"])
			}
		})
	}
}
