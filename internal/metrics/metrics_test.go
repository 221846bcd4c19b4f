package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_Health(t *testing.T) {
	tests := []struct {
		name   string
		health HealthFunc
		want   int
	}{
		{name: "no check", health: nil, want: http.StatusOK},
		{name: "healthy", health: func() error { return nil }, want: http.StatusOK},
		{name: "unhealthy", health: func() error { return errors.New("gateway disconnected") }, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Handler(tt.health).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHandler_Metrics(t *testing.T) {
	SessionsOpen.Set(3)

	rec := httptest.NewRecorder()
	Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dutywatch_sessions_open 3") {
		t.Errorf("metrics output missing dutywatch_sessions_open")
	}
}
