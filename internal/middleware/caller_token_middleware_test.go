package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"keybroker/internal/utils"
)

func TestCallerTokenMiddleware(t *testing.T) {
	middleware := CallerTokenMiddleware([]string{"inference-a", "inference-b"})

	tests := []struct {
		name           string
		header         string
		value          string
		expectedStatus int
	}{
		{"valid Bearer token", "Authorization", "Bearer inference-a", http.StatusOK},
		{"second token", "Authorization", "Bearer inference-b", http.StatusOK},
		{"X-Broker-Token header", "X-Broker-Token", "inference-a", http.StatusOK},
		{"unknown token", "Authorization", "Bearer inference-c", http.StatusUnauthorized},
		{"Bearer with no token", "Authorization", "Bearer ", http.StatusUnauthorized},
		{"malformed Bearer", "Authorization", "Bearerinference-a", http.StatusUnauthorized},
		{"different auth scheme", "Authorization", "Basic abc123", http.StatusUnauthorized},
		{"no header", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if _, ok := GetCaller(r.Context()); !ok {
					t.Error("caller not found in context")
				}
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest("POST", "/v1/broker/select", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestCallerTokenMiddleware_Disabled(t *testing.T) {
	handler := CallerTokenMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", w.Code)
	}
}

func TestGetCaller(t *testing.T) {
	if _, ok := GetCaller(context.Background()); ok {
		t.Error("Expected no caller in empty context")
	}
	ctx := context.WithValue(context.Background(), CallerKey, 42)
	if _, ok := GetCaller(ctx); ok {
		t.Error("Expected type assertion to fail for wrong type")
	}
}

func TestRequestLogging(t *testing.T) {
	handler := RequestLogging(utils.NewLogger("test"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	t.Run("generates request id", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		if w.Code != http.StatusTeapot {
			t.Errorf("Expected status 418, got %d", w.Code)
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Error("Expected X-Request-ID to be set")
		}
	})

	t.Run("keeps caller request id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("X-Request-ID", "abc")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if got := w.Header().Get("X-Request-ID"); got != "abc" {
			t.Errorf("Expected X-Request-ID abc, got %s", got)
		}
	})
}
