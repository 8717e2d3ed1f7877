package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		message  string
		wantCode string
	}{
		{"service busy", http.StatusServiceUnavailable, "service temporarily busy", "Service Unavailable"},
		{"not found", http.StatusNotFound, "binding not found", "Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			RespondWithError(w, tt.code, tt.message)

			if w.Code != tt.code {
				t.Errorf("RespondWithError() status = %d, want %d", w.Code, tt.code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %s, want application/json", ct)
			}

			var response ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if response.Error != tt.message {
				t.Errorf("message = %s, want %s", response.Error, tt.message)
			}
			if response.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", response.Code, tt.wantCode)
			}
		})
	}
}

func TestRespondWithJSON(t *testing.T) {
	w := httptest.NewRecorder()

	payload := map[string]any{"healthy": 3, "exhausted": 1}
	if err := RespondWithJSON(w, http.StatusOK, payload); err != nil {
		t.Fatalf("RespondWithJSON() error = %v", err)
	}

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	var response map[string]int
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["healthy"] != 3 || response["exhausted"] != 1 {
		t.Errorf("unexpected body %v", response)
	}
}
