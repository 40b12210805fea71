package buildinfo_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/otherjamesbrown/mailpulse/pkg/buildinfo"
)

func TestHandler(t *testing.T) {
	for _, role := range []string{"mailpulse-serve", "mailpulse-worker"} {
		t.Run(role, func(t *testing.T) {
			rec := httptest.NewRecorder()
			buildinfo.Handler(role)(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

			if rec.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected Content-Type application/json, got %s", ct)
			}

			var info buildinfo.Info
			if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
				t.Fatalf("Failed to decode JSON response: %v", err)
			}
			if info.ServiceName != role {
				t.Errorf("Expected service_name %q, got %q", role, info.ServiceName)
			}
			if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
				t.Errorf("Expected populated fields, got %+v", info)
			}
			if !strings.HasPrefix(info.GoVersion, "go") {
				t.Errorf("Expected go_version to start with 'go', got %q", info.GoVersion)
			}
		})
	}
}
