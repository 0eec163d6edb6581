package main

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hyperengineering/calcsync/internal/fakeserver"
)

func TestHealth(t *testing.T) {
	fake := fakeserver.New()
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	tests := []struct {
		name    string
		healthy bool
		wantErr bool
	}{
		{"healthy server", true, false},
		{"unhealthy server", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake.SetHealthy(tt.healthy)

			stdout, _, err := executeCmd(t, "health", "--server", srv.URL)
			if (err != nil) != tt.wantErr {
				t.Fatalf("health error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), "server unhealthy") {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if !strings.HasPrefix(stdout, "ok "+srv.URL) {
				t.Errorf("Expected ok line, got %q", stdout)
			}
		})
	}
}

func TestHealth_Unreachable(t *testing.T) {
	srv := httptest.NewServer(fakeserver.New().Handler())
	url := srv.URL
	srv.Close()

	if _, _, err := executeCmd(t, "health", "--server", url); err == nil {
		t.Error("Expected error for unreachable server")
	}
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCmd(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if stdout != "calcsync "+Version+"\n" {
		t.Errorf("Unexpected version output %q", stdout)
	}
}
