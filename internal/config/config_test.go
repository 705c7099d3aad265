package config

import (
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
)

func TestDefaults(t *testing.T) {
	var s Settings
	if err := envconfig.Process("OPSGATE_TEST_UNSET", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.ValidateTimeout != 30*time.Second {
		t.Errorf("ValidateTimeout = %s, want 30s", s.ValidateTimeout)
	}
	if s.TransferTimeout != 60*time.Second {
		t.Errorf("TransferTimeout = %s, want 60s", s.TransferTimeout)
	}
	if s.LargeTransferTimeout != 10*time.Minute {
		t.Errorf("LargeTransferTimeout = %s, want 10m", s.LargeTransferTimeout)
	}
	if s.ConnectAttempts != 0 {
		t.Errorf("ConnectAttempts = %d, want 0 (uncapped)", s.ConnectAttempts)
	}
	if s.IdentityHeader != "X-Forwarded-User" {
		t.Errorf("IdentityHeader = %q", s.IdentityHeader)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("OPSGATE_TICKET_TTL", "90s")
	t.Setenv("OPSGATE_KEEPALIVE_MAX_MISSED", "7")

	var s Settings
	if err := envconfig.Process("OPSGATE", &s); err != nil {
		t.Fatalf("process: %v", err)
	}
	if s.TicketTTL != 90*time.Second {
		t.Errorf("TicketTTL = %s, want 90s", s.TicketTTL)
	}
	if s.KeepaliveMaxMissed != 7 {
		t.Errorf("KeepaliveMaxMissed = %d, want 7", s.KeepaliveMaxMissed)
	}
}

func TestMaxUploadBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"500MB", 500 << 20, false},
		{"1GiB", 1 << 30, false},
		{"1024", 1024, false},
		{"lots", 0, true},
		{"0", 0, true},
	}
	for _, tt := range tests {
		s := Settings{MaxUploadSize: tt.in}
		got, err := s.MaxUploadBytes()
		if tt.wantErr {
			if err == nil {
				t.Errorf("MaxUploadBytes(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("MaxUploadBytes(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("MaxUploadBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
