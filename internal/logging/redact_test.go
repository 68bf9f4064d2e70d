package logging

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"shopify token", "auth failed for shpat_a1b2c3d4e5", "auth failed for [REDACTED]"},
		{"llm key", "key sk-proj_12345678 rejected", "key [REDACTED] rejected"},
		{"bearer header", "Authorization: Bearer abc.def.ghi", "Authorization: [REDACTED]"},
		{"clean string", "task 42 failed: timeout", "task 42 failed: timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Redact(tt.in); got != tt.want {
				t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRedactNeverLeaksToken(t *testing.T) {
	msg := Redact("store token shpat_deadbeefcafe for shop s1.example")
	if strings.Contains(msg, "deadbeef") {
		t.Fatalf("redacted message still contains token material: %q", msg)
	}
}
