package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		prefix    string
		hexLength int
	}{
		{"fu_", 32},
		{"log_", 16},
		{"", 8},
		{"x_", 0},
	}
	for _, tt := range tests {
		got := GenerateRandomID(tt.prefix, tt.hexLength)
		if !strings.HasPrefix(got, tt.prefix) {
			t.Errorf("GenerateRandomID(%q, %d) = %q, missing prefix", tt.prefix, tt.hexLength, got)
		}
		if len(got) != len(tt.prefix)+tt.hexLength {
			t.Errorf("GenerateRandomID(%q, %d) length = %d, want %d", tt.prefix, tt.hexLength, len(got), len(tt.prefix)+tt.hexLength)
		}
	}
}

func TestRandomStringAlphabets(t *testing.T) {
	hex := GenerateRandomHex(64)
	if strings.Trim(hex, hexChars) != "" {
		t.Errorf("GenerateRandomHex produced non-hex characters: %q", hex)
	}
	alnum := GenerateRandomAlphaNumeric(64)
	if strings.Trim(alnum, alphaNumericChars) != "" {
		t.Errorf("GenerateRandomAlphaNumeric produced characters outside [0-9A-Za-z]: %q", alnum)
	}
	for _, n := range []int{0, -3} {
		if got := GenerateRandomHex(n); got != "" {
			t.Errorf("GenerateRandomHex(%d) = %q, want empty", n, got)
		}
	}
}

func TestGeneratedIDFormats(t *testing.T) {
	fu := GenerateFollowUpID()
	if !strings.HasPrefix(fu, "fu_") || len(fu) != 35 {
		t.Errorf("GenerateFollowUpID() = %q, want fu_ plus 32 hex", fu)
	}
	req := GenerateRequestID()
	if !strings.HasPrefix(req, "req_") || len(req) != 16 {
		t.Errorf("GenerateRequestID() = %q, want req_ plus 12 characters", req)
	}
}

func TestFollowUpIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateFollowUpID()
		if seen[id] {
			t.Fatalf("GenerateFollowUpID() repeated %q after %d ids", id, i)
		}
		seen[id] = true
	}
}
