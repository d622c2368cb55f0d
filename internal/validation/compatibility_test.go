package validation

import (
	"strings"
	"testing"
)

func TestValidateDaemonVersion(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"1.2.0", true},
		{"1.4.7", true},
		{"2.0.0-beta1", true},
		{"1.1.9", false},
		{"0.9.0", false},
		{"latest", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidateDaemonVersion(tt.version); got.OK != tt.ok {
			t.Errorf("ValidateDaemonVersion(%q).OK = %v, want %v (%s)", tt.version, got.OK, tt.ok, got.Message)
		}
	}
}

func TestCheckDaemonHealth(t *testing.T) {
	ok := CheckDaemonHealth("1.4.0", 1, []string{"back", "front"})
	if !ok.OK || !strings.HasPrefix(ok.Message, "camera daemon health check passed") {
		t.Errorf("healthy daemon: %+v", ok)
	}
	if len(ok.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", ok.Warnings)
	}

	bad := CheckDaemonHealth("1.4.0", 2, []string{"back"})
	if bad.OK {
		t.Error("rpc mismatch should fail")
	}
	if len(bad.Warnings) != 1 || !strings.Contains(bad.Warnings[0], "front") {
		t.Errorf("Warnings = %v", bad.Warnings)
	}
	if len(bad.Fixes) == 0 {
		t.Error("failed check should suggest fixes")
	}
}

func TestSuggestedFixes(t *testing.T) {
	if fixes := SuggestedFixes(204, ""); !strings.Contains(strings.Join(fixes, "\n"), "Update the camera daemon") {
		t.Errorf("204 fixes = %v", fixes)
	}
	if fixes := SuggestedFixes(409, ""); !strings.Contains(fixes[0], "another client") {
		t.Errorf("409 fixes = %v", fixes)
	}
	if fixes := SuggestedFixes(0, "camera daemon not connected"); !strings.Contains(fixes[0], "Cannot connect") {
		t.Errorf("not connected fixes = %v", fixes)
	}
	if fixes := SuggestedFixes(500, "boom"); fixes[0] != "Error: boom" {
		t.Errorf("generic fixes = %v", fixes)
	}
}
