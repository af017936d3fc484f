// ABOUTME: Tests for .env line parsing and the no-clobber file application.
// ABOUTME: Uses unique key names so parallel test binaries never collide on the environment.
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		line  string
		key   string
		value string
		ok    bool
	}{
		{"FOO=bar", "FOO", "bar", true},
		{"  FOO = bar  ", "FOO", "bar", true},
		{"export FOO=bar", "FOO", "bar", true},
		{`FOO="quoted value"`, "FOO", "quoted value", true},
		{"FOO='single'", "FOO", "single", true},
		{"FOO=a=b=c", "FOO", "a=b=c", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"no equals sign", "", "", false},
		{"=orphan", "", "", false},
	}

	for _, tc := range cases {
		key, value, ok := parseEnvLine(tc.line)
		if ok != tc.ok || key != tc.key || value != tc.value {
			t.Errorf("parseEnvLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.line, key, value, ok, tc.key, tc.value, tc.ok)
		}
	}
}

func TestApplyEnvFileDoesNotClobber(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "GLEANER_TEST_FRESH=from-file\nGLEANER_TEST_TAKEN=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("GLEANER_TEST_TAKEN", "from-environment")
	t.Setenv("GLEANER_TEST_FRESH", "")
	os.Unsetenv("GLEANER_TEST_FRESH")

	applyEnvFile(path)

	if got := os.Getenv("GLEANER_TEST_FRESH"); got != "from-file" {
		t.Errorf("expected unset key loaded from file, got %q", got)
	}
	if got := os.Getenv("GLEANER_TEST_TAKEN"); got != "from-environment" {
		t.Errorf("expected existing value preserved, got %q", got)
	}
}
