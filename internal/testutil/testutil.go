// Package testutil provides testing utilities for ccorch tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// AgentScript installs an executable shell script standing in for the agent
// CLI and returns its path. The script receives the prompt on stdin.
// Tests are skipped where shell scripts cannot run.
func AgentScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write agent script: %v", err)
	}
	return path
}

// SucceedingAgent installs an agent that consumes the prompt and reports a
// successful result with the given session id and cost.
func SucceedingAgent(t *testing.T, sessionID string, costUSD float64) string {
	t.Helper()
	return AgentScript(t, fmt.Sprintf(`read prompt
printf '{"is_error":false,"result":"done","session_id":"%s","total_cost_usd":%g}\n'
`, sessionID, costUSD))
}

// WriteFile writes content to name inside dir, creating parent directories,
// and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", name, err)
	}
	return path
}
