package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-dispatch-service/internal/task-dispatch/scheduling"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPolicyCheckPrintsEffectivePolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("conflict_penalty: 45\n"), 0o644))

	out, err := runCLI(t, "policy", "check", path)
	require.NoError(t, err)

	var got scheduling.Policy
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	want := scheduling.DefaultPolicy()
	want.ConflictPenalty = 45
	assert.Equal(t, want, got)
}

func TestPolicyCheckRejectsInvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workload_floor: 99\n"), 0o644))

	_, err := runCLI(t, "policy", "check", path)
	assert.Error(t, err)
}

func TestMigrateCreatesTables(t *testing.T) {
	t.Setenv("DISPATCH_DB_DSN", filepath.Join(t.TempDir(), "migrate.db"))
	t.Setenv("DISPATCH_LOG_LEVEL", "error")
	_, err := runCLI(t, "migrate")
	assert.NoError(t, err)
}
