package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	// Walk up to find go.mod
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	binPath := filepath.Join(t.TempDir(), "snapguard-test")
	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "snapguard")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

func TestMainHelpFlag(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "--help").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "snapguard")
	assert.Contains(t, string(out), "duplicates")
}

func TestMainUnknownCommand(t *testing.T) {
	bin := buildBinary(t)

	out, err := exec.Command(bin, "unknown-command-xyz").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, strings.ToLower(string(out)), "unknown")
}

func TestBinaryCaptureAndStatus(t *testing.T) {
	bin := buildBinary(t)
	dir := t.TempDir()
	root := filepath.Join(dir, "docs")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0644))
	cfg := filepath.Join(dir, "state", "config.yaml")

	run := func(args ...string) string {
		t.Helper()
		out, err := exec.Command(bin, append([]string{"--no-color", "--config", cfg}, args...)...).CombinedOutput()
		require.NoError(t, err, "%v: %s", args, string(out))
		return string(out)
	}

	run("config", "init", root)
	assert.Contains(t, run("snapshot", "capture", root), "captured")
	out := run("--json", "status")
	assert.Contains(t, out, `"paths": 1`)
}

func TestBinaryErrorHandling(t *testing.T) {
	bin := buildBinary(t)

	cfg := filepath.Join(t.TempDir(), "missing.yaml")
	out, err := exec.Command(bin, "--no-color", "--config", cfg, "snapshot", "list").CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, string(out), "snapguard:")
	assert.Contains(t, string(out), "E_CONFIG_INVALID")
}
