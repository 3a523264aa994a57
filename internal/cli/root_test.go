package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapguard/snapguard/internal/confirm"
	"github.com/snapguard/snapguard/internal/restore"
	"github.com/snapguard/snapguard/pkg/config"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
	"github.com/snapguard/snapguard/pkg/webhook"
)

// resetFlags puts every flag of the command tree back to its default, since
// cobra keeps parsed values on the package-level commands between runs.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(args ...string) (stdout string, err error) {
	resetFlags(rootCmd)

	// Capture os.Stdout since commands print with fmt.Printf
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	rootCmd.SetArgs(args)
	err = rootCmd.Execute()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), err
}

type testSetup struct {
	config string
	state  string
	root   string
}

// run executes a command against the setup's config with colors off.
func (s testSetup) run(args ...string) (string, error) {
	return executeCommand(append([]string{"--no-color", "--config", s.config}, args...)...)
}

func (s testSetup) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(s.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func setupProtected(t *testing.T) testSetup {
	t.Helper()
	dir := t.TempDir()
	s := testSetup{
		state: filepath.Join(dir, "state"),
		root:  filepath.Join(dir, "docs"),
	}
	s.config = filepath.Join(s.state, "config.yaml")
	require.NoError(t, os.MkdirAll(s.root, 0755))

	stdout, err := s.run("config", "init", s.root)
	require.NoError(t, err)
	assert.Contains(t, stdout, "protecting")
	return s
}

func TestRootCommand_Help(t *testing.T) {
	stdout, err := executeCommand("--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "snapshots")
	for _, sub := range []string{"watch", "snapshot", "restore", "promote", "audit", "gc", "doctor", "status"} {
		assert.Contains(t, stdout, sub)
	}
}

func TestRootCommand_JSONFlag(t *testing.T) {
	_, err := executeCommand("--json", "--help")
	require.NoError(t, err)
	assert.True(t, jsonOutput)
}

func TestConfigInit_WritesValidConfig(t *testing.T) {
	s := setupProtected(t)

	cfg, err := config.Load(s.config)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, pathutil.Normalize(s.state), pathutil.Normalize(cfg.StateDir))
	assert.Equal(t, []string{pathutil.Normalize(s.root)}, cfg.Roots)
	assert.Equal(t, filepath.Join(cfg.StateDir, "duplicates"), cfg.DuplicatesDir)

	_, err = s.run("config", "init", s.root)
	assert.Error(t, err, "existing config is not overwritten without --force")
	_, err = s.run("config", "init", "--force", s.root)
	assert.NoError(t, err)
}

func TestConfigShow(t *testing.T) {
	s := setupProtected(t)
	stdout, err := s.run("config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "roots:")
	assert.Contains(t, stdout, "volume_threshold:")

	stdout, err = s.run("config", "path")
	require.NoError(t, err)
	assert.Equal(t, pathutil.Normalize(s.config), strings.TrimSpace(stdout))
}

func TestCommands_RequireConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := executeCommand("--config", missing, "snapshot", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config init")
}

func TestSnapshotCapture_ListAndHistory(t *testing.T) {
	s := setupProtected(t)
	file := s.write(t, "a/report.txt", "version one")
	s.write(t, "b.txt", "other")

	stdout, err := s.run("snapshot", "capture", s.root)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(stdout, "captured"))

	stdout, err = s.run("snapshot", "capture", file)
	require.NoError(t, err)
	assert.Contains(t, stdout, "unchanged")

	s.write(t, "a/report.txt", "version two")
	stdout, err = s.run("snapshot", "capture", file)
	require.NoError(t, err)
	assert.Contains(t, stdout, "generation 2")

	stdout, err = s.run("snapshot", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "report.txt")
	assert.Contains(t, stdout, "b.txt")

	stdout, err = s.run("snapshot", "history", file)
	require.NoError(t, err)
	assert.Contains(t, stdout, "g2")
	assert.Contains(t, stdout, "g1")

	_, err = s.run("snapshot", "history", filepath.Join(s.root, "never.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No snapshots")
}

func TestSnapshotCapture_OutsideRoot(t *testing.T) {
	s := setupProtected(t)
	outside := filepath.Join(t.TempDir(), "x.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))

	_, err := s.run("snapshot", "capture", outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not under a monitored root")
}

func TestRestore_GenerationWritesDuplicate(t *testing.T) {
	s := setupProtected(t)
	file := s.write(t, "report.txt", "good content")
	_, err := s.run("snapshot", "capture", file)
	require.NoError(t, err)
	s.write(t, "report.txt", "ENCRYPTED")
	_, err = s.run("snapshot", "capture", file)
	require.NoError(t, err)

	stdout, err := s.run("--json", "restore", "--generation", "1", file)
	require.NoError(t, err)
	var batches []model.RestoreBatch
	require.NoError(t, json.Unmarshal([]byte(stdout), &batches))
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Actions, 1)
	action := batches[0].Actions[0]
	assert.Equal(t, model.OutcomeRestored, action.Outcome)
	assert.Equal(t, model.Generation(1), action.Generation)
	assert.True(t, strings.HasSuffix(action.Destination, "report.txt.g1"+restore.DuplicateSuffix))

	dup, err := os.ReadFile(action.Destination)
	require.NoError(t, err)
	assert.Equal(t, "good content", string(dup))
	live, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "ENCRYPTED", string(live), "restore never touches the live file")

	stdout, err = s.run("promote", action.Destination, file)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Promoted")
	live, err = os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "good content", string(live))
	asides, _ := filepath.Glob(file + restore.PromoteSuffix + "*")
	assert.Len(t, asides, 1)
}

func TestRestore_NoSnapshotFails(t *testing.T) {
	s := setupProtected(t)
	file := s.write(t, "fresh.txt", "never captured")

	stdout, err := s.run("restore", file)
	require.Error(t, err)
	assert.Contains(t, stdout, "without snapshot")
}

func TestRestore_FlagValidation(t *testing.T) {
	s := setupProtected(t)
	file := s.write(t, "x.txt", "x")

	_, err := s.run("restore")
	assert.Error(t, err)
	_, err = s.run("restore", "--generation", "1", "--alert", "abc", file)
	assert.Error(t, err)
	_, err = s.run("restore", "--before", "yesterday", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--before")
}

func TestAudit_VerifyAndTail(t *testing.T) {
	s := setupProtected(t)
	file := s.write(t, "a.txt", "one")
	_, err := s.run("snapshot", "capture", file)
	require.NoError(t, err)
	s.write(t, "a.txt", "two")
	_, err = s.run("snapshot", "capture", file)
	require.NoError(t, err)

	stdout, err := s.run("audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Audit chain intact")

	stdout, err = s.run("--json", "audit", "tail", "-n", "1")
	require.NoError(t, err)
	var records []model.AuditRecord
	require.NoError(t, json.Unmarshal([]byte(stdout), &records))
	require.Len(t, records, 1)
	assert.Equal(t, model.AuditCapture, records[0].Kind)
	assert.Equal(t, uint64(2), records[0].Seq)
}

func TestGC_PlanAndRun(t *testing.T) {
	s := setupProtected(t)
	file := s.write(t, "a.txt", "one")
	_, err := s.run("snapshot", "capture", file)
	require.NoError(t, err)

	stdout, err := s.run("--json", "gc", "plan")
	require.NoError(t, err)
	var plan model.GCPlan
	require.NoError(t, json.Unmarshal([]byte(stdout), &plan))
	assert.Empty(t, plan.ToDelete, "the only generation is retained")

	stdout, err = s.run("gc", "run", "--plan-id", plan.PlanID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "GC completed")

	_, err = s.run("gc", "run", "--plan-id", plan.PlanID)
	assert.Error(t, err, "a plan runs once")

	_, err = s.run("gc", "run")
	assert.Error(t, err)

	stdout, err = s.run("gc", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, stdout, "GC Plan:")

	stdout, err = s.run("gc")
	require.NoError(t, err)
	assert.Contains(t, stdout, "GC completed")
}

func TestDoctorAndVerify_Healthy(t *testing.T) {
	s := setupProtected(t)
	file := s.write(t, "a.txt", "one")
	_, err := s.run("snapshot", "capture", file)
	require.NoError(t, err)

	_, err = s.run("doctor", "--strict")
	assert.NoError(t, err)

	stdout, err := s.run("verify", "--all")
	require.NoError(t, err)
	assert.Contains(t, stdout, "1 generations checked, 0 failed")
}

func TestStatusAndLock(t *testing.T) {
	s := setupProtected(t)
	file := s.write(t, "a.txt", "one")
	_, err := s.run("snapshot", "capture", file)
	require.NoError(t, err)

	stdout, err := s.run("--json", "status")
	require.NoError(t, err)
	var info statusInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, 1, info.Paths)
	assert.Equal(t, 1, info.Blobs)
	assert.False(t, info.LeaseActive)

	stdout, err = s.run("lock", "status")
	require.NoError(t, err)
	assert.NotContains(t, stdout, "Lease state: held")
}

func TestCompletion(t *testing.T) {
	stdout, err := executeCommand("completion", "bash")
	require.NoError(t, err)
	assert.Contains(t, stdout, "snapguard")

	_, err = executeCommand("completion", "tcsh")
	assert.Error(t, err)
}

func TestBuildPrompter(t *testing.T) {
	cfg := config.Default()

	p, err := buildPrompter("restore", cfg)
	require.NoError(t, err)
	assert.Equal(t, confirm.Fixed(model.VerdictRestore), p)

	_, err = buildPrompter("broker", cfg)
	assert.Error(t, err, "broker needs an address")

	cfg.Metrics.Addr = "127.0.0.1:0"
	p, err = buildPrompter("broker", cfg)
	require.NoError(t, err)
	assert.IsType(t, &confirm.Broker{}, p)

	_, err = buildPrompter("maybe", cfg)
	assert.Error(t, err)
}

func TestWebhookConfig(t *testing.T) {
	cfg := config.Default()
	assert.False(t, webhookConfig(cfg).Enabled)

	cfg.Webhooks.Enabled = true
	cfg.Webhooks.Hooks = []config.WebhookTarget{{URL: "http://example.invalid/hook", Events: []string{"restore.complete"}, Secret: "s"}}
	wc := webhookConfig(cfg)
	assert.True(t, wc.Enabled)
	require.Len(t, wc.Hooks, 1)
	assert.Equal(t, []webhook.EventType{webhook.EventRestoreComplete}, wc.Hooks[0].Events)
	assert.True(t, wc.Hooks[0].Enabled)
}
