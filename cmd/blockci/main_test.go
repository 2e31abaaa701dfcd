package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okPipeline = `
name: app
stages:
  - name: build
    run: echo built > out.txt
  - name: test
    run: cat out.txt
    dependsOn: [build]
  - name: release
    run: echo releasing
    dependsOn: [test]
    when:
      branches: [main]
`

func setup(t *testing.T, pipeline string) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pipeline.yaml"), []byte(pipeline), 0o644))
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(append(args, "--builder", "none"), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestValidate(t *testing.T) {
	setup(t, okPipeline)

	code, out, errOut := run(t, "validate")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `Pipeline "app" is valid: 3 stages`)
	assert.Contains(t, out, "Execution order: build -> test -> release")
}

func TestValidateRejectsCycle(t *testing.T) {
	setup(t, `
name: app
stages:
  - name: a
    run: "true"
    dependsOn: [b]
  - name: b
    run: "true"
    dependsOn: [a]
`)
	code, _, errOut := run(t, "validate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "cycle")
}

func TestValidatePrintsSchema(t *testing.T) {
	setup(t, okPipeline)
	code, out, _ := run(t, "validate", "--schema")
	require.Equal(t, 0, code)
	assert.True(t, json.Valid([]byte(out)))
}

func TestRunSucceedsAndRecordsLedger(t *testing.T) {
	dir := setup(t, okPipeline)

	code, out, errOut := run(t, "run", "--sha", "abc123")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Verdict: succeeded")
	assert.FileExists(t, filepath.Join(dir, ".blockci", "keys", "ledger.pub"))

	code, out, errOut = run(t, "ledger", "verify")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Ledger OK: 4 records")

	code, out, _ = run(t, "ledger", "show", "--json")
	require.Equal(t, 0, code)
	var records []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 4)
	assert.Equal(t, "run", records[3]["kind"])
	assert.Equal(t, "succeeded", records[3]["outcome"])
	assert.NotEmpty(t, records[0]["signature"])
}

func TestRunOnFeatureBranchSkipsGatedStage(t *testing.T) {
	setup(t, okPipeline)

	code, out, errOut := run(t, "run", "--sha", "abc123", "--branch", "feature/x", "--json")
	require.Equal(t, 0, code, errOut)

	var report struct {
		Verdict string `json:"verdict"`
		Stages  []struct {
			Stage   string `json:"stage"`
			Outcome string `json:"outcome"`
			Reason  string `json:"reason"`
		} `json:"stages"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "succeeded", report.Verdict)
	require.Len(t, report.Stages, 3)
	assert.Equal(t, "release", report.Stages[2].Stage)
	assert.Equal(t, "skipped", report.Stages[2].Outcome)
	assert.Equal(t, "predicate", report.Stages[2].Reason)
}

func TestRunFailingStageExitsNonZero(t *testing.T) {
	setup(t, `
name: app
stages:
  - name: build
    run: exit 3
  - name: test
    run: "true"
    dependsOn: [build]
`)
	code, out, _ := run(t, "run", "--sha", "abc123")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Verdict: failed")
}

func TestRunRequiresSHA(t *testing.T) {
	setup(t, okPipeline)
	code, _, errOut := run(t, "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "sha")
}

func TestRunMissingPipeline(t *testing.T) {
	t.Chdir(t.TempDir())
	code, _, errOut := run(t, "run", "--sha", "abc")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "pipeline.yaml")
}

func TestKeysGenerate(t *testing.T) {
	dir := setup(t, okPipeline)

	code, out, errOut := run(t, "keys", "generate")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Public key:")
	assert.FileExists(t, filepath.Join(dir, ".blockci", "keys", "ledger.priv"))

	code, _, errOut = run(t, "keys", "generate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "already exists")

	code, _, _ = run(t, "keys", "generate", "--force")
	assert.Equal(t, 0, code)
}
