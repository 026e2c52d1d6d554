package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

const releaseJSON = `{
  "id": "release",
  "app_id": "billing",
  "name": "Release billing",
  "initial_state": "Build",
  "states": [
    {"name": "Build", "type": "noop", "params": {"message": "building ${app} ${version}"}},
    {"name": "Publish", "type": "noop"}
  ],
  "transitions": [{"from": "Build", "to": "Publish"}]
}`

const holdYAML = `
id: hold
app_id: billing
initial_state: Build
states:
  - name: Build
    type: noop
  - name: Hold
    type: pause
    params:
      reason: waiting for approval
  - name: Publish
    type: noop
transitions:
  - from: Build
    to: Hold
  - from: Hold
    to: Publish
`

func testConfig() Config {
	cfg := defaultConfig()
	cfg.DBDriver = driverMemory
	cfg.PoolSize = 2
	cfg.ResumeWait = "1s"
	return cfg
}

func newTestApp(t *testing.T, cfg Config) *app {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func byState(summary *runSummary, name string) *instanceSummary {
	for i := range summary.Instances {
		if summary.Instances[i].StateName == name {
			return &summary.Instances[i]
		}
	}
	return nil
}

// --- run ---

func TestExecuteRun_Success(t *testing.T) {
	a := newTestApp(t, testConfig())
	path := writeFile(t, "release.json", releaseJSON)

	summary, err := a.executeRun(context.Background(), runOptions{
		DefinitionPath: path,
		ExecutionUUID:  "run-1",
		Values:         map[string]any{"app": "billing", "version": "1.4.0"},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.ExecutionUUID)
	assert.Equal(t, schema.StatusSuccess, summary.Status)
	require.Len(t, summary.Instances, 2)
	assert.Equal(t, "Build", summary.Instances[0].StateName)
	assert.Equal(t, "Publish", summary.Instances[1].StateName)

	build, err := a.store.GetInstance(context.Background(), "billing", summary.Instances[0].UUID)
	require.NoError(t, err)
	assert.Equal(t, "building billing 1.4.0", build.StateExecutionMap["Build"].Data["message"])
	assert.Equal(t, "Release billing", build.ExecutionName)
}

func TestExecuteRun_Follow(t *testing.T) {
	a := newTestApp(t, testConfig())
	var events bytes.Buffer

	summary, err := a.executeRun(context.Background(), runOptions{
		DefinitionPath: writeFile(t, "release.json", releaseJSON),
		ExecutionUUID:  "run-follow",
		Follow:         true,
		FollowTo:       &events,
	})
	require.NoError(t, err)
	require.Equal(t, schema.StatusSuccess, summary.Status)

	lines := strings.Split(strings.TrimSpace(events.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		var ev store.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		assert.Equal(t, "run-follow", ev.ExecutionUUID)
	}
	assert.Contains(t, events.String(), schema.EventInstanceCreated)
}

func TestExecuteRun_ElementsFile(t *testing.T) {
	a := newTestApp(t, testConfig())
	path := writeFile(t, "release.json", releaseJSON)
	elements := writeFile(t, "elements.json", `[{"type":"STANDARD","name":"release","values":{"app":"ledger","version":"2.0"}}]`)

	summary, err := a.executeRun(context.Background(), runOptions{
		DefinitionPath: path, ExecutionUUID: "run-2", ElementsFile: elements,
	})
	require.NoError(t, err)
	build, err := a.store.GetInstance(context.Background(), "billing", summary.Instances[0].UUID)
	require.NoError(t, err)
	assert.Equal(t, "building ledger 2.0", build.StateExecutionMap["Build"].Data["message"])
}

func TestExecuteRun_RejectsInvalidDefinitions(t *testing.T) {
	a := newTestApp(t, testConfig())

	tests := []struct {
		name, file, body, msg string
	}{
		{"unknown field", "d.json", `{"id":"x","initial_state":"A","states":[{"name":"A","type":"noop"}],"retries":3}`, "retries"},
		{"unknown state type", "d.json", `{"id":"x","initial_state":"A","states":[{"name":"A","type":"terraform"}]}`, "not registered"},
		{"dangling transition", "d.yaml", "id: x\ninitial_state: A\nstates:\n  - name: A\n    type: noop\ntransitions:\n  - from: A\n    to: B\n", `unknown state "B"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.executeRun(context.Background(), runOptions{DefinitionPath: writeFile(t, tc.file, tc.body), ExecutionUUID: "bad"})
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

			_, result, _ := a.loadDefinition(writeFile(t, tc.file, tc.body))
			require.NotNil(t, result)
			require.NotEmpty(t, result.Errors)
			assert.Contains(t, result.Errors[0].Message, tc.msg)
		})
	}
}

func TestExecuteRun_PauseThenResume(t *testing.T) {
	a := newTestApp(t, testConfig())
	path := writeFile(t, "hold.yaml", holdYAML)

	summary, err := a.executeRun(context.Background(), runOptions{
		DefinitionPath: path, ExecutionUUID: "run-3", Timeout: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPaused, summary.Status)
	hold := byState(summary, "Hold")
	require.NotNil(t, hold)
	assert.Nil(t, byState(summary, "Publish"))

	summary, err = a.applyInterrupt(context.Background(), &store.ExecutionInterrupt{
		AppID:                    "billing",
		ExecutionUUID:            "run-3",
		StateExecutionInstanceID: hold.UUID,
		Type:                     schema.InterruptResume,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, summary.Status)
	require.NotNil(t, byState(summary, "Publish"))
}

func TestApplyInterrupt_Rejected(t *testing.T) {
	a := newTestApp(t, testConfig())
	path := writeFile(t, "release.json", releaseJSON)
	summary, err := a.executeRun(context.Background(), runOptions{DefinitionPath: path, ExecutionUUID: "run-4"})
	require.NoError(t, err)

	_, err = a.applyInterrupt(context.Background(), &store.ExecutionInterrupt{
		AppID:                    "billing",
		ExecutionUUID:            "run-4",
		StateExecutionInstanceID: summary.Instances[1].UUID,
		Type:                     schema.InterruptAbort,
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStateNotForAbort))
}

func TestExecuteRun_LibSQL(t *testing.T) {
	cfg := testConfig()
	cfg.DBDriver = driverLibSQL
	cfg.DBPath = filepath.Join(t.TempDir(), "data", "conveyor.db")
	a := newTestApp(t, cfg)

	summary, err := a.executeRun(context.Background(), runOptions{
		DefinitionPath: writeFile(t, "release.json", releaseJSON), ExecutionUUID: "run-5",
		Values: map[string]any{"app": "billing", "version": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSuccess, summary.Status)
	assert.FileExists(t, cfg.DBPath)
}

// --- args ---

func TestParseRunArgs(t *testing.T) {
	opts, err := parseRunArgs([]string{"-name", "nightly", "-e", "app=billing", "-e", "region=eu", "-timeout", "2m", "release.json"})
	require.NoError(t, err)
	assert.Equal(t, "release.json", opts.DefinitionPath)
	assert.Equal(t, "nightly", opts.ExecutionName)
	assert.Equal(t, map[string]any{"app": "billing", "region": "eu"}, opts.Values)
	assert.Equal(t, 2*time.Minute, opts.Timeout)
	assert.NotEmpty(t, opts.ExecutionUUID, "generated")

	assert.False(t, opts.Follow)

	opts, err = parseRunArgs([]string{"-uuid", "run-9", "-follow", "release.json"})
	require.NoError(t, err)
	assert.Equal(t, "run-9", opts.ExecutionUUID)
	assert.True(t, opts.Follow)

	_, err = parseRunArgs(nil)
	assert.ErrorContains(t, err, "usage")
	_, err = parseRunArgs([]string{"-e", "novalue", "release.json"})
	assert.Error(t, err)
}

func TestParseInterruptArgs(t *testing.T) {
	in, err := parseInterruptArgs([]string{"-app", "billing", "-run", "run-1", "-instance", "i-1", "retry"})
	require.NoError(t, err)
	assert.Equal(t, "billing", in.AppID)
	assert.Equal(t, "run-1", in.ExecutionUUID)
	assert.Equal(t, "i-1", in.StateExecutionInstanceID)
	assert.Equal(t, schema.InterruptRetry, in.Type)

	_, err = parseInterruptArgs([]string{"-app", "billing", "REWIND"})
	assert.ErrorContains(t, err, "unknown interrupt type")
	_, err = parseInterruptArgs([]string{"-app", "billing"})
	assert.ErrorContains(t, err, "usage")
}

// --- entry point ---

func TestRun_Commands(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"version"}, &stdout, &stderr))
	assert.Equal(t, "dev\n", stdout.String())

	stderr.Reset()
	assert.Equal(t, 2, run(nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage")

	stderr.Reset()
	assert.Equal(t, 2, run([]string{"deploy"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), `unknown command "deploy"`)
}

func TestValidateCommand(t *testing.T) {
	a := newTestApp(t, testConfig())
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 0, a.validateCommand([]string{writeFile(t, "release.json", releaseJSON)}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "{")

	stdout.Reset()
	bad := writeFile(t, "bad.json", `{"id":"x","initial_state":"Z","states":[{"name":"A","type":"noop"}]}`)
	assert.Equal(t, 2, a.validateCommand([]string{bad}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), `initial state \"Z\" not defined`)

	assert.Equal(t, 2, a.validateCommand(nil, &stdout, &stderr))
}

func TestReport(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, report(&runSummary{Status: schema.StatusSuccess}, nil, &out, &errOut))
	assert.Equal(t, 1, report(&runSummary{Status: schema.StatusFailed}, nil, &out, &errOut))
	assert.Equal(t, 2, report(nil, schema.NewError(schema.ErrCodeValidation, "bad"), &out, &errOut))
	assert.Equal(t, 1, report(nil, schema.NewError(schema.ErrCodeStore, "down"), &out, &errOut))
	assert.Contains(t, errOut.String(), "down")
}
