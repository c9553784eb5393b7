package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxetl/pkg/api"
)

type env struct {
	dir    string
	config string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf("backend: file\nstate_dir: %s\nlog_level: error\n", filepath.Join(dir, "state"))
	path := filepath.Join(dir, "fluxetl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return env{dir: dir, config: path}
}

func (e env) source(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (e env) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"-config", e.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "usage: fluxetl")

	e := newEnv(t)
	code, _, stderr2 := e.run(t, "explode")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr2, `unknown command "explode"`)

	code, _, stderr2 = e.run(t, "run")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr2, "at least one source")

	code, _, _ = e.run(t, "status")
	assert.Equal(t, 2, code)
}

func TestRun_BadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: tape\n"), 0o644))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", path, "sweep"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), `unknown backend "tape"`)
}

func TestRun_ProcessesSourcesAndResumes(t *testing.T) {
	e := newEnv(t)
	a := e.source(t, "a.csv", "id,name\n1,ann\n2,bob\n")
	b := e.source(t, "b.csv", "id;name\n1;cid\n")

	code, stdout, stderr := e.run(t, "run", "-concurrency", "2", a, b)
	require.Equal(t, 0, code, stderr)

	var out []runOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Len(t, out, 2)
	assert.Equal(t, a, out[0].Source)
	assert.Equal(t, 2, out[0].Result.Imported)
	assert.Equal(t, b, out[1].Source)
	assert.Equal(t, 1, out[1].Result.Imported)
	for _, o := range out {
		assert.Empty(t, o.Error)
		assert.True(t, o.Result.Success)
		assert.False(t, o.Result.Meta.Resumed)
	}

	code, stdout, stderr = e.run(t, "run", a)
	require.Equal(t, 0, code, stderr)
	out = nil
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Len(t, out, 1)
	assert.True(t, out[0].Result.Meta.Resumed)
}

func TestRun_PipelineFile(t *testing.T) {
	e := newEnv(t)
	src := e.source(t, "a.csv", "id\n1\n2\n3\n")
	pipeline := e.source(t, "pipeline.yaml", "name: only-validate\nsteps: [validate]\n")

	code, stdout, stderr := e.run(t, "run", "-pipeline", pipeline, src)
	require.Equal(t, 0, code, stderr)
	var out []runOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Len(t, out, 1)
	assert.Equal(t, 0, out[0].Result.Imported)
	assert.Equal(t, 1, out[0].Result.Meta.TotalSteps)

	bad := e.source(t, "bad.yaml", "steps: [validate, teleport]\n")
	code, _, stderr = e.run(t, "run", "-pipeline", bad, src)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "teleport")
}

func TestStatusPauseResume(t *testing.T) {
	e := newEnv(t)
	src := e.source(t, "a.csv", "id\n1\n")

	code, _, stderr := e.run(t, "status", src)
	assert.Equal(t, 0, code, stderr)

	code, _, stderr = e.run(t, "pause", src)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "no run recorded")

	code, _, stderr = e.run(t, "run", src)
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr := e.run(t, "status", src)
	require.Equal(t, 0, code, stderr)
	var p api.Progress
	require.NoError(t, json.Unmarshal([]byte(stdout), &p))
	assert.Equal(t, api.StatusCompleted, p.Status)
	assert.Equal(t, float64(100), p.Percentage)
	assert.Equal(t, 4, p.TotalSteps)

	code, _, stderr = e.run(t, "pause", src)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "cannot be paused")

	code, stdout, stderr = e.run(t, "restart", src)
	require.Equal(t, 0, code, stderr)
	require.NoError(t, json.Unmarshal([]byte(stdout), &p))
	assert.Equal(t, api.StatusStarted, p.Status)
	assert.Zero(t, p.CompletedSteps)

	code, stdout, stderr = e.run(t, "pause", src)
	require.Equal(t, 0, code, stderr)
	require.NoError(t, json.Unmarshal([]byte(stdout), &p))
	assert.Equal(t, api.StatusPaused, p.Status)

	code, _, _ = e.run(t, "run", src)
	assert.Equal(t, 1, code)

	code, stdout, stderr = e.run(t, "resume", src)
	require.Equal(t, 0, code, stderr)
	require.NoError(t, json.Unmarshal([]byte(stdout), &p))
	assert.Equal(t, api.StatusProcessing, p.Status)

	code, stdout, stderr = e.run(t, "run", src)
	require.Equal(t, 0, code, stderr)
	var out []runOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.Len(t, out, 1)
	assert.True(t, out[0].Result.Success)
}

func TestSweep(t *testing.T) {
	e := newEnv(t)
	code, stdout, stderr := e.run(t, "sweep")
	require.Equal(t, 0, code, stderr)
	assert.JSONEq(t, `{"deleted":0}`, stdout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out, errOut bytes.Buffer
	code = run(ctx, []string{"-config", e.config, "sweep", "-watch"}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
}
