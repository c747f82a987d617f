package powertost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner swaps Rscript for /bin/sh and the runner script for a shell
// stub, so response parsing and the failure taxonomy are testable without R.
func fakeRunner(t *testing.T, body string, timeout time.Duration) *Runner {
	t.Helper()
	script := filepath.Join(t.TempDir(), "fake_runner.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return &Runner{rscript: "/bin/sh", script: script, timeout: timeout}
}

func TestSolveSampleSizeParsesResponse(t *testing.T) {
	r := fakeRunner(t, `echo '{"n_total": 24}'`, time.Second)

	n, err := r.SolveSampleSize(context.Background(), 22, 0.8, 0.05, "2x2")
	require.NoError(t, err)
	assert.Equal(t, 24, n)
}

func TestSolveSampleSizeForwardsArguments(t *testing.T) {
	// --mode, --cv, --power, --alpha, --design and their values: 10 args.
	r := fakeRunner(t, `echo "{\"n_total\": $#}"`, time.Second)

	n, err := r.SolveSampleSize(context.Background(), 22, 0.8, 0.05, "2x2")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestCVFromCIParsesResponse(t *testing.T) {
	r := fakeRunner(t, `echo '{"cv": 31.4}'`, time.Second)

	cv, err := r.CVFromCI(context.Background(), 0.85, 1.18, 24, "2x2")
	require.NoError(t, err)
	assert.Equal(t, 31.4, cv)
}

func TestSolverErrorFieldSurfaces(t *testing.T) {
	r := fakeRunner(t, `echo '{"error": "CV out of supported range"}'`, time.Second)

	_, err := r.SolveSampleSize(context.Background(), 500, 0.8, 0.05, "2x2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CV out of supported range")
}

func TestMissingResponseFields(t *testing.T) {
	r := fakeRunner(t, `echo '{}'`, time.Second)

	_, err := r.SolveSampleSize(context.Background(), 22, 0.8, 0.05, "2x2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no n_total")

	_, err = r.CVFromCI(context.Background(), 0.85, 1.18, 24, "2x2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cv")
}

func TestMalformedResponse(t *testing.T) {
	r := fakeRunner(t, `echo 'Loading required package: PowerTOST'`, time.Second)

	_, err := r.SolveSampleSize(context.Background(), 22, 0.8, 0.05, "2x2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed solver response")
}

func TestNonZeroExitIncludesStderr(t *testing.T) {
	r := fakeRunner(t, `echo 'object not found' >&2; exit 3`, time.Second)

	_, err := r.SolveSampleSize(context.Background(), 22, 0.8, 0.05, "2x2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "solver exited")
	assert.Contains(t, err.Error(), "object not found")
}

func TestSolverTimeout(t *testing.T) {
	r := fakeRunner(t, `sleep 2; echo '{"n_total": 24}'`, 100*time.Millisecond)

	_, err := r.SolveSampleSize(context.Background(), 22, 0.8, 0.05, "2x2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestUnavailableWithoutRscript(t *testing.T) {
	r := &Runner{rscript: "", script: "r/powertost_runner.R", timeout: time.Second}

	_, err := r.SolveSampleSize(context.Background(), 22, 0.8, 0.05, "2x2")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, r.Health(context.Background()), ErrUnavailable)
}

func TestUnavailableWhenScriptMissing(t *testing.T) {
	r := &Runner{
		rscript: "/bin/sh",
		script:  filepath.Join(t.TempDir(), "nope.R"),
		timeout: time.Second,
	}

	_, err := r.CVFromCI(context.Background(), 0.85, 1.18, 24, "2x2")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewRunnerDefaultTimeout(t *testing.T) {
	r := NewRunner("/usr/bin/Rscript", "r/powertost_runner.R", 0)
	assert.Equal(t, 60*time.Second, r.timeout)
	assert.Equal(t, "/usr/bin/Rscript", r.rscript)
}
