// Package powertost invokes the R/PowerTOST closed-form solver as an
// isolated, time-bounded process. Any non-zero exit, timeout, or malformed
// response surfaces as an error; callers degrade to their approximate
// formulas instead of aborting.
package powertost

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// Client is the solver interface consumed by the pipeline.
type Client interface {
	// SolveSampleSize returns total N for the given CV (percent), power,
	// alpha and design.
	SolveSampleSize(ctx context.Context, cv, power, alpha float64, design string) (int, error)

	// CVFromCI back-calculates CV (percent) from a 90% confidence interval
	// observed in a study of n subjects.
	CVFromCI(ctx context.Context, low, high float64, n int, design string) (float64, error)

	// Health verifies that Rscript and the PowerTOST library are available.
	Health(ctx context.Context) error
}

// ErrUnavailable indicates the solver binary or library cannot be found.
var ErrUnavailable = eris.New("powertost: solver unavailable")

// Runner shells out to Rscript.
type Runner struct {
	rscript string
	script  string
	timeout time.Duration
}

// NewRunner builds a Runner. rscriptPath may be empty, in which case the
// RSCRIPT_PATH environment variable and then PATH are consulted.
func NewRunner(rscriptPath, scriptPath string, timeout time.Duration) *Runner {
	if rscriptPath == "" {
		rscriptPath = os.Getenv("RSCRIPT_PATH")
	}
	if rscriptPath == "" {
		if p, err := exec.LookPath("Rscript"); err == nil {
			rscriptPath = p
		}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Runner{rscript: rscriptPath, script: scriptPath, timeout: timeout}
}

type solverResponse struct {
	NTotal   *int     `json:"n_total"`
	CV       *float64 `json:"cv"`
	Warnings []string `json:"warnings"`
	Error    string   `json:"error"`
}

func (r *Runner) SolveSampleSize(ctx context.Context, cv, power, alpha float64, design string) (int, error) {
	resp, err := r.run(ctx,
		"--mode", "samplesize",
		"--cv", strconv.FormatFloat(cv, 'f', -1, 64),
		"--power", strconv.FormatFloat(power, 'f', -1, 64),
		"--alpha", strconv.FormatFloat(alpha, 'f', -1, 64),
		"--design", design,
	)
	if err != nil {
		return 0, err
	}
	if resp.NTotal == nil {
		return 0, eris.Errorf("powertost: no n_total in response (error=%q)", resp.Error)
	}
	return *resp.NTotal, nil
}

func (r *Runner) CVFromCI(ctx context.Context, low, high float64, n int, design string) (float64, error) {
	resp, err := r.run(ctx,
		"--mode", "cvfromci",
		"--lower", strconv.FormatFloat(low, 'f', -1, 64),
		"--upper", strconv.FormatFloat(high, 'f', -1, 64),
		"--n", strconv.Itoa(n),
		"--design", design,
	)
	if err != nil {
		return 0, err
	}
	if resp.CV == nil {
		return 0, eris.Errorf("powertost: no cv in response (error=%q)", resp.Error)
	}
	return *resp.CV, nil
}

func (r *Runner) Health(ctx context.Context) error {
	if r.rscript == "" {
		return ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.rscript, "-e", "suppressMessages(library(PowerTOST)); cat('OK')")
	out, err := cmd.Output()
	if err != nil {
		return eris.Wrap(ErrUnavailable, "powertost: library check failed")
	}
	if !bytes.Contains(out, []byte("OK")) {
		return eris.Wrap(ErrUnavailable, "powertost: library not loadable")
	}
	return nil
}

func (r *Runner) run(ctx context.Context, args ...string) (*solverResponse, error) {
	if r.rscript == "" {
		return nil, ErrUnavailable
	}
	if _, err := os.Stat(r.script); err != nil {
		return nil, eris.Wrap(ErrUnavailable, "powertost: runner script missing")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.rscript, append([]string{r.script}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, eris.Wrap(err, "powertost: solver timed out")
		}
		return nil, eris.Wrapf(err, "powertost: solver exited (stderr: %s)", stderr.String())
	}

	var resp solverResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return nil, eris.Wrap(err, "powertost: malformed solver response")
	}
	if resp.Error != "" {
		return nil, eris.Errorf("powertost: solver error: %s", resp.Error)
	}
	return &resp, nil
}
