package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/kaztts-service/internal/config"
	"github.com/book-expert/logger"
)

const (
	shellBinary   = "bash"
	shellArgv0    = "kaztts-step"
	waitDelay     = 5 * time.Second
	maxOutputTail = 2048
)

// Each step runs inside its own virtualenv. User data only ever reaches the
// shell as positional parameters, never as part of the script text.
const (
	activateScript           = `cd "$1" && source "$2" && shift 2 && exec "$@"`
	activateScriptPythonPath = `cd "$1" && source "$2" && export PYTHONPATH="$(pwd):$PYTHONPATH" && shift 2 && exec "$@"`
)

var (
	// ErrStepTimeout is returned when a script exceeds its configured timeout.
	ErrStepTimeout = errors.New("script timed out")
	// ErrStepNotReady is returned by Check when a step's files are missing.
	ErrStepNotReady = errors.New("step is not ready")
)

// ScriptRunner runs one configured script in its isolated model environment.
type ScriptRunner struct {
	name       string
	step       config.StepConfig
	pythonPath bool
	log        *logger.Logger
}

// NewScriptRunner creates a runner for step. When exportPythonPath is set the
// step directory is prepended to PYTHONPATH after activation.
func NewScriptRunner(name string, step config.StepConfig, exportPythonPath bool, log *logger.Logger) *ScriptRunner {
	return &ScriptRunner{
		name:       name,
		step:       step,
		pythonPath: exportPythonPath,
		log:        log,
	}
}

// Step returns the runner's configuration.
func (r *ScriptRunner) Step() config.StepConfig {
	return r.step
}

// Name returns the step name used in logs.
func (r *ScriptRunner) Name() string {
	return r.name
}

// Check verifies that the activation script and the step script exist.
// Relative paths are resolved against the step directory, as the shell sees them.
func (r *ScriptRunner) Check() error {
	for _, path := range []string{r.step.Activate, r.step.Script} {
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.step.Dir, path)
		}

		_, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrStepNotReady, r.name, err)
		}
	}

	return nil
}

// Command builds the process for one invocation without starting it.
func (r *ScriptRunner) Command(ctx context.Context, args ...string) *exec.Cmd {
	script := activateScript
	if r.pythonPath {
		script = activateScriptPythonPath
	}

	dir := r.step.Dir
	if dir == "" {
		dir = "."
	}

	argv := make([]string, 0, 6+len(args))
	argv = append(argv, "-c", script, shellArgv0, dir, r.step.Activate, r.step.Interpreter, r.step.Script)
	argv = append(argv, args...)

	// #nosec G204 -- the script text is constant; arguments are positional parameters
	cmd := exec.CommandContext(ctx, shellBinary, argv...)
	cmd.WaitDelay = waitDelay

	return cmd
}

// Run executes the script with args and waits for it to finish.
func (r *ScriptRunner) Run(ctx context.Context, args ...string) error {
	if r.step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.step.Timeout())
		defer cancel()
	}

	start := time.Now()

	output, err := r.Command(ctx, args...).CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrStepTimeout, r.step.Timeout(), err)
		}

		r.logError("%s step failed after %s: %v - output: %s", r.name, time.Since(start), err, tail(output))

		return fmt.Errorf("%s script execution failed: %w - output: %s", r.name, err, tail(output))
	}

	if r.log != nil {
		r.log.Info("%s step finished in %s", r.name, time.Since(start).Round(time.Millisecond))
	}

	return nil
}

func (r *ScriptRunner) logError(format string, args ...any) {
	if r.log != nil {
		r.log.Error(format, args...)
	}
}

func tail(output []byte) string {
	trimmed := strings.TrimSpace(string(output))
	if len(trimmed) <= maxOutputTail {
		return trimmed
	}

	return "..." + trimmed[len(trimmed)-maxOutputTail:]
}
