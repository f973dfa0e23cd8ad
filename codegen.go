package ispc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
)

// Runner abstracts the external processes a pass shells out to: the kernel
// compiler, the native toolchain and the signature generator. Tests
// substitute a stub; real passes run subprocesses through execRunner.
type Runner interface {
	// Run executes argv and returns the exit code and captured stderr.
	// Tool stdout goes to the given writer, which may be nil. A non-nil
	// error means the process could not be run at all.
	Run(ctx context.Context, argv []string, stdout io.Writer) (int, string, error)

	// BatchLimit reports how many ISAs the kernel compiler accepts in one
	// invocation. Zero means unlimited.
	BatchLimit() int
}

// execRunner runs tools as real subprocesses. Cancellation is passive: a
// cancelled context stops new processes from spawning, but processes that
// are already running finish on their own.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, argv []string, stdout io.Writer) (int, string, error) {
	if err := ctx.Err(); err != nil {
		return -1, "", err
	}

	var stderr bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), stderr.String(), nil
		}
		return -1, stderr.String(), err
	}
	return 0, stderr.String(), nil
}

func (execRunner) BatchLimit() int { return 0 }
