package wrapper

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Runner spawns one wrapper program and reports its outcome. Abstracted
// so the gateway is testable without root-owned binaries on disk.
type Runner interface {
	Run(ctx context.Context, path string, argv []string, stdin []byte) (exitCode int, stdout, stderr []byte, err error)
}

// ExecRunner runs wrappers through a direct program-execution primitive.
// Arguments pass as a vector; no shell is ever involved.
type ExecRunner struct{}

// Run spawns the wrapper. The context's deadline kills the child; the
// gateway translates that into a timeout result.
func (ExecRunner) Run(ctx context.Context, path string, argv []string, stdin []byte) (int, []byte, []byte, error) {
	cmd := exec.CommandContext(ctx, path, argv...)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), outBuf.Bytes(), errBuf.Bytes(), nil
		}
		// Spawn-level failure: file not found, permission denied, kill.
		return -1, outBuf.Bytes(), errBuf.Bytes(), err
	}
	return 0, outBuf.Bytes(), errBuf.Bytes(), nil
}
