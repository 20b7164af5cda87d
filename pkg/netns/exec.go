package netns

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/emunet-network/emunet/pkg/util"
)

// Runner executes an external command and returns its combined output.
// Tests substitute a fake.
type Runner interface {
	Run(argv ...string) (output string, err error)
}

type execRunner struct{}

func (execRunner) Run(argv ...string) (string, error) {
	out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// ExecResult is the outcome of a one-shot command inside a namespace.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Exec runs argv inside the named namespace and captures its output. The
// command is not passed through a shell; argv[0] is the binary. The context
// deadline kills the child.
func (m *Manager) Exec(ctx context.Context, name string, argv []string) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("netns: exec: empty argv: %w", util.ErrInvalidArgument)
	}
	if !m.Exists(name) {
		return nil, fmt.Errorf("netns: exec: namespace %q: %w", name, util.ErrNotFound)
	}

	full := append([]string{"netns", "exec", name}, argv...)
	cmd := exec.CommandContext(ctx, "ip", full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("netns: exec in %q: %w", name, util.ErrTimeout)
	}

	res := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("netns: exec in %q: %w", name, util.NewKernelError("netns exec", stderr.String(), err))
		}
	}
	return res, nil
}
