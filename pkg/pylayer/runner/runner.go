// Package runner executes external tools with a fully specified environment.
//
// A child process never inherits the environment of pylayer itself: the environment
// handed to Run* is all the child gets. The executable is looked up on the PATH of
// that environment, not on the PATH pylayer was started with.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gitpod-io/pylayer/pkg/pylayer/env"
)

// tailSize is the amount of streamed output kept for error reports
const tailSize = 8 * 1024

// Command is a single tool invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  env.Environment

	// Stdout and Stderr receive the output of streamed commands. They default to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command line for log output
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Output is the result of a captured command
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success returns true if the command exited with status zero
func (o *Output) Success() bool {
	return o.ExitCode == 0
}

// IoError is returned when a command could not be started at all,
// e.g. because the executable does not exist.
type IoError struct {
	Command string
	Err     error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("cannot run %s: %v", e.Command, e.Err)
}

func (e *IoError) Unwrap() error {
	return e.Err
}

// ExitStatusError is returned by RunStreamed when the command exited with a non-zero status
type ExitStatusError struct {
	Command  string
	ExitCode int
	// Output holds the tail of what the command wrote to stdout and stderr
	Output []byte
}

func (e *ExitStatusError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("%s was terminated by a signal", e.Command)
	}
	return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
}

// RunStreamed runs the command and forwards its output live. A non-zero exit status
// results in an *ExitStatusError, failure to start the command in an *IoError.
func RunStreamed(ctx context.Context, c Command) error {
	stdout, stderr := c.Stdout, c.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	tail := &tailBuffer{Max: tailSize}

	cmd, err := c.prepare(ctx)
	if err != nil {
		return err
	}
	cmd.Stdout = io.MultiWriter(stdout, tail)
	cmd.Stderr = io.MultiWriter(stderr, tail)

	code, err := wait(cmd)
	if err != nil {
		return &IoError{Command: c.String(), Err: err}
	}
	if code != 0 {
		return &ExitStatusError{Command: c.String(), ExitCode: code, Output: tail.Bytes()}
	}
	return nil
}

// RunCaptured runs the command and buffers its output. The exit status is returned in Output
// and is up to the caller to classify, only failure to start the command yields an error.
func RunCaptured(ctx context.Context, c Command) (*Output, error) {
	cmd, err := c.prepare(ctx)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	code, err := wait(cmd)
	if err != nil {
		return nil, &IoError{Command: c.String(), Err: err}
	}
	return &Output{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: code,
	}, nil
}

func (c Command) prepare(ctx context.Context) (*exec.Cmd, error) {
	log.WithField("command", c.String()).WithField("dir", c.Dir).Debug("running")

	path, err := LookPath(c.Name, c.Env)
	if err != nil {
		return nil, &IoError{Command: c.String(), Err: err}
	}

	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.Dir = c.Dir
	// Environ never returns nil, so the child never inherits our own environment
	cmd.Env = c.Env.Environ()
	return cmd, nil
}

// wait runs the command and returns its exit code. err is only set if the command could not be run.
func wait(cmd *exec.Cmd) (code int, err error) {
	err = cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// LookPath finds an executable on the PATH of the given environment. Names containing
// a path separator are used as they are.
func LookPath(name string, e env.Environment) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty command name")
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		if err := isExecutable(name); err != nil {
			return "", err
		}
		return name, nil
	}

	for _, dir := range filepath.SplitList(e["PATH"]) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if isExecutable(p) == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

func isExecutable(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}
	if stat.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if stat.Mode()&0111 == 0 {
		return fmt.Errorf("%s: %w", path, os.ErrPermission)
	}
	return nil
}

// tailBuffer keeps the last Max bytes written to it. Stdout and stderr are
// copied by separate goroutines, hence the lock.
type tailBuffer struct {
	Max int
	buf []byte
	mu  sync.Mutex
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.Max; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}
