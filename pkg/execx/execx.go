// Package execx runs external commands for the provisioning steps. Every
// step that shells out (package managers, pip, the interpreter) goes through
// a Runner so that tests can substitute a scripted fake.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Command describes a single process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env replaces the inherited environment when non-nil.
	Env []string
	// Stream, when set, receives stdout and stderr as they are produced in
	// addition to the captured copy.
	Stream io.Writer
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands and reports their outcome.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	LookPath(name string) (string, error)
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if len(stderr) > 2048 {
		stderr = stderr[len(stderr)-2048:]
	}
	if stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, stderr)
}

// OSRunner runs commands with os/exec.
type OSRunner struct{}

// Run starts the command bound to ctx and waits for it.
func (OSRunner) Run(ctx context.Context, c Command) (Result, error) {
	command := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		command.Dir = c.Dir
	}
	if c.Env != nil {
		command.Env = c.Env
	}

	var stdout, stderr bytes.Buffer
	if c.Stream != nil {
		command.Stdout = io.MultiWriter(&stdout, c.Stream)
		command.Stderr = io.MultiWriter(&stderr, c.Stream)
	} else {
		command.Stdout = &stdout
		command.Stderr = &stderr
	}

	err := command.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if command.ProcessState != nil {
		result.ExitCode = command.ProcessState.ExitCode()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("%s: %w", c.String(), ctxErr)
		}
		if _, ok := err.(*exec.ExitError); ok {
			return result, &ExitError{Command: c.String(), ExitCode: result.ExitCode, Stderr: result.Stderr}
		}
		return result, fmt.Errorf("run %s: %w", c.String(), err)
	}
	return result, nil
}

// LookPath resolves name against PATH.
func (OSRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
