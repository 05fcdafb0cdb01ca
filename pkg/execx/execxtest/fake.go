// Package execxtest provides a scripted execx.Runner for tests.
package execxtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"AppBootstrap/pkg/execx"
)

// Response is the scripted outcome for commands matching a prefix.
type Response struct {
	Result execx.Result
	Err    error
}

// Runner records every command and answers from a table keyed by the
// rendered command-line prefix. Unmatched commands succeed with empty output.
type Runner struct {
	mu        sync.Mutex
	responses []prefixed
	paths     map[string]string
	Calls     []execx.Command
	// OnRun, when set, is called for every command before the scripted
	// response is returned. It may mutate test state (e.g. add a path).
	OnRun func(cmd execx.Command)
}

type prefixed struct {
	prefix string
	resp   Response
}

// New returns a Runner where the given binaries resolve to /usr/bin/<name>.
func New(binaries ...string) *Runner {
	r := &Runner{paths: map[string]string{}}
	for _, b := range binaries {
		r.paths[b] = "/usr/bin/" + b
	}
	return r
}

// On scripts a response for commands whose rendered line starts with prefix.
// Later registrations take precedence.
func (r *Runner) On(prefix string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append([]prefixed{{prefix: prefix, resp: resp}}, r.responses...)
	return r
}

// Fail scripts an execx.ExitError for commands starting with prefix.
func (r *Runner) Fail(prefix string, code int, stderr string) *Runner {
	return r.On(prefix, Response{
		Result: execx.Result{Stderr: stderr, ExitCode: code},
		Err:    &execx.ExitError{Command: prefix, ExitCode: code, Stderr: stderr},
	})
}

// AddPath makes name resolvable through LookPath.
func (r *Runner) AddPath(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths[name] = "/usr/bin/" + name
}

// Run implements execx.Runner.
func (r *Runner) Run(ctx context.Context, cmd execx.Command) (execx.Result, error) {
	if err := ctx.Err(); err != nil {
		return execx.Result{}, err
	}
	r.mu.Lock()
	r.Calls = append(r.Calls, cmd)
	hook := r.OnRun
	r.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	line := cmd.String()
	for _, p := range r.responses {
		if strings.HasPrefix(line, p.prefix) {
			return p.resp.Result, p.resp.Err
		}
	}
	return execx.Result{}, nil
}

// LookPath implements execx.Runner.
func (r *Runner) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.paths[name]; ok {
		return p, nil
	}
	return "", errors.New("executable file not found in $PATH")
}

// Lines returns the rendered command lines in call order.
func (r *Runner) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Calls))
	for _, c := range r.Calls {
		out = append(out, c.String())
	}
	return out
}

// Ran reports whether any command line started with prefix.
func (r *Runner) Ran(prefix string) bool {
	for _, line := range r.Lines() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
