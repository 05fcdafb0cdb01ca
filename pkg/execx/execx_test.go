package execx

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestOSRunnerCapturesOutput(t *testing.T) {
	if _, err := (OSRunner{}).LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	res, err := OSRunner{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err 1>&2"},
		Dir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" || strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("unexpected output: %+v", res)
	}
}

func TestOSRunnerReportsExitCode(t *testing.T) {
	if _, err := (OSRunner{}).LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	_, err := OSRunner{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo nope 1>&2; exit 3"},
	})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.ExitCode != 3 || !strings.Contains(exitErr.Error(), "nope") {
		t.Fatalf("unexpected exit error: %v", exitErr)
	}
}
