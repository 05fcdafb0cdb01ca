package provision

import (
	"path/filepath"
	"testing"

	xerrors "AppBootstrap/internal/errors"
)

func TestMachineAdvancesOneStepAtATime(t *testing.T) {
	m := NewMachine()
	if _, err := m.Advance(DependenciesReady); xerrors.CodeOf(err) != xerrors.CodeInvalidStateTransition {
		t.Fatalf("skipping a state should fail, got %v", err)
	}
	for _, to := range []State{ToolchainReady, DependenciesReady, SourceStaged, CredentialStoreReady, Serving} {
		from, err := m.Advance(to)
		if err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
		if from != to-1 {
			t.Fatalf("unexpected from state %s", from)
		}
	}
	if _, err := m.Advance(Serving + 1); err == nil {
		t.Fatalf("no state beyond SERVING")
	}
	if m.Current().String() != "SERVING" {
		t.Fatalf("unexpected state name %s", m.Current())
	}
}

func TestMachineIsTerminalAfterFailure(t *testing.T) {
	m := NewMachine()
	if _, err := m.Advance(ToolchainReady); err != nil {
		t.Fatalf("advance: %v", err)
	}
	m.Fail()
	if _, err := m.Advance(DependenciesReady); err == nil {
		t.Fatalf("failed machine must not advance")
	}
	if err := m.Expect(ToolchainReady); err == nil {
		t.Fatalf("failed machine must reject further stages")
	}
	if m.Current() != ToolchainReady {
		t.Fatalf("failure should keep the last reached state")
	}
}

func TestCopyTreeSkipsNestedDestination(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "main.py"), "app = None\n", 0o755)
	writeFile(t, filepath.Join(src, "pkg", "__pycache__", "x.pyc"), "x", 0o644)
	dst := filepath.Join(src, "build")
	n, err := copyTree(t.Context(), src, dst, nil)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 file copied, got %d", n)
	}
}
