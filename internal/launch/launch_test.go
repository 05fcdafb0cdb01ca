package launch

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"AppBootstrap/pkg/execx/execxtest"
)

func TestVerifyEntryPointPassesModuleAndAttribute(t *testing.T) {
	runner := execxtest.New("python3")
	l := New(runner)
	env := []string{"PYTHONPATH=/app"}
	if err := l.VerifyEntryPoint(context.Background(), "python3", "main:app", "/app", env); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(runner.Calls) != 1 {
		t.Fatalf("expected one call, got %d", len(runner.Calls))
	}
	call := runner.Calls[0]
	if call.Dir != "/app" || !reflect.DeepEqual(call.Env, env) {
		t.Fatalf("unexpected call context: %+v", call)
	}
	args := call.Args
	if args[0] != "-c" || args[len(args)-2] != "main" || args[len(args)-1] != "app" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestVerifyEntryPointFailure(t *testing.T) {
	runner := execxtest.New("python3").Fail("python3 -c", 1, "ModuleNotFoundError: No module named 'main'")
	l := New(runner)
	err := l.VerifyEntryPoint(context.Background(), "python3", "main:app", "/app", nil)
	if !errors.Is(err, ErrEntryPointUnavailable) {
		t.Fatalf("expected ErrEntryPointUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "ModuleNotFoundError") {
		t.Fatalf("stderr should be surfaced: %v", err)
	}
}

func TestSplitEntryPoint(t *testing.T) {
	cases := []struct {
		in      string
		module  string
		attr    string
		wantErr bool
	}{
		{in: "main:app", module: "main", attr: "app"},
		{in: "pkg.api:create_app", module: "pkg.api", attr: "create_app"},
		{in: "main", wantErr: true},
		{in: ":app", wantErr: true},
		{in: "main:", wantErr: true},
	}
	for _, tc := range cases {
		module, attr, err := SplitEntryPoint(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil || module != tc.module || attr != tc.attr {
			t.Fatalf("%q: got %q %q %v", tc.in, module, attr, err)
		}
	}
}

func TestBuildPlanAndExec(t *testing.T) {
	runner := execxtest.New("python3")
	var gotPath string
	var gotArgv, gotEnv []string
	var gotDir string
	l := New(runner,
		WithExec(func(argv0 string, argv []string, envv []string) error {
			gotPath, gotArgv, gotEnv = argv0, argv, envv
			return nil
		}),
		WithChdir(func(dir string) error { gotDir = dir; return nil }),
	)
	plan, err := l.BuildPlan(PlanOptions{
		Python:     "python3",
		Module:     "uvicorn",
		EntryPoint: "main:app",
		Host:       "0.0.0.0",
		Port:       8000,
		ExtraArgs:  []string{"--proxy-headers"},
		Env:        []string{"A=1"},
		Dir:        "/app",
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := "python3 -m uvicorn main:app --host 0.0.0.0 --port 8000 --proxy-headers"
	if plan.String() != want {
		t.Fatalf("unexpected command: %s", plan.String())
	}
	if err := l.Exec(plan); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if gotPath != "/usr/bin/python3" || gotDir != "/app" || gotEnv[0] != "A=1" || gotArgv[0] != "python3" {
		t.Fatalf("unexpected exec: path=%s dir=%s argv=%v env=%v", gotPath, gotDir, gotArgv, gotEnv)
	}
}

func TestBuildPlanMissingInterpreter(t *testing.T) {
	l := New(execxtest.New())
	if _, err := l.BuildPlan(PlanOptions{Python: "python3", Module: "uvicorn", EntryPoint: "main:app"}); err == nil {
		t.Fatalf("expected lookup failure")
	}
}

func TestExecFailureIsReturned(t *testing.T) {
	l := New(execxtest.New("python3"),
		WithExec(func(string, []string, []string) error { return errors.New("permission denied") }),
		WithChdir(func(string) error { return nil }),
	)
	err := l.Exec(Plan{Path: "/usr/bin/python3", Argv: []string{"python3"}, Dir: "/app"})
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected exec error, got %v", err)
	}
}
