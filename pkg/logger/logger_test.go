package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	audit := filepath.Join(dir, "audit", "transitions.log")

	if err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{out},
		Audit:       AuditConfig{Enabled: true, Path: audit},
	}); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Named("provision").Debug("stage started", "stage", "toolchain")
	Audit().Info("transition", "from", "UNPROVISIONED", "to", "TOOLCHAIN_READY")
	if err := Sync(); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	entry := readFirstJSON(t, out)
	if entry["component"] != "provision" || entry["stage"] != "toolchain" {
		t.Fatalf("unexpected app entry: %v", entry)
	}
	auditEntry := readFirstJSON(t, audit)
	if auditEntry["stream"] != "audit" || auditEntry["to"] != "TOOLCHAIN_READY" {
		t.Fatalf("unexpected audit entry: %v", auditEntry)
	}
	info, err := os.Stat(audit)
	if err != nil {
		t.Fatalf("stat audit: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("audit log mode = %o, want 600", perm)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
}

func TestRotatingWriterKeepsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, 1, 2, 1)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()
	w.maxSize = 16

	for _, line := range []string{"first-line-0001\n", "second-line-002\n", "third-line-0003\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	current, _ := os.ReadFile(path)
	if strings.TrimSpace(string(current)) != "third-line-0003" {
		t.Fatalf("unexpected current file: %q", current)
	}
	b1, _ := os.ReadFile(path + ".1")
	if strings.TrimSpace(string(b1)) != "second-line-002" {
		t.Fatalf("unexpected backup 1: %q", b1)
	}
	b2, _ := os.ReadFile(path + ".2")
	if strings.TrimSpace(string(b2)) != "first-line-0001" {
		t.Fatalf("unexpected backup 2: %q", b2)
	}
}

func readFirstJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatalf("%s is empty", path)
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return entry
}
