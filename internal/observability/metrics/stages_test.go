package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRenderStageMetrics(t *testing.T) {
	c := NewCollector()
	c.ObserveStage("install_dependencies", 3*time.Second, nil)
	c.ObserveStage("install_dependencies", 700*time.Second, errors.New("boom"))
	c.SetState("DEPENDENCIES_READY")

	out := c.Render()
	for _, want := range []string{
		`bootstrapd_stage_runs_total{stage="install_dependencies",outcome="failure"} 1`,
		`bootstrapd_stage_runs_total{stage="install_dependencies",outcome="success"} 1`,
		`bootstrapd_stage_duration_seconds_bucket{stage="install_dependencies",le="5"} 1`,
		`bootstrapd_stage_duration_seconds_bucket{stage="install_dependencies",le="600"} 1`,
		`bootstrapd_stage_duration_seconds_bucket{stage="install_dependencies",le="+Inf"} 2`,
		`bootstrapd_stage_duration_seconds_sum{stage="install_dependencies"} 703`,
		`bootstrapd_state{state="DEPENDENCIES_READY"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	c := NewCollector()
	c.ObserveStage("stage_source", time.Second, nil)
	path := filepath.Join(t.TempDir(), "nested", "bootstrapd.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `stage="stage_source"`) {
		t.Fatalf("unexpected content: %s", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveStage("x", time.Second, nil)
	c.SetState("SERVING")
	if err := c.WriteTextfile("/nonexistent/path"); err != nil {
		t.Fatalf("nil collector should not write: %v", err)
	}
}
