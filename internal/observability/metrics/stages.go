package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type stageKey struct {
	stage   string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector 记录每个引导阶段的执行次数与耗时，并以 Prometheus 文本格式输出。
type Collector struct {
	mu       sync.Mutex
	runs     map[stageKey]uint64
	duration map[string]*histogram
	state    string
}

// NewCollector 创建空的采集器。
func NewCollector() *Collector {
	return &Collector{
		runs:     make(map[stageKey]uint64),
		duration: make(map[string]*histogram),
	}
}

// ObserveStage 记录一次阶段执行，err 非空时 outcome 记为 failure。
func (c *Collector) ObserveStage(stage string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[stageKey{stage: stage, outcome: outcome}]++
	hist := c.duration[stage]
	if hist == nil {
		hist = newHistogram()
		c.duration[stage] = hist
	}
	hist.observe(duration.Seconds())
}

// SetState 记录当前所处的引导状态。
func (c *Collector) SetState(state string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func newHistogram() *histogram {
	// pip 安装与包管理器操作常以分钟计。
	buckets := []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
}

// Render 输出 Prometheus 文本格式。
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type runMetric struct {
		stageKey
		value uint64
	}
	runs := make([]runMetric, 0, len(c.runs))
	for key, value := range c.runs {
		runs = append(runs, runMetric{stageKey: key, value: value})
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].stage == runs[j].stage {
			return runs[i].outcome < runs[j].outcome
		}
		return runs[i].stage < runs[j].stage
	})
	stages := make([]string, 0, len(c.duration))
	for stage := range c.duration {
		stages = append(stages, stage)
	}
	sort.Strings(stages)

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP bootstrapd_stage_runs_total Number of provisioning stage executions by outcome.\n")
	builder.WriteString("# TYPE bootstrapd_stage_runs_total counter\n")
	for _, metric := range runs {
		fmt.Fprintf(&builder, "bootstrapd_stage_runs_total{stage=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.stage), escape(metric.outcome), metric.value)
	}

	builder.WriteString("# HELP bootstrapd_stage_duration_seconds Provisioning stage duration in seconds.\n")
	builder.WriteString("# TYPE bootstrapd_stage_duration_seconds histogram\n")
	for _, stage := range stages {
		hist := c.duration[stage]
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&builder, "bootstrapd_stage_duration_seconds_bucket{stage=\"%s\",le=\"%s\"} %d\n",
				escape(stage), formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&builder, "bootstrapd_stage_duration_seconds_bucket{stage=\"%s\",le=\"+Inf\"} %d\n", escape(stage), hist.count)
		fmt.Fprintf(&builder, "bootstrapd_stage_duration_seconds_sum{stage=\"%s\"} %s\n", escape(stage), formatFloat(hist.sum))
		fmt.Fprintf(&builder, "bootstrapd_stage_duration_seconds_count{stage=\"%s\"} %d\n", escape(stage), hist.count)
	}

	if c.state != "" {
		builder.WriteString("# HELP bootstrapd_state Current provisioning state.\n")
		builder.WriteString("# TYPE bootstrapd_state gauge\n")
		fmt.Fprintf(&builder, "bootstrapd_state{state=\"%s\"} 1\n", escape(c.state))
	}
	return builder.String()
}

// WriteTextfile 以原子替换的方式写出指标文件，供 node_exporter textfile collector 读取。
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建指标目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".bootstrapd-*.prom")
	if err != nil {
		return fmt.Errorf("创建临时指标文件失败: %w", err)
	}
	if _, err := tmp.WriteString(c.Render()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("写入指标失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("写入指标失败: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("设置指标文件权限失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("替换指标文件失败: %w", err)
	}
	return nil
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
