package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind 表示生命周期事件的类别。
type Kind string

const (
	KindStageStarted Kind = "stage_started"
	KindTransition   Kind = "transition"
	KindFailed       Kind = "failed"
)

// Event 描述一次引导生命周期事件，编排器或运维面板可以据此观察容器的启动进度。
type Event struct {
	RunID      string            `json:"run_id"`
	Kind       Kind              `json:"kind"`
	Stage      string            `json:"stage"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Code       string            `json:"code,omitempty"`
	Severity   string            `json:"severity,omitempty"`
	Message    string            `json:"message,omitempty"`
	Hostname   string            `json:"hostname,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Encode 将事件序列化为 JSON。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher 负责投递生命周期事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (NopPublisher) Close() error { return nil }

// Fanout 将事件广播给多个投递器。
type Fanout struct {
	publishers []Publisher
}

// NewFanout 创建广播投递器，忽略 nil。
func NewFanout(publishers ...Publisher) *Fanout {
	set := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			set = append(set, p)
		}
	}
	return &Fanout{publishers: set}
}

// Publish 投递到所有下游，汇总错误。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for i, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有下游。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, p := range f.publishers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
