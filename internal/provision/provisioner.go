package provision

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AppBootstrap/internal/config"
	"AppBootstrap/internal/credstore"
	xerrors "AppBootstrap/internal/errors"
	"AppBootstrap/internal/events"
	"AppBootstrap/internal/launch"
	"AppBootstrap/internal/observability/metrics"
	"AppBootstrap/pkg/execx"
	"AppBootstrap/pkg/logger"
)

// 阶段名称，出现在日志、事件、指标与错误信息中。
const (
	StageToolchain    = "install_system_toolchain"
	StageDependencies = "install_dependencies"
	StageSource       = "stage_application_source"
	StageCredentials  = "ensure_credential_store"
	StageStartService = "start_service"
	StageCheck        = "check"
)

// Provisioner 按描述执行引导流程。描述在创建时复制，之后不再变化。
type Provisioner struct {
	desc      config.Descriptor
	runner    execx.Runner
	launcher  *launch.Launcher
	publisher events.Publisher
	metrics   *metrics.Collector
	environ   []string
	output    io.Writer
	sources   []credstore.Source
	machine   *Machine
	runID     string
	hostname  string
	now       func() time.Time
	log       *slog.Logger
	closeOnce sync.Once
	closeErr  error

	launchOpts []launch.Option
}

// Option 定制 Provisioner。
type Option func(*Provisioner)

// WithRunner 替换默认的命令执行器。
func WithRunner(r execx.Runner) Option {
	return func(p *Provisioner) {
		if r != nil {
			p.runner = r
		}
	}
}

// WithPublisher 设置生命周期事件投递器，Provisioner 负责关闭它。
func WithPublisher(pub events.Publisher) Option {
	return func(p *Provisioner) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// WithMetrics 设置阶段指标采集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Provisioner) { p.metrics = c }
}

// WithEnviron 指定父进程环境，默认取 os.Environ()。
func WithEnviron(env []string) Option {
	return func(p *Provisioner) { p.environ = append([]string(nil), env...) }
}

// WithOutput 指定子命令输出的去向，默认为 stderr。
func WithOutput(w io.Writer) Option {
	return func(p *Provisioner) { p.output = w }
}

// WithSecretSources 追加额外的凭据来源。
func WithSecretSources(sources ...credstore.Source) Option {
	return func(p *Provisioner) { p.sources = append(p.sources, sources...) }
}

// WithLaunchOptions 透传给 launch.New，测试中用于替换 exec。
func WithLaunchOptions(opts ...launch.Option) Option {
	return func(p *Provisioner) { p.launchOpts = append(p.launchOpts, opts...) }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

// New 创建 Provisioner。
func New(desc config.Descriptor, opts ...Option) *Provisioner {
	p := &Provisioner{
		desc:      desc.Clone(),
		runner:    execx.OSRunner{},
		publisher: events.NopPublisher{},
		output:    os.Stderr,
		machine:   NewMachine(),
		runID:     uuid.NewString(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.environ == nil {
		p.environ = os.Environ()
	}
	if host, err := os.Hostname(); err == nil {
		p.hostname = host
	}
	p.launcher = launch.New(p.runner, p.launchOpts...)
	p.log = logger.Named("provision").With(slog.String("run_id", p.runID))
	return p
}

// RunID 返回本次引导的唯一标识。
func (p *Provisioner) RunID() string { return p.runID }

// State 返回当前状态。
func (p *Provisioner) State() State { return p.machine.Current() }

// Failed 报告流程是否已失败。
func (p *Provisioner) Failed() bool { return p.machine.Failed() }

// Descriptor 返回描述的副本。
func (p *Provisioner) Descriptor() config.Descriptor { return p.desc.Clone() }

// Close 关闭事件投递器，可重复调用。
func (p *Provisioner) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.publisher.Close()
	})
	return p.closeErr
}

type step struct {
	name string
	run  func(ctx context.Context) error
}

// Build 执行镜像构建阶段：工具链、依赖、源码。凭据目录不会进入镜像层。
func (p *Provisioner) Build(ctx context.Context) error {
	return p.pipeline(ctx, p.buildSteps())
}

// Run 执行完整流程，成功时进程被服务替换，不会返回。
func (p *Provisioner) Run(ctx context.Context) error {
	r := p.desc.Runtime
	s := p.desc.Server
	steps := append(p.buildSteps(),
		step{StageCredentials, func(ctx context.Context) error {
			return p.EnsureCredentialStore(ctx, r.CredentialStorePath)
		}},
		step{StageStartService, func(ctx context.Context) error {
			return p.StartService(ctx, s.EntryPoint, s.ListenHost, s.ListenPort)
		}},
	)
	return p.pipeline(ctx, steps)
}

func (p *Provisioner) buildSteps() []step {
	r := p.desc.Runtime
	return []step{
		{StageToolchain, p.InstallSystemToolchain},
		{StageDependencies, func(ctx context.Context) error {
			return p.InstallDependencies(ctx, r.DependencyManifestPath)
		}},
		{StageSource, func(ctx context.Context) error {
			return p.StageApplicationSource(ctx, r.SourceRoot, r.WorkingDirectory)
		}},
	}
}

func (p *Provisioner) pipeline(ctx context.Context, steps []step) error {
	p.log.Info("开始引导", slog.Int("steps", len(steps)), slog.String("state", p.machine.Current().String()))
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return p.fail(ctx, s.name, xerrors.Wrap(xerrors.CodeUnknown, err, "引导被取消", xerrors.WithStage(s.name)))
		}
		if err := s.run(ctx); err != nil {
			return err
		}
	}
	p.log.Info("引导阶段完成", slog.String("state", p.machine.Current().String()))
	return nil
}

// stage 包装单个步骤：校验前置状态、记录耗时，失败时统一错误码并标记状态机。
func (p *Provisioner) stage(ctx context.Context, name string, from State, code xerrors.Code, fn func(context.Context) error) error {
	if err := p.machine.Expect(from); err != nil {
		return err
	}
	log := p.log.With(slog.String("stage", name))
	log.Info("阶段开始")
	p.emit(ctx, events.Event{Kind: events.KindStageStarted, Stage: name, From: from.String()})

	started := p.now()
	err := fn(ctx)
	elapsed := p.now().Sub(started)
	p.metrics.ObserveStage(name, elapsed, err)
	if err != nil {
		return p.fail(ctx, name, classify(err, code, name))
	}
	log.Info("阶段完成", slog.Duration("elapsed", elapsed))
	return nil
}

func (p *Provisioner) fail(ctx context.Context, stage string, err error) error {
	p.machine.Fail()
	state := p.machine.Current().String()
	code := xerrors.CodeOf(err)
	p.log.Error("阶段失败",
		slog.String("stage", stage),
		slog.String("state", state),
		slog.String("code", string(code)),
		slog.Any("error", err),
	)
	logger.Audit().Error("provisioning failed",
		slog.String("run_id", p.runID),
		slog.String("stage", stage),
		slog.String("state", state),
		slog.String("code", string(code)),
	)
	p.emit(ctx, events.Event{
		Kind:     events.KindFailed,
		Stage:    stage,
		From:     state,
		Code:     string(code),
		Severity: string(xerrors.SeverityOf(err)),
		Message:  err.Error(),
	})
	p.flushMetrics()
	return err
}

// advance 推进状态机并写审计日志与事件。
func (p *Provisioner) advance(ctx context.Context, stage string, to State) error {
	from, err := p.machine.Advance(to)
	if err != nil {
		return err
	}
	logger.Audit().Info("state transition",
		slog.String("run_id", p.runID),
		slog.String("stage", stage),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	p.metrics.SetState(to.String())
	p.emit(ctx, events.Event{Kind: events.KindTransition, Stage: stage, From: from.String(), To: to.String()})
	p.flushMetrics()
	return nil
}

func (p *Provisioner) emit(ctx context.Context, event events.Event) {
	event.RunID = p.runID
	event.Hostname = p.hostname
	event.OccurredAt = p.now().UTC()
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.log.Warn("生命周期事件投递失败", slog.String("kind", string(event.Kind)), slog.Any("error", err))
	}
}

func (p *Provisioner) flushMetrics() {
	if err := p.metrics.WriteTextfile(p.desc.Metrics.TextfilePath); err != nil {
		p.log.Warn("写入指标文件失败", slog.Any("error", err))
	}
}

// classify 保证返回带错误码与阶段的 *Error。
func classify(err error, code xerrors.Code, stage string) error {
	if typed, ok := xerrors.From(err); ok && typed.Stage() != "" {
		return err
	}
	if typed, ok := xerrors.From(err); ok {
		code = typed.Code()
	}
	return xerrors.Wrap(code, err, stageMessage(stage), xerrors.WithStage(stage))
}

func stageMessage(stage string) string {
	return strings.ReplaceAll(stage, "_", " ") + " failed"
}
