package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"AppBootstrap/pkg/execx"
	"AppBootstrap/pkg/logger"
)

// ExecFunc 与 unix.Exec 签名一致。
type ExecFunc func(argv0 string, argv []string, envv []string) error

// importProbe 通过 argv 传入模块与属性名，避免拼接代码。
const importProbe = "import importlib, sys; m = importlib.import_module(sys.argv[1]); getattr(m, sys.argv[2])"

// ErrEntryPointUnavailable 表示入口模块无法导入或缺少目标属性。
var ErrEntryPointUnavailable = errors.New("entry point is not importable")

// Plan 描述最终替换当前进程的命令。
type Plan struct {
	// Path 是解释器的绝对路径。
	Path string
	// Argv 含 argv[0]。
	Argv []string
	Env  []string
	Dir  string
}

// String 返回便于日志输出的命令行。
func (p Plan) String() string {
	return strings.Join(p.Argv, " ")
}

// Launcher 封装入口校验与进程替换。
type Launcher struct {
	runner execx.Runner
	exec   ExecFunc
	chdir  func(string) error
}

// Option 调整 Launcher 行为，主要用于测试。
type Option func(*Launcher)

// WithExec 替换默认的 unix.Exec。
func WithExec(fn ExecFunc) Option {
	return func(l *Launcher) { l.exec = fn }
}

// WithChdir 替换默认的 os.Chdir。
func WithChdir(fn func(string) error) Option {
	return func(l *Launcher) { l.chdir = fn }
}

// New 创建 Launcher。
func New(runner execx.Runner, opts ...Option) *Launcher {
	l := &Launcher{runner: runner, exec: unix.Exec, chdir: os.Chdir}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SplitEntryPoint 将 module:attribute 拆分为两部分。
func SplitEntryPoint(entryPoint string) (string, string, error) {
	module, attr, ok := strings.Cut(entryPoint, ":")
	if !ok || strings.TrimSpace(module) == "" || strings.TrimSpace(attr) == "" {
		return "", "", fmt.Errorf("入口格式应为 module:attribute: %q", entryPoint)
	}
	return strings.TrimSpace(module), strings.TrimSpace(attr), nil
}

// VerifyEntryPoint 在工作目录中用子进程导入入口模块，确认目标属性存在。
func (l *Launcher) VerifyEntryPoint(ctx context.Context, python, entryPoint, dir string, env []string) error {
	module, attr, err := SplitEntryPoint(entryPoint)
	if err != nil {
		return err
	}
	_, err = l.runner.Run(ctx, execx.Command{
		Name: python,
		Args: []string{"-c", importProbe, module, attr},
		Dir:  dir,
		Env:  env,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEntryPointUnavailable, entryPoint, err)
	}
	return nil
}

// PlanOptions 描述服务进程的启动参数。
type PlanOptions struct {
	Python     string
	Module     string
	EntryPoint string
	Host       string
	Port       int
	ExtraArgs  []string
	Env        []string
	Dir        string
}

// BuildPlan 解析解释器路径并组装 `python -m uvicorn main:app --host H --port P`。
func (l *Launcher) BuildPlan(opts PlanOptions) (Plan, error) {
	if _, _, err := SplitEntryPoint(opts.EntryPoint); err != nil {
		return Plan{}, err
	}
	path, err := l.runner.LookPath(opts.Python)
	if err != nil {
		return Plan{}, fmt.Errorf("找不到解释器 %s: %w", opts.Python, err)
	}
	argv := []string{opts.Python, "-m", opts.Module, opts.EntryPoint,
		"--host", opts.Host, "--port", strconv.Itoa(opts.Port)}
	argv = append(argv, opts.ExtraArgs...)
	return Plan{
		Path: path,
		Argv: argv,
		Env:  append([]string(nil), opts.Env...),
		Dir:  opts.Dir,
	}, nil
}

// Exec 切换到工作目录并替换当前进程，成功时不会返回。
func (l *Launcher) Exec(plan Plan) error {
	if plan.Dir != "" {
		if err := l.chdir(plan.Dir); err != nil {
			return fmt.Errorf("切换工作目录失败: %w", err)
		}
	}
	logger.L().Info("移交进程", "command", plan.String(), "dir", plan.Dir)
	_ = logger.Sync()
	if err := l.exec(plan.Path, plan.Argv, plan.Env); err != nil {
		return fmt.Errorf("exec %s 失败: %w", plan.Path, err)
	}
	return nil
}
