// Package toolchain installs the system compiler toolchain needed to build
// native extensions of the application's dependencies.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"AppBootstrap/pkg/execx"
	"AppBootstrap/pkg/logger"
)

// Manager 描述一种系统包管理器的调用方式。
type Manager struct {
	Name string
	// Binary 用于探测该包管理器是否可用。
	Binary string
	// Refresh 在安装前刷新索引，可为空。
	Refresh []string
	Install []string
	// Cleanup 在安装后清理缓存，失败不影响结果。
	Cleanup []string
	// Defaults 是未配置包列表时安装的默认工具链。
	Defaults []string
}

var managers = []Manager{
	{
		Name:     "apt",
		Binary:   "apt-get",
		Refresh:  []string{"apt-get", "update"},
		Install:  []string{"apt-get", "install", "-y", "--no-install-recommends"},
		Cleanup:  []string{"sh", "-c", "rm -rf /var/lib/apt/lists/*"},
		Defaults: []string{"gcc", "g++", "make", "libpq-dev"},
	},
	{
		Name:     "apk",
		Binary:   "apk",
		Install:  []string{"apk", "add", "--no-cache"},
		Defaults: []string{"gcc", "g++", "make", "musl-dev", "postgresql-dev"},
	},
	{
		Name:     "dnf",
		Binary:   "dnf",
		Install:  []string{"dnf", "install", "-y"},
		Cleanup:  []string{"dnf", "clean", "all"},
		Defaults: []string{"gcc", "gcc-c++", "make", "libpq-devel"},
	},
	{
		Name:     "yum",
		Binary:   "yum",
		Install:  []string{"yum", "install", "-y"},
		Cleanup:  []string{"yum", "clean", "all"},
		Defaults: []string{"gcc", "gcc-c++", "make", "postgresql-devel"},
	},
}

// ErrNoPackageManager 表示未找到可用的包管理器。
var ErrNoPackageManager = errors.New("no supported package manager found")

// Lookup 返回指定名称的包管理器定义。
func Lookup(name string) (Manager, bool) {
	for _, m := range managers {
		if m.Name == name {
			return m, true
		}
	}
	return Manager{}, false
}

// Detect 依次探测可用的包管理器。
func Detect(runner execx.Runner) (Manager, error) {
	for _, m := range managers {
		if _, err := runner.LookPath(m.Binary); err == nil {
			return m, nil
		}
	}
	return Manager{}, ErrNoPackageManager
}

// Installer 负责工具链的安装。
type Installer struct {
	runner   execx.Runner
	manager  string
	packages []string
	probe    []string
	output   io.Writer
}

// NewInstaller 创建安装器。manager 为 auto 时自动探测，为 none 时只做探测。
func NewInstaller(runner execx.Runner, manager string, packages, probe []string, output io.Writer) *Installer {
	if runner == nil {
		runner = execx.OSRunner{}
	}
	return &Installer{
		runner:   runner,
		manager:  manager,
		packages: append([]string(nil), packages...),
		probe:    append([]string(nil), probe...),
		output:   output,
	}
}

// Present 判断所有探测命令是否均已在 PATH 中。
func (i *Installer) Present() bool {
	if len(i.probe) == 0 {
		return false
	}
	for _, bin := range i.probe {
		if _, err := i.runner.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// Install 安装工具链；若工具链已经存在则直接返回。
func (i *Installer) Install(ctx context.Context) error {
	log := logger.Named("toolchain")
	if i.Present() {
		log.Info("工具链已存在，跳过安装", slog.Any("probe", i.probe))
		return nil
	}
	if i.manager == "none" {
		return fmt.Errorf("toolchain binaries %v missing and package installation is disabled", i.probe)
	}

	var (
		mgr Manager
		err error
	)
	if i.manager == "" || i.manager == "auto" {
		mgr, err = Detect(i.runner)
		if err != nil {
			return err
		}
	} else {
		var ok bool
		if mgr, ok = Lookup(i.manager); !ok {
			return fmt.Errorf("unknown package manager %q", i.manager)
		}
	}

	packages := i.packages
	if len(packages) == 0 {
		packages = mgr.Defaults
	}
	log.Info("安装系统工具链", slog.String("manager", mgr.Name), slog.Any("packages", packages))

	if len(mgr.Refresh) > 0 {
		if _, err := i.run(ctx, mgr.Refresh); err != nil {
			return fmt.Errorf("refresh package index: %w", err)
		}
	}
	install := append(append([]string(nil), mgr.Install...), packages...)
	if _, err := i.run(ctx, install); err != nil {
		return fmt.Errorf("install packages: %w", err)
	}
	if len(mgr.Cleanup) > 0 {
		if _, err := i.run(ctx, mgr.Cleanup); err != nil {
			log.Warn("清理包管理器缓存失败", slog.Any("error", err))
		}
	}

	for _, bin := range i.probe {
		if _, err := i.runner.LookPath(bin); err != nil {
			return fmt.Errorf("toolchain binary %s still missing after install: %w", bin, err)
		}
	}
	return nil
}

func (i *Installer) run(ctx context.Context, argv []string) (execx.Result, error) {
	return i.runner.Run(ctx, execx.Command{Name: argv[0], Args: argv[1:], Stream: i.output})
}
