package provision

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"AppBootstrap/internal/credstore"
	xerrors "AppBootstrap/internal/errors"
	"AppBootstrap/internal/launch"
	"AppBootstrap/internal/manifest"
	"AppBootstrap/internal/preflight"
	"AppBootstrap/internal/toolchain"
	"AppBootstrap/pkg/execx"
)

// dependencyStamp 记录已安装清单的摘要，镜像构建后再次启动时跳过重复安装。
const dependencyStamp = ".bootstrapd-deps.sha256"

// InstallSystemToolchain 安装编译原生扩展所需的系统工具链。
func (p *Provisioner) InstallSystemToolchain(ctx context.Context) error {
	return p.stage(ctx, StageToolchain, Unprovisioned, xerrors.CodeProvisioning, func(ctx context.Context) error {
		t := p.desc.Toolchain
		installer := toolchain.NewInstaller(p.runner, t.Manager, t.Packages, t.Probe, p.output)
		if err := installer.Install(ctx); err != nil {
			return xerrors.Wrap(xerrors.CodeProvisioning, err, "安装系统工具链失败",
				xerrors.WithStage(StageToolchain),
				xerrors.WithMetadata("manager", t.Manager))
		}
		return p.advance(ctx, StageToolchain, ToolchainReady)
	})
}

// InstallDependencies 按清单安装依赖，并确认每个声明的包都已可用。
func (p *Provisioner) InstallDependencies(ctx context.Context, manifestPath string) error {
	return p.stage(ctx, StageDependencies, ToolchainReady, xerrors.CodeDependencyResolution, func(ctx context.Context) error {
		fail := func(err error, msg string) error {
			return xerrors.Wrap(xerrors.CodeDependencyResolution, err, msg,
				xerrors.WithStage(StageDependencies),
				xerrors.WithMetadata("manifest", manifestPath))
		}
		info, err := os.Stat(manifestPath)
		if err != nil {
			return fail(err, "依赖清单不存在")
		}
		if info.IsDir() {
			return fail(fmt.Errorf("%s is a directory", manifestPath), "依赖清单不是文件")
		}
		m, err := manifest.Load(manifestPath)
		if err != nil {
			return fail(err, "解析依赖清单失败")
		}

		python := p.desc.Server.PythonExecutable
		digest, err := p.dependencyDigest(m)
		if err != nil {
			return fail(err, "读取依赖清单失败")
		}
		stampPath := filepath.Join(p.desc.Runtime.WorkingDirectory, dependencyStamp)
		if readStamp(stampPath) == digest {
			p.log.Info("依赖清单未变化，跳过安装", slog.String("manifest", manifestPath))
		} else {
			args := []string{"-m", "pip", "install", "--no-cache-dir"}
			args = append(args, p.desc.Dependencies.InstallerArgs...)
			args = append(args, "-r", manifestPath)
			p.log.Info("安装依赖", slog.String("manifest", manifestPath), slog.Int("packages", len(m.Requirements)))
			if _, err := p.runner.Run(ctx, execx.Command{
				Name:   python,
				Args:   args,
				Dir:    filepath.Dir(manifestPath),
				Stream: p.output,
			}); err != nil {
				return fail(err, "依赖安装失败")
			}
		}

		if enabled(p.desc.Dependencies.Verify) && len(m.Requirements) > 0 {
			var names []string
			for _, r := range p.applicableRequirements(ctx, python, m.Requirements) {
				names = append(names, r.Name)
			}
			if len(names) > 0 {
				missing, err := p.missingDistributions(ctx, python, names)
				if err != nil {
					return fail(err, "校验已安装依赖失败")
				}
				if len(missing) > 0 {
					return fail(fmt.Errorf("not installed: %s", strings.Join(missing, ", ")), "存在无法解析的依赖")
				}
			}
		}
		if err := writeStamp(stampPath, digest); err != nil {
			p.log.Warn("写入依赖摘要失败", slog.Any("error", err))
		}
		return p.advance(ctx, StageDependencies, DependenciesReady)
	})
}

// markerScript 借助 pip 自带的 packaging 在目标解释器上求值环境标记，每个标记输出一行 0 或 1。
const markerScript = `import sys; from pip._vendor.packaging.markers import Marker; print("\n".join(str(int(Marker(m).evaluate())) for m in sys.argv[1:]))`

// applicableRequirements 去掉环境标记在当前解释器上不成立的声明，pip 安装时同样会跳过它们。
// 标记无法求值时只校验不带标记的声明。
func (p *Provisioner) applicableRequirements(ctx context.Context, python string, reqs []manifest.Requirement) []manifest.Requirement {
	var markers []string
	for _, r := range reqs {
		if r.Marker != "" {
			markers = append(markers, r.Marker)
		}
	}
	if len(markers) == 0 {
		return reqs
	}
	res, err := p.runner.Run(ctx, execx.Command{Name: python, Args: append([]string{"-c", markerScript}, markers...)})
	var results []string
	if err == nil {
		results = strings.Fields(res.Stdout)
	}
	if len(results) != len(markers) {
		p.log.Warn("无法求值环境标记，跳过带标记的依赖校验",
			slog.Int("markers", len(markers)),
			slog.Any("error", err))
		results = make([]string, len(markers))
	}
	out := make([]manifest.Requirement, 0, len(reqs))
	i := 0
	for _, r := range reqs {
		if r.Marker == "" {
			out = append(out, r)
			continue
		}
		if results[i] == "1" {
			out = append(out, r)
		} else {
			p.log.Info("环境标记不成立，跳过校验", slog.String("package", r.Name), slog.String("marker", r.Marker))
		}
		i++
	}
	return out
}

// missingDistributions 通过一次 pip show 查询全部包，返回未安装的名称。
func (p *Provisioner) missingDistributions(ctx context.Context, python string, names []string) ([]string, error) {
	args := append([]string{"-m", "pip", "show"}, names...)
	res, err := p.runner.Run(ctx, execx.Command{Name: python, Args: args})
	var exitErr *execx.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, err
	}
	found := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "Name: "); ok {
			found[manifest.NormalizeName(strings.TrimSpace(name))] = true
		}
	}
	var missing []string
	for _, name := range names {
		if !found[manifest.NormalizeName(name)] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// StageApplicationSource 将源码树复制到工作目录。两者相同时视为已就位。
func (p *Provisioner) StageApplicationSource(ctx context.Context, sourceRoot, workingDirectory string) error {
	return p.stage(ctx, StageSource, DependenciesReady, xerrors.CodeFilesystem, func(ctx context.Context) error {
		fail := func(err error, msg string) error {
			return xerrors.Wrap(xerrors.CodeFilesystem, err, msg,
				xerrors.WithStage(StageSource),
				xerrors.WithMetadata("source", sourceRoot),
				xerrors.WithMetadata("destination", workingDirectory))
		}
		src, err := filepath.Abs(sourceRoot)
		if err != nil {
			return fail(err, "解析源码路径失败")
		}
		dst, err := filepath.Abs(workingDirectory)
		if err != nil {
			return fail(err, "解析工作目录失败")
		}
		if src == dst {
			p.log.Info("源码已位于工作目录", slog.String("path", dst))
		} else {
			skip := []string{filepath.Base(p.desc.Runtime.CredentialStorePath), dependencyStamp}
			copied, err := copyTree(ctx, src, dst, skip)
			if err != nil {
				return fail(err, "复制应用源码失败")
			}
			p.log.Info("应用源码已就位", slog.String("source", src), slog.String("destination", dst), slog.Int("files", copied))
		}
		return p.advance(ctx, StageSource, SourceStaged)
	})
}

// EnsureCredentialStore 创建或校正凭据目录，随后写入缺失的运行时密钥。
func (p *Provisioner) EnsureCredentialStore(ctx context.Context, path string) error {
	return p.stage(ctx, StageCredentials, SourceStaged, xerrors.CodeFilesystem, func(ctx context.Context) error {
		if _, _, err := p.PrepareCredentialStore(ctx, path); err != nil {
			return err
		}
		return p.advance(ctx, StageCredentials, CredentialStoreReady)
	})
}

// PrepareCredentialStore 执行凭据目录的创建与注入，不涉及状态机。
func (p *Provisioner) PrepareCredentialStore(ctx context.Context, path string) (credstore.State, credstore.SeedReport, error) {
	fail := func(err error, msg string) error {
		return xerrors.Wrap(xerrors.CodeFilesystem, err, msg,
			xerrors.WithStage(StageCredentials),
			xerrors.WithMetadata("path", path))
	}
	mode, err := p.desc.CredentialMode()
	if err != nil {
		return credstore.State{}, credstore.SeedReport{}, err
	}
	fileMode, err := p.desc.SecretFileMode()
	if err != nil {
		return credstore.State{}, credstore.SeedReport{}, err
	}
	state, err := credstore.Ensure(path, mode)
	if err != nil {
		return state, credstore.SeedReport{}, fail(err, "准备凭据目录失败")
	}
	p.log.Info("凭据目录就绪",
		slog.String("path", state.Path),
		slog.Bool("created", state.Created),
		slog.Bool("tightened", state.Tightened),
		slog.Int("entries", state.Entries))

	seed := p.desc.Credentials.Seed
	decrypter, err := credstore.LoadDecrypter(p.getenv(seed.Age.IdentityEnv), seed.Age.IdentityFile)
	if err != nil {
		return state, credstore.SeedReport{}, fail(err, "加载 age 身份失败")
	}
	sources, err := p.secretSources()
	if err != nil {
		return state, credstore.SeedReport{}, fail(err, "初始化凭据来源失败")
	}
	report, err := credstore.NewSeeder(path, fileMode, decrypter, sources...).Seed(ctx)
	if err != nil {
		return state, report, fail(err, "写入运行时凭据失败")
	}
	if len(report.Written) > 0 || len(report.Skipped) > 0 {
		p.log.Info("运行时凭据注入完成", slog.Int("written", len(report.Written)), slog.Int("skipped", len(report.Skipped)))
	}
	return state, report, nil
}

func (p *Provisioner) secretSources() ([]credstore.Source, error) {
	seed := p.desc.Credentials.Seed
	sources := []credstore.Source{credstore.EnvSource{Prefix: seed.EnvPrefix, Environ: p.environ}}
	for _, dir := range seed.Directories {
		sources = append(sources, credstore.DirSource{Path: dir})
	}
	if s3 := seed.S3; s3 != nil {
		src, err := credstore.NewS3Source(credstore.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
			AccessKey: p.getenv(s3.AccessKeyEnv),
			SecretKey: p.getenv(s3.SecretKeyEnv),
			UseSSL:    s3.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return append(sources, p.sources...), nil
}

// StartService 完成启动前检查后以 exec 移交给 HTTP 服务。成功时不返回。
func (p *Provisioner) StartService(ctx context.Context, entryPoint, host string, port int) error {
	return p.stage(ctx, StageStartService, CredentialStoreReady, xerrors.CodeBind, func(ctx context.Context) error {
		bind := func(err error, msg string) error {
			return xerrors.Wrap(xerrors.CodeBind, err, msg,
				xerrors.WithStage(StageStartService),
				xerrors.WithMetadata("entry_point", entryPoint),
				xerrors.WithMetadata("address", fmt.Sprintf("%s:%d", host, port)))
		}
		env := p.SetEnvironment(nil)
		if err := p.probeDatabase(ctx, env); err != nil {
			return err
		}
		if err := preflight.CheckPortAvailable(ctx, host, port); err != nil {
			return bind(err, "监听端口不可用")
		}

		s := p.desc.Server
		dir := p.desc.Runtime.WorkingDirectory
		if enabled(s.VerifyEntryPoint) {
			if err := p.launcher.VerifyEntryPoint(ctx, s.PythonExecutable, entryPoint, dir, env); err != nil {
				return bind(err, "入口模块无法导入")
			}
		}
		plan, err := p.launcher.BuildPlan(launch.PlanOptions{
			Python:     s.PythonExecutable,
			Module:     s.ServerModule,
			EntryPoint: entryPoint,
			Host:       host,
			Port:       port,
			ExtraArgs:  s.ServerArgs,
			Env:        env,
			Dir:        dir,
		})
		if err != nil {
			return bind(err, "无法组装服务命令")
		}

		if err := p.advance(ctx, StageStartService, Serving); err != nil {
			return err
		}
		if err := p.Close(); err != nil {
			p.log.Warn("关闭事件投递器失败", slog.Any("error", err))
		}
		if err := p.launcher.Exec(plan); err != nil {
			return bind(err, "服务进程启动失败")
		}
		return nil
	})
}

// probeDatabase 在开启数据库探测时确认 DATABASE_URL 指向的数据库可达。
func (p *Provisioner) probeDatabase(ctx context.Context, env []string) error {
	pf := p.desc.Preflight
	if !pf.Database {
		return nil
	}
	unavailable := func(err error, msg string) error {
		return xerrors.Wrap(xerrors.CodeDependencyUnavailable, err, msg,
			xerrors.WithStage(StageStartService),
			xerrors.WithMetadata("env", pf.DatabaseURLEnv))
	}
	raw := lookupEnv(env, pf.DatabaseURLEnv)
	if raw == "" {
		return unavailable(errors.New("variable is empty"), "未配置数据库地址")
	}
	target, err := preflight.ParseDatabaseURL(raw)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "数据库地址无法解析",
			xerrors.WithStage(StageStartService),
			xerrors.WithMetadata("env", pf.DatabaseURLEnv))
	}
	if err := preflight.PingDatabase(ctx, target, pf.Timeout()); err != nil {
		return unavailable(err, "数据库不可达")
	}
	p.log.Info("数据库探测通过", slog.String("target", target.Redacted))
	return nil
}

// Check 在不改变状态的前提下检查描述、依赖清单、端口与数据库。
func (p *Provisioner) Check(ctx context.Context) error {
	r := p.desc.Runtime
	s := p.desc.Server
	check := func(code xerrors.Code, err error, msg string) error {
		return xerrors.Wrap(code, err, msg, xerrors.WithStage(StageCheck))
	}
	m, err := manifest.Load(r.DependencyManifestPath)
	if err != nil {
		return check(xerrors.CodeDependencyResolution, err, "依赖清单无效")
	}
	p.log.Info("依赖清单有效", slog.String("manifest", m.Path), slog.Int("packages", len(m.Requirements)))
	if _, _, err := launch.SplitEntryPoint(s.EntryPoint); err != nil {
		return check(xerrors.CodeInvalidConfig, err, "入口格式错误")
	}
	if err := preflight.CheckPortAvailable(ctx, s.ListenHost, s.ListenPort); err != nil {
		return check(xerrors.CodeBind, err, "监听端口不可用")
	}
	if err := p.probeDatabase(ctx, p.SetEnvironment(nil)); err != nil {
		return err
	}
	p.log.Info("检查通过", slog.String("address", p.desc.ListenAddress()))
	return nil
}

func (p *Provisioner) getenv(key string) string {
	if key == "" {
		return ""
	}
	return lookupEnv(p.environ, key)
}

// dependencyDigest 汇总解释器、安装参数以及清单引用到的每个文件的内容。
func (p *Provisioner) dependencyDigest(m *manifest.Manifest) (string, error) {
	python := p.desc.Server.PythonExecutable
	if resolved, err := p.runner.LookPath(python); err == nil {
		python = resolved
	}
	h := sha256.New()
	fmt.Fprintf(h, "python=%s\n", python)
	for _, arg := range p.desc.Dependencies.InstallerArgs {
		fmt.Fprintf(h, "arg=%s\n", arg)
	}
	for _, file := range m.Files {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(data)
		fmt.Fprintf(h, "file=%s %x\n", file, sum[:])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readStamp(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeStamp(path, digest string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(digest+"\n"), fs.FileMode(0o644))
}

// enabled 将未设置的开关视为开启。
func enabled(flag *bool) bool {
	return flag == nil || *flag
}
