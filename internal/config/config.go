package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "AppBootstrap/internal/errors"
)

// 默认值与镜像约定保持一致：应用根目录 /app，凭据目录为其下的隐藏目录。
const (
	DefaultWorkingDirectory = "/app"
	DefaultManifestName     = "requirements.txt"
	DefaultCredentialDir    = ".credentials"
	DefaultListenHost       = "0.0.0.0"
	DefaultListenPort       = 8000
	DefaultEntryPoint       = "main:app"
	DefaultPython           = "python3"
	DefaultServerModule     = "uvicorn"
	DefaultCredentialMode   = "0700"
	DefaultSecretFileMode   = "0600"
	DefaultSecretEnvPrefix  = "BOOTSTRAP_SECRET_"
	DefaultDatabaseURLEnv   = "DATABASE_URL"
	DefaultConfigPath       = "/etc/bootstrapd/bootstrap.yaml"
)

// Descriptor 描述容器运行环境，在启动阶段构建一次，此后只读。
type Descriptor struct {
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Server       ServerConfig       `yaml:"server"`
	Toolchain    ToolchainConfig    `yaml:"toolchain"`
	Dependencies DependenciesConfig `yaml:"dependencies"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Preflight    PreflightConfig    `yaml:"preflight"`
	Events       EventsConfig       `yaml:"events"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// RuntimeConfig 描述应用源码、依赖清单与凭据目录的位置。
type RuntimeConfig struct {
	WorkingDirectory       string            `yaml:"working_directory"`
	SourceRoot             string            `yaml:"source_root"`
	DependencyManifestPath string            `yaml:"dependency_manifest_path"`
	CredentialStorePath    string            `yaml:"credential_store_path"`
	PythonPath             string            `yaml:"python_path"`
	Environment            map[string]string `yaml:"environment"`
}

// ServerConfig 控制最终启动的 HTTP 服务进程。
type ServerConfig struct {
	ListenHost       string   `yaml:"listen_host"`
	ListenPort       int      `yaml:"listen_port"`
	EntryPoint       string   `yaml:"entry_point"`
	PythonExecutable string   `yaml:"python_executable"`
	ServerModule     string   `yaml:"server_module"`
	ServerArgs       []string `yaml:"server_args"`
	VerifyEntryPoint *bool    `yaml:"verify_entry_point"`
}

// ToolchainConfig 描述构建原生扩展所需的系统软件包。
type ToolchainConfig struct {
	Manager  string   `yaml:"manager"`
	Packages []string `yaml:"packages"`
	Probe    []string `yaml:"probe"`
}

// DependenciesConfig 控制依赖安装与安装后的校验。
type DependenciesConfig struct {
	InstallerArgs []string `yaml:"installer_args"`
	Verify        *bool    `yaml:"verify"`
}

// CredentialsConfig 控制凭据目录的权限与运行时密钥注入。
type CredentialsConfig struct {
	Mode     string     `yaml:"mode"`
	FileMode string     `yaml:"file_mode"`
	Seed     SeedConfig `yaml:"seed"`
}

// SeedConfig 描述凭据目录的初始化来源。
type SeedConfig struct {
	EnvPrefix   string    `yaml:"env_prefix"`
	Directories []string  `yaml:"directories"`
	S3          *S3Config `yaml:"s3"`
	Age         AgeConfig `yaml:"age"`
}

// S3Config 描述兼容 S3 的对象存储中的密钥位置。
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	UseSSL       bool   `yaml:"use_ssl"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

// AgeConfig 指定解密 .age 密钥文件所用的身份。
type AgeConfig struct {
	IdentityEnv  string `yaml:"identity_env"`
	IdentityFile string `yaml:"identity_file"`
}

// PreflightConfig 控制服务启动前对外部依赖的探测。
type PreflightConfig struct {
	Database       bool   `yaml:"database"`
	DatabaseURLEnv string `yaml:"database_url_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回单次探测的超时时间。
func (p PreflightConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// EventsConfig 描述生命周期事件的投递方式。
// Drivers 非空时同时投递到多个驱动；Driver 也接受逗号分隔的列表。
type EventsConfig struct {
	Driver   string         `yaml:"driver"`
	Drivers  []string       `yaml:"drivers"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// Selected 返回生效的驱动列表，至少包含一项。
func (e EventsConfig) Selected() []string {
	raw := e.Drivers
	if len(raw) == 0 {
		raw = strings.Split(e.Driver, ",")
	}
	var out []string
	for _, d := range raw {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return []string{"none"}
	}
	return out
}

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 事件队列的连接参数。
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 控制状态迁移审计日志。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig 控制阶段耗时指标的输出。
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path"`
}

// LookupFunc 与 os.LookupEnv 签名一致，便于测试注入。
type LookupFunc func(key string) (string, bool)

// Load 解析指定路径的 YAML（或 JSON）描述文件，叠加环境变量并补全默认值。
func Load(path string, lookup LookupFunc) (*Descriptor, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "读取配置文件失败")
	}
	return parse(content, filepath.Dir(path), lookup)
}

// LoadOptional 与 Load 相同，但文件不存在时仅使用默认值与环境变量。
func LoadOptional(path string, lookup LookupFunc) (*Descriptor, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		cwd, wdErr := os.Getwd()
		if wdErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, wdErr, "获取当前目录失败")
		}
		return parse(nil, cwd, lookup)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "读取配置文件失败")
	}
	return parse(content, filepath.Dir(path), lookup)
}

func parse(content []byte, baseDir string, lookup LookupFunc) (*Descriptor, error) {
	var d Descriptor
	if len(content) > 0 {
		if err := yaml.Unmarshal(content, &d); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "解析配置失败")
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := d.applyEnv(lookup); err != nil {
		return nil, err
	}
	d.applyDefaults(baseDir)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// applyEnv 使用 BOOTSTRAP_* 环境变量覆盖文件中的取值。
func (d *Descriptor) applyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("BOOTSTRAP_WORKDIR", &d.Runtime.WorkingDirectory)
	str("BOOTSTRAP_SOURCE_ROOT", &d.Runtime.SourceRoot)
	str("BOOTSTRAP_MANIFEST", &d.Runtime.DependencyManifestPath)
	str("BOOTSTRAP_CREDENTIALS_DIR", &d.Runtime.CredentialStorePath)
	str("BOOTSTRAP_LISTEN_HOST", &d.Server.ListenHost)
	str("BOOTSTRAP_ENTRY_POINT", &d.Server.EntryPoint)
	str("BOOTSTRAP_PYTHON", &d.Server.PythonExecutable)
	if v, ok := lookup("BOOTSTRAP_EVENTS_DRIVER"); ok && strings.TrimSpace(v) != "" {
		d.Events.Driver = strings.TrimSpace(v)
		d.Events.Drivers = nil
	}
	str("BOOTSTRAP_LOG_LEVEL", &d.Logging.Level)
	str("BOOTSTRAP_LOG_FORMAT", &d.Logging.Format)

	if v, ok := lookup("BOOTSTRAP_LISTEN_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "BOOTSTRAP_LISTEN_PORT 不是合法端口")
		}
		d.Server.ListenPort = port
	}
	return nil
}

// applyDefaults 在未填写部分字段时设置默认值。
func (d *Descriptor) applyDefaults(baseDir string) {
	r := &d.Runtime
	if r.WorkingDirectory == "" {
		r.WorkingDirectory = DefaultWorkingDirectory
	}
	r.WorkingDirectory = filepath.Clean(r.WorkingDirectory)

	// 未填写时取进程当前目录；显式给出的相对路径按配置文件所在目录解析。
	if r.SourceRoot == "" {
		r.SourceRoot = "."
		if cwd, err := os.Getwd(); err == nil {
			r.SourceRoot = cwd
		}
	} else if !filepath.IsAbs(r.SourceRoot) {
		r.SourceRoot = filepath.Join(baseDir, r.SourceRoot)
	}
	r.DependencyManifestPath = resolveUnder(r.WorkingDirectory, r.DependencyManifestPath, DefaultManifestName)
	r.CredentialStorePath = resolveUnder(r.WorkingDirectory, r.CredentialStorePath, DefaultCredentialDir)
	r.PythonPath = resolveUnder(r.WorkingDirectory, r.PythonPath, ".")

	s := &d.Server
	if s.ListenHost == "" {
		s.ListenHost = DefaultListenHost
	}
	if s.ListenPort == 0 {
		s.ListenPort = DefaultListenPort
	}
	if s.EntryPoint == "" {
		s.EntryPoint = DefaultEntryPoint
	}
	if s.PythonExecutable == "" {
		s.PythonExecutable = DefaultPython
	}
	if s.ServerModule == "" {
		s.ServerModule = DefaultServerModule
	}
	if s.VerifyEntryPoint == nil {
		s.VerifyEntryPoint = boolPtr(true)
	}

	t := &d.Toolchain
	if t.Manager == "" {
		t.Manager = "auto"
	}
	if len(t.Probe) == 0 {
		t.Probe = []string{"gcc"}
	}

	if d.Dependencies.Verify == nil {
		d.Dependencies.Verify = boolPtr(true)
	}

	c := &d.Credentials
	if c.Mode == "" {
		c.Mode = DefaultCredentialMode
	}
	if c.FileMode == "" {
		c.FileMode = DefaultSecretFileMode
	}
	if c.Seed.EnvPrefix == "" {
		c.Seed.EnvPrefix = DefaultSecretEnvPrefix
	}
	if c.Seed.Age.IdentityEnv == "" {
		c.Seed.Age.IdentityEnv = "BOOTSTRAP_AGE_IDENTITY"
	}
	if c.Seed.S3 != nil {
		if c.Seed.S3.Region == "" {
			c.Seed.S3.Region = "us-east-1"
		}
		if c.Seed.S3.AccessKeyEnv == "" {
			c.Seed.S3.AccessKeyEnv = "BOOTSTRAP_S3_ACCESS_KEY"
		}
		if c.Seed.S3.SecretKeyEnv == "" {
			c.Seed.S3.SecretKeyEnv = "BOOTSTRAP_S3_SECRET_KEY"
		}
	}

	if d.Preflight.DatabaseURLEnv == "" {
		d.Preflight.DatabaseURLEnv = DefaultDatabaseURLEnv
	}

	if d.Events.Driver == "" {
		d.Events.Driver = "none"
	}
	if d.Events.Redis.Key == "" {
		d.Events.Redis.Key = "bootstrapd:events"
	}
	if d.Events.RabbitMQ.Queue == "" {
		d.Events.RabbitMQ.Queue = "bootstrapd.events"
	}

	if d.Logging.Level == "" {
		d.Logging.Level = "info"
	}
	if d.Logging.Format == "" {
		d.Logging.Format = "json"
	}
}

// Validate 检查描述是否自洽。
func (d *Descriptor) Validate() error {
	invalid := func(format string, args ...any) error {
		return xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf(format, args...))
	}
	if !filepath.IsAbs(d.Runtime.WorkingDirectory) {
		return invalid("working_directory 必须是绝对路径: %s", d.Runtime.WorkingDirectory)
	}
	if d.Server.ListenPort <= 0 || d.Server.ListenPort > 65535 {
		return invalid("listen_port 超出范围: %d", d.Server.ListenPort)
	}
	module, attr, ok := strings.Cut(d.Server.EntryPoint, ":")
	if !ok || module == "" || attr == "" {
		return invalid("entry_point 应为 module:attribute 形式: %q", d.Server.EntryPoint)
	}
	mode, err := d.CredentialMode()
	if err != nil {
		return err
	}
	if mode&0o077 != 0 {
		return invalid("凭据目录权限必须仅限属主: %04o", mode)
	}
	fileMode, err := d.SecretFileMode()
	if err != nil {
		return err
	}
	if fileMode&0o077 != 0 {
		return invalid("凭据文件权限必须仅限属主: %04o", fileMode)
	}
	switch d.Toolchain.Manager {
	case "auto", "apt", "apk", "dnf", "yum", "none":
	default:
		return invalid("未知的包管理器: %s", d.Toolchain.Manager)
	}
	for _, driver := range d.Events.Selected() {
		switch driver {
		case "none", "memory":
		case "redis":
			if d.Events.Redis.Address == "" {
				return invalid("events.redis.address 不能为空")
			}
		case "rabbitmq":
			if d.Events.RabbitMQ.URL == "" {
				return invalid("events.rabbitmq.url 不能为空")
			}
		default:
			return invalid("未知的事件驱动: %s", driver)
		}
	}
	if s3 := d.Credentials.Seed.S3; s3 != nil {
		if s3.Endpoint == "" || s3.Bucket == "" {
			return invalid("credentials.seed.s3 需要 endpoint 与 bucket")
		}
		if strings.Contains(s3.Endpoint, "://") {
			return invalid("credentials.seed.s3.endpoint 不能包含协议: %s", s3.Endpoint)
		}
	}
	return nil
}

// CredentialMode 返回凭据目录权限位。
func (d *Descriptor) CredentialMode() (os.FileMode, error) {
	return parseMode("credentials.mode", d.Credentials.Mode)
}

// SecretFileMode 返回写入凭据文件时使用的权限位。
func (d *Descriptor) SecretFileMode() (os.FileMode, error) {
	return parseMode("credentials.file_mode", d.Credentials.FileMode)
}

// ListenAddress 返回 host:port 形式的监听地址。
func (d *Descriptor) ListenAddress() string {
	return fmt.Sprintf("%s:%d", d.Server.ListenHost, d.Server.ListenPort)
}

// Clone 返回深拷贝，调用方可以安全地持有而不受原值修改影响。
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Runtime.Environment != nil {
		out.Runtime.Environment = make(map[string]string, len(d.Runtime.Environment))
		for k, v := range d.Runtime.Environment {
			out.Runtime.Environment[k] = v
		}
	}
	out.Server.ServerArgs = append([]string(nil), d.Server.ServerArgs...)
	out.Toolchain.Packages = append([]string(nil), d.Toolchain.Packages...)
	out.Toolchain.Probe = append([]string(nil), d.Toolchain.Probe...)
	out.Dependencies.InstallerArgs = append([]string(nil), d.Dependencies.InstallerArgs...)
	out.Credentials.Seed.Directories = append([]string(nil), d.Credentials.Seed.Directories...)
	if d.Credentials.Seed.S3 != nil {
		s3 := *d.Credentials.Seed.S3
		out.Credentials.Seed.S3 = &s3
	}
	out.Events.Drivers = append([]string(nil), d.Events.Drivers...)
	out.Logging.Outputs = append([]string(nil), d.Logging.Outputs...)
	if d.Server.VerifyEntryPoint != nil {
		out.Server.VerifyEntryPoint = boolPtr(*d.Server.VerifyEntryPoint)
	}
	if d.Dependencies.Verify != nil {
		out.Dependencies.Verify = boolPtr(*d.Dependencies.Verify)
	}
	return out
}

func parseMode(field, raw string) (os.FileMode, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 8, 32)
	if err != nil || value > 0o777 {
		return 0, xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("%s 不是合法的八进制权限: %q", field, raw))
	}
	return os.FileMode(value), nil
}

func resolveUnder(root, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(root, value)
}

func boolPtr(v bool) *bool { return &v }
