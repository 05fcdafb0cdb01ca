package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"AppBootstrap/internal/config"
	xerrors "AppBootstrap/internal/errors"
	"AppBootstrap/internal/events"
	"AppBootstrap/internal/observability/metrics"
	"AppBootstrap/internal/provision"
	"AppBootstrap/pkg/logger"
)

const configEnv = "BOOTSTRAP_CONFIG"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "bootstrapd",
		Short: "Provision a container and hand it over to the API server",
		Long: `bootstrapd prepares a bare container for the API service: it installs the
system toolchain, resolves the dependency manifest, stages the application
source, provisions the credential directory and finally replaces itself with
the HTTP server process.

Every step is fail-fast. A failure exits non-zero with a code identifying the
stage; recovery is left to the orchestrator.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"descriptor file (default $"+configEnv+" or "+config.DefaultConfigPath+")")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "命令行参数错误")
	})

	root.AddCommand(
		newRunCmd(opts),
		newBuildCmd(opts),
		newCheckCmd(opts),
		newCredstoreCmd(opts),
		newPrintConfigCmd(opts),
	)
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the full provisioning pipeline and exec the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := opts.provisioner(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()
			return p.Run(cmd.Context())
		},
	}
}

func newBuildCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Install toolchain and dependencies and stage the source (image build time)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := opts.provisioner(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()
			return p.Build(cmd.Context())
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the descriptor, manifest, listen port and database without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := opts.provisioner(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()
			if err := p.Check(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newCredstoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "credstore",
		Short: "Create the credential directory and seed missing secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := opts.provisioner(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()
			path := p.Descriptor().Runtime.CredentialStorePath
			state, report, err := p.PrepareCredentialStore(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s created=%t entries=%d written=%d skipped=%d\n",
				state.Path, state.Created, state.Entries, len(report.Written), len(report.Skipped))
			return nil
		},
	}
}

func newPrintConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "print-config",
		Short: "Print the resolved descriptor with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			desc, err := opts.load()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(redact(desc.Clone()))
			if err != nil {
				return xerrors.Wrap(xerrors.CodeUnknown, err, "序列化配置失败")
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// load 读取描述。显式指定的文件必须存在；默认路径缺失时使用默认值。
func (o *rootOptions) load() (*config.Descriptor, error) {
	path := o.configPath
	if path == "" {
		path = strings.TrimSpace(os.Getenv(configEnv))
	}
	if path != "" {
		return config.Load(path, os.LookupEnv)
	}
	return config.LoadOptional(config.DefaultConfigPath, os.LookupEnv)
}

// provisioner 加载描述、初始化日志与事件投递，返回可执行的 Provisioner。
func (o *rootOptions) provisioner(ctx context.Context) (*provision.Provisioner, error) {
	desc, err := o.load()
	if err != nil {
		return nil, err
	}
	if err := initLogging(desc.Logging); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "初始化日志失败")
	}
	log := logger.Named("bootstrapd")

	publisher, err := events.FromConfig(ctx, desc.Events)
	if err != nil {
		// 投递端不可用时不阻断启动。
		log.Warn("事件投递器不可用，改为丢弃事件", slog.String("driver", strings.Join(desc.Events.Selected(), ",")), slog.Any("error", err))
		publisher = events.NopPublisher{}
	}
	p := provision.New(*desc,
		provision.WithPublisher(publisher),
		provision.WithMetrics(metrics.NewCollector()),
	)
	log.Info("描述加载完成",
		slog.String("run_id", p.RunID()),
		slog.String("working_directory", desc.Runtime.WorkingDirectory),
		slog.String("listen", desc.ListenAddress()),
		slog.String("entry_point", desc.Server.EntryPoint))
	return p, nil
}

func initLogging(cfg config.LoggingConfig) error {
	return logger.Init(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		},
	})
}

func redact(d config.Descriptor) config.Descriptor {
	if d.Events.Redis.Password != "" {
		d.Events.Redis.Password = "xxxxx"
	}
	if d.Events.RabbitMQ.URL != "" {
		if u, err := url.Parse(d.Events.RabbitMQ.URL); err == nil {
			d.Events.RabbitMQ.URL = u.Redacted()
		}
	}
	return d
}
