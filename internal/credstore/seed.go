package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"AppBootstrap/pkg/logger"
)

// Secret 是一份待写入凭据目录的运行时密钥。
type Secret struct {
	Name string
	Data []byte
}

// Source 提供运行时密钥。
type Source interface {
	Name() string
	Secrets(ctx context.Context) ([]Secret, error)
}

// SeedReport 汇总一次注入的结果。
type SeedReport struct {
	Written []string
	Skipped []string
}

// Seeder 将各来源的密钥写入凭据目录，已存在的文件保持不变。
type Seeder struct {
	dir       string
	fileMode  fs.FileMode
	sources   []Source
	decrypter *Decrypter
}

// NewSeeder 创建注入器。decrypter 为空时遇到 .age 文件会报错。
func NewSeeder(dir string, fileMode fs.FileMode, decrypter *Decrypter, sources ...Source) *Seeder {
	filtered := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &Seeder{dir: dir, fileMode: fileMode.Perm(), sources: filtered, decrypter: decrypter}
}

// Seed 依次读取每个来源并写入缺失的密钥。
func (s *Seeder) Seed(ctx context.Context) (SeedReport, error) {
	var report SeedReport
	log := logger.Named("credstore")
	for _, src := range s.sources {
		secrets, err := src.Secrets(ctx)
		if err != nil {
			return report, fmt.Errorf("read secrets from %s: %w", src.Name(), err)
		}
		for _, secret := range secrets {
			name, data, err := s.decode(secret)
			if err != nil {
				return report, fmt.Errorf("%s/%s: %w", src.Name(), secret.Name, err)
			}
			written, err := s.writeIfAbsent(name, data)
			if err != nil {
				return report, fmt.Errorf("%s/%s: %w", src.Name(), secret.Name, err)
			}
			if written {
				report.Written = append(report.Written, name)
				log.Info("写入运行时凭据", slog.String("source", src.Name()), slog.String("name", name))
			} else {
				report.Skipped = append(report.Skipped, name)
				log.Debug("凭据已存在，保留原文件", slog.String("source", src.Name()), slog.String("name", name))
			}
		}
	}
	return report, nil
}

func (s *Seeder) decode(secret Secret) (string, []byte, error) {
	name := secret.Name
	if err := validateName(name); err != nil {
		return "", nil, err
	}
	if !strings.HasSuffix(name, AgeSuffix) {
		return name, secret.Data, nil
	}
	if s.decrypter == nil {
		return "", nil, errors.New("encrypted secret but no age identity configured")
	}
	plain, err := s.decrypter.Decrypt(secret.Data)
	if err != nil {
		return "", nil, err
	}
	name = strings.TrimSuffix(name, AgeSuffix)
	if err := validateName(name); err != nil {
		return "", nil, err
	}
	return name, plain, nil
}

// writeIfAbsent 通过临时文件加硬链接写入，目标已存在时不覆盖。
func (s *Seeder) writeIfAbsent(name string, data []byte) (bool, error) {
	target := filepath.Join(s.dir, name)
	if _, err := os.Lstat(target); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	tmp, err := os.CreateTemp(s.dir, ".seed-*")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(s.fileMode); err != nil {
		tmp.Close()
		return false, fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Link(tmpName, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("publish %s: %w", name, err)
	}
	return true, nil
}

func validateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid secret name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("secret name %q must not contain path separators", name)
	case strings.HasPrefix(name, ".seed-"):
		return fmt.Errorf("secret name %q uses a reserved prefix", name)
	}
	return nil
}
