package credstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EnvSource 将带前缀的环境变量转换为密钥文件。
// BOOTSTRAP_SECRET_SERVICE_ACCOUNT__JSON 写为 service_account.json；
// 以 base64: 开头的值会先解码。
type EnvSource struct {
	Prefix  string
	Environ []string
}

// Name 实现 Source。
func (s EnvSource) Name() string { return "env" }

// Secrets 实现 Source。
func (s EnvSource) Secrets(context.Context) ([]Secret, error) {
	if s.Prefix == "" {
		return nil, nil
	}
	var out []Secret
	for _, kv := range s.Environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, s.Prefix) || len(key) == len(s.Prefix) {
			continue
		}
		name := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, s.Prefix), "__", "."))
		data := []byte(value)
		if encoded, isB64 := strings.CutPrefix(value, "base64:"); isB64 {
			decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			data = decoded
		}
		out = append(out, Secret{Name: name, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DirSource 复制挂载目录（如 /run/secrets）中的普通文件，跟随符号链接，
// 忽略以 ".." 开头的 Kubernetes 内部条目与子目录。
type DirSource struct {
	Path string
}

// Name 实现 Source。
func (s DirSource) Name() string { return "dir:" + s.Path }

// Secrets 实现 Source。目录不存在时返回空结果。
func (s DirSource) Secrets(ctx context.Context) ([]Secret, error) {
	entries, err := os.ReadDir(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Secret
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if strings.HasPrefix(name, "..") {
			continue
		}
		full := filepath.Join(s.Path, name)
		info, err := os.Stat(full)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Size() > maxSecretSize {
			return nil, fmt.Errorf("%s exceeds %d bytes", full, maxSecretSize)
		}
		data, err := readLimited(full)
		if err != nil {
			return nil, err
		}
		out = append(out, Secret{Name: name, Data: data})
	}
	return out, nil
}

func readLimited(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxSecretSize))
}
