package credstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config 描述兼容 S3 的对象存储中的密钥位置。
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ObjectLister 是 S3Source 用到的 minio 客户端子集。
type ObjectLister interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// S3Source 读取 bucket/prefix 下的一层对象作为密钥。
type S3Source struct {
	client ObjectLister
	bucket string
	prefix string
	// fetch 默认通过 GetObject 读取对象内容，测试中可以替换。
	fetch func(ctx context.Context, key string) ([]byte, error)
}

// NewS3Source 创建基于 minio-go 的来源。
func NewS3Source(cfg S3Config) (*S3Source, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 endpoint and bucket are required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("s3 access key and secret key are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return NewS3SourceWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SourceWithClient 使用已有客户端创建来源。
func NewS3SourceWithClient(client ObjectLister, bucket, prefix string) *S3Source {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	s := &S3Source{client: client, bucket: bucket, prefix: prefix}
	s.fetch = s.getObject
	return s
}

// Name 实现 Source。
func (s *S3Source) Name() string { return "s3://" + s.bucket + "/" + s.prefix }

// Secrets 实现 Source。嵌套在子前缀下的对象会被忽略。
func (s *S3Source) Secrets(ctx context.Context) ([]Secret, error) {
	var out []Secret
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, s.prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		if obj.Size > maxSecretSize {
			return nil, fmt.Errorf("object %s exceeds %d bytes", obj.Key, maxSecretSize)
		}
		data, err := s.fetch(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, Secret{Name: name, Data: data})
	}
	return out, nil
}

func (s *S3Source) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(io.LimitReader(obj, maxSecretSize))
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
