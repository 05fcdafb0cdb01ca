package credstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// AgeSuffix 标记需要解密的密钥文件。
const AgeSuffix = ".age"

// maxSecretSize 限制单个密钥解密后的大小。
const maxSecretSize = 1 << 20

// Decrypter 使用 age X25519 身份解密密钥。
type Decrypter struct {
	identities []age.Identity
}

// NewDecrypter 从 AGE-SECRET-KEY-1... 形式的文本中解析身份，可包含多行与注释。
func NewDecrypter(identities string) (*Decrypter, error) {
	parsed, err := age.ParseIdentities(strings.NewReader(identities))
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	return &Decrypter{identities: parsed}, nil
}

// LoadDecrypter 优先使用环境变量中的身份，其次读取身份文件；两者都未配置时返回 nil。
func LoadDecrypter(fromEnv, identityFile string) (*Decrypter, error) {
	if strings.TrimSpace(fromEnv) != "" {
		return NewDecrypter(fromEnv)
	}
	if identityFile == "" {
		return nil, nil
	}
	content, err := os.ReadFile(identityFile)
	if err != nil {
		return nil, fmt.Errorf("read age identity file: %w", err)
	}
	return NewDecrypter(string(content))
}

// Decrypt 解密二进制或 ASCII armor 格式的 age 密文。
func (d *Decrypter) Decrypt(ciphertext []byte) ([]byte, error) {
	if d == nil || len(d.identities) == 0 {
		return nil, errors.New("no age identity configured")
	}
	var src io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte(armor.Header)) {
		src = armor.NewReader(bytes.NewReader(bytes.TrimSpace(ciphertext)))
	}
	reader, err := age.Decrypt(src, d.identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plain, err := io.ReadAll(io.LimitReader(reader, maxSecretSize+1))
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	if len(plain) > maxSecretSize {
		return nil, fmt.Errorf("decrypted secret exceeds %d bytes", maxSecretSize)
	}
	return plain, nil
}
