package provision

import (
	"sort"
	"strings"
)

// SetEnvironment 计算服务进程的环境变量：继承父进程环境，叠加 PYTHONPATH、
// 描述中的 environment、调用方传入的 vars，最后写入 CREDENTIALS_DIR。
// 注入凭据用的变量不会传给子进程。函数不修改当前进程的环境。
func (p *Provisioner) SetEnvironment(vars map[string]string) []string {
	env := newEnvList(p.environ)
	for _, key := range p.secretEnvKeys() {
		env.unset(key)
	}
	seed := p.desc.Credentials.Seed
	if seed.EnvPrefix != "" {
		env.unsetPrefix(seed.EnvPrefix)
	}
	env.set("PYTHONPATH", p.desc.Runtime.PythonPath)
	for _, key := range sortedKeys(p.desc.Runtime.Environment) {
		env.set(key, p.desc.Runtime.Environment[key])
	}
	for _, key := range sortedKeys(vars) {
		env.set(key, vars[key])
	}
	env.set("CREDENTIALS_DIR", p.desc.Runtime.CredentialStorePath)
	return env.slice()
}

func (p *Provisioner) secretEnvKeys() []string {
	seed := p.desc.Credentials.Seed
	keys := []string{seed.Age.IdentityEnv}
	if seed.S3 != nil {
		keys = append(keys, seed.S3.AccessKeyEnv, seed.S3.SecretKeyEnv)
	}
	return keys
}

// envList 保持变量首次出现的顺序，重复的键以最后一次为准。
type envList struct {
	keys   []string
	values map[string]string
}

func newEnvList(base []string) *envList {
	l := &envList{values: make(map[string]string, len(base))}
	for _, kv := range base {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		l.set(key, value)
	}
	return l
}

func (l *envList) set(key, value string) {
	if key == "" {
		return
	}
	if _, exists := l.values[key]; !exists {
		l.keys = append(l.keys, key)
	}
	l.values[key] = value
}

func (l *envList) unset(key string) {
	if _, exists := l.values[key]; !exists {
		return
	}
	delete(l.values, key)
	for i, k := range l.keys {
		if k == key {
			l.keys = append(l.keys[:i], l.keys[i+1:]...)
			return
		}
	}
}

func (l *envList) unsetPrefix(prefix string) {
	for _, key := range append([]string(nil), l.keys...) {
		if strings.HasPrefix(key, prefix) {
			l.unset(key)
		}
	}
}

func (l *envList) slice() []string {
	out := make([]string, 0, len(l.keys))
	for _, key := range l.keys {
		out = append(out, key+"="+l.values[key])
	}
	return out
}

func lookupEnv(env []string, key string) string {
	value := ""
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			value = v
		}
	}
	return value
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
