package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Requirement 是依赖清单中的一条包声明。
type Requirement struct {
	Name      string
	Extras    []string
	Specifier string
	Marker    string
	Line      int
}

// Pinned 判断该声明是否固定到精确版本。
func (r Requirement) Pinned() bool {
	return strings.HasPrefix(r.Specifier, "==") || strings.HasPrefix(r.Specifier, "===")
}

// String 还原为清单中的书写形式。
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	b.WriteString(r.Specifier)
	if r.Marker != "" {
		b.WriteString(" ; " + r.Marker)
	}
	return b.String()
}

// Manifest 是解析后的依赖清单。
type Manifest struct {
	Path         string
	Requirements []Requirement
	// Options 保存 -r、--index-url 等交由安装器处理的行。
	Options []string
	// Files 是 Load 读取过的全部本地文件，依次为根清单、被引用的清单与约束文件。
	Files []string
}

// Names 返回所有声明的包名。
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Requirements))
	for _, r := range m.Requirements {
		names = append(names, r.Name)
	}
	return names
}

// SyntaxError 描述清单中的非法行。
type SyntaxError struct {
	Path string
	Line int
	Text string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: 无法解析的依赖声明 %q", e.Path, e.Line, e.Text)
}

var requirementPattern = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(?:\[([^\]]*)\])?\s*((?:(?:===|==|~=|!=|<=|>=|<|>)\s*[A-Za-z0-9.*+!_-]+\s*,?\s*)*)$`)

// Load 解析清单及其通过 -r 引用的本地清单，合并全部包声明。
// -c 约束文件只记入 Files，不产生包声明；远程 URL 交给安装器处理。
func Load(path string) (*Manifest, error) {
	m := &Manifest{Path: path}
	if err := m.include(path, map[string]bool{}); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) include(path string, seen map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if seen[abs] {
		return nil
	}
	seen[abs] = true
	part, err := ParseFile(path)
	if err != nil {
		return err
	}
	m.Files = append(m.Files, path)
	m.Requirements = append(m.Requirements, part.Requirements...)
	m.Options = append(m.Options, part.Options...)

	for _, opt := range part.Options {
		kind, target, ok := includeTarget(opt)
		if !ok || strings.Contains(target, "://") {
			continue
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		if kind == "requirement" {
			if err := m.include(target, seen); err != nil {
				return err
			}
			continue
		}
		constraintAbs, err := filepath.Abs(target)
		if err != nil {
			return err
		}
		if seen[constraintAbs] {
			continue
		}
		if _, err := os.Stat(target); err != nil {
			return err
		}
		seen[constraintAbs] = true
		m.Files = append(m.Files, target)
	}
	return nil
}

var includeFlags = []struct{ flag, kind string }{
	{"--requirement", "requirement"},
	{"--constraint", "constraint"},
	{"-r", "requirement"},
	{"-c", "constraint"},
}

// includeTarget 识别 -r/-c 及其长格式，返回引用类型与目标路径。
func includeTarget(opt string) (kind, target string, ok bool) {
	for _, f := range includeFlags {
		rest, found := strings.CutPrefix(opt, f.flag)
		if !found {
			continue
		}
		if strings.HasPrefix(f.flag, "--") && rest != "" && !strings.ContainsAny(rest[:1], "= \t") {
			return "", "", false
		}
		rest = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "="))
		return f.kind, rest, rest != ""
	}
	return "", "", false
}

// ParseFile 读取并解析指定路径的清单。
func ParseFile(path string) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Parse(path, file)
}

// Parse 按行解析清单：每行一个包声明，# 之后为注释，以 - 开头的行视为安装器选项。
func Parse(path string, r io.Reader) (*Manifest, error) {
	m := &Manifest{Path: path}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	var pending strings.Builder
	startLine := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if pending.Len() == 0 {
			startLine = lineNo
		}
		// 行尾反斜杠表示续行。
		if strings.HasSuffix(strings.TrimRight(raw, " \t"), `\`) {
			pending.WriteString(strings.TrimSuffix(strings.TrimRight(raw, " \t"), `\`))
			pending.WriteString(" ")
			continue
		}
		pending.WriteString(raw)
		line := stripComment(pending.String())
		pending.Reset()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "-") {
			m.Options = append(m.Options, line)
			continue
		}
		req, err := parseRequirement(line)
		if err != nil {
			return nil, &SyntaxError{Path: path, Line: startLine, Text: line}
		}
		req.Line = startLine
		m.Requirements = append(m.Requirements, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取依赖清单失败: %w", err)
	}
	return m, nil
}

// commentPattern 匹配整行注释或空白之后的行内注释。
var commentPattern = regexp.MustCompile(`(^|\s)#.*$`)

func stripComment(line string) string {
	return strings.TrimSpace(commentPattern.ReplaceAllString(line, ""))
}

func parseRequirement(line string) (Requirement, error) {
	spec, marker, _ := strings.Cut(line, ";")
	spec = strings.TrimSpace(spec)
	// 直接引用 URL 的写法 name @ url 交给安装器处理，这里只取包名。
	if name, ref, ok := strings.Cut(spec, "@"); ok && strings.Contains(ref, "://") {
		name = strings.TrimSpace(name)
		if requirementPattern.MatchString(name) {
			return Requirement{Name: name, Marker: strings.TrimSpace(marker)}, nil
		}
	}
	match := requirementPattern.FindStringSubmatch(spec)
	if match == nil {
		return Requirement{}, fmt.Errorf("invalid requirement %q", spec)
	}
	req := Requirement{
		Name:      match[1],
		Specifier: strings.ReplaceAll(strings.TrimRight(strings.TrimSpace(match[3]), ","), " ", ""),
		Marker:    strings.TrimSpace(marker),
	}
	if match[2] != "" {
		for _, extra := range strings.Split(match[2], ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				req.Extras = append(req.Extras, extra)
			}
		}
	}
	return req, nil
}

// NormalizeName 按 PEP 503 规则规范化包名，用于比较。
func NormalizeName(name string) string {
	return strings.ToLower(separatorPattern.ReplaceAllString(name, "-"))
}

var separatorPattern = regexp.MustCompile(`[-_.]+`)
