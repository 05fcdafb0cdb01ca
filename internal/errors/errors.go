package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Code 表示引导流程中的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志与生命周期事件。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message  string
	Severity Severity
	// ExitCode 是进程因该错误退出时使用的退出码，编排器据此判断失败原因。
	ExitCode int
}

const (
	CodeUnknown                Code = "UNKNOWN"
	CodeInvalidConfig          Code = "INVALID_CONFIG"
	CodeProvisioning           Code = "PROVISIONING_FAILURE"
	CodeDependencyResolution   Code = "DEPENDENCY_RESOLUTION_FAILURE"
	CodeFilesystem             Code = "FILESYSTEM_FAILURE"
	CodeBind                   Code = "BIND_FAILURE"
	CodeDependencyUnavailable  Code = "DEPENDENCY_UNAVAILABLE"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
)

// registry 是错误码到默认属性的固定映射。
var registry = map[Code]Attributes{
	CodeUnknown: {
		Message:  "unknown error",
		Severity: SeverityCritical,
		ExitCode: 1,
	},
	CodeInvalidConfig: {
		Message:  "invalid runtime descriptor",
		Severity: SeverityCritical,
		ExitCode: 2,
	},
	CodeProvisioning: {
		Message:  "system toolchain installation failed",
		Severity: SeverityCritical,
		ExitCode: 10,
	},
	CodeDependencyResolution: {
		Message:  "dependency resolution failed",
		Severity: SeverityCritical,
		ExitCode: 11,
	},
	CodeFilesystem: {
		Message:  "filesystem operation failed",
		Severity: SeverityCritical,
		ExitCode: 12,
	},
	CodeBind: {
		Message:  "service could not be started",
		Severity: SeverityCritical,
		ExitCode: 13,
	},
	CodeDependencyUnavailable: {
		Message:  "backing service unavailable",
		Severity: SeverityWarning,
		ExitCode: 14,
	},
	CodeInvalidStateTransition: {
		Message:  "invalid provisioning state transition",
		Severity: SeverityCritical,
		ExitCode: 1,
	},
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是引导流程内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	severity *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithStage 记录出错时所处的引导阶段。
func WithStage(stage string) Option {
	return WithMetadata("stage", stage)
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.code, e.message)
	if len(e.metadata) > 0 {
		keys := make([]string, 0, len(e.metadata))
		for k := range e.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.metadata[k])
		}
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Stage 返回出错阶段，未记录时为空。
func (e *Error) Stage() string {
	if e == nil {
		return ""
	}
	return e.metadata["stage"]
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// ExitCode 返回进程退出码。
func (e *Error) ExitCode() int {
	if e == nil {
		return 0
	}
	return AttributesOf(e.code).ExitCode
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// ExitCodeOf 返回任意 error 对应的退出码，nil 为 0。
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := From(err); ok {
		return e.ExitCode()
	}
	return AttributesOf(CodeUnknown).ExitCode
}

// StageOf 返回错误记录的阶段。
func StageOf(err error) string {
	if e, ok := From(err); ok {
		return e.Stage()
	}
	return ""
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// Sentinel 值仅用于 errors.Is 比较错误码。
var (
	ErrProvisioning          = New(CodeProvisioning, "")
	ErrDependencyResolution  = New(CodeDependencyResolution, "")
	ErrFilesystem            = New(CodeFilesystem, "")
	ErrBind                  = New(CodeBind, "")
	ErrDependencyUnavailable = New(CodeDependencyUnavailable, "")
	ErrInvalidConfig         = New(CodeInvalidConfig, "")
)
