package provision

import (
	"fmt"
	"sync"

	xerrors "AppBootstrap/internal/errors"
)

// State 表示引导流程所处的阶段。
type State int

const (
	Unprovisioned State = iota
	ToolchainReady
	DependenciesReady
	SourceStaged
	CredentialStoreReady
	Serving
)

var stateNames = [...]string{
	Unprovisioned:        "UNPROVISIONED",
	ToolchainReady:       "TOOLCHAIN_READY",
	DependenciesReady:    "DEPENDENCIES_READY",
	SourceStaged:         "SOURCE_STAGED",
	CredentialStoreReady: "CREDENTIAL_STORE_READY",
	Serving:              "SERVING",
}

// String 返回状态名称。
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Machine 记录当前状态，只允许逐级前进。失败后停留在最后到达的状态。
type Machine struct {
	mu     sync.Mutex
	state  State
	failed bool
}

// NewMachine 返回处于 UNPROVISIONED 的状态机。
func NewMachine() *Machine {
	return &Machine{state: Unprovisioned}
}

// Current 返回当前状态。
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failed 报告流程是否已经失败。
func (m *Machine) Failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// Expect 确认状态机处于 want 且尚未失败。
func (m *Machine) Expect(want State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed {
		return xerrors.New(xerrors.CodeInvalidStateTransition,
			fmt.Sprintf("引导流程已在 %s 失败", m.state))
	}
	if m.state != want {
		return xerrors.New(xerrors.CodeInvalidStateTransition,
			fmt.Sprintf("需要处于 %s，当前为 %s", want, m.state))
	}
	return nil
}

// Advance 前进到 to，to 必须恰好是下一个状态。
func (m *Machine) Advance(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if m.failed {
		return from, xerrors.New(xerrors.CodeInvalidStateTransition,
			fmt.Sprintf("引导流程已在 %s 失败", from))
	}
	if to != from+1 {
		return from, xerrors.New(xerrors.CodeInvalidStateTransition,
			fmt.Sprintf("不允许从 %s 迁移到 %s", from, to))
	}
	m.state = to
	return from, nil
}

// Fail 标记流程失败。
func (m *Machine) Fail() {
	m.mu.Lock()
	m.failed = true
	m.mu.Unlock()
}
