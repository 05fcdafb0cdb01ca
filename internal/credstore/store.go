package credstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// State 描述一次 Ensure 调用之后凭据目录的状态。
type State struct {
	Path    string
	Created bool
	// Tightened 表示已有目录的权限被收紧到了配置值。
	Tightened bool
	Entries   int
}

// Ensure 幂等地创建凭据目录：目录不存在时以 mode 创建，已存在时只校正权限，
// 从不删除或截断其中已有的文件。
func Ensure(path string, mode fs.FileMode) (State, error) {
	state := State{Path: path}
	if path == "" {
		return state, errors.New("credential store path is empty")
	}
	if !filepath.IsAbs(path) {
		return state, fmt.Errorf("credential store path must be absolute: %s", path)
	}
	mode = mode.Perm()

	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return state, fmt.Errorf("create parent of credential store: %w", err)
		}
		if err := os.Mkdir(path, mode); err != nil && !errors.Is(err, fs.ErrExist) {
			return state, fmt.Errorf("create credential store: %w", err)
		}
		state.Created = true
		// Mkdir 受 umask 影响，显式设置一次权限。
		if err := os.Chmod(path, mode); err != nil {
			return state, fmt.Errorf("chmod credential store: %w", err)
		}
	case err != nil:
		return state, fmt.Errorf("stat credential store: %w", err)
	case info.Mode()&fs.ModeSymlink != 0:
		return state, fmt.Errorf("credential store %s is a symlink", path)
	case !info.IsDir():
		return state, fmt.Errorf("credential store %s exists and is not a directory", path)
	default:
		if info.Mode().Perm() != mode {
			if err := os.Chmod(path, mode); err != nil {
				return state, fmt.Errorf("chmod credential store: %w", err)
			}
			state.Tightened = true
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return state, fmt.Errorf("read credential store: %w", err)
	}
	state.Entries = len(entries)
	return state, nil
}
