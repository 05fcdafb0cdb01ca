package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrPortInUse 表示监听地址已被其它进程占用。
var ErrPortInUse = errors.New("address already in use")

// CheckPortAvailable 尝试在 host:port 上监听并立即释放，确认服务进程能够绑定。
func CheckPortAvailable(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%s: %w", addr, ErrPortInUse)
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln.Close()
}
