package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	xerrors "AppBootstrap/internal/errors"
	"AppBootstrap/pkg/logger"
)

// main 是容器入口：完成引导后进程被 HTTP 服务替换。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	report(stderr, err)
	_ = logger.Sync()
	return xerrors.ExitCodeOf(err)
}

// report 输出一行便于在容器日志中定位失败阶段的诊断信息。
func report(w io.Writer, err error) {
	if stage := xerrors.StageOf(err); stage != "" {
		fmt.Fprintf(w, "bootstrapd: %s: %v\n", stage, err)
		return
	}
	fmt.Fprintf(w, "bootstrapd: %v\n", err)
}
