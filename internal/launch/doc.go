// Package launch 负责服务进程的最后一步：校验入口模块可以导入，
// 组装解释器命令行并以 exec 方式替换当前进程。
package launch
