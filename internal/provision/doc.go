// Package provision 实现容器引导流程：按固定顺序安装系统工具链、解析依赖、
// 放置应用源码、准备凭据目录，最后将进程移交给 HTTP 服务。
//
// 流程是一台单向状态机，任何一步失败都会立即终止，不做重试也不支持断点续跑，
// 恢复交给外层的容器编排系统。
package provision
