// Package wrapper 实现服务端侧的 quicmux wrapper（运行在容器内部）。
//
// 高层流程：
//   - 在容器内监听 UDP，所有连接共用这个 socket，由 quicmux.Dispatcher 按连接 ID 分发。
//   - socket 读、定时器和 APP 调用都串行到一个 eventloop 上，引擎本身不做 I/O。
//   - 每个连接的第一条 stream（client 的 stream 0）作为控制流。
//   - 后续 stream 作为业务流，由 APP 提供的 handler 处理。
//
// 迁移集成点：
//   - 容器外的 Control 进程发送 SIGTERM，触发服务端向客户端广播 "migrate"，并等待 ACK。
//   - CRIU restore 到容器 B 之后，Control 发送 SIGUSR2，触发 UDP rebind。
//
// 关键类型：MigratableUDP
//   - 同时实现 quicmux.PacketWriter，并支持 Rebind()。
//   - 读 goroutine 阻塞在旧 socket 上时 swap 不会让它报错退出。
package wrapper
