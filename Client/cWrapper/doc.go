// Package wrapper 实现客户端侧的 quicmux wrapper。
//
// 设计目标：迁移对 session 透明。
//
// 做法（内部 UDP 解耦）：
//   - 客户端给 quicmux.Client 提供一个稳定的 PacketWriter（SwappableUDPConn）。
//   - 迁移时通过控制流拿到新后端地址，SwappableUDPConn.SetPeer() 切换真实对端。
//   - 引擎看到的对端地址保持不变，session 不需要重建。
//
// 本包职责：
//   - dial 初始 Target，完成握手。
//   - 打开第一条 stream 作为控制流（newline JSON，见 internal/control）。
//   - 监听 "migrate" 消息：
//   - 触发 MigrateSeen（供 APP 收紧超时/统计 downtime）
//   - 切换底层 UDP 真实对端
//   - 回 ACK
//   - 业务请求通过 Session.Request 发出，每个请求一条 stream。
//
// 线程模型：quicmux.Client 不是并发安全的。所有调用都经过 eventloop，
// 读 goroutine 只负责把 datagram post 到 loop 上。
package wrapper
