package quicmux

// StatsVersion is the version of the ConnectionStats field list. Fields are
// only ever appended; version 2 added CongestionWindow.
const StatsVersion = 2

// ConnectionStats is a snapshot of a connection's counters. Counters never
// decrease during the life of a connection.
type ConnectionStats struct {
	ConnectionID uint64

	BytesSent        uint64
	PacketsSent      uint64
	StreamBytesSent  uint64
	PacketsDiscarded uint64 // packets built but never handed to the writer

	BytesReceived       uint64
	PacketsReceived     uint64 // datagrams routed to the connection
	PacketsProcessed    uint64 // packets that were decrypted and processed
	StreamBytesReceived uint64

	BytesRetransmitted             uint64
	PacketsRetransmitted           uint64
	BytesSpuriouslyRetransmitted   uint64
	PacketsSpuriouslyRetransmitted uint64
	PacketsLost                    uint64
	SlowstartPacketsSent           uint64
	SlowstartPacketsLost           uint64
	PacketsRevived                 uint64 // always 0, there's no FEC
	PacketsDropped                 uint64 // duplicate or undecryptable packets
	CryptoRetransmitCount          uint64
	LossTimeoutCount               uint64
	TLPCount                       uint64
	RTOCount                       uint64

	MinRTTUs              int64
	SRTTUs                int64
	MaxPacketSize         uint64
	MaxReceivedPacketSize uint64
	EstimatedBandwidth    uint64 // bits per second

	PacketsReordered      uint64
	MaxSequenceReordering uint64
	MaxTimeReorderingUs   int64
	TCPLossEvents         uint64

	CongestionWindow uint64 // bytes
}
