package quicmux

import (
	"fmt"
	"net/netip"
)

// WriteStatus is the outcome of handing a datagram to the PacketWriter.
type WriteStatus int

const (
	// WriteOK means the datagram was sent.
	WriteOK WriteStatus = iota
	// WritePending means the datagram was accepted, but the writer is busy
	// until the owner's OnWriteComplete is called.
	WritePending
	// WriteBlocked means the datagram was not accepted. The engine keeps it
	// and retries once the owner's OnCanWrite is called.
	WriteBlocked
	// WriteError means the datagram was lost. Loss recovery resends its data.
	WriteError
)

func (s WriteStatus) String() string {
	switch s {
	case WriteOK:
		return "ok"
	case WritePending:
		return "pending"
	case WriteBlocked:
		return "blocked"
	case WriteError:
		return "error"
	default:
		return fmt.Sprintf("unknown write status %d", int(s))
	}
}

// WriteResult is returned by PacketWriter.WritePacket.
type WriteResult struct {
	Status WriteStatus
	Err    error
}

// PacketWriter hands datagrams to the socket. The engine doesn't retain p
// after the call.
type PacketWriter interface {
	WritePacket(p []byte, self, peer netip.AddrPort) WriteResult
}

// blockedWriter is notified when the shared writer can be used again.
type blockedWriter interface {
	onCanWrite()
}

// sharedWriter is the writer all sessions of one owner go through. While it
// is blocked, sessions queue up and are resumed in order.
type sharedWriter struct {
	writer  PacketWriter
	blocked bool

	blockedList []blockedWriter
	isListed    map[blockedWriter]struct{}
}

func newSharedWriter(w PacketWriter) *sharedWriter {
	return &sharedWriter{
		writer:   w,
		isListed: make(map[blockedWriter]struct{}),
	}
}

func (w *sharedWriter) IsBlocked() bool { return w.blocked }

func (w *sharedWriter) WritePacket(p []byte, self, peer netip.AddrPort) WriteResult {
	if w.blocked {
		return WriteResult{Status: WriteBlocked}
	}
	res := w.writer.WritePacket(p, self, peer)
	if res.Status == WritePending || res.Status == WriteBlocked {
		w.blocked = true
	}
	return res
}

func (w *sharedWriter) AddBlocked(b blockedWriter) {
	if _, ok := w.isListed[b]; ok {
		return
	}
	w.isListed[b] = struct{}{}
	w.blockedList = append(w.blockedList, b)
}

func (w *sharedWriter) RemoveBlocked(b blockedWriter) {
	if _, ok := w.isListed[b]; !ok {
		return
	}
	delete(w.isListed, b)
	for i, e := range w.blockedList {
		if e == b {
			w.blockedList = append(w.blockedList[:i], w.blockedList[i+1:]...)
			break
		}
	}
}

// OnWriteComplete finishes a pending write. A negative rc keeps the writer
// paused until OnCanWrite.
func (w *sharedWriter) OnWriteComplete(rc int) {
	if rc < 0 {
		w.blocked = true
		return
	}
	w.OnCanWrite()
}

// OnCanWrite unblocks the writer and resumes the blocked sessions until the
// writer blocks again.
func (w *sharedWriter) OnCanWrite() {
	w.blocked = false
	for len(w.blockedList) > 0 && !w.blocked {
		b := w.blockedList[0]
		w.blockedList = w.blockedList[1:]
		delete(w.isListed, b)
		b.onCanWrite()
	}
}
