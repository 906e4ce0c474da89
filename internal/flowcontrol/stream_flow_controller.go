package flowcontrol

import (
	"time"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
	"github.com/Liangxia6/quicmux/internal/utils"
)

// StreamFlowController limits the data sent and received on one stream.
// Everything is also accounted against the connection.
type StreamFlowController struct {
	baseFlowController

	streamID protocol.StreamID

	connection *ConnectionFlowController

	receivedFinalOffset bool
}

// NewStreamFlowController gets a flow controller for a stream
func NewStreamFlowController(
	streamID protocol.StreamID,
	cfc *ConnectionFlowController,
	receiveWindow protocol.ByteCount,
	maxReceiveWindow protocol.ByteCount,
	initialSendWindow protocol.ByteCount,
	rttStats *utils.RTTStats,
) *StreamFlowController {
	return &StreamFlowController{
		streamID:   streamID,
		connection: cfc,
		baseFlowController: baseFlowController{
			rttStats:             rttStats,
			receiveWindow:        receiveWindow,
			receiveWindowSize:    receiveWindow,
			maxReceiveWindowSize: maxReceiveWindow,
			sendWindow:           initialSendWindow,
		},
	}
}

// UpdateHighestReceived updates the highestReceived value, if the offset is higher.
func (c *StreamFlowController) UpdateHighestReceived(offset protocol.ByteCount, final bool) error {
	// If the final offset for this stream is already known, check for consistency.
	if c.receivedFinalOffset {
		// If we receive another final offset, check that it's the same.
		if final && offset != c.highestReceived {
			return qerr.NewErrorf(protocol.FlowControlError, "stream %d: received inconsistent final offset, got %d, previously %d", c.streamID, offset, c.highestReceived)
		}
		// Check that the offset is below the final offset.
		if offset > c.highestReceived {
			return qerr.NewErrorf(protocol.FlowControlError, "stream %d: received offset %d beyond final offset %d", c.streamID, offset, c.highestReceived)
		}
	}

	if final {
		c.receivedFinalOffset = true
	}
	if offset == c.highestReceived {
		return nil
	}
	// A higher offset was received before.
	// This can happen due to reordering.
	if offset <= c.highestReceived {
		if final {
			return qerr.NewErrorf(protocol.FlowControlError, "stream %d: received final offset %d below data already received %d", c.streamID, offset, c.highestReceived)
		}
		return nil
	}

	increment := offset - c.highestReceived
	c.highestReceived = offset
	if c.checkFlowControlViolation() {
		return qerr.NewErrorf(protocol.FlowControlError, "stream %d: received %d bytes, allowed %d bytes", c.streamID, offset, c.receiveWindow)
	}
	return c.connection.IncrementHighestReceived(increment)
}

// AddBytesRead records data delivered to the application.
func (c *StreamFlowController) AddBytesRead(n protocol.ByteCount, now time.Time) {
	c.baseFlowController.addBytesRead(n, now)
	c.connection.AddBytesRead(n, now)
}

// Abandon returns the window held by unread data to the connection. It is called
// when the stream is reset.
func (c *StreamFlowController) Abandon(now time.Time) {
	if unread := c.highestReceived - c.bytesRead; unread > 0 {
		c.connection.AddBytesRead(unread, now)
		c.bytesRead = c.highestReceived
	}
}

// AddBytesSent records data sent on the stream and the connection.
func (c *StreamFlowController) AddBytesSent(n protocol.ByteCount) {
	c.baseFlowController.AddBytesSent(n)
	c.connection.AddBytesSent(n)
}

// SendWindowSize returns how much may be sent, limited by both windows.
func (c *StreamFlowController) SendWindowSize() protocol.ByteCount {
	return min(c.baseFlowController.sendWindowSize(), c.connection.SendWindowSize())
}

// GetWindowUpdate returns the new receive window if a MAX_STREAM_DATA frame should be sent, and 0 otherwise.
func (c *StreamFlowController) GetWindowUpdate(now time.Time) protocol.ByteCount {
	// If we already received the final offset for this stream, the peer won't need any additional flow control credit.
	if c.receivedFinalOffset {
		return 0
	}
	return c.baseFlowController.getWindowUpdate(now)
}
