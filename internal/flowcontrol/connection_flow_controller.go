package flowcontrol

import (
	"time"

	"github.com/Liangxia6/quicmux/internal/protocol"
	"github.com/Liangxia6/quicmux/internal/qerr"
	"github.com/Liangxia6/quicmux/internal/utils"
)

// ConnectionFlowController limits the data sent and received on a connection.
type ConnectionFlowController struct {
	baseFlowController
}

// NewConnectionFlowController gets a new flow controller for the connection
// It is created before we receive the peer's transport parameters, thus it starts with a sendWindow of 0.
func NewConnectionFlowController(
	receiveWindow protocol.ByteCount,
	maxReceiveWindow protocol.ByteCount,
	rttStats *utils.RTTStats,
) *ConnectionFlowController {
	return &ConnectionFlowController{
		baseFlowController: baseFlowController{
			rttStats:             rttStats,
			receiveWindow:        receiveWindow,
			receiveWindowSize:    receiveWindow,
			maxReceiveWindowSize: maxReceiveWindow,
		},
	}
}

// SendWindowSize returns how many more bytes may be sent on the connection.
func (c *ConnectionFlowController) SendWindowSize() protocol.ByteCount {
	return c.baseFlowController.sendWindowSize()
}

// IncrementHighestReceived adds an increment to the highestReceived value
func (c *ConnectionFlowController) IncrementHighestReceived(increment protocol.ByteCount) error {
	c.highestReceived += increment
	if c.checkFlowControlViolation() {
		return qerr.NewErrorf(protocol.FlowControlError, "received %d bytes for the connection, allowed %d bytes", c.highestReceived, c.receiveWindow)
	}
	return nil
}

// AddBytesRead records data consumed by the application.
func (c *ConnectionFlowController) AddBytesRead(n protocol.ByteCount, now time.Time) {
	c.baseFlowController.addBytesRead(n, now)
}

// GetWindowUpdate returns the new receive window if a MAX_DATA frame should be sent, and 0 otherwise.
func (c *ConnectionFlowController) GetWindowUpdate(now time.Time) protocol.ByteCount {
	return c.baseFlowController.getWindowUpdate(now)
}
