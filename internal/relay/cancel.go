package relay

import "chat-relay/internal/session"

// Controller flips the shared cancellation flag. An in-flight chat turn sees
// the new value at its next chunk boundary.
type Controller struct {
	state *session.State
}

func NewController(state *session.State) *Controller {
	return &Controller{state: state}
}

// RequestCancel stores flag and echoes it back.
func (c *Controller) RequestCancel(flag bool) bool {
	c.state.SetCancel(flag)
	return flag
}
