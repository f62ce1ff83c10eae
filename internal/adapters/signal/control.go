package signal

func (ctl *SignalWSController) handlePing(c *wsSignalConn) {
	ctl.sendJSON(c, Message{Type: "pong"})
}

func (ctl *SignalWSController) handleHangup(c *wsSignalConn, msg Message) {
	owned := c.owns(msg.SessionID)
	if err := ctl.Orch.Hangup(msg.SessionID); err != nil {
		ctl.sendError(c, msg.SessionID, err)
		return
	}
	// Owned sessions are reported by their watcher.
	if !owned {
		ctl.sendJSON(c, Message{Type: "closed", SessionID: msg.SessionID})
	}
}
