package engine

// expireSession records that the server rejected the credentials. Flushes
// and direct calls stop until ResumeSession. The first expiry is published
// on SessionEvents and to the listener; repeats are ignored.
func (e *Engine) expireSession(cause error) {
	e.sessionMu.Lock()
	already := e.sessionLost
	e.sessionLost = true
	e.sessionMu.Unlock()

	if already {
		return
	}

	e.logger.Printf("Session expired: %v", cause)
	select {
	case e.sessionEvents <- cause:
	default:
	}
	e.listener.SessionExpired(cause)
}

// SessionEvents delivers session-expiry notifications. The channel holds at
// most one undelivered event.
func (e *Engine) SessionEvents() <-chan error {
	return e.sessionEvents
}

// SessionExpired reports whether the session is currently expired.
func (e *Engine) SessionExpired() bool {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	return e.sessionLost
}

// ResumeSession clears the expired state after the user signed in again.
func (e *Engine) ResumeSession() {
	e.sessionMu.Lock()
	was := e.sessionLost
	e.sessionLost = false
	e.sessionMu.Unlock()

	if was {
		e.logger.Printf("Session resumed")
	}
}
