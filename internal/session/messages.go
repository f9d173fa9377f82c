package session

const (
	StopReasonUser             = "user_stopped"
	StopReasonShutdown         = "shutdown"
	StopReasonInactive         = "inactive"
	StopReasonConnectionFailed = "connection_failed"
	StopReasonStartFailed      = "start_failed"
	StopReasonOrphaned         = "orphaned"
)

// StopReasonDetail is the human-readable explanation posted when a session
// ends.
func StopReasonDetail(reason string) string {
	switch reason {
	case StopReasonUser:
		return "The session was stopped."
	case StopReasonShutdown:
		return "The assistant is shutting down."
	case StopReasonInactive:
		return "The session was idle for too long."
	case StopReasonConnectionFailed:
		return "The connection to the assistant could not be restored."
	case StopReasonStartFailed:
		return "The session could not be started."
	default:
		return "An unknown error occurred."
	}
}

// StopReasonNeedsRestart reports reasons after which the user has to start a
// new session themselves.
func StopReasonNeedsRestart(reason string) bool {
	switch reason {
	case StopReasonInactive, StopReasonConnectionFailed, StopReasonStartFailed:
		return true
	default:
		return false
	}
}
