package core

import "errors"

// Sentinel error kinds the bridge can match on with errors.Is. Every
// public Core operation that can fail returns one of these, wrapped with
// additional context where useful.
var (
	// ErrSignInRequired means the subprocess reports requiresOpenaiAuth
	// but has no account yet — turns cannot start until login completes.
	ErrSignInRequired = errors.New("core: sign-in required")

	// ErrBusy means the chat already has an in-flight turn.
	ErrBusy = errors.New("core: chat already has an in-flight turn")

	// ErrTimeout means a request or turn exceeded its deadline.
	ErrTimeout = errors.New("core: timed out")

	// ErrDisconnected means the subprocess's stdout closed.
	ErrDisconnected = errors.New("core: subprocess disconnected")

	// ErrProtocol means the subprocess sent something malformed or
	// missing fields this bridge depends on.
	ErrProtocol = errors.New("core: protocol error")

	// ErrNotRunning means an operation was attempted before Connect or
	// after Stop.
	ErrNotRunning = errors.New("core: subprocess not running")
)

// TurnFailedError wraps the verbatim message from a turn/completed
// notification with status "failed".
type TurnFailedError struct {
	Message string
}

func (e *TurnFailedError) Error() string {
	return "core: turn failed: " + e.Message
}
