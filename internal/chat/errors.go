package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound: the candidate id looked valid but resolved to
	// nothing. Callers recover by creating a fresh session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionForbidden: the session exists but belongs to another
	// principal. Fatal; never silently replaced with a new session.
	ErrSessionForbidden = errors.New("session forbidden")

	// ErrSendFailed: the user-authored send failed. The entry stays in the
	// timeline as failed and is only retried by explicit user action.
	ErrSendFailed = errors.New("send failed")
)

// TransientError wraps network/timeout failures that are safe to retry with
// backoff (catch-up fetches, confirmation fetches). Sends are never wrapped
// as transient because retrying them risks duplicate creation.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err may be retried automatically.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
