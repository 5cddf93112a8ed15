package wtlp

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("wtlp: client closed")
	ErrEmptyPeer      = errors.New("wtlp: empty peer address")
	ErrTransmitFailed = errors.New("wtlp: transmit failed")
	ErrTooLarge       = errors.New("wtlp: payload too large")
)

// ErrTimeout matches any send that was not acknowledged in time
var ErrTimeout = &ResultError{Result: ResultTimeout}

// ResultError is a send that completed with a non-success result,
// either reported by the peer or produced locally by the ack timer.
type ResultError struct {
	MessageID int
	Result    Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("wtlp: message %d: %s", e.MessageID, e.Result)
}

// Is matches on the result code only
func (e *ResultError) Is(target error) bool {
	t, ok := target.(*ResultError)
	return ok && t.Result == e.Result
}
