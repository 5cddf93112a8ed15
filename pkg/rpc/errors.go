package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrCallTimeout     = errors.New("rpc: call timed out")
	ErrConnectionReset = errors.New("rpc: connection reset")
	ErrDuplicateMethod = errors.New("rpc: method already registered")
)

// ErrorCode classifies a call rejected by the peer
type ErrorCode string

const (
	CodeComponentNotFound  ErrorCode = "ComponentNotFoundError"
	CodeMethodNotFound     ErrorCode = "MethodNotFoundError"
	CodeInvalidParameters  ErrorCode = "InvalidParametersError"
	CodeNotAuthorized      ErrorCode = "NotAuthorizedError"
	CodeEncryptionError    ErrorCode = "EncryptionError"
	CodeUnsupportedVersion ErrorCode = "UnsupportedVersionError"
	CodeInternal           ErrorCode = "InternalError"
)

// RemoteError is a call the peer answered with an error.
// It is distinct from local failures so callers can tell a rejected
// request from a broken connection.
type RemoteError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rpc: remote error %s", e.Code)
	}
	return fmt.Sprintf("rpc: remote error %s: %s", e.Code, e.Message)
}

// Is matches another RemoteError with the same code
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	return ok && t.Code == e.Code
}

// IsRemoteCode reports whether err is a RemoteError with the given code
func IsRemoteCode(err error, code ErrorCode) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

func remoteErrorf(code ErrorCode, format string, args ...any) *RemoteError {
	return &RemoteError{Code: code, Message: fmt.Sprintf(format, args...)}
}
