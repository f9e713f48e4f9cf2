package cmpp

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidLength is a frame whose Total_Length is below the header size
	ErrInvalidLength = errors.New("cmpp: invalid frame length")
	// ErrFrameTooLarge is a frame whose Total_Length exceeds the configured limit
	ErrFrameTooLarge = errors.New("cmpp: frame too large")
	// ErrTimeout is returned to a waiter whose response did not arrive in time
	ErrTimeout = errors.New("cmpp: request timed out")
	// ErrConnectionClosed fails requests still pending when the transport goes away
	ErrConnectionClosed = errors.New("cmpp: connection closed")
	// ErrNotAuthenticated rejects outbound business commands before CMPP_CONNECT succeeded
	ErrNotAuthenticated = errors.New("cmpp: connection not authenticated")
	// ErrUnknownCommand is an inbound command id with no handling on this side
	ErrUnknownCommand = errors.New("cmpp: unknown command")
	// ErrServerClosed is returned by Serve after Shutdown
	ErrServerClosed = errors.New("cmpp: server closed")
)

// CommandError reports a response that carried a nonzero Status or Result
type CommandError struct {
	CommandID uint32
	Code      uint32
	Name      string
}

// NewCommandError builds the error for a failed response command
func NewCommandError(commandID, code uint32) *CommandError {
	return &CommandError{
		CommandID: commandID,
		Code:      code,
		Name:      StatusName(commandID, code),
	}
}

func (e *CommandError) Error() string {
	field := "result"
	if e.CommandID == CommandConnectResp {
		field = "status"
	}
	return fmt.Sprintf("command:%s failed. %s:%d (%s)", CommandName(RequestID(e.CommandID)), field, e.Code, e.Name)
}

// IsTimeout reports whether err is a request timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
