package nsq

import (
	"fmt"
	"strings"
)

const (
	AuthenticationError = iota

	ConnectionError

	ConnectionRefusedError

	DisconnectedError

	HeartbeatAbsenceError

	InvalidConfigError

	InvalidTopicError

	MessageHandlerError

	ProtocolError

	ResponseError

	UnknownError
)

// NewError returns a typed client error for the given error code. An
// optional detail value is appended to the error text.
func NewError(errorCode int, message ...interface{}) error {
	var errorName string

	switch errorCode {
	case AuthenticationError:
		errorName = "AuthenticationError"
	case ConnectionError:
		errorName = "ConnectionError"
	case ConnectionRefusedError:
		errorName = "ConnectionRefusedError"
	case DisconnectedError:
		errorName = "DisconnectedError"
	case HeartbeatAbsenceError:
		errorName = "HeartbeatAbsenceError"
	case InvalidConfigError:
		errorName = "InvalidConfigError"
	case InvalidTopicError:
		errorName = "InvalidTopicError"
	case MessageHandlerError:
		errorName = "MessageHandlerError"
	case ProtocolError:
		errorName = "ProtocolError"
	case ResponseError:
		errorName = "ResponseError"
	default:
		errorName = "UnknownError"
	}

	if len(message) > 0 {
		return fmt.Errorf("%s: %s", errorName, message[0])
	}

	return fmt.Errorf("%s", errorName)
}

// daemonErrorToError maps an E_ error response from nsqd to a typed error.
func daemonErrorToError(text string) error {
	switch {
	case strings.HasPrefix(text, "E_AUTH_FAILED"), strings.HasPrefix(text, "E_UNAUTHORIZED"):
		return NewError(AuthenticationError, text)
	case strings.HasPrefix(text, "E_BAD_TOPIC"), strings.HasPrefix(text, "E_BAD_CHANNEL"):
		return NewError(InvalidTopicError, text)
	case strings.HasPrefix(text, "E_INVALID"), strings.HasPrefix(text, "E_BAD_BODY"):
		return NewError(ProtocolError, text)
	}

	return NewError(ResponseError, text)
}
