package realtime

import (
	"errors"
	"strings"
)

var (
	ErrNotConnected = errors.New("realtime connection is not open")
	ErrClosed       = errors.New("realtime connection closed")
)

type ErrorKind int

const (
	KindConnection ErrorKind = iota
	KindProtocol
	KindResource
	KindState
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + " error: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsKind(err error, kind ErrorKind) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == kind
}

var benignErrorFragments = []string{
	"buffer too small",
	"already has an active response",
}

// IsBenign reports provider errors that only mean a commit or response
// request raced the server and can be ignored.
func IsBenign(message string) bool {
	m := strings.ToLower(message)
	for _, frag := range benignErrorFragments {
		if strings.Contains(m, frag) {
			return true
		}
	}
	return false
}
