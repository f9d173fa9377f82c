package realtime

import "context"

// Conn is one open provider socket. WriteMessage is not safe for concurrent
// use; callers serialize writes.
type Conn interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
