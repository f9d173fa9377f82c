package utterance

import "sync"

// Accumulator buffers pcm16 frames until they are taken as one utterance.
type Accumulator struct {
	mu  sync.Mutex
	buf []byte
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Append(frame []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = append(a.buf, frame...)
}

// TakeAndReset returns everything buffered so far and empties the buffer.
func (a *Accumulator) TakeAndReset() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.takeLocked()
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// appendAndTake appends frame and, if decide reports a boundary, takes the
// whole buffer. Both happen under one lock hold.
func (a *Accumulator) appendAndTake(frame []byte, decide func(buffered int) bool) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = append(a.buf, frame...)
	if !decide(len(a.buf)) {
		return nil, false
	}
	return a.takeLocked(), true
}

func (a *Accumulator) takeLocked() []byte {
	out := a.buf
	a.buf = nil
	return out
}
