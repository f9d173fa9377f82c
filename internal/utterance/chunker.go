package utterance

import (
	"time"

	"github.com/foxseedlab/intervista/internal/audio"
)

// Utterance is one flushed span of audio. It is consumed exactly once.
type Utterance struct {
	Audio    []byte
	Duration time.Duration
	Forced   bool
}

// Chunker turns a stream of frames into utterances using a flush Policy.
type Chunker struct {
	format audio.Format
	acc    *Accumulator
	policy Policy
}

func NewChunker(format audio.Format, policy Policy) *Chunker {
	return &Chunker{
		format: format,
		acc:    NewAccumulator(),
		policy: policy,
	}
}

// Push appends frame and returns an utterance when the policy reports a
// boundary. Now, Connected and ResponsePending come from the caller; the
// audio fields of obs are filled in here.
func (c *Chunker) Push(frame []byte, obs Observation) (Utterance, bool) {
	obs.RMS = audio.RMS(frame)
	data, ok := c.acc.appendAndTake(frame, func(buffered int) bool {
		obs.Buffered = buffered
		obs.BufferedDuration = c.format.Duration(buffered)
		return c.policy.Observe(obs) == Flush
	})
	if !ok || len(data) == 0 {
		return Utterance{}, false
	}
	return Utterance{Audio: data, Duration: c.format.Duration(len(data))}, true
}

// Flush takes whatever is buffered regardless of size or pause, and resets
// the policy.
func (c *Chunker) Flush(now time.Time) (Utterance, bool) {
	c.acc.mu.Lock()
	data := c.acc.takeLocked()
	c.policy.Reset(now)
	c.acc.mu.Unlock()
	if len(data) == 0 {
		return Utterance{}, false
	}
	return Utterance{Audio: data, Duration: c.format.Duration(len(data)), Forced: true}, true
}

func (c *Chunker) Buffered() int {
	return c.acc.Len()
}

func (c *Chunker) State() State {
	c.acc.mu.Lock()
	defer c.acc.mu.Unlock()
	return c.policy.State()
}
