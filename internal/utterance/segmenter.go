package utterance

import "time"

type State int

const (
	Silent State = iota
	Speaking
)

func (s State) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "silent"
}

type Decision int

const (
	Continue Decision = iota
	Flush
)

type SegmenterConfig struct {
	Threshold         float32
	PauseDuration     time.Duration
	MinCommitInterval time.Duration
	MinBytes          int
}

func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		Threshold:         500,
		PauseDuration:     700 * time.Millisecond,
		MinCommitInterval: 1500 * time.Millisecond,
		MinBytes:          3200,
	}
}

// Observation is what a Policy sees for each appended frame. Buffered counts
// the accumulator contents including the frame itself.
type Observation struct {
	Now              time.Time
	RMS              float32
	Buffered         int
	BufferedDuration time.Duration
	Connected        bool
	ResponsePending  bool
}

// Policy decides when the accumulated audio forms an utterance. It is only
// called with the accumulator lock held.
type Policy interface {
	Observe(obs Observation) Decision
	Reset(now time.Time)
	State() State
}

// Segmenter is the energy-based voice activity policy used for local capture.
type Segmenter struct {
	cfg          SegmenterConfig
	state        State
	silenceStart time.Time
	lastCommit   time.Time
}

// NewSegmenter starts in Silent with the commit clock set to start.
func NewSegmenter(cfg SegmenterConfig, start time.Time) *Segmenter {
	return &Segmenter{cfg: cfg, lastCommit: start}
}

func (s *Segmenter) State() State {
	return s.state
}

func (s *Segmenter) Observe(obs Observation) Decision {
	if !s.track(obs) {
		return Continue
	}
	if obs.Now.Sub(s.lastCommit) < s.cfg.MinCommitInterval {
		return Continue
	}
	// A pause over too little audio does not end the utterance.
	if obs.Buffered < s.cfg.MinBytes {
		return Continue
	}
	if !obs.Connected {
		return Continue
	}
	s.Reset(obs.Now)
	return Flush
}

// track updates the speaking state and reports whether a pause long enough
// to end the current utterance has been observed.
func (s *Segmenter) track(obs Observation) bool {
	if obs.RMS > s.cfg.Threshold {
		s.state = Speaking
		s.silenceStart = time.Time{}
		return false
	}
	if s.state != Speaking {
		return false
	}
	if s.silenceStart.IsZero() {
		s.silenceStart = obs.Now
		return false
	}
	return obs.Now.Sub(s.silenceStart) >= s.cfg.PauseDuration
}

func (s *Segmenter) Reset(now time.Time) {
	s.state = Silent
	s.silenceStart = time.Time{}
	s.lastCommit = now
}

// BufferedPolicy flushes once enough audio has been buffered, regardless of
// voice activity. It holds audio back while a response is being generated.
// Speaking state is still tracked for reporting.
type BufferedPolicy struct {
	vad         *Segmenter
	minBuffered time.Duration
	minBytes    int
}

func NewBufferedPolicy(cfg SegmenterConfig, minBuffered time.Duration, start time.Time) *BufferedPolicy {
	return &BufferedPolicy{
		vad:         NewSegmenter(cfg, start),
		minBuffered: minBuffered,
		minBytes:    cfg.MinBytes,
	}
}

func (p *BufferedPolicy) State() State {
	return p.vad.State()
}

func (p *BufferedPolicy) Observe(obs Observation) Decision {
	if p.vad.track(obs) {
		p.vad.state = Silent
		p.vad.silenceStart = time.Time{}
	}
	if obs.BufferedDuration < p.minBuffered || obs.Buffered < p.minBytes {
		return Continue
	}
	if !obs.Connected || obs.ResponsePending {
		return Continue
	}
	p.vad.lastCommit = obs.Now
	return Flush
}

func (p *BufferedPolicy) Reset(now time.Time) {
	p.vad.Reset(now)
}
