package metrics

import "time"

// Recorder receives session engine measurements.
type Recorder interface {
	SessionStarted(capability string)
	SessionEnded(capability, status string, duration time.Duration)
	UtteranceFlushed(bytes int, forced bool)
	ResponseRequested(sent bool)
	ResponseCompleted(latency time.Duration)
	ReconnectScheduled()
	ProviderEvent(eventType string)
	ProviderError(benign bool)
	FrameDropped()
}

// Nop discards everything.
type Nop struct{}

func (Nop) SessionStarted(string) {}
func (Nop) SessionEnded(string, string, time.Duration) {}
func (Nop) UtteranceFlushed(int, bool) {}
func (Nop) ResponseRequested(bool) {}
func (Nop) ResponseCompleted(time.Duration) {}
func (Nop) ReconnectScheduled() {}
func (Nop) ProviderEvent(string) {}
func (Nop) ProviderError(bool) {}
func (Nop) FrameDropped() {}
