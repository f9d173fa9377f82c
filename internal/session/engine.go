package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/intervista/internal/audio"
	"github.com/foxseedlab/intervista/internal/connection"
	"github.com/foxseedlab/intervista/internal/fanout"
	"github.com/foxseedlab/intervista/internal/metrics"
	"github.com/foxseedlab/intervista/internal/pacing"
	"github.com/foxseedlab/intervista/internal/realtime"
	"github.com/foxseedlab/intervista/internal/utterance"
)

var (
	ErrSessionClosed   = errors.New("session is stopped")
	ErrNotStarted      = errors.New("session has not been started")
	ErrNotRecording    = errors.New("session is not recording")
	ErrEmptyText       = errors.New("text is empty")
	ErrNotNetworkAudio = errors.New("session does not accept external audio")
)

// Capability selects where a session's audio comes from.
type Capability int

const (
	LocalAudio Capability = iota
	NetworkAudio
)

func (c Capability) String() string {
	if c == NetworkAudio {
		return "network_audio"
	}
	return "local_audio"
}

type State int

const (
	Idle State = iota
	Connecting
	Active
	Reconnecting
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}

type EngineConfig struct {
	Capability       Capability
	Format           audio.Format
	Segmenter        utterance.SegmenterConfig
	MinBufferedAudio time.Duration
	Connection       connection.Config
	GreetingPrompt   string
	ConnectWait      time.Duration
	FrameQueue       int
	EventQueueLimit  int
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Capability:       LocalAudio,
		Format:           audio.DefaultFormat,
		Segmenter:        utterance.DefaultSegmenterConfig(),
		MinBufferedAudio: 2 * time.Second,
		Connection:       connection.DefaultConfig(),
		GreetingPrompt:   "Please confirm you're ready to assist with the interview.",
		ConnectWait:      2 * time.Second,
		FrameQueue:       64,
		EventQueueLimit:  fanout.DefaultQueueLimit,
	}
}

type EngineDeps struct {
	Dialer  realtime.Dialer
	Source  audio.Source
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Engine is one assistant session: it captures or ingests audio, cuts it into
// utterances, streams them to the provider and fans provider output out to
// consumers.
type Engine struct {
	id      string
	cfg     EngineConfig
	conn    *connection.Manager
	gate    *pacing.Gate
	chunker *utterance.Chunker
	events  *fanout.Fanout
	source  audio.Source
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	state        State
	started      bool
	stopping     bool
	recording    bool
	connected    bool
	startedAt    time.Time
	lastActivity time.Time
	frames       chan []byte
	captureDone  chan struct{}
	done         chan struct{}
	doneOnce     sync.Once

	// recMu serializes StartRecording and StopRecording end to end, so a
	// caller never sees recording=false while the device is still stopping.
	recMu sync.Mutex

	// flushMu serializes flush decisions with the sends they trigger so
	// utterances reach the provider in capture order.
	flushMu sync.Mutex

	// Only touched by the receive worker.
	transcript strings.Builder
	response   strings.Builder
}

func NewEngine(id string, cfg EngineConfig, deps EngineDeps) (*Engine, error) {
	if deps.Dialer == nil {
		return nil, errors.New("realtime dialer is required")
	}
	if cfg.Capability == LocalAudio && deps.Source == nil {
		return nil, errors.New("local audio session requires an audio source")
	}
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	now := time.Now
	start := now()
	var policy utterance.Policy
	if cfg.Capability == NetworkAudio {
		policy = utterance.NewBufferedPolicy(cfg.Segmenter, cfg.MinBufferedAudio, start)
	} else {
		policy = utterance.NewSegmenter(cfg.Segmenter, start)
	}

	// Connection state, reconnect counters and the pending flag share one
	// lock.
	stateMu := new(sync.Mutex)
	e := &Engine{
		id:           id,
		cfg:          cfg,
		gate:         pacing.NewGateWithLock(stateMu),
		chunker:      utterance.NewChunker(cfg.Format, policy),
		events:       fanout.New(cfg.EventQueueLimit),
		source:       deps.Source,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With("session_id", id),
		now:          now,
		lastActivity: start,
		done:         make(chan struct{}),
	}
	e.conn = connection.NewManagerWithLock(deps.Dialer, cfg.Connection, &engineReceiver{e: e}, e.logger, stateMu)
	return e, nil
}

func (e *Engine) ID() string { return e.id }
func (e *Engine) Capability() Capability { return e.cfg.Capability }
func (e *Engine) Events() *fanout.Fanout { return e.events }
func (e *Engine) Done() <-chan struct{} { return e.done }
func (e *Engine) Connected() bool { return e.conn.Connected() }
func (e *Engine) ReconnectAttempts() int { return e.conn.Attempts() }
func (e *Engine) Speaking() bool { return e.chunker.State() == utterance.Speaking }
func (e *Engine) ResponsePending() bool { return e.gate.Pending() }
func (e *Engine) Drain(k fanout.Kind) []fanout.Event { return e.events.Drain(k) }

func (e *Engine) Subscribe(buffer int) (<-chan fanout.Event, func()) {
	return e.events.Subscribe(buffer)
}

// SubscribeWithBacklog also delivers events queued before the call, such as
// the initial connection status published while Start was waiting.
func (e *Engine) SubscribeWithBacklog(buffer int) (<-chan fanout.Event, func()) {
	return e.events.SubscribeWithBacklog(buffer)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Recording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

func (e *Engine) StartedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startedAt
}

func (e *Engine) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

func (e *Engine) touch() {
	e.mu.Lock()
	e.lastActivity = e.now()
	e.mu.Unlock()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Terminal() {
		e.state = s
	}
}

func (e *Engine) finish(s State) {
	e.setState(s)
	e.doneOnce.Do(func() {
		close(e.done)
		e.events.Close()
	})
}

// Start opens the provider connection and, for local audio, starts capture.
// It waits up to ConnectWait for the socket but does not fail when the
// socket is still connecting.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Terminal() || e.stopping {
		e.mu.Unlock()
		return ErrSessionClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.state = Connecting
	e.startedAt = e.now()
	e.lastActivity = e.startedAt
	e.mu.Unlock()

	e.metrics.SessionStarted(e.cfg.Capability.String())
	e.logger.Info("session starting", "capability", e.cfg.Capability.String())
	if err := e.conn.Open(ctx); err != nil {
		return err
	}
	if !e.conn.WaitOpen(ctx, e.cfg.ConnectWait) {
		e.logger.Warn("realtime connection not open yet; continuing in background", "wait", e.cfg.ConnectWait)
		e.events.Log("Connection is not established yet; retrying in the background.")
	}
	return e.StartRecording(ctx)
}

// StartRecording begins accepting audio. For local audio it starts the
// device and the capture worker.
func (e *Engine) StartRecording(_ context.Context) error {
	e.recMu.Lock()
	defer e.recMu.Unlock()
	e.mu.Lock()
	if e.state.Terminal() || e.stopping {
		e.mu.Unlock()
		return ErrSessionClosed
	}
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.recording {
		e.mu.Unlock()
		return nil
	}
	e.recording = true
	if e.source == nil {
		e.mu.Unlock()
		e.logger.Info("recording started", "source", "network")
		return nil
	}
	frames := make(chan []byte, e.cfg.FrameQueue)
	captureDone := make(chan struct{})
	e.frames = frames
	e.captureDone = captureDone
	e.mu.Unlock()

	go e.captureLoop(frames, captureDone)
	if err := e.source.Start(func(frame []byte) { e.offerFrame(frames, frame) }); err != nil {
		e.mu.Lock()
		e.recording = false
		if e.frames == frames {
			e.frames = nil
			close(frames)
		}
		e.mu.Unlock()
		return &realtime.Error{Kind: realtime.KindResource, Op: "start capture", Err: err}
	}
	e.logger.Info("recording started", "source", "local", "sample_rate", e.source.Format().SampleRate)
	return nil
}

// offerFrame is called on the device thread and never blocks.
func (e *Engine) offerFrame(frames chan []byte, frame []byte) {
	buf := append([]byte(nil), frame...)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frames != frames {
		return
	}
	select {
	case frames <- buf:
	default:
		e.metrics.FrameDropped()
	}
}

func (e *Engine) captureLoop(frames <-chan []byte, done chan struct{}) {
	defer close(done)
	for frame := range frames {
		e.ingest(frame)
	}
}

func (e *Engine) ingest(frame []byte) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	u, ok := e.chunker.Push(frame, utterance.Observation{
		Now:             e.now(),
		Connected:       e.conn.Connected(),
		ResponsePending: e.gate.Pending(),
	})
	if !ok {
		return
	}
	if err := e.sendUtterance(u); err != nil {
		e.logger.Warn("failed to send utterance", "error", err, "bytes", len(u.Audio))
	}
}

// sendUtterance must be called with flushMu held.
func (e *Engine) sendUtterance(u utterance.Utterance) error {
	if err := e.conn.Send(realtime.UserAudio{PCM: u.Audio}); err != nil {
		return err
	}
	if err := e.conn.Send(realtime.AudioCommit{}); err != nil {
		return err
	}
	e.metrics.UtteranceFlushed(len(u.Audio), u.Forced)
	e.logger.Debug("utterance sent", "bytes", len(u.Audio), "duration", u.Duration, "forced", u.Forced)
	e.requestResponse()
	return nil
}

func (e *Engine) requestResponse() {
	if !e.gate.TryRequest() {
		e.metrics.ResponseRequested(false)
		e.logger.Debug("response already pending; request suppressed")
		return
	}
	if err := e.conn.Send(realtime.ResponseRequest{}); err != nil {
		e.gate.Complete()
		e.logger.Warn("failed to request response", "error", err)
		return
	}
	e.metrics.ResponseRequested(true)
}

// StopRecording stops accepting audio and flushes whatever is buffered as a
// final utterance.
func (e *Engine) StopRecording(ctx context.Context) error {
	e.recMu.Lock()
	defer e.recMu.Unlock()
	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return nil
	}
	e.recording = false
	frames, captureDone := e.frames, e.captureDone
	e.frames = nil
	e.captureDone = nil
	if frames != nil {
		close(frames)
	}
	e.mu.Unlock()

	var stopErr error
	if e.source != nil {
		if err := e.source.Stop(); err != nil {
			stopErr = &realtime.Error{Kind: realtime.KindResource, Op: "stop capture", Err: err}
			e.logger.Warn("failed to stop audio source", "error", err)
		}
	}
	if captureDone != nil {
		select {
		case <-captureDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.flushFinal()
	e.logger.Info("recording stopped")
	return stopErr
}

func (e *Engine) flushFinal() {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	u, ok := e.chunker.Flush(e.now())
	if !ok {
		return
	}
	if !e.conn.Connected() {
		e.logger.Warn("dropping final utterance; connection is not open", "bytes", len(u.Audio))
		return
	}
	if err := e.sendUtterance(u); err != nil {
		e.logger.Warn("failed to send final utterance", "error", err, "bytes", len(u.Audio))
	}
}

// Stop ends the session: final flush, socket close and device release. It is
// a no-op for sessions that never started or already stopped.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	e.mu.Unlock()

	e.logger.Info("session stopping")
	var errs []error
	if err := e.StopRecording(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close realtime connection: %w", err))
	}
	if e.source != nil {
		if err := e.source.Close(); err != nil {
			errs = append(errs, &realtime.Error{Kind: realtime.KindResource, Op: "release audio device", Err: err})
		}
	}
	e.finish(Stopped)
	e.logger.Info("session stopped", "state", e.State().String())
	return errors.Join(errs...)
}

// SendText sends a typed question and requests a response.
func (e *Engine) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if e.State().Terminal() {
		return ErrSessionClosed
	}
	if !e.conn.Connected() {
		return realtime.ErrNotConnected
	}
	if err := e.conn.Send(realtime.UserText{Text: text}); err != nil {
		return err
	}
	e.touch()
	e.requestResponse()
	return nil
}

// AddAudio ingests externally supplied pcm16 in the session format. When the
// socket is down the audio stays buffered and ErrNotConnected is returned.
func (e *Engine) AddAudio(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return audio.ErrOddLength
	}
	if e.cfg.Capability != NetworkAudio {
		return ErrNotNetworkAudio
	}
	e.mu.Lock()
	switch {
	case e.state.Terminal() || e.stopping:
		e.mu.Unlock()
		return ErrSessionClosed
	case !e.recording:
		e.mu.Unlock()
		return ErrNotRecording
	}
	e.lastActivity = e.now()
	e.mu.Unlock()

	if len(pcm) > 0 {
		e.ingest(pcm)
	}
	if !e.conn.Connected() {
		return realtime.ErrNotConnected
	}
	return nil
}

func (e *Engine) releaseGate() {
	if d := e.gate.Complete(); d > 0 {
		e.metrics.ResponseCompleted(d)
	}
}

func (e *Engine) handleEvent(ev realtime.Event) {
	e.metrics.ProviderEvent(ev.EventType())
	e.touch()
	switch ev := ev.(type) {
	case realtime.TranscriptDelta:
		e.transcript.WriteString(ev.Text)
	case realtime.TranscriptDone:
		text := takeText(&e.transcript, ev.Text)
		if text != "" {
			e.events.Transcription(text)
		}
	case realtime.TextDelta:
		e.response.WriteString(ev.Text)
	case realtime.TextDone:
		if text := takeText(&e.response, ev.Text); text != "" {
			e.events.Response(text)
		}
		e.releaseGate()
	case realtime.ResponseDone:
		if text := takeText(&e.response, ""); text != "" {
			e.events.Response(text)
		}
		e.releaseGate()
	case realtime.ErrorEvent:
		e.releaseGate()
		if realtime.IsBenign(ev.Message) {
			e.metrics.ProviderError(true)
			e.logger.Debug("ignoring benign provider error", "message", ev.Message)
			e.events.Log(ev.Message)
			return
		}
		e.metrics.ProviderError(false)
		e.logger.Error("provider error", "message", ev.Message, "code", ev.Code, "type", ev.Kind)
		e.events.Error("API Error: " + ev.Message)
	default:
		e.logger.Debug("ignoring realtime event", "type", ev.EventType())
	}
}

// takeText returns the accumulated deltas, or fallback when there were none,
// and resets the buffer.
func takeText(b *strings.Builder, fallback string) string {
	text := strings.TrimSpace(b.String())
	b.Reset()
	if text == "" {
		text = strings.TrimSpace(fallback)
	}
	return text
}

type engineReceiver struct {
	e *Engine
}

func (r *engineReceiver) OnOpen(initial bool) {
	e := r.e
	e.setState(Active)
	if !initial || e.cfg.GreetingPrompt == "" {
		return
	}
	if err := e.conn.Send(realtime.UserText{Text: e.cfg.GreetingPrompt}); err != nil {
		e.logger.Warn("failed to send greeting", "error", err)
		return
	}
	e.requestResponse()
}

func (r *engineReceiver) OnEvent(ev realtime.Event) {
	r.e.handleEvent(ev)
}

func (r *engineReceiver) OnConnectionStatus(connected bool) {
	e := r.e
	e.mu.Lock()
	changed := e.connected != connected
	e.connected = connected
	e.mu.Unlock()
	if !connected {
		e.releaseGate()
	}
	if changed {
		e.events.Connection(connected)
	}
}

func (r *engineReceiver) OnConnectionError(err error) {
	r.e.events.Error(fmt.Sprintf("Connection error: %v", err))
}

func (r *engineReceiver) OnReconnecting(attempt int, delay time.Duration) {
	e := r.e
	e.setState(Reconnecting)
	e.metrics.ReconnectScheduled()
	e.events.Log(fmt.Sprintf("Connection lost. Reconnection attempt %d/%d in %s.", attempt, e.cfg.Connection.MaxReconnectAttempts, delay))
}

func (r *engineReceiver) OnFailed(err error) {
	e := r.e
	e.events.Fatal(fmt.Sprintf("Connection failed: %v", err))
	e.setState(Failed)
	// Done must not fire before the device has stopped: watchers call Stop,
	// which releases the device.
	go func() {
		if err := e.StopRecording(context.Background()); err != nil {
			e.logger.Warn("failed to stop recording after connection failure", "error", err)
		}
		e.finish(Failed)
	}()
}
