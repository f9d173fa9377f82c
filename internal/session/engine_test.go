package session

import (
	"context"
	"encoding/binary"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/intervista/internal/audio"
	"github.com/foxseedlab/intervista/internal/fanout"
	"github.com/foxseedlab/intervista/internal/realtime"
	"github.com/foxseedlab/intervista/internal/realtime/realtimetest"
	"github.com/foxseedlab/intervista/internal/utterance"
)

type fakeSource struct {
	mu       sync.Mutex
	format   audio.Format
	onFrame  func([]byte)
	started  int
	stopped  int
	closed   int
	startErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{format: audio.DefaultFormat}
}

func (s *fakeSource) Format() audio.Format { return s.format }

func (s *fakeSource) Start(onFrame func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started++
	s.onFrame = onFrame
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	s.onFrame = nil
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSource) emit(frame []byte) {
	s.mu.Lock()
	f := s.onFrame
	s.mu.Unlock()
	if f != nil {
		f(frame)
	}
}

func loudFrame(samples int) []byte {
	b := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(2000)
		if i%2 == 1 {
			v = -2000
		}
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

func silentFrame(samples int) []byte {
	return make([]byte, samples*2)
}

func testEngineConfig(capability Capability) EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.Capability = capability
	cfg.Segmenter = utterance.SegmenterConfig{Threshold: 500, MinBytes: 100}
	cfg.MinBufferedAudio = 100 * time.Millisecond
	cfg.Connection.SystemPrompt = "You are an interview assistant."
	cfg.Connection.BackoffCap = time.Millisecond
	cfg.Connection.CloseTimeout = time.Second
	cfg.ConnectWait = time.Second
	return cfg
}

func newTestEngine(t *testing.T, cfg EngineConfig, dialer *realtimetest.Dialer, src audio.Source) *Engine {
	t.Helper()
	e, err := NewEngine("session-1", cfg, EngineDeps{Dialer: dialer, Source: src})
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Stop(context.Background())
	})
	return e
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countType(types []string, typ string) int {
	n := 0
	for _, v := range types {
		if v == typ {
			n++
		}
	}
	return n
}

func drainTexts(e *Engine, k fanout.Kind) []string {
	var out []string
	for _, ev := range e.Drain(k) {
		out = append(out, ev.Text)
	}
	return out
}

func TestEngineStart_HandshakeThenGreeting(t *testing.T) {
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	e := newTestEngine(t, testEngineConfig(LocalAudio), dialer, newFakeSource())

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	conn := dialer.Conn(0)
	waitUntil(t, "greeting response request", func() bool { return len(conn.Types()) == 4 })

	want := []string{"session.update", "conversation.item.create", "conversation.item.create", "response.create"}
	if got := conn.Types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected outbound order: got=%v want=%v", got, want)
	}
	if e.State() != Active {
		t.Fatalf("expected active state, got %s", e.State())
	}
	if !e.Recording() {
		t.Fatal("expected local session to be recording after Start")
	}
	if !e.ResponsePending() {
		t.Fatal("expected greeting response to be pending")
	}
}

func TestEngineStart_Idempotent(t *testing.T) {
	dialer := realtimetest.NewDialer(realtimetest.Succeed(), realtimetest.Succeed())
	src := newFakeSource()
	e := newTestEngine(t, testEngineConfig(LocalAudio), dialer, src)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
	if dialer.Dials() != 1 {
		t.Fatalf("expected one dial, got %d", dialer.Dials())
	}
	src.mu.Lock()
	started := src.started
	src.mu.Unlock()
	if started != 1 {
		t.Fatalf("expected source started once, got %d", started)
	}
}

func TestEngineSubscribeWithBacklog_SeesStartEvents(t *testing.T) {
	cfg := testEngineConfig(NetworkAudio)
	cfg.GreetingPrompt = ""
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	e := newTestEngine(t, cfg, dialer, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	events, cancel := e.SubscribeWithBacklog(8)
	defer cancel()
	select {
	case ev := <-events:
		if ev.Kind != fanout.KindConnection || !ev.Connected {
			t.Fatalf("expected initial connected event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for backlog")
	}
}

func TestEngineStop_NeverStartedIsNoop(t *testing.T) {
	dialer := realtimetest.NewDialer()
	e := newTestEngine(t, testEngineConfig(NetworkAudio), dialer, nil)

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if dialer.Dials() != 0 {
		t.Fatalf("expected no dial, got %d", dialer.Dials())
	}
	if e.State() != Idle {
		t.Fatalf("expected idle state, got %s", e.State())
	}
}

func TestEngineSendText_NotConnected(t *testing.T) {
	e := newTestEngine(t, testEngineConfig(NetworkAudio), realtimetest.NewDialer(), nil)

	if err := e.SendText("What should I ask next?"); !errors.Is(err, realtime.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := e.SendText("   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestEngineSendText_PacingSuppressesUntilDone(t *testing.T) {
	cfg := testEngineConfig(NetworkAudio)
	cfg.GreetingPrompt = ""
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	e := newTestEngine(t, cfg, dialer, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	conn := dialer.Conn(0)

	if err := e.SendText("first question"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if err := e.SendText("second question"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if got := countType(conn.Types(), "response.create"); got != 1 {
		t.Fatalf("expected one response request while pending, got %d", got)
	}

	conn.Push(`{"type":"response.text.delta","delta":"Hel"}`)
	conn.Push(`{"type":"response.text.delta","delta":"lo"}`)
	conn.Push(`{"type":"response.text.done","text":""}`)
	waitUntil(t, "gate release", func() bool { return !e.ResponsePending() })

	if got := drainTexts(e, fanout.KindResponse); !reflect.DeepEqual(got, []string{"Hello"}) {
		t.Fatalf("unexpected responses: %v", got)
	}
	if err := e.SendText("third question"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if got := countType(conn.Types(), "response.create"); got != 2 {
		t.Fatalf("expected second response request after release, got %d", got)
	}
}

func TestEngineEvents_TranscriptionAndErrors(t *testing.T) {
	cfg := testEngineConfig(NetworkAudio)
	cfg.GreetingPrompt = ""
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	e := newTestEngine(t, cfg, dialer, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	conn := dialer.Conn(0)

	conn.Push(`{"type":"response.audio_transcript.delta","delta":"Tell me "}`)
	conn.Push(`{"type":"response.audio_transcript.delta","delta":"about yourself"}`)
	conn.Push(`{"type":"response.audio_transcript.done","transcript":""}`)
	conn.Push(`{"type":"error","error":{"message":"Error committing input audio buffer: buffer too small","type":"invalid_request_error"}}`)
	conn.Push(`{"type":"error","error":{"message":"Invalid API key","code":"invalid_api_key","type":"invalid_request_error"}}`)
	waitUntil(t, "error event", func() bool { return e.Events().Counts()[fanout.KindError] == 1 })

	if got := drainTexts(e, fanout.KindTranscription); !reflect.DeepEqual(got, []string{"Tell me about yourself"}) {
		t.Fatalf("unexpected transcriptions: %v", got)
	}
	if got := drainTexts(e, fanout.KindError); !reflect.DeepEqual(got, []string{"API Error: Invalid API key"}) {
		t.Fatalf("unexpected errors: %v", got)
	}
	logs := drainTexts(e, fanout.KindLog)
	found := false
	for _, l := range logs {
		if l == "Error committing input audio buffer: buffer too small" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected benign error to be logged, got %v", logs)
	}
}

func startLocalCapture(t *testing.T) (*Engine, *fakeSource, *realtimetest.Conn) {
	t.Helper()
	cfg := testEngineConfig(LocalAudio)
	cfg.GreetingPrompt = ""
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	src := newFakeSource()
	e := newTestEngine(t, cfg, dialer, src)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	conn := dialer.Conn(0)

	src.emit(loudFrame(audio.FrameSamples))
	src.emit(silentFrame(audio.FrameSamples))
	src.emit(silentFrame(audio.FrameSamples))
	waitUntil(t, "utterance response request", func() bool {
		return countType(conn.Types(), "response.create") == 1
	})
	return e, src, conn
}

func TestEngineLocalCapture_FlushesOnPauseAndStop(t *testing.T) {
	e, src, conn := startLocalCapture(t)

	want := []string{
		"session.update",
		"conversation.item.create",
		"conversation.item.create",
		"input_audio_buffer.commit",
		"response.create",
	}
	if got := conn.Types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected writes after pause flush: %v", got)
	}

	conn.Push(`{"type":"response.done"}`)
	waitUntil(t, "gate release", func() bool { return !e.ResponsePending() })

	src.emit(loudFrame(900))
	waitUntil(t, "speaking tail buffered", func() bool { return e.chunker.Buffered() == 1800 && e.Speaking() })
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	got := conn.Types()
	if len(got) != len(want)+3 {
		t.Fatalf("expected forced flush on stop, got %v", got)
	}
	wantTail := []string{"conversation.item.create", "input_audio_buffer.commit", "response.create"}
	if tail := got[len(want):]; !reflect.DeepEqual(tail, wantTail) {
		t.Fatalf("expected item, commit then response request on stop, got %v", tail)
	}
	if e.State() != Stopped {
		t.Fatalf("expected stopped state, got %s", e.State())
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.stopped != 1 || src.closed != 1 {
		t.Fatalf("expected source stopped and closed once, got stop=%d close=%d", src.stopped, src.closed)
	}
	select {
	case <-e.Done():
	default:
		t.Fatal("expected Done to be closed after Stop")
	}
}

func TestEngineLocalCapture_StopWhileResponsePending(t *testing.T) {
	e, src, conn := startLocalCapture(t)
	if !e.ResponsePending() {
		t.Fatal("expected response pending after the first utterance")
	}

	src.emit(loudFrame(900))
	waitUntil(t, "speaking tail buffered", func() bool { return e.chunker.Buffered() == 1800 && e.Speaking() })
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	types := conn.Types()
	if got := countType(types, "input_audio_buffer.commit"); got != 2 {
		t.Fatalf("expected final forced commit on stop, got %d commits", got)
	}
	if got := countType(types, "response.create"); got != 1 {
		t.Fatalf("expected no second response request while one is pending, got %d", got)
	}
	if last := types[len(types)-1]; last != "input_audio_buffer.commit" {
		t.Fatalf("expected commit as the last write, got %v", types)
	}
}

// slowStopSource takes a while to stop, like a real capture device draining
// its callback.
type slowStopSource struct {
	*fakeSource
	delay time.Duration

	lifeMu       sync.Mutex
	stopping     bool
	closedInStop bool
}

func (s *slowStopSource) Stop() error {
	s.lifeMu.Lock()
	s.stopping = true
	s.lifeMu.Unlock()
	time.Sleep(s.delay)
	err := s.fakeSource.Stop()
	s.lifeMu.Lock()
	s.stopping = false
	s.lifeMu.Unlock()
	return err
}

func (s *slowStopSource) Close() error {
	s.lifeMu.Lock()
	if s.stopping {
		s.closedInStop = true
	}
	s.lifeMu.Unlock()
	return s.fakeSource.Close()
}

func TestEngineConnectionFailure_StopsDeviceBeforeDone(t *testing.T) {
	cfg := testEngineConfig(LocalAudio)
	cfg.GreetingPrompt = ""
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	src := &slowStopSource{fakeSource: newFakeSource(), delay: 100 * time.Millisecond}
	e := newTestEngine(t, cfg, dialer, src)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	dialer.Conn(0).Drop()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session failure")
	}
	src.mu.Lock()
	stopped := src.stopped
	src.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("expected device stopped before Done, got stop=%d", stopped)
	}
	if e.Recording() {
		t.Fatal("expected recording off after connection failure")
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	src.lifeMu.Lock()
	defer src.lifeMu.Unlock()
	if src.closedInStop {
		t.Fatal("device released while it was still stopping")
	}
	if e.State() != Failed {
		t.Fatalf("expected failed state kept, got %s", e.State())
	}
}

func TestEngineStop_WaitsForInFlightStopRecording(t *testing.T) {
	cfg := testEngineConfig(LocalAudio)
	cfg.GreetingPrompt = ""
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	src := &slowStopSource{fakeSource: newFakeSource(), delay: 100 * time.Millisecond}
	e := newTestEngine(t, cfg, dialer, src)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	go func() { _ = e.StopRecording(context.Background()) }()
	waitUntil(t, "stop in progress", func() bool {
		src.lifeMu.Lock()
		defer src.lifeMu.Unlock()
		return src.stopping
	})
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	src.lifeMu.Lock()
	defer src.lifeMu.Unlock()
	if src.closedInStop {
		t.Fatal("device released while it was still stopping")
	}
}

func TestEngineAddAudio(t *testing.T) {
	cfg := testEngineConfig(NetworkAudio)
	cfg.GreetingPrompt = ""
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	e := newTestEngine(t, cfg, dialer, nil)

	if err := e.AddAudio(make([]byte, 10)); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording before start, got %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	conn := dialer.Conn(0)

	if err := e.AddAudio(make([]byte, 3)); !errors.Is(err, audio.ErrOddLength) {
		t.Fatalf("expected ErrOddLength, got %v", err)
	}
	// 100ms at 24kHz mono is 4800 bytes.
	if err := e.AddAudio(make([]byte, 2400)); err != nil {
		t.Fatalf("AddAudio returned error: %v", err)
	}
	if got := countType(conn.Types(), "input_audio_buffer.commit"); got != 0 {
		t.Fatalf("expected no commit below the buffered minimum, got %d", got)
	}
	if err := e.AddAudio(make([]byte, 2400)); err != nil {
		t.Fatalf("AddAudio returned error: %v", err)
	}
	if got := countType(conn.Types(), "input_audio_buffer.commit"); got != 1 {
		t.Fatalf("expected one commit once enough audio is buffered, got %d", got)
	}

	local := newTestEngine(t, testEngineConfig(LocalAudio), realtimetest.NewDialer(), newFakeSource())
	if err := local.AddAudio(make([]byte, 4)); !errors.Is(err, ErrNotNetworkAudio) {
		t.Fatalf("expected ErrNotNetworkAudio, got %v", err)
	}
}

func TestEngineAddAudio_HeldWhileResponsePending(t *testing.T) {
	cfg := testEngineConfig(NetworkAudio)
	cfg.GreetingPrompt = ""
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	e := newTestEngine(t, cfg, dialer, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	conn := dialer.Conn(0)

	if err := e.SendText("warm up"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if err := e.AddAudio(make([]byte, 4800)); err != nil {
		t.Fatalf("AddAudio returned error: %v", err)
	}
	if got := countType(conn.Types(), "input_audio_buffer.commit"); got != 0 {
		t.Fatalf("expected audio held while response pending, got %d commits", got)
	}

	conn.Push(`{"type":"response.done"}`)
	waitUntil(t, "gate release", func() bool { return !e.ResponsePending() })
	if err := e.AddAudio(make([]byte, 2)); err != nil {
		t.Fatalf("AddAudio returned error: %v", err)
	}
	if got := countType(conn.Types(), "input_audio_buffer.commit"); got != 1 {
		t.Fatalf("expected held audio flushed after release, got %d commits", got)
	}
}

func TestEngineReconnect_NoGreetingResend(t *testing.T) {
	dialer := realtimetest.NewDialer(realtimetest.Succeed(), realtimetest.Succeed())
	e := newTestEngine(t, testEngineConfig(NetworkAudio), dialer, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	first := dialer.Conn(0)
	waitUntil(t, "greeting", func() bool { return countType(first.Types(), "response.create") == 1 })
	if !e.ResponsePending() {
		t.Fatal("expected greeting response pending")
	}

	first.Drop()
	waitUntil(t, "second connection", func() bool { return dialer.Conn(1) != nil && e.Connected() })
	second := dialer.Conn(1)
	waitUntil(t, "active after reconnect", func() bool { return e.State() == Active })

	want := []string{"session.update", "conversation.item.create"}
	if got := second.Types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected handshake only on reconnect, got %v", got)
	}
	if e.ResponsePending() {
		t.Fatal("expected pacing gate cleared by disconnect")
	}
	if e.ReconnectAttempts() != 1 {
		t.Fatalf("expected one reconnect attempt, got %d", e.ReconnectAttempts())
	}

	var statuses []bool
	for _, ev := range e.Drain(fanout.KindConnection) {
		statuses = append(statuses, ev.Connected)
	}
	if !reflect.DeepEqual(statuses, []bool{true, false, true}) {
		t.Fatalf("unexpected connection events: %v", statuses)
	}
}

func TestEngineReconnect_ExhaustedFails(t *testing.T) {
	cfg := testEngineConfig(NetworkAudio)
	cfg.GreetingPrompt = ""
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	e := newTestEngine(t, cfg, dialer, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	dialer.Conn(0).Drop()
	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session failure")
	}
	if e.State() != Failed {
		t.Fatalf("expected failed state, got %s", e.State())
	}
	if dialer.Dials() != 4 {
		t.Fatalf("expected initial dial plus three retries, got %d", dialer.Dials())
	}
	var fatal int
	for _, ev := range e.Drain(fanout.KindError) {
		if ev.Fatal {
			fatal++
		}
	}
	if fatal != 1 {
		t.Fatalf("expected one fatal error event, got %d", fatal)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on restart, got %v", err)
	}
}
