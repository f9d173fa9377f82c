package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/intervista/internal/audio"
	"github.com/foxseedlab/intervista/internal/config"
	"github.com/foxseedlab/intervista/internal/realtime"
	"github.com/foxseedlab/intervista/internal/realtime/realtimetest"
	"github.com/foxseedlab/intervista/internal/repository"
	"github.com/foxseedlab/intervista/internal/webhook"
)

type mockRepository struct {
	mu         sync.Mutex
	created    []repository.CreateSessionInput
	completed  []repository.CompleteSessionInput
	running    []repository.Session
	createErr  error
	listErr    error
	completeCh chan repository.CompleteSessionInput
}

func newMockRepository() *mockRepository {
	return &mockRepository{completeCh: make(chan repository.CompleteSessionInput, 8)}
}

func (m *mockRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, input)
	return &repository.Session{
		ID:         input.ID,
		Capability: input.Capability,
		StartedAt:  input.StartedAt,
		Status:     repository.SessionStatusRunning,
	}, nil
}

func (m *mockRepository) CompleteSession(_ context.Context, input repository.CompleteSessionInput) error {
	m.mu.Lock()
	m.completed = append(m.completed, input)
	m.mu.Unlock()
	select {
	case m.completeCh <- input:
	default:
	}
	return nil
}

func (m *mockRepository) GetSession(_ context.Context, _ string) (*repository.Session, error) {
	return nil, nil
}

func (m *mockRepository) ListRunningSessions(_ context.Context) ([]repository.Session, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.running, nil
}

type mockWebhookSender struct {
	mu       sync.Mutex
	payloads []webhook.SessionSummaryPayload
}

func (m *mockWebhookSender) SendSessionSummary(_ context.Context, payload webhook.SessionSummaryPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockWebhookSender) sent() []webhook.SessionSummaryPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webhook.SessionSummaryPayload(nil), m.payloads...)
}

func testManagerConfig() *config.Config {
	return &config.Config{
		SampleRate:               24000,
		VADThreshold:             500,
		VADPauseDuration:         700 * time.Millisecond,
		VADMinCommitInterval:     1500 * time.Millisecond,
		VADMinUtteranceBytes:     3200,
		ExternalAudioMinBuffered: 2 * time.Second,
		MaxReconnectAttempts:     3,
		ReconnectBackoffCap:      time.Millisecond,
		ConnectWait:              time.Second,
		ShutdownTimeout:          time.Second,
		SessionIdleTimeout:       time.Minute,
		ReaperInterval:           time.Minute,
		SystemPrompt:             "You are an interview assistant.",
	}
}

func newTestManager(dialer realtime.Dialer, repo *mockRepository, wh *mockWebhookSender, newSource audio.SourceFactory) *Manager {
	m := NewManager(testManagerConfig(), dialer, repo, wh, nil, newSource, nil)
	seq := 0
	m.newID = func() string {
		seq++
		return fmt.Sprintf("session-%d", seq)
	}
	return m
}

func TestManagerStartSession_LocalAudio(t *testing.T) {
	repo := newMockRepository()
	wh := &mockWebhookSender{}
	src := newFakeSource()
	var requested audio.Format
	m := newTestManager(realtimetest.NewDialer(realtimetest.Succeed()), repo, wh, func(f audio.Format) (audio.Source, error) {
		requested = f
		return src, nil
	})

	e, err := m.StartSession(context.Background(), LocalAudio)
	if err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	if e.ID() != "session-1" {
		t.Fatalf("unexpected session id: %s", e.ID())
	}
	if requested.SampleRate != 24000 || requested.Channels != 1 {
		t.Fatalf("unexpected source format: %+v", requested)
	}
	if len(repo.created) != 1 || repo.created[0].Capability != "local_audio" {
		t.Fatalf("unexpected created sessions: %+v", repo.created)
	}
	if got, ok := m.Session("session-1"); !ok || got != e {
		t.Fatal("expected session to be registered")
	}

	if err := m.EndSession(context.Background(), e.ID(), StopReasonUser); err != nil {
		t.Fatalf("EndSession returned error: %v", err)
	}
	if m.Registry().Len() != 0 {
		t.Fatalf("expected registry empty, got %d", m.Registry().Len())
	}
	if len(repo.completed) != 1 {
		t.Fatalf("expected one completed session, got %d", len(repo.completed))
	}
	done := repo.completed[0]
	if done.Status != repository.SessionStatusCompleted || done.StopReason != StopReasonUser {
		t.Fatalf("unexpected completion: %+v", done)
	}
	payloads := wh.sent()
	if len(payloads) != 1 || payloads[0].SessionID != "session-1" || payloads[0].Status != "completed" {
		t.Fatalf("unexpected webhook payloads: %+v", payloads)
	}
	if src.closed != 1 {
		t.Fatalf("expected audio source released, got %d closes", src.closed)
	}

	if err := m.EndSession(context.Background(), e.ID(), StopReasonUser); err != nil {
		t.Fatalf("second EndSession returned error: %v", err)
	}
	if len(wh.sent()) != 1 {
		t.Fatal("expected unknown session end to be ignored")
	}
}

func TestManagerStartSession_SourceFailure(t *testing.T) {
	repo := newMockRepository()
	m := newTestManager(realtimetest.NewDialer(), repo, &mockWebhookSender{}, func(audio.Format) (audio.Source, error) {
		return nil, errors.New("no capture device")
	})

	_, err := m.StartSession(context.Background(), LocalAudio)
	if !realtime.IsKind(err, realtime.KindResource) {
		t.Fatalf("expected resource error, got %v", err)
	}
	if len(repo.created) != 0 {
		t.Fatal("expected no session record on device failure")
	}
}

func TestManagerStartSession_RepositoryFailureReleasesSource(t *testing.T) {
	repo := newMockRepository()
	repo.createErr = errors.New("db down")
	src := newFakeSource()
	m := newTestManager(realtimetest.NewDialer(), repo, &mockWebhookSender{}, func(audio.Format) (audio.Source, error) {
		return src, nil
	})

	if _, err := m.StartSession(context.Background(), LocalAudio); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("expected repository error, got %v", err)
	}
	if src.closed != 1 {
		t.Fatalf("expected source closed, got %d", src.closed)
	}
	if m.Registry().Len() != 0 {
		t.Fatal("expected nothing registered")
	}
}

func TestManagerConnectionFailureFinalizesSession(t *testing.T) {
	repo := newMockRepository()
	wh := &mockWebhookSender{}
	dialer := realtimetest.NewDialer(realtimetest.Succeed())
	m := newTestManager(dialer, repo, wh, nil)

	e, err := m.StartSession(context.Background(), NetworkAudio)
	if err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	dialer.Conn(0).Drop()

	select {
	case done := <-repo.completeCh:
		if done.Status != repository.SessionStatusFailed || done.StopReason != StopReasonConnectionFailed {
			t.Fatalf("unexpected completion: %+v", done)
		}
		if done.ReconnectAttempts != 4 {
			t.Fatalf("expected attempt counter past the limit, got %d", done.ReconnectAttempts)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for failed session to be finalized")
	}
	if _, ok := m.Session(e.ID()); ok {
		t.Fatal("expected failed session to be unregistered")
	}
}

func TestManagerReapInactive(t *testing.T) {
	repo := newMockRepository()
	m := newTestManager(realtimetest.NewDialer(realtimetest.Succeed()), repo, &mockWebhookSender{}, nil)

	e, err := m.StartSession(context.Background(), NetworkAudio)
	if err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	if ids := m.ReapInactive(context.Background()); len(ids) != 0 {
		t.Fatalf("expected fresh session to survive, got %v", ids)
	}

	m.now = func() time.Time { return e.LastActivity().Add(2 * time.Minute) }
	ids := m.ReapInactive(context.Background())
	if len(ids) != 1 || ids[0] != e.ID() {
		t.Fatalf("unexpected reaped ids: %v", ids)
	}
	if repo.completed[0].StopReason != StopReasonInactive {
		t.Fatalf("unexpected stop reason: %s", repo.completed[0].StopReason)
	}
}

func TestManagerCloseOrphans(t *testing.T) {
	repo := newMockRepository()
	repo.running = []repository.Session{
		{ID: "old-1", Status: repository.SessionStatusRunning, ReconnectAttempts: 2},
		{ID: "old-2", Status: repository.SessionStatusRunning},
	}
	m := newTestManager(realtimetest.NewDialer(), repo, &mockWebhookSender{}, nil)

	if err := m.CloseOrphans(context.Background()); err != nil {
		t.Fatalf("CloseOrphans returned error: %v", err)
	}
	if len(repo.completed) != 2 {
		t.Fatalf("expected two orphans closed, got %d", len(repo.completed))
	}
	for _, c := range repo.completed {
		if c.Status != repository.SessionStatusFailed || c.StopReason != StopReasonOrphaned {
			t.Fatalf("unexpected orphan completion: %+v", c)
		}
	}
	if repo.completed[0].ReconnectAttempts != 2 {
		t.Fatalf("expected reconnect attempts carried over, got %d", repo.completed[0].ReconnectAttempts)
	}

	repo.listErr = errors.New("db down")
	if err := m.CloseOrphans(context.Background()); err == nil {
		t.Fatal("expected list error to surface")
	}
}

func TestManagerShutdown(t *testing.T) {
	repo := newMockRepository()
	wh := &mockWebhookSender{}
	m := newTestManager(realtimetest.NewDialer(realtimetest.Succeed(), realtimetest.Succeed()), repo, wh, nil)

	for i := 0; i < 2; i++ {
		if _, err := m.StartSession(context.Background(), NetworkAudio); err != nil {
			t.Fatalf("StartSession returned error: %v", err)
		}
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if m.Registry().Len() != 0 {
		t.Fatalf("expected all sessions ended, got %d", m.Registry().Len())
	}
	payloads := wh.sent()
	if len(payloads) != 2 {
		t.Fatalf("expected two summaries, got %d", len(payloads))
	}
	for _, p := range payloads {
		if p.StopReason != StopReasonShutdown {
			t.Fatalf("unexpected stop reason: %s", p.StopReason)
		}
	}
}

func TestFormatSummary(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	got := FormatSummary(webhook.SessionSummaryPayload{
		StartedAt:      start,
		EndedAt:        start.Add(time.Hour + 2*time.Minute + 5*time.Second),
		Transcriptions: 3,
		Responses:      2,
		StopReason:     StopReasonInactive,
	})
	if !strings.Contains(got, "01:02:05") {
		t.Fatalf("expected elapsed time in summary: %s", got)
	}
	if !strings.Contains(got, "3 transcriptions, 2 responses, 0 errors") {
		t.Fatalf("expected counts in summary: %s", got)
	}
	if !strings.Contains(got, StopReasonDetail(StopReasonInactive)) {
		t.Fatalf("expected reason detail in summary: %s", got)
	}
}

func TestStopReasonNeedsRestart(t *testing.T) {
	if !StopReasonNeedsRestart(StopReasonConnectionFailed) {
		t.Fatal("expected connection failure to need restart")
	}
	if StopReasonNeedsRestart(StopReasonUser) {
		t.Fatal("expected user stop not to need restart")
	}
}
