package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxseedlab/intervista/internal/audio"
	"github.com/foxseedlab/intervista/internal/config"
	"github.com/foxseedlab/intervista/internal/connection"
	"github.com/foxseedlab/intervista/internal/metrics"
	"github.com/foxseedlab/intervista/internal/realtime"
	"github.com/foxseedlab/intervista/internal/repository"
	"github.com/foxseedlab/intervista/internal/utterance"
	"github.com/foxseedlab/intervista/internal/webhook"
	"github.com/google/uuid"
)

const finalizeTimeout = 10 * time.Second

// Manager creates, tracks and finalizes sessions.
type Manager struct {
	cfg       *config.Config
	dialer    realtime.Dialer
	repo      repository.Repository
	webhook   webhook.Sender
	metrics   metrics.Recorder
	newSource audio.SourceFactory
	registry  *Registry
	now       func() time.Time
	newID     func() string
}

func NewManager(cfg *config.Config, dialer realtime.Dialer, repo repository.Repository, wh webhook.Sender, rec metrics.Recorder, newSource audio.SourceFactory, registry *Registry) *Manager {
	if rec == nil {
		rec = metrics.Nop{}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		repo:      repo,
		webhook:   wh,
		metrics:   rec,
		newSource: newSource,
		registry:  registry,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

func (m *Manager) Session(id string) (*Engine, bool) {
	return m.registry.Get(id)
}

func (m *Manager) engineConfig(capability Capability) EngineConfig {
	ec := DefaultEngineConfig()
	ec.Capability = capability
	ec.Format = audio.Format{SampleRate: m.cfg.SampleRate, Channels: 1}
	ec.Segmenter = utterance.SegmenterConfig{
		Threshold:         m.cfg.VADThreshold,
		PauseDuration:     m.cfg.VADPauseDuration,
		MinCommitInterval: m.cfg.VADMinCommitInterval,
		MinBytes:          m.cfg.VADMinUtteranceBytes,
	}
	ec.MinBufferedAudio = m.cfg.ExternalAudioMinBuffered
	ec.GreetingPrompt = m.cfg.GreetingPrompt
	ec.ConnectWait = m.cfg.ConnectWait
	ec.Connection = connection.Config{
		Session:              realtime.DefaultSessionConfig(),
		SystemPrompt:         m.cfg.SystemPrompt,
		MaxReconnectAttempts: m.cfg.MaxReconnectAttempts,
		BackoffCap:           m.cfg.ReconnectBackoffCap,
		CloseTimeout:         m.cfg.ShutdownTimeout,
	}
	if m.cfg.TranscriptionModel != "" {
		ec.Connection.Session.TranscriptionModel = m.cfg.TranscriptionModel
	}
	return ec
}

// StartSession builds a new engine, records it and starts it.
func (m *Manager) StartSession(ctx context.Context, capability Capability) (*Engine, error) {
	id := m.newID()
	ec := m.engineConfig(capability)
	slog.Info("start session requested", "session_id", id, "capability", capability.String())

	var src audio.Source
	if capability == LocalAudio {
		if m.newSource == nil {
			return nil, &realtime.Error{Kind: realtime.KindResource, Op: "open audio device", Err: errors.New("no audio source configured")}
		}
		var err error
		src, err = m.newSource(ec.Format)
		if err != nil {
			slog.Error("failed to open audio source", "error", err, "session_id", id)
			return nil, &realtime.Error{Kind: realtime.KindResource, Op: "open audio device", Err: err}
		}
	}
	releaseSource := func() {
		if src != nil {
			_ = src.Close()
		}
	}

	e, err := NewEngine(id, ec, EngineDeps{
		Dialer:  m.dialer,
		Source:  src,
		Metrics: m.metrics,
		Logger:  slog.Default(),
	})
	if err != nil {
		releaseSource()
		return nil, err
	}

	if _, err := m.repo.CreateSession(ctx, repository.CreateSessionInput{
		ID:         id,
		Capability: capability.String(),
		StartedAt:  m.now(),
	}); err != nil {
		releaseSource()
		slog.Error("failed to create session in repository", "error", err, "session_id", id)
		return nil, fmt.Errorf("record session: %w", err)
	}
	if err := m.registry.Add(e); err != nil {
		releaseSource()
		return nil, err
	}

	if err := e.Start(ctx); err != nil {
		slog.Error("failed to start session", "error", err, "session_id", id)
		_ = m.EndSession(ctx, id, StopReasonStartFailed)
		return nil, err
	}
	go m.watch(e)
	slog.Info("session activated", "session_id", id, "active_sessions", m.registry.Len())
	return e, nil
}

// watch finalizes sessions whose connection failed permanently.
func (m *Manager) watch(e *Engine) {
	<-e.Done()
	if e.State() != Failed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := m.EndSession(ctx, e.ID(), StopReasonConnectionFailed); err != nil {
		slog.Warn("failed to end failed session cleanly", "error", err, "session_id", e.ID())
	}
}

// EndSession stops and finalizes a session. Unknown ids are ignored.
func (m *Manager) EndSession(ctx context.Context, id, reason string) error {
	e, ok := m.registry.Remove(id)
	if !ok {
		return nil
	}
	slog.Info("stopping session", "session_id", id, "reason", reason)
	stopErr := e.Stop(ctx)
	m.finalizeSession(ctx, e, reason)
	return stopErr
}

func (m *Manager) finalizeSession(ctx context.Context, e *Engine, reason string) {
	summary := buildSessionSummary(e, reason, m.now())
	if err := m.repo.CompleteSession(ctx, repository.CompleteSessionInput{
		SessionID:         summary.SessionID,
		EndedAt:           summary.EndedAt,
		Status:            repository.SessionStatus(summary.Status),
		StopReason:        reason,
		ReconnectAttempts: summary.ReconnectAttempts,
	}); err != nil {
		slog.Error("failed to complete session", "error", err, "session_id", summary.SessionID)
	}
	if err := m.webhook.SendSessionSummary(ctx, summary); err != nil {
		slog.Error("failed to send session summary webhook", "error", err, "session_id", summary.SessionID)
	}
	m.metrics.SessionEnded(summary.Capability, summary.Status, time.Duration(summary.DurationSeconds)*time.Second)
	slog.Info("session finalized", "session_id", summary.SessionID, "status", summary.Status, "reason", reason, "duration", formatElapsedHMS(summary.EndedAt.Sub(summary.StartedAt)))
}

// ReapInactive ends sessions idle for longer than the configured timeout and
// returns their ids.
func (m *Manager) ReapInactive(ctx context.Context) []string {
	var reaped []string
	for _, e := range m.registry.Inactive(m.now(), m.cfg.SessionIdleTimeout) {
		if err := m.EndSession(ctx, e.ID(), StopReasonInactive); err != nil {
			slog.Warn("failed to stop inactive session", "error", err, "session_id", e.ID())
		}
		reaped = append(reaped, e.ID())
	}
	return reaped
}

func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := m.ReapInactive(ctx); len(ids) > 0 {
				slog.Info("reaped inactive sessions", "session_ids", ids)
			}
		}
	}
}

// CloseOrphans marks sessions left running by a previous process as failed.
func (m *Manager) CloseOrphans(ctx context.Context) error {
	orphans, err := m.repo.ListRunningSessions(ctx)
	if err != nil {
		return fmt.Errorf("list running sessions: %w", err)
	}
	for _, s := range orphans {
		if _, live := m.registry.Get(s.ID); live {
			continue
		}
		slog.Warn("found orphan running session in repository; closing", "session_id", s.ID)
		if err := m.repo.CompleteSession(ctx, repository.CompleteSessionInput{
			SessionID:         s.ID,
			EndedAt:           m.now(),
			Status:            repository.SessionStatusFailed,
			StopReason:        StopReasonOrphaned,
			ReconnectAttempts: s.ReconnectAttempts,
		}); err != nil {
			return fmt.Errorf("complete orphan session %s: %w", s.ID, err)
		}
	}
	return nil
}

// Shutdown ends every live session.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, e := range m.registry.List() {
		if err := m.EndSession(ctx, e.ID(), StopReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
