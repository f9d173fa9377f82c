package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/intervista/internal/realtime"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	Session              realtime.SessionConfig
	SystemPrompt         string
	MaxReconnectAttempts int
	BackoffCap           time.Duration
	CloseTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Session:              realtime.DefaultSessionConfig(),
		MaxReconnectAttempts: 3,
		BackoffCap:           10 * time.Second,
		CloseTimeout:         2 * time.Second,
	}
}

// Receiver is notified from the receive worker. Calls for one Manager never
// overlap.
type Receiver interface {
	OnOpen(initial bool)
	OnEvent(ev realtime.Event)
	OnConnectionStatus(connected bool)
	OnConnectionError(err error)
	OnReconnecting(attempt int, delay time.Duration)
	OnFailed(err error)
}

// Backoff returns min(2^attempt, cap) seconds.
func Backoff(attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cap
	}
	d := time.Second << attempt
	if d > cap {
		return cap
	}
	return d
}

// Manager owns one provider socket and re-dials it after unexpected closes.
type Manager struct {
	dialer   realtime.Dialer
	cfg      Config
	receiver Receiver
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	// mu may be shared with other per-session state; it is never held across
	// I/O or receiver callbacks.
	mu       sync.Locker
	state    State
	conn     realtime.Conn
	running  bool
	attempts int
	opened   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	writeMu sync.Mutex
}

func NewManager(dialer realtime.Dialer, cfg Config, receiver Receiver, logger *slog.Logger) *Manager {
	return NewManagerWithLock(dialer, cfg, receiver, logger, new(sync.Mutex))
}

// NewManagerWithLock guards connection state and reconnect counters with mu.
func NewManagerWithLock(dialer realtime.Dialer, cfg Config, receiver Receiver, logger *slog.Logger, mu sync.Locker) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:   dialer,
		cfg:      cfg,
		receiver: receiver,
		logger:   logger,
		sleep:    sleepContext,
		mu:       mu,
		opened:   make(chan struct{}),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open starts the receive worker, which dials and keeps the socket alive
// until Close. It does not wait for the socket; see WaitOpen.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if m.state == Failed {
		return &realtime.Error{Kind: realtime.KindState, Op: "open", Err: errors.New("connection has permanently failed")}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running = true
	m.state = Connecting
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.done)
	return nil
}

// WaitOpen blocks until the socket is open, the timeout elapses or ctx ends.
func (m *Manager) WaitOpen(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	if m.state == Open {
		m.mu.Unlock()
		return true
	}
	opened := m.opened
	m.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-opened:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) Send(msg realtime.OutboundMessage) error {
	data, err := realtime.Encode(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != Open || conn == nil {
		return realtime.ErrNotConnected
	}
	return m.write(conn, data)
}

func (m *Manager) write(conn realtime.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		return &realtime.Error{Kind: realtime.KindConnection, Op: "write", Err: err}
	}
	return nil
}

// Close stops reconnection, closes the socket and waits a bounded time for
// the receive worker to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.state = Closing
	conn, cancel, done := m.conn, m.cancel, m.done
	m.mu.Unlock()

	cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	select {
	case <-done:
	case <-time.After(m.cfg.CloseTimeout):
		m.logger.Warn("realtime receive worker did not exit in time", "timeout", m.cfg.CloseTimeout)
	}
	return err
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool {
	return m.State() == Open
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	initial := true
	for {
		opened, err := m.serve(ctx, initial)
		if opened {
			initial = false
		}
		if !m.afterClose(ctx, err) {
			return
		}
	}
}

// serve dials, performs the handshake and reads until the socket fails.
func (m *Manager) serve(ctx context.Context, initial bool) (bool, error) {
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return false, &realtime.Error{Kind: realtime.KindConnection, Op: "dial", Err: err}
	}
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		_ = conn.Close()
		return false, nil
	}
	m.conn = conn
	m.mu.Unlock()

	if err := m.handshake(conn); err != nil {
		_ = conn.Close()
		return false, err
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return false, nil
	}
	m.state = Open
	close(m.opened)
	attempts := m.attempts
	m.mu.Unlock()

	m.logger.Info("realtime connection opened", "initial", initial, "reconnect_attempts", attempts)
	m.receiver.OnConnectionStatus(true)
	m.receiver.OnOpen(initial)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return true, &realtime.Error{Kind: realtime.KindConnection, Op: "read", Err: err}
		}
		ev, err := realtime.DecodeEvent(data)
		if err != nil {
			m.logger.Warn("dropping undecodable realtime event", "error", err)
			continue
		}
		m.receiver.OnEvent(ev)
	}
}

func (m *Manager) handshake(conn realtime.Conn) error {
	msgs := []realtime.OutboundMessage{m.cfg.Session}
	if m.cfg.SystemPrompt != "" {
		msgs = append(msgs, realtime.SystemPrompt{Text: m.cfg.SystemPrompt})
	}
	for _, msg := range msgs {
		data, err := realtime.Encode(msg)
		if err != nil {
			return err
		}
		if err := m.write(conn, data); err != nil {
			return err
		}
	}
	return nil
}

// afterClose reports whether the worker should dial again.
func (m *Manager) afterClose(ctx context.Context, cause error) bool {
	m.mu.Lock()
	wasOpen := false
	select {
	case <-m.opened:
		wasOpen = true
		m.opened = make(chan struct{})
	default:
	}
	m.conn = nil
	if !m.running {
		m.state = Disconnected
		m.mu.Unlock()
		if wasOpen {
			m.receiver.OnConnectionStatus(false)
		}
		m.logger.Info("realtime connection closed")
		return false
	}
	m.attempts++
	attempt := m.attempts
	exhausted := attempt > m.cfg.MaxReconnectAttempts
	if exhausted {
		m.state = Failed
		m.running = false
	} else {
		m.state = Reconnecting
	}
	m.mu.Unlock()

	if cause != nil {
		m.logger.Warn("realtime connection lost", "error", cause)
		m.receiver.OnConnectionError(cause)
	}
	m.receiver.OnConnectionStatus(false)

	if exhausted {
		if cause == nil {
			cause = realtime.ErrClosed
		}
		err := fmt.Errorf("gave up after %d reconnect attempts: %w", m.cfg.MaxReconnectAttempts, cause)
		m.logger.Error("realtime connection failed", "error", err)
		m.receiver.OnFailed(err)
		return false
	}

	delay := Backoff(attempt, m.cfg.BackoffCap)
	m.logger.Info("realtime reconnect scheduled", "attempt", attempt, "max_attempts", m.cfg.MaxReconnectAttempts, "delay", delay)
	m.receiver.OnReconnecting(attempt, delay)
	if err := m.sleep(ctx, delay); err != nil {
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		m.state = Disconnected
		return false
	}
	m.state = Connecting
	return true
}
