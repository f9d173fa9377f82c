package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	audioimpl "github.com/foxseedlab/intervista/external/audio"
	configloader "github.com/foxseedlab/intervista/external/config"
	"github.com/foxseedlab/intervista/external/discord"
	metricsimpl "github.com/foxseedlab/intervista/external/metrics"
	realtimeimpl "github.com/foxseedlab/intervista/external/realtime"
	repositoryimpl "github.com/foxseedlab/intervista/external/repository"
	webhookimpl "github.com/foxseedlab/intervista/external/webhook"
	"github.com/foxseedlab/intervista/internal/config"
	"github.com/foxseedlab/intervista/internal/fanout"
	"github.com/foxseedlab/intervista/internal/session"
	"github.com/foxseedlab/intervista/internal/voicebridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do/v2"
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "audio_source", cfg.AudioSource)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	manager, err := do.Invoke[*session.Manager](injector)
	if err != nil {
		slog.Error("failed to resolve session manager", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := startMetricsServer(cfg, injector)
	if err := manager.CloseOrphans(ctx); err != nil {
		slog.Warn("failed to close orphan sessions", "error", err)
	}
	go manager.RunReaper(ctx)

	switch cfg.AudioSource {
	case config.AudioSourceDiscord:
		err = runDiscord(ctx, injector)
	default:
		err = runConsole(ctx, stop, manager)
	}
	if err != nil {
		slog.Error("assistant stopped with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("session shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	slog.Info("shutdown complete")
	if err != nil {
		os.Exit(1)
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// initLogger writes JSON logs to stderr; stdout is the console transcript.
func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	metricsimpl.RegisterDI(injector)
	repositoryimpl.RegisterDI(injector)
	realtimeimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	session.RegisterDI(injector)
	if cfg.AudioSource == config.AudioSourceDiscord {
		discord.RegisterDI(injector)
		voicebridge.RegisterDI(injector)
	}

	return injector
}

func startMetricsServer(cfg *config.Config, injector do.Injector) *http.Server {
	if cfg.MetricsAddr == "" {
		return nil
	}
	reg, err := do.Invoke[*prometheus.Registry](injector)
	if err != nil {
		slog.Error("failed to resolve metrics registry", "error", err)
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func runDiscord(ctx context.Context, injector do.Injector) error {
	bridge, err := do.Invoke[*voicebridge.Bridge](injector)
	if err != nil {
		return fmt.Errorf("resolve voice bridge: %w", err)
	}
	slog.Info("startup: starting discord voice bridge")
	return bridge.Run(ctx)
}

// runConsole runs one microphone session. Typed lines are sent as questions;
// /pause, /resume and /quit control the session.
func runConsole(ctx context.Context, stop context.CancelFunc, manager *session.Manager) error {
	e, err := manager.StartSession(ctx, session.LocalAudio)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	events, cancelEvents := e.SubscribeWithBacklog(256)
	defer cancelEvents()
	go printEvents(os.Stdout, events)

	fmt.Fprintln(os.Stdout, "Listening. Type a question and press enter; /pause, /resume or /quit.")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				stop()
				return nil
			}
			if quit := handleConsoleLine(ctx, e, strings.TrimSpace(line)); quit {
				return manager.EndSession(context.WithoutCancel(ctx), e.ID(), session.StopReasonUser)
			}
		}
	}
}

func handleConsoleLine(ctx context.Context, e *session.Engine, line string) bool {
	var err error
	switch line {
	case "":
		return false
	case "/quit":
		return true
	case "/pause":
		err = e.StopRecording(ctx)
	case "/resume":
		err = e.StartRecording(ctx)
	default:
		err = e.SendText(line)
	}
	if err != nil {
		fmt.Fprintf(os.Stdout, "! %v\n", err)
	}
	return false
}

func printEvents(w io.Writer, events <-chan fanout.Event) {
	for ev := range events {
		ts := ev.Timestamp.Format("15:04:05")
		switch ev.Kind {
		case fanout.KindTranscription:
			fmt.Fprintf(w, "[%s] Interviewer: %s\n", ts, ev.Text)
		case fanout.KindResponse:
			fmt.Fprintf(w, "[%s] Assistant: %s\n", ts, ev.Text)
		case fanout.KindError:
			fmt.Fprintf(w, "[%s] Error: %s\n", ts, ev.Text)
		case fanout.KindConnection:
			status := "disconnected"
			if ev.Connected {
				status = "connected"
			}
			fmt.Fprintf(w, "[%s] (%s)\n", ts, status)
		case fanout.KindLog:
			fmt.Fprintf(w, "[%s] %s\n", ts, ev.Text)
		}
	}
}
