// Package app wires all moodwire subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and websocket traffic until its context ends,
// and Shutdown ends every session, flushes pending reports and closes the
// store.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/moodwire/internal/config"
	"github.com/MrWong99/moodwire/internal/content"
	"github.com/MrWong99/moodwire/internal/cycle"
	"github.com/MrWong99/moodwire/internal/fusion"
	"github.com/MrWong99/moodwire/internal/health"
	"github.com/MrWong99/moodwire/internal/observe"
	"github.com/MrWong99/moodwire/internal/resilience"
	"github.com/MrWong99/moodwire/internal/router"
	"github.com/MrWong99/moodwire/internal/session"
	"github.com/MrWong99/moodwire/internal/store"
	"github.com/MrWong99/moodwire/internal/store/filestore"
	"github.com/MrWong99/moodwire/internal/store/memstore"
	"github.com/MrWong99/moodwire/internal/store/postgres"
	"github.com/MrWong99/moodwire/pkg/provider/classifier"
	"github.com/MrWong99/moodwire/pkg/provider/vad"
)

const (
	readHeaderTimeout = 10 * time.Second
	drainTimeout      = 10 * time.Second
)

// Providers holds the backend implementations. Populated by main.go via the
// config registry.
type Providers struct {
	// Classifier backs the expression cycle. Required.
	Classifier classifier.Provider

	// VAD classifies raw audio chunks. Nil rejects audio_chunk messages.
	VAD vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	store     store.Store
	guard     *store.Guard
	reporter  *store.Reporter
	sessions  *session.Registry
	router    *router.Router
	health    *health.Handler
	metrics   *observe.Metrics
	telemetry *observe.Telemetry
	watcher   *config.Watcher
	level     *slog.LevelVar
	server    *http.Server

	// cycles bounds every analysis cycle started by the router.
	cycles       context.Context
	cancelCycles context.CancelFunc

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a report store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records on m instead of the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry serves t's Prometheus exposition on /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithWatcher runs w alongside the server. Its callback should call
// [App.Reload].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLevel lets [App.Reload] change the log level of the handler behind lv.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Only the store
// connection uses ctx; the analysis cycles live until [App.Shutdown].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Classifier == nil {
		return nil, errors.New("app: a classifier provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.guard = store.NewGuard(a.store, a.metrics)
	a.reporter = store.NewReporter(a.guard, fusion.New(cfg.Thresholds), cfg.Storage.SaveTimeout)

	a.sessions = session.NewRegistry(session.Config{
		Distortion: cfg.Distortion.Engine(),
		Thresholds: cfg.Thresholds,
		Generator:  content.NewStatic(),
	},
		session.WithMetrics(a.metrics),
		// Refresh the stored report so results that landed during the grace
		// window are kept.
		session.WithDeleteHook(a.reporter.SaveAsync),
	)

	a.cycles, a.cancelCycles = context.WithCancel(context.Background())
	an := cfg.Analysis
	a.router = router.New(a.cycles, router.Config{
		Sessions:   a.sessions,
		Classifier: providers.Classifier,
		VAD:        providers.VAD,
		VADConfig:  cfg.Providers.VAD.VAD(),
		Reporter:   a.reporter,
		Metrics:    a.metrics,
		Expression: cycle.Config{
			Interval:          an.ExpressionInterval,
			Grace:             an.EndGrace,
			ClassifierTimeout: an.ClassifierTimeout,
		},
		Voice: cycle.Config{
			Interval:       an.VoiceInterval,
			Grace:          an.EndGrace,
			SeriesInterval: an.SeriesInterval,
		},
		HeartbeatInterval: an.HeartbeatInterval,
		DeletionDelay:     an.DeletionDelay,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		MaxMessageBytes:   an.MaxMessageBytes,
	})

	a.health = health.New(a.checkers()...)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens PostgreSQL when a DSN is configured, then the JSON lines
// archive, and falls back to an in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch sc := a.cfg.Storage; {
	case sc.PostgresDSN != "":
		st, err := postgres.NewStore(ctx, sc.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = st
		slog.Info("report store connected", "backend", "postgres")
	case sc.ArchivePath != "":
		st, err := filestore.New(sc.ArchivePath)
		if err != nil {
			return err
		}
		a.store = st
		slog.Info("report store opened", "backend", "file", "path", sc.ArchivePath)
	default:
		a.store = memstore.New()
		slog.Info("report store ready", "backend", "memory")
	}
	return nil
}

// statesReporter is implemented by [resilience.ClassifierChain].
type statesReporter interface {
	States() map[string]resilience.State
}

// checkers builds the readiness checks.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{
		{Name: "store", Check: a.guard.Ping},
		{Name: "store_writes", Optional: true, Check: func(context.Context) error {
			if a.guard.IsDegraded() {
				return errors.New("recent report writes failed")
			}
			return nil
		}},
	}
	if sr, ok := a.providers.Classifier.(statesReporter); ok {
		cs = append(cs, health.Checker{Name: "classifier", Optional: true, Check: func(context.Context) error {
			for _, st := range sr.States() {
				if st != resilience.StateOpen {
					return nil
				}
			}
			return errors.New("every classifier breaker is open")
		}})
	}
	return cs
}

// Handler returns the full HTTP handler: websocket routes, the session API,
// health probes and, with telemetry, /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.router.Register(mux)
	a.health.Register(mux)
	a.registerAPI(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry.Handler())
	}
	return observe.Middleware(a.metrics)(mux)
}

// Sessions returns the session registry.
func (a *App) Sessions() *session.Registry { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the server fails. The config
// watcher, when present, runs in the same group. A clean stop returns nil.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by the server;
		// Shutdown closes them through the session registry.
		if err := a.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: stop http server: %w", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// Reload applies the hot-reloadable parts of a config change: log level,
// indicator thresholds and distortion tuning. The latter two apply to
// sessions created afterwards.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ThresholdsChanged {
		a.sessions.SetThresholds(new.Thresholds)
		slog.Info("indicator thresholds updated for new sessions")
	}
	if d.DistortionChanged {
		a.sessions.SetDistortion(new.Distortion.Engine())
		slog.Info("distortion tuning updated for new sessions")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes ignored until restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends and deletes every session, waits for the final report saves
// and closes the store. If ctx expires while reports are still being saved,
// the store is closed anyway and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len())

		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.router.Close()
		a.sessions.Close()
		a.cancelCycles()

		saved := make(chan struct{})
		go func() {
			a.reporter.Wait()
			close(saved)
		}()
		select {
		case <-saved:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while saving reports")
			shutdownErr = ctx.Err()
		}

		a.guard.Close()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
