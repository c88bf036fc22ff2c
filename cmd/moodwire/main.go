// Command moodwire is the main entry point for the moodwire session analysis
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/moodwire/internal/app"
	"github.com/MrWong99/moodwire/internal/config"
	"github.com/MrWong99/moodwire/internal/observe"
	"github.com/MrWong99/moodwire/internal/resilience"
	"github.com/MrWong99/moodwire/pkg/provider/classifier"
	"github.com/MrWong99/moodwire/pkg/provider/classifier/anyllm"
	oaiclf "github.com/MrWong99/moodwire/pkg/provider/classifier/openai"
	"github.com/MrWong99/moodwire/pkg/provider/vad"
	"github.com/MrWong99/moodwire/pkg/provider/vad/energy"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and thresholds when the config file changes")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level))

	// ── Load configuration ────────────────────────────────────────────────────
	// The reload callback only fires inside application.Run, after
	// application is assigned.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.Reload(old, new)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "moodwire: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "moodwire: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Level())

	slog.Info("moodwire starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "error", err)
		return 1
	}
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "error", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithTelemetry(tel),
		app.WithLevel(level),
	}
	if *watch {
		opts = append(opts, app.WithWatcher(watcher))
	}
	application, err = app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping, saving session reports")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmVendors are the classifier backends served through any-llm-go.
var anyllmVendors = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Classifier ────────────────────────────────────────────────────────────
	reg.RegisterClassifier("openai", func(entry config.ProviderEntry) (classifier.Provider, error) {
		var opts []oaiclf.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaiclf.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaiclf.WithTimeout(d))
		}
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return oaiclf.New(apiKey, entry.Model, opts...)
	})

	for _, providerName := range anyllmVendors {
		reg.RegisterClassifier(providerName, func(entry config.ProviderEntry) (classifier.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server; it uses BaseURL for the address, not
			// an API key.
			if entry.APIKey != "" && providerName != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})
}

// buildProviders instantiates the classifier chain and the optional VAD
// engine named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	breaker := resilience.BreakerConfig{
		MaxFailures: cfg.Providers.Breaker.MaxFailures,
		Cooldown:    cfg.Providers.Breaker.Cooldown,
	}
	primary := cfg.Providers.Classifier
	p, err := reg.CreateClassifier(primary)
	if err != nil {
		return nil, fmt.Errorf("create classifier %q: %w", primary.Name, err)
	}
	chain := resilience.NewClassifierChain(primary.Name, p, breaker)
	slog.Info("provider created", "kind", "classifier", "name", primary.Name)

	for i, fb := range cfg.Providers.ClassifierFallbacks {
		p, err := reg.CreateClassifier(fb)
		if err != nil {
			// A broken fallback should not keep the primary from serving.
			slog.Warn("skipping classifier fallback", "index", i, "name", fb.Name, "error", err)
			continue
		}
		chain.AddFallback(fmt.Sprintf("%s#%d", fb.Name, i+1), p)
		slog.Info("provider created", "kind", "classifier_fallback", "name", fb.Name)
	}
	ps.Classifier = chain

	if name := cfg.Providers.VAD.Name; name != "" {
		eng, err := reg.CreateVAD(cfg.Providers.VAD.ProviderEntry)
		if err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		ps.VAD = eng
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        moodwire startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Classifier", providerLabel(cfg.Providers.Classifier.Name, cfg.Providers.Classifier.Model))
	printRow("Fallbacks", fmt.Sprintf("%d", len(cfg.Providers.ClassifierFallbacks)))
	printRow("VAD", providerLabel(cfg.Providers.VAD.Name, ""))
	storage := "memory"
	switch {
	case cfg.Storage.PostgresDSN != "":
		storage = "postgres"
	case cfg.Storage.ArchivePath != "":
		storage = "file"
	}
	printRow("Reports", storage)
	printRow("Expression", cfg.Analysis.ExpressionInterval.String())
	printRow("Voice", cfg.Analysis.VoiceInterval.String())
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(name, model string) string {
	switch {
	case name == "":
		return "(not configured)"
	case model != "":
		return name + " / " + model
	default:
		return name
	}
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration extracts a duration from a provider Options map. Strings are
// parsed with time.ParseDuration; numbers are seconds. Returns 0 when the key
// is absent or invalid.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
