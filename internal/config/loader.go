package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/moodwire/internal/cycle"
	"github.com/MrWong99/moodwire/internal/distortion"
	"github.com/MrWong99/moodwire/internal/indicator"
	"github.com/MrWong99/moodwire/internal/router"
	"github.com/MrWong99/moodwire/pkg/provider/vad"
	"gopkg.in/yaml.v3"
)

// Defaults not owned by another package.
const (
	DefaultListenAddr       = ":8080"
	DefaultSaveTimeout      = 10 * time.Second
	DefaultSampleRate       = 16000
	DefaultFrameSizeMs      = 20
	DefaultSpeechThreshold  = 0.5
	DefaultSilenceThreshold = 0.35
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"classifier": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"vad":        {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued tunable in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Analysis
	setDuration(&a.ExpressionInterval, cycle.DefaultExpressionInterval)
	setDuration(&a.VoiceInterval, cycle.DefaultVoiceInterval)
	setDuration(&a.EndGrace, cycle.DefaultGrace)
	setDuration(&a.DeletionDelay, router.DefaultDeletionDelay)
	setDuration(&a.HeartbeatInterval, router.DefaultHeartbeatInterval)
	setDuration(&a.ClassifierTimeout, cycle.DefaultClassifierTimeout)
	setDuration(&a.SeriesInterval, cycle.DefaultSeriesInterval)
	if a.MaxMessageBytes == 0 {
		a.MaxMessageBytes = router.DefaultMaxMessageBytes
	}

	th := &cfg.Thresholds
	dth := indicator.DefaultThresholds()
	setFloat(&th.ProlongedSilenceMs, dth.ProlongedSilenceMs)
	setFloat(&th.SilenceRate, dth.SilenceRate)
	setFloat(&th.SpeechRate, dth.SpeechRate)
	setFloat(&th.InterruptionRate, dth.InterruptionRate)
	setFloat(&th.LowEnergyVariance, dth.LowEnergyVariance)

	d := &cfg.Distortion
	dd := distortion.DefaultConfig()
	setFloat(&d.ConfidenceThreshold, dd.ConfidenceThreshold)
	setInt(&d.MaxInterventions, dd.MaxInterventions)
	setDuration(&d.InterventionWindow, dd.InterventionWindow)
	setDuration(&d.RepeatWindow, dd.RepeatWindow)
	setInt(&d.RepeatCount, dd.RepeatCount)
	setInt(&d.MultipleCount, dd.MultipleCount)

	b := &cfg.Providers.Breaker
	setInt(&b.MaxFailures, 3)
	setDuration(&b.Cooldown, 30*time.Second)

	v := &cfg.Providers.VAD
	setInt(&v.SampleRate, DefaultSampleRate)
	setInt(&v.FrameSizeMs, DefaultFrameSizeMs)
	setFloat(&v.SpeechThreshold, DefaultSpeechThreshold)
	setFloat(&v.SilenceThreshold, DefaultSilenceThreshold)

	setDuration(&cfg.Storage.SaveTimeout, DefaultSaveTimeout)
}

func setDuration(p *time.Duration, d time.Duration) {
	if *p == 0 {
		*p = d
	}
}

func setFloat(p *float64, f float64) {
	if *p == 0 {
		*p = f
	}
}

func setInt(p *int, i int) {
	if *p == 0 {
		*p = i
	}
}

// Validate checks that cfg contains a coherent set of values. Call it after
// [ApplyDefaults]. It returns a joined error listing all validation failures
// found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Analysis
	a := cfg.Analysis
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"expression_interval", a.ExpressionInterval},
		{"voice_interval", a.VoiceInterval},
		{"end_grace", a.EndGrace},
		{"deletion_delay", a.DeletionDelay},
		{"heartbeat_interval", a.HeartbeatInterval},
		{"classifier_timeout", a.ClassifierTimeout},
		{"series_interval", a.SeriesInterval},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("analysis.%s %s must not be negative", d.name, d.v))
		}
	}
	if a.DeletionDelay < a.EndGrace {
		errs = append(errs, fmt.Errorf("analysis.deletion_delay %s must not be shorter than analysis.end_grace %s", a.DeletionDelay, a.EndGrace))
	}
	if a.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("analysis.max_message_bytes %d must not be negative", a.MaxMessageBytes))
	}

	// Thresholds
	th := cfg.Thresholds
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"silence_rate", th.SilenceRate},
		{"speech_rate", th.SpeechRate},
		{"interruption_rate", th.InterruptionRate},
	} {
		if p.v < 0 || p.v > 100 {
			errs = append(errs, fmt.Errorf("thresholds.%s %.2f is out of range [0, 100]", p.name, p.v))
		}
	}
	if th.ProlongedSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("thresholds.prolonged_silence_ms %.2f must not be negative", th.ProlongedSilenceMs))
	}
	if th.LowEnergyVariance < 0 {
		errs = append(errs, fmt.Errorf("thresholds.low_energy_variance %.4f must not be negative", th.LowEnergyVariance))
	}

	// Distortion
	d := cfg.Distortion
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("distortion.confidence_threshold %.2f is out of range [0, 1]", d.ConfidenceThreshold))
	}
	if d.FuzzyThreshold < 0 || d.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("distortion.fuzzy_threshold %.2f is out of range [0, 1]", d.FuzzyThreshold))
	}
	if d.MaxInterventions < 0 || d.RepeatCount < 0 || d.MultipleCount < 0 {
		errs = append(errs, errors.New("distortion counts must not be negative"))
	}

	// Providers
	if cfg.Providers.Classifier.Name == "" {
		errs = append(errs, errors.New("providers.classifier.name is required"))
	}
	validateProviderName("classifier", cfg.Providers.Classifier.Name)
	for i, fb := range cfg.Providers.ClassifierFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.classifier_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("classifier", fb.Name)
	}
	if cfg.Providers.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker.max_failures %d must not be negative", cfg.Providers.Breaker.MaxFailures))
	}

	v := cfg.Providers.VAD
	validateProviderName("vad", v.Name)
	if v.Name != "" {
		if v.VAD().FrameBytes() <= 0 {
			errs = append(errs, fmt.Errorf("providers.vad: frame of %dms at %dHz is empty", v.FrameSizeMs, v.SampleRate))
		}
		if v.SpeechThreshold <= 0 || v.SpeechThreshold > 1 {
			errs = append(errs, fmt.Errorf("providers.vad.speech_threshold %.2f is out of range (0, 1]", v.SpeechThreshold))
		}
		if v.SilenceThreshold < 0 || v.SilenceThreshold > v.SpeechThreshold {
			errs = append(errs, fmt.Errorf("providers.vad.silence_threshold %.2f must be in [0, speech_threshold]", v.SilenceThreshold))
		}
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" && cfg.Storage.ArchivePath == "" {
		slog.Warn("storage.postgres_dsn and storage.archive_path are empty; session reports are kept in memory only")
	}

	return errors.Join(errs...)
}

// VAD converts v into the VAD session configuration.
func (v VADConfig) VAD() vad.Config {
	return vad.Config{
		SampleRate:       v.SampleRate,
		FrameSizeMs:      v.FrameSizeMs,
		SpeechThreshold:  v.SpeechThreshold,
		SilenceThreshold: v.SilenceThreshold,
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
