package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.ListenPort <= 0 || cfg.Server.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("server.listen_port %d is out of range [1, 65535]", cfg.Server.ListenPort))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio — the wire protocol fixes the framing; reject values a conforming
	// client could never produce.
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive"))
	}
	if cfg.Audio.BlockSamples <= 0 || cfg.Audio.BlockSamples%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.block_samples %d must be positive and even", cfg.Audio.BlockSamples))
	}
	if cfg.Audio.SilenceMsForFlush <= 0 {
		errs = append(errs, fmt.Errorf("audio.silence_ms_for_flush must be positive"))
	}
	if cfg.Audio.MaxUtteranceMs <= cfg.Audio.SilenceMsForFlush {
		errs = append(errs, fmt.Errorf("audio.max_utterance_ms %d must exceed silence_ms_for_flush %d",
			cfg.Audio.MaxUtteranceMs, cfg.Audio.SilenceMsForFlush))
	}

	// Gateway
	if cfg.Gateway.ReapIdleMs <= 0 {
		errs = append(errs, fmt.Errorf("gateway.reap_idle_ms must be positive"))
	}
	if cfg.Gateway.InterruptCooldownMs < 0 {
		errs = append(errs, fmt.Errorf("gateway.interrupt_cooldown_ms must not be negative"))
	}
	if cfg.Gateway.FragmentMaxBytes < 64 || cfg.Gateway.FragmentMaxBytes > 1400 {
		errs = append(errs, fmt.Errorf("gateway.fragment_max_bytes %d is out of range [64, 1400]", cfg.Gateway.FragmentMaxBytes))
	}
	if cfg.Gateway.DialogueHistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("gateway.dialogue_history_limit must be positive"))
	}
	if cfg.Gateway.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("gateway.max_clients must be positive"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Provider availability warnings — the gateway runs without them but
	// replies degrade to nothing.
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; utterances will not be transcribed")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; the gateway cannot generate replies")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; replies will not be spoken")
	}
	if cfg.Pipeline.TTSVoiceID == "" && cfg.Providers.TTS.Name != "" {
		slog.Warn("providers.tts is configured but pipeline.tts_voice_id is empty")
	}

	return errors.Join(errs...)
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
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
