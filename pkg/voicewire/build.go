package voicewire

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicewire/voicewire/pkg/adapters/stt"
	"github.com/voicewire/voicewire/pkg/adapters/tts"
	"github.com/voicewire/voicewire/pkg/configutil"
	"github.com/voicewire/voicewire/pkg/dialog"
	"github.com/voicewire/voicewire/pkg/llm"
	"github.com/voicewire/voicewire/pkg/providers/deepgram"
	"github.com/voicewire/voicewire/pkg/providers/elevenlabs"
	"github.com/voicewire/voicewire/pkg/providers/mock"
	"github.com/voicewire/voicewire/pkg/providers/openai"
	"github.com/voicewire/voicewire/pkg/relay"
	"github.com/voicewire/voicewire/pkg/session"
)

// DefaultRegistry wires the built-in providers. Each factory validates
// the vendor settings map, so invalid credentials fail at startup
// instead of on the first call.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterSTT("deepgram", func(vendor VendorConfig, cfg stt.Config) (stt.Transcriber, error) {
		if err := configutil.ValidateSettings(vendor.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "interim"},
		}); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		var s struct {
			APIKey   string `mapstructure:"api_key"`
			Model    string `mapstructure:"model"`
			Language string `mapstructure:"language"`
			Interim  bool   `mapstructure:"interim"`
		}
		if err := configutil.DecodeSettings(vendor.Settings, &s); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		return deepgram.New(deepgram.Config{
			APIKey:     s.APIKey,
			Model:      s.Model,
			Language:   s.Language,
			Encoding:   cfg.Encoding,
			SampleRate: cfg.SampleRate,
			Interim:    s.Interim || cfg.Interim,
			StreamID:   cfg.StreamID,
			CallSID:    cfg.CallSID,
			TraceID:    cfg.TraceID,
		}), nil
	})
	r.RegisterSTT("mock", func(vendor VendorConfig, cfg stt.Config) (stt.Transcriber, error) {
		var s struct {
			Transcript        string `mapstructure:"transcript"`
			InterimTranscript string `mapstructure:"interim_transcript"`
			EmitInterim       bool   `mapstructure:"emit_interim"`
		}
		if err := configutil.DecodeSettings(vendor.Settings, &s); err != nil {
			return nil, fmt.Errorf("mock stt settings: %w", err)
		}
		return mock.NewTranscriber(mock.STTConfig{
			StreamID:          cfg.StreamID,
			CallSID:           cfg.CallSID,
			TraceID:           cfg.TraceID,
			Transcript:        s.Transcript,
			InterimTranscript: s.InterimTranscript,
			EmitInterim:       s.EmitInterim,
		}), nil
	})

	r.RegisterTTS("elevenlabs", func(vendor VendorConfig, cfg tts.Config) (tts.Synthesizer, error) {
		if err := configutil.ValidateSettings(vendor.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format"},
		}); err != nil {
			return nil, fmt.Errorf("elevenlabs settings: %w", err)
		}
		var s struct {
			APIKey       string `mapstructure:"api_key"`
			VoiceID      string `mapstructure:"voice_id"`
			ModelID      string `mapstructure:"model_id"`
			OutputFormat string `mapstructure:"output_format"`
		}
		if err := configutil.DecodeSettings(vendor.Settings, &s); err != nil {
			return nil, fmt.Errorf("elevenlabs settings: %w", err)
		}
		return elevenlabs.New(elevenlabs.Config{
			APIKey:       s.APIKey,
			VoiceID:      s.VoiceID,
			ModelID:      s.ModelID,
			OutputFormat: s.OutputFormat,
			SampleRate:   cfg.SampleRate,
			StreamID:     cfg.StreamID,
			CallSID:      cfg.CallSID,
		}), nil
	})
	r.RegisterTTS("mock", func(vendor VendorConfig, cfg tts.Config) (tts.Synthesizer, error) {
		return mock.NewSynthesizer(mock.TTSConfig{
			StreamID:   cfg.StreamID,
			CallSID:    cfg.CallSID,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
		}), nil
	})

	r.RegisterLLM("openai", func(vendor VendorConfig) (llm.Adapter, error) {
		if err := configutil.ValidateSettings(vendor.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url"},
		}); err != nil {
			return nil, fmt.Errorf("openai settings: %w", err)
		}
		var s struct {
			APIKey  string `mapstructure:"api_key"`
			Model   string `mapstructure:"model"`
			BaseURL string `mapstructure:"base_url"`
		}
		if err := configutil.DecodeSettings(vendor.Settings, &s); err != nil {
			return nil, fmt.Errorf("openai settings: %w", err)
		}
		if s.Model == "" {
			s.Model = "gpt-4o-mini"
		}
		adapter := openai.NewAdapter(s.APIKey, s.Model)
		if s.BaseURL != "" {
			adapter.BaseURL = s.BaseURL
		}
		return adapter, nil
	})
	r.RegisterLLM("mock", func(vendor VendorConfig) (llm.Adapter, error) {
		var s struct {
			ResponseText string   `mapstructure:"response_text"`
			StreamChunks []string `mapstructure:"stream_chunks"`
		}
		if err := configutil.DecodeSettings(vendor.Settings, &s); err != nil {
			return nil, fmt.Errorf("mock llm settings: %w", err)
		}
		return mock.NewLLMAdapter(mock.LLMConfig{
			ResponseText: s.ResponseText,
			StreamChunks: s.StreamChunks,
		}), nil
	})

	return r
}

// NewSessionBuilder resolves the configured vendors and returns the
// per-call session constructor the relay uses. Vendor settings are
// validated here, once, before the relay starts accepting calls.
func NewSessionBuilder(cfg Config, reg *ProviderRegistry, base *slog.Logger) (relay.SessionBuilder, error) {
	sttFactory, err := reg.STT(cfg.Vendors.STT.Provider)
	if err != nil {
		return nil, err
	}
	ttsFactory, err := reg.TTS(cfg.Vendors.TTS.Provider)
	if err != nil {
		return nil, err
	}
	llmFactory, err := reg.LLM(cfg.Vendors.LLM.Provider)
	if err != nil {
		return nil, err
	}

	// The LLM adapter holds no per-call state; build it once and share.
	adapter, err := llmFactory(cfg.Vendors.LLM)
	if err != nil {
		return nil, err
	}

	// Probe the per-call factories so bad settings surface at startup.
	if _, err := sttFactory(cfg.Vendors.STT, probeSTTConfig(cfg)); err != nil {
		return nil, err
	}
	if _, err := ttsFactory(cfg.Vendors.TTS, probeTTSConfig(cfg)); err != nil {
		return nil, err
	}

	return func(ctx context.Context, streamID, callSID, traceID string, sink session.Sink, onClose func(streamID, reason string)) (*session.Session, error) {
		transcriber, err := sttFactory(cfg.Vendors.STT, stt.Config{
			StreamID:   streamID,
			CallSID:    callSID,
			TraceID:    traceID,
			Encoding:   "mulaw",
			SampleRate: cfg.Relay.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		synth, err := ttsFactory(cfg.Vendors.TTS, tts.Config{
			StreamID:   streamID,
			CallSID:    callSID,
			Encoding:   "mulaw",
			SampleRate: cfg.Relay.SampleRate,
			Channels:   1,
		})
		if err != nil {
			return nil, err
		}
		gen := dialog.NewGenerator(adapter, dialog.NewHistory(cfg.SystemPrompt), base)
		return session.New(session.Config{
			StreamID:          streamID,
			CallSID:           callSID,
			TraceID:           traceID,
			FallbackUtterance: cfg.Session.FallbackUtterance,
			StreamReplies:     cfg.Session.StreamReplies,
			IdleTimeout:       time.Duration(cfg.Session.IdleTimeoutMS) * time.Millisecond,
			ReplyTimeout:      time.Duration(cfg.Session.ReplyTimeoutMS) * time.Millisecond,
		}, transcriber, synth, gen, sink, base, onClose), nil
	}, nil
}

func probeSTTConfig(cfg Config) stt.Config {
	return stt.Config{
		StreamID:   "startup-probe",
		Encoding:   "mulaw",
		SampleRate: cfg.Relay.SampleRate,
	}
}

func probeTTSConfig(cfg Config) tts.Config {
	return tts.Config{
		StreamID:   "startup-probe",
		Encoding:   "mulaw",
		SampleRate: cfg.Relay.SampleRate,
		Channels:   1,
	}
}
