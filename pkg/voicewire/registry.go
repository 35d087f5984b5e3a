package voicewire

import (
	"fmt"
	"strings"

	"github.com/voicewire/voicewire/pkg/adapters/stt"
	"github.com/voicewire/voicewire/pkg/adapters/tts"
	"github.com/voicewire/voicewire/pkg/llm"
)

// Provider factories build one adapter per call from the vendor's
// free-form settings map plus per-call wiring.
type STTFactory func(vendor VendorConfig, cfg stt.Config) (stt.Transcriber, error)
type TTSFactory func(vendor VendorConfig, cfg tts.Config) (tts.Synthesizer, error)
type LLMFactory func(vendor VendorConfig) (llm.Adapter, error)

// ProviderRegistry maps vendor names from config onto factories.
// Lookup is case and whitespace insensitive.
type ProviderRegistry struct {
	stt map[string]STTFactory
	tts map[string]TTSFactory
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactory),
		tts: make(map[string]TTSFactory),
		llm: make(map[string]LLMFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[providerKey(name)] = factory
}

func (r *ProviderRegistry) STT(name string) (STTFactory, error) {
	fn := r.stt[providerKey(name)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", name)
	}
	return fn, nil
}

func (r *ProviderRegistry) TTS(name string) (TTSFactory, error) {
	fn := r.tts[providerKey(name)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", name)
	}
	return fn, nil
}

func (r *ProviderRegistry) LLM(name string) (LLMFactory, error) {
	fn := r.llm[providerKey(name)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", name)
	}
	return fn, nil
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
