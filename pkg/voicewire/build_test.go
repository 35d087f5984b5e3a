package voicewire

import (
	"context"
	"testing"

	"github.com/voicewire/voicewire/pkg/frames"
	"github.com/voicewire/voicewire/pkg/relay"
)

func mockVendorsConfig() Config {
	return Config{
		Relay:        relay.Config{SampleRate: 8000},
		SystemPrompt: "you are a voice agent",
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock"},
			TTS: VendorConfig{Provider: "mock"},
			LLM: VendorConfig{Provider: "mock", Settings: map[string]any{"response_text": "hi!"}},
		},
	}
}

func TestSessionBuilderWithMockVendors(t *testing.T) {
	builder, err := NewSessionBuilder(mockVendorsConfig(), DefaultRegistry(), nil)
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	sess, err := builder(context.Background(), "MZ1", "CA123", "trace-1",
		func(frames.Frame) error { return nil }, func(string, string) {})
	if err != nil {
		t.Fatalf("build session: %v", err)
	}
	if sess.StreamID() != "MZ1" || sess.CallSID() != "CA123" {
		t.Fatalf("session identifiers not wired: %q %q", sess.StreamID(), sess.CallSID())
	}
}

func TestSessionBuilderRejectsUnknownProvider(t *testing.T) {
	cfg := mockVendorsConfig()
	cfg.Vendors.LLM.Provider = "nope"
	if _, err := NewSessionBuilder(cfg, DefaultRegistry(), nil); err == nil {
		t.Fatalf("expected unknown provider to fail")
	}
}

func TestSessionBuilderRejectsMissingCredentials(t *testing.T) {
	cfg := mockVendorsConfig()
	cfg.Vendors.STT = VendorConfig{Provider: "deepgram", Settings: map[string]any{"model": "nova-2"}}
	if _, err := NewSessionBuilder(cfg, DefaultRegistry(), nil); err == nil {
		t.Fatalf("expected missing deepgram api key to fail at startup")
	}
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	reg := DefaultRegistry()
	if _, err := reg.LLM("  OpenAI "); err != nil {
		t.Fatalf("expected case-insensitive lookup: %v", err)
	}
}
