package deepgram

import (
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/frames"
)

func TestNewAppliesTelephonyDefaults(t *testing.T) {
	s := New(Config{APIKey: "key"})
	if s.cfg.Encoding != "mulaw" {
		t.Fatalf("expected mulaw default, got %q", s.cfg.Encoding)
	}
	if s.cfg.SampleRate != 8000 {
		t.Fatalf("expected 8000 default, got %d", s.cfg.SampleRate)
	}
}

func TestCloseReleasesResultsChannel(t *testing.T) {
	s := New(Config{APIKey: "key", StreamID: "MZ1"})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-s.Results():
		if ok {
			t.Fatalf("expected closed results channel, got a frame")
		}
	default:
		t.Fatalf("results channel still open after close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	s := New(Config{APIKey: "key", StreamID: "MZ1"})
	_ = s.Close()
	// A callback racing Close must be a no-op, not a panic.
	s.emit(frames.NewTextFrame("MZ1", time.Now().UnixNano(), "late", nil))
}
