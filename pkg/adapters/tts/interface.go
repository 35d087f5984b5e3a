package tts

import (
	"context"

	"github.com/voicewire/voicewire/pkg/frames"
)

// Synthesizer is the contract for a streaming text-to-speech vendor.
// Text may be submitted whole or incrementally; audio frames appear on
// Results as soon as each chunk is available.
type Synthesizer interface {
	// Name returns the adapter name for logging.
	Name() string
	// Start opens the synthesis connection.
	Start(ctx context.Context) error
	// Close releases the connection. Safe to call more than once.
	Close() error
	// SendText submits reply text (a whole reply or one chunk of it).
	SendText(text string) error
	// Flush aborts in-flight synthesis and purges buffered audio.
	Flush()
	// Results returns the synthesized audio frame channel.
	Results() <-chan frames.Frame
}

// Config is vendor-agnostic synthesizer configuration.
type Config struct {
	StreamID   string
	CallSID    string
	Encoding   string
	SampleRate int
	Channels   int
}
