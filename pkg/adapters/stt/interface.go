package stt

import (
	"context"

	"github.com/voicewire/voicewire/pkg/frames"
)

// Transcriber is the contract for a streaming speech-to-text vendor.
// One Transcriber serves exactly one call session; Results emits text
// frames tagged final/interim and is closed by Close.
type Transcriber interface {
	// Name returns the adapter name for logging.
	Name() string
	// Start opens the streaming connection. Encoding and sample rate are
	// fixed at construction and must match the telephony leg exactly.
	Start(ctx context.Context) error
	// Close signals end-of-stream, flushes, and releases the connection.
	// It must be safe to call more than once.
	Close() error
	// SendAudio forwards one inbound media payload. It must not block
	// the caller's read loop; adapters buffer internally.
	SendAudio(frame frames.AudioFrame) error
	// Results returns the transcript frame channel.
	Results() <-chan frames.Frame
}

// Config is vendor-agnostic transcriber configuration.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	Encoding   string
	SampleRate int
	Language   string
	// Interim controls whether non-final results are surfaced on the
	// Results channel. The policy is fixed for the session's lifetime.
	Interim bool
}
