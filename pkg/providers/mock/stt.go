package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/adapters/stt"
	"github.com/voicewire/voicewire/pkg/frames"
)

type STTConfig struct {
	StreamID          string
	CallSID           string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
}

// Transcriber emits one scripted transcript after the first audio
// payload arrives. Useful for tests and the loopback config.
type Transcriber struct {
	cfg     STTConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	emitted bool
}

func NewTranscriber(cfg STTConfig) *Transcriber {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &Transcriber{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *Transcriber) Name() string { return "mock_stt" }

func (s *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *Transcriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.started = false
	return nil
}

func (s *Transcriber) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	if s.emitted {
		return nil
	}
	s.emitted = true

	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), interim, s.meta("false"))
	}
	s.out <- frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), s.cfg.Transcript, s.meta("true"))
	return nil
}

func (s *Transcriber) Results() <-chan frames.Frame { return s.out }

func (s *Transcriber) meta(isFinal string) map[string]string {
	meta := map[string]string{
		frames.MetaCallSID: s.cfg.CallSID,
		frames.MetaSource:  "stt",
		frames.MetaIsFinal: isFinal,
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

var _ stt.Transcriber = (*Transcriber)(nil)
