package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/adapters/tts"
	"github.com/voicewire/voicewire/pkg/frames"
)

type TTSConfig struct {
	StreamID   string
	CallSID    string
	SampleRate int
	Channels   int
}

// Synthesizer emits one deterministic silent audio frame per SendText.
type Synthesizer struct {
	cfg     TTSConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	flushes int
}

func NewSynthesizer(cfg TTSConfig) *Synthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &Synthesizer{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *Synthesizer) Close() error {
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

func (s *Synthesizer) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("not started")
	}
	pcm := make([]byte, 160)
	meta := map[string]string{
		frames.MetaCallSID: s.cfg.CallSID,
		frames.MetaSource:  "tts",
	}
	s.out <- frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), pcm, s.cfg.SampleRate, s.cfg.Channels, meta)
	return nil
}

func (s *Synthesizer) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *Synthesizer) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Synthesizer) Results() <-chan frames.Frame { return s.out }

var _ tts.Synthesizer = (*Synthesizer)(nil)
