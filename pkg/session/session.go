package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voicewire/voicewire/pkg/adapters/stt"
	"github.com/voicewire/voicewire/pkg/adapters/tts"
	"github.com/voicewire/voicewire/pkg/dialog"
	"github.com/voicewire/voicewire/pkg/frames"
	"github.com/voicewire/voicewire/pkg/logging"
	"github.com/voicewire/voicewire/pkg/redact"
)

// Sink delivers outbound frames to the telephony leg. Implementations
// must be safe to call after the socket closed (they drop the frame).
type Sink func(frames.Frame) error

// audioBufferDepth bounds inbound media queued between the socket read
// loop and the transcriber. At 20ms per telephony frame this holds
// roughly ten seconds of audio.
const audioBufferDepth = 512

// Config carries one call's session settings.
type Config struct {
	StreamID          string
	CallSID           string
	TraceID           string
	FallbackUtterance string
	// StreamReplies selects incremental synthesis of the reply token
	// stream instead of whole-text synthesis.
	StreamReplies bool
	// IdleTimeout tears the session down after no inbound activity.
	// Zero disables the watchdog.
	IdleTimeout time.Duration
	// ReplyTimeout bounds one generation+synthesis cycle. Expiry is
	// fatal for the call. Zero disables the bound.
	ReplyTimeout time.Duration
}

// Session owns one call: its conversation history, one transcriber
// connection, and the telephony-facing sink. Events route through a
// single-flight generating cycle so segment N's reply is committed to
// history before segment N+1's generation reads it.
type Session struct {
	cfg         Config
	fsm         *stateMachine
	gen         *dialog.Generator
	transcriber stt.Transcriber
	synth       tts.Synthesizer
	sink        Sink
	logger      *slog.Logger
	onClose     func(streamID, reason string)

	ctx     context.Context
	cancel  context.CancelFunc
	audioCh chan frames.AudioFrame

	closeOnce sync.Once
	closed    atomic.Bool

	lastActivity atomic.Int64

	mu         sync.Mutex
	generating bool
	pending    string
	hasPending bool
	spoke      bool
}

func New(cfg Config, transcriber stt.Transcriber, synth tts.Synthesizer, gen *dialog.Generator, sink Sink, base *slog.Logger, onClose func(streamID, reason string)) *Session {
	if cfg.FallbackUtterance == "" {
		cfg.FallbackUtterance = "Sorry, I did not catch that. Could you say it again?"
	}
	return &Session{
		cfg:         cfg,
		fsm:         newStateMachine(),
		gen:         gen,
		transcriber: transcriber,
		synth:       synth,
		sink:        sink,
		audioCh:     make(chan frames.AudioFrame, audioBufferDepth),
		logger: logging.NewComponentLogger(base, "session").With(
			slog.String("stream_id", cfg.StreamID),
			slog.String("call_sid", cfg.CallSID),
		),
		onClose: onClose,
	}
}

func (s *Session) State() State     { return s.fsm.State() }
func (s *Session) StreamID() string { return s.cfg.StreamID }
func (s *Session) CallSID() string  { return s.cfg.CallSID }

// History exposes the conversation for teardown-time inspection/tests.
func (s *Session) History() *dialog.History { return s.gen.History() }

// Start opens the provider connections and moves to LISTENING.
func (s *Session) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.touch()

	if err := s.transcriber.Start(s.ctx); err != nil {
		return err
	}
	if err := s.synth.Start(s.ctx); err != nil {
		_ = s.transcriber.Close()
		return err
	}
	if err := s.fsm.Transition(StateListening); err != nil {
		return err
	}

	go s.audioLoop()
	go s.transcriptLoop()
	go s.speakLoop()
	if s.cfg.IdleTimeout > 0 {
		go s.idleWatch()
	}
	s.logger.Info("session_started")
	return nil
}

// AcceptAudio hands one inbound media payload to the session. The
// frame is queued and forwarded by audioLoop so a stalled transcriber
// never blocks the socket read loop; when the queue is full the frame
// is dropped.
func (s *Session) AcceptAudio(f frames.AudioFrame) {
	if s.closed.Load() {
		return
	}
	s.touch()
	select {
	case s.audioCh <- f:
	default:
		s.logger.Warn("audio_buffer_full")
		frames.ReleaseAudioFrame(f)
	}
}

// audioLoop drains queued media into the transcriber.
func (s *Session) audioLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.audioCh:
			if err := s.transcriber.SendAudio(f); err != nil {
				s.logger.Warn("transcriber_send_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close tears the session down: transcriber released, history dropped
// with the session, registry notified. Idempotent; duplicate close
// events are a no-op.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.fsm.ForceClose()
		if s.cancel != nil {
			s.cancel()
		}
		if err := s.transcriber.Close(); err != nil {
			s.logger.Warn("transcriber_close_failed", slog.String("error", err.Error()))
		}
		if err := s.synth.Close(); err != nil {
			s.logger.Warn("synth_close_failed", slog.String("error", err.Error()))
		}
		s.logger.Info("session_closed", slog.String("reason", reason))
		if s.onClose != nil {
			s.onClose(s.cfg.StreamID, reason)
		}
	})
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// transcriptLoop consumes transcriber results. Interim results are
// discarded; only provider-final segments drive generation. The loop
// exits when the results channel closes or the session context is
// canceled, so an adapter that leaves its channel open cannot pin the
// session past Close.
func (s *Session) transcriptLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-s.transcriber.Results():
			if !ok {
				if !s.closed.Load() {
					s.logger.Warn("transcript_stream_ended")
				}
				return
			}
			tf, isText := f.(frames.TextFrame)
			if !isText || !tf.IsFinal() {
				continue
			}
			segment := strings.TrimSpace(tf.Text())
			if segment == "" {
				continue
			}
			s.touch()
			s.logger.Debug("transcript_final", slog.String("text", redact.Text(segment)))
			s.onSegment(segment)
		}
	}
}

// onSegment applies the overlap policy: single-flight generation with
// at most one pending segment queued; anything beyond that is dropped
// to bound memory.
func (s *Session) onSegment(segment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	if s.generating {
		if s.hasPending {
			s.logger.Warn("segment_dropped", slog.String("reason", "pending_slot_full"))
			return
		}
		s.pending = segment
		s.hasPending = true
		return
	}
	s.generating = true
	if err := s.fsm.Transition(StateGenerating); err != nil {
		s.generating = false
		s.logger.Warn("transition_rejected", slog.String("error", err.Error()))
		return
	}
	go s.generate(segment)
}

// generate runs one reply cycle, then drains the pending slot if a
// segment queued up while we were busy.
func (s *Session) generate(segment string) {
	for {
		s.runCycle(segment)
		if s.closed.Load() {
			return
		}

		s.mu.Lock()
		if s.hasPending {
			segment = s.pending
			s.hasPending = false
			s.mu.Unlock()
			continue
		}
		s.generating = false
		s.mu.Unlock()

		if err := s.fsm.Transition(StateListening); err != nil {
			if s.fsm.State() != StateClosed {
				s.logger.Warn("transition_rejected", slog.String("error", err.Error()))
			}
		}
		return
	}
}

func (s *Session) runCycle(segment string) {
	ctx := s.ctx
	var cancel context.CancelFunc
	if s.cfg.ReplyTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.ReplyTimeout)
		defer cancel()
	}

	// Cut off any reply still playing before speaking the next one.
	s.mu.Lock()
	spoke := s.spoke
	s.mu.Unlock()
	if spoke {
		s.synth.Flush()
		s.send(frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlStopSpeak, s.meta()))
	}

	var err error
	if s.cfg.StreamReplies {
		err = s.speakStreamed(ctx, segment)
	} else {
		err = s.speakWhole(ctx, segment)
	}
	if err == nil {
		s.mu.Lock()
		s.spoke = true
		s.mu.Unlock()
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Error("reply_cycle_timeout")
		s.Close("reply_timeout")
		return
	}
	if s.closed.Load() || errors.Is(err, context.Canceled) {
		return
	}

	// Generation failed: history untouched, speak the canned apology.
	s.logger.Warn("reply_cycle_failed", slog.String("error", err.Error()))
	if synthErr := s.synth.SendText(s.cfg.FallbackUtterance); synthErr != nil {
		s.logger.Error("fallback_synthesis_failed", slog.String("error", synthErr.Error()))
		s.send(frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFallback, s.meta()))
	}
}

func (s *Session) speakWhole(ctx context.Context, segment string) error {
	reply, err := s.gen.Reply(ctx, segment)
	if err != nil {
		return err
	}
	s.logger.Debug("reply_ready", slog.String("text", redact.Text(reply)))
	if err := s.synth.SendText(reply); err != nil {
		// Synthesis failure ends this cycle only; keep listening.
		s.logger.Warn("synthesis_failed", slog.String("error", err.Error()))
	}
	return nil
}

func (s *Session) speakStreamed(ctx context.Context, segment string) error {
	chunks, err := s.gen.ReplyStream(ctx, segment)
	if err != nil {
		return err
	}
	for chunk := range chunks {
		if s.closed.Load() {
			for range chunks {
			}
			return nil
		}
		if err := s.synth.SendText(chunk); err != nil {
			s.logger.Warn("synthesis_failed", slog.String("error", err.Error()))
			for range chunks {
			}
			return nil
		}
	}
	return ctx.Err()
}

// speakLoop relays synthesized audio to the telephony sink as soon as
// each chunk becomes available. Output after close is discarded, and
// the loop exits on context cancel even if the synthesizer leaves its
// channel open.
func (s *Session) speakLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-s.synth.Results():
			if !ok {
				return
			}
			if s.closed.Load() {
				frames.ReleaseAudioFrame(f)
				continue
			}
			if f.Kind() != frames.KindAudio {
				continue
			}
			s.send(f)
		}
	}
}

func (s *Session) send(f frames.Frame) {
	if s.closed.Load() {
		return
	}
	if err := s.sink(f); err != nil {
		s.logger.Warn("sink_send_failed", slog.String("error", err.Error()))
	}
}

func (s *Session) meta() map[string]string {
	return map[string]string{
		frames.MetaCallSID: s.cfg.CallSID,
		frames.MetaTraceID: s.cfg.TraceID,
		frames.MetaSource:  "session",
	}
}

func (s *Session) idleWatch() {
	interval := s.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) > s.cfg.IdleTimeout {
				s.logger.Warn("session_idle_timeout")
				s.Close("idle_timeout")
				return
			}
		}
	}
}
