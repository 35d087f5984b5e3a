package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/dialog"
	"github.com/voicewire/voicewire/pkg/frames"
	"github.com/voicewire/voicewire/pkg/llm"
)

type fakeTranscriber struct {
	mu         sync.Mutex
	out        chan frames.Frame
	audio      [][]byte
	closeCount int
	// leaveOpen mimics an adapter that releases its connection on Close
	// but never closes the results channel.
	leaveOpen bool
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{out: make(chan frames.Frame, 16)}
}

func (f *fakeTranscriber) Name() string                    { return "fake_stt" }
func (f *fakeTranscriber) Start(ctx context.Context) error { return nil }

func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	if f.closeCount == 1 && !f.leaveOpen {
		close(f.out)
	}
	return nil
}

func (f *fakeTranscriber) SendAudio(frame frames.AudioFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, frame.Data())
	return nil
}

func (f *fakeTranscriber) Results() <-chan frames.Frame { return f.out }

func (f *fakeTranscriber) emit(text, isFinal string) {
	f.out <- frames.NewTextFrame("MZ1", time.Now().UnixNano(), text, map[string]string{frames.MetaIsFinal: isFinal})
}

type fakeSynth struct {
	mu         sync.Mutex
	texts      []string
	flushes    int
	out        chan frames.Frame
	sendErr    error
	closeCount int
	leaveOpen  bool
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{out: make(chan frames.Frame, 16)}
}

func (f *fakeSynth) Name() string                    { return "fake_tts" }
func (f *fakeSynth) Start(ctx context.Context) error { return nil }

func (f *fakeSynth) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	if f.closeCount == 1 && !f.leaveOpen {
		close(f.out)
	}
	return nil
}

func (f *fakeSynth) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closeCount > 0 {
		return errors.New("synth closed")
	}
	f.texts = append(f.texts, text)
	f.out <- frames.NewAudioFrame("MZ1", time.Now().UnixNano(), make([]byte, 160), 8000, 1, nil)
	return nil
}

func (f *fakeSynth) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func (f *fakeSynth) Results() <-chan frames.Frame { return f.out }

func (f *fakeSynth) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type scriptedLLM struct {
	mu      sync.Mutex
	replies map[string]string
	err     error
	gate    chan struct{}
	calls   []string
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Generate(ctx context.Context, messages []llm.Message) (llm.Response, error) {
	last := messages[len(messages)-1].Content
	s.mu.Lock()
	s.calls = append(s.calls, last)
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		}
	}
	if s.err != nil {
		return llm.Response{}, s.err
	}
	if reply, ok := s.replies[last]; ok {
		return llm.Response{Text: reply}, nil
	}
	return llm.Response{Text: "ok"}, nil
}

func (s *scriptedLLM) Stream(ctx context.Context, messages []llm.Message) (<-chan string, error) {
	resp, err := s.Generate(ctx, messages)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 1)
	out <- resp.Text
	close(out)
	return out, nil
}

func (s *scriptedLLM) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type captureSink struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *captureSink) send(f frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *captureSink) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type harness struct {
	sess  *Session
	stt   *fakeTranscriber
	synth *fakeSynth
	model *scriptedLLM
	sink  *captureSink
}

func newHarness(t *testing.T, cfg Config, model *scriptedLLM) *harness {
	t.Helper()
	if cfg.StreamID == "" {
		cfg.StreamID = "MZ1"
	}
	if cfg.CallSID == "" {
		cfg.CallSID = "CA123"
	}
	h := &harness{
		stt:   newFakeTranscriber(),
		synth: newFakeSynth(),
		model: model,
		sink:  &captureSink{},
	}
	gen := dialog.NewGenerator(model, dialog.NewHistory("sys"), nil)
	h.sess = New(cfg, h.stt, h.synth, gen, h.sink.send, nil, nil)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { h.sess.Close("test_done") })
	return h
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting: %s", msg)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestFinalSegmentDrivesReplyCycle(t *testing.T) {
	model := &scriptedLLM{replies: map[string]string{"hello there": "hi!"}}
	h := newHarness(t, Config{}, model)

	h.stt.emit("hello there", "true")

	waitFor(t, func() bool { return h.sess.History().Len() == 3 }, "exchange committed")
	turns := h.sess.History().Turns()
	if turns[1].Text != "hello there" || turns[2].Text != "hi!" {
		t.Fatalf("unexpected history: %+v", turns)
	}
	waitFor(t, func() bool { return len(h.synth.Texts()) == 1 }, "reply synthesized")
	if h.synth.Texts()[0] != "hi!" {
		t.Fatalf("expected reply synthesized, got %v", h.synth.Texts())
	}
	waitFor(t, func() bool { return h.sink.Count() >= 1 }, "audio relayed to sink")
	waitFor(t, func() bool { return h.sess.State() == StateListening }, "back to LISTENING")
}

func TestInterimAndEmptySegmentsIgnored(t *testing.T) {
	model := &scriptedLLM{}
	h := newHarness(t, Config{}, model)

	h.stt.emit("hel", "false")
	h.stt.emit("", "true")
	h.stt.emit("   ", "true")

	time.Sleep(50 * time.Millisecond)
	if len(model.Calls()) != 0 {
		t.Fatalf("expected no generation calls, got %v", model.Calls())
	}
	if h.sess.History().Len() != 1 {
		t.Fatalf("expected history untouched, got %d turns", h.sess.History().Len())
	}
}

func TestGenerationFailureSpeaksFallback(t *testing.T) {
	model := &scriptedLLM{err: errors.New("provider down")}
	h := newHarness(t, Config{FallbackUtterance: "sorry about that"}, model)

	h.stt.emit("hello there", "true")

	waitFor(t, func() bool { return len(h.synth.Texts()) == 1 }, "fallback synthesized")
	if h.synth.Texts()[0] != "sorry about that" {
		t.Fatalf("expected fallback utterance, got %v", h.synth.Texts())
	}
	if h.sess.History().Len() != 1 {
		t.Fatalf("expected no orphan user turn, got %d turns", h.sess.History().Len())
	}
	waitFor(t, func() bool { return h.sess.State() == StateListening }, "session keeps listening")
}

func TestOverlapQueuesOnePendingSegment(t *testing.T) {
	gate := make(chan struct{})
	model := &scriptedLLM{gate: gate, replies: map[string]string{
		"first": "one", "second": "two", "third": "three",
	}}
	h := newHarness(t, Config{}, model)

	h.stt.emit("first", "true")
	waitFor(t, func() bool { return len(model.Calls()) == 1 }, "first cycle started")

	// Arrives while generating: queued.
	h.stt.emit("second", "true")
	// Arrives while the pending slot is full: dropped.
	h.stt.emit("third", "true")
	time.Sleep(50 * time.Millisecond)

	close(gate)
	waitFor(t, func() bool { return h.sess.History().Len() == 5 }, "two exchanges committed")

	calls := model.Calls()
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Fatalf("expected first+second generated in order, got %v", calls)
	}
	turns := h.sess.History().Turns()
	if turns[1].Text != "first" || turns[3].Text != "second" {
		t.Fatalf("expected ordered history, got %+v", turns)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	model := &scriptedLLM{}
	h := newHarness(t, Config{}, model)

	h.sess.Close("completed")
	h.sess.Close("completed")
	if h.sess.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", h.sess.State())
	}
	h.stt.mu.Lock()
	closes := h.stt.closeCount
	h.stt.mu.Unlock()
	if closes < 1 {
		t.Fatalf("expected transcriber released")
	}
}

func TestCloseMidGenerationDiscardsOutput(t *testing.T) {
	gate := make(chan struct{})
	model := &scriptedLLM{gate: gate}
	h := newHarness(t, Config{}, model)

	h.stt.emit("hello there", "true")
	waitFor(t, func() bool { return len(model.Calls()) == 1 }, "cycle in flight")

	h.sess.Close("socket_closed")
	close(gate)

	time.Sleep(50 * time.Millisecond)
	if h.sink.Count() != 0 {
		t.Fatalf("expected no sends after close, got %d", h.sink.Count())
	}
}

func TestCloseUnblocksLoopsWhenAdapterChannelsStayOpen(t *testing.T) {
	stt := &fakeTranscriber{out: make(chan frames.Frame), leaveOpen: true}
	synth := &fakeSynth{out: make(chan frames.Frame), leaveOpen: true}
	sink := &captureSink{}
	gen := dialog.NewGenerator(&scriptedLLM{}, dialog.NewHistory("sys"), nil)
	sess := New(Config{StreamID: "MZ1", CallSID: "CA123"}, stt, synth, gen, sink.send, nil, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	sess.Close("completed")
	time.Sleep(50 * time.Millisecond)

	// Unbuffered channels: a send succeeds only while a loop is still
	// receiving. Both loops must have exited on the session context.
	select {
	case stt.out <- frames.NewTextFrame("MZ1", 1, "late", map[string]string{frames.MetaIsFinal: "true"}):
		t.Fatalf("transcript loop still receiving after close")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case synth.out <- frames.NewAudioFrame("MZ1", 1, make([]byte, 160), 8000, 1, nil):
		t.Fatalf("speak loop still receiving after close")
	case <-time.After(100 * time.Millisecond):
	}
}

type stalledTranscriber struct {
	out     chan frames.Frame
	release chan struct{}
}

func (b *stalledTranscriber) Name() string                    { return "stalled_stt" }
func (b *stalledTranscriber) Start(ctx context.Context) error { return nil }
func (b *stalledTranscriber) Close() error                    { return nil }

func (b *stalledTranscriber) SendAudio(frame frames.AudioFrame) error {
	<-b.release
	return nil
}

func (b *stalledTranscriber) Results() <-chan frames.Frame { return b.out }

func TestAcceptAudioNeverBlocksOnStalledTranscriber(t *testing.T) {
	stt := &stalledTranscriber{out: make(chan frames.Frame), release: make(chan struct{})}
	defer close(stt.release)
	sink := &captureSink{}
	gen := dialog.NewGenerator(&scriptedLLM{}, dialog.NewHistory("sys"), nil)
	sess := New(Config{StreamID: "MZ1", CallSID: "CA123"}, stt, newFakeSynth(), gen, sink.send, nil, nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close("test_done")

	// Overfill the queue: every call must return immediately, with the
	// overflow dropped rather than stalling the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < audioBufferDepth+16; i++ {
			sess.AcceptAudio(frames.NewAudioFrame("MZ1", int64(i), make([]byte, 160), 8000, 1, nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("AcceptAudio blocked on the transcriber")
	}
}

func TestIdleTimeoutTearsDown(t *testing.T) {
	model := &scriptedLLM{}
	h := newHarness(t, Config{IdleTimeout: 30 * time.Millisecond}, model)

	waitFor(t, func() bool { return h.sess.State() == StateClosed }, "idle teardown")
}

func TestReplyTimeoutIsFatal(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	model := &scriptedLLM{gate: gate}
	h := newHarness(t, Config{ReplyTimeout: 30 * time.Millisecond}, model)

	h.stt.emit("hello there", "true")
	waitFor(t, func() bool { return h.sess.State() == StateClosed }, "reply timeout teardown")
	if h.sess.History().Len() != 1 {
		t.Fatalf("expected no commit on timeout, got %d turns", h.sess.History().Len())
	}
}
