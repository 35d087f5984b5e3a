package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/adapters/tts"
	"github.com/voicewire/voicewire/pkg/errorsx"
	"github.com/voicewire/voicewire/pkg/frames"
	"github.com/voicewire/voicewire/pkg/logging"
	"github.com/voicewire/voicewire/pkg/resilience"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	StreamID     string
	CallSID      string
}

// Synthesizer streams text to the ElevenLabs websocket API and relays
// audio chunks as they arrive. Text can be submitted whole or as
// incremental chunks; either way each audio chunk is emitted the
// moment it is available.
type Synthesizer struct {
	cfg     Config
	conn    *websocket.Conn
	out     chan frames.Frame
	writeCh chan synthMessage
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	logger  *slog.Logger

	closeOnce sync.Once
	outMu     sync.Mutex
	outClosed bool
}

type synthMessage struct {
	text  string
	flush bool
}

func New(cfg Config) *Synthesizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 8000
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "ulaw_8000"
	}
	return &Synthesizer{
		cfg:     cfg,
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan synthMessage, 256),
		logger:  logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs_tts" }

func (s *Synthesizer) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errorsx.Wrap(errors.New("missing elevenlabs config"), errorsx.ReasonTTSConnect)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(s.buildURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	s.conn = conn
	s.logger.Info("elevenlabs_connected",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("output_format", s.cfg.OutputFormat))

	_ = s.send(map[string]any{
		"text":                   " ",
		"try_trigger_generation": true,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	})
	go s.readLoop()
	go s.writeLoop()
	return nil
}

// Close releases the connection and closes the results channel so
// consumers ranging over it terminate. Safe to call more than once.
func (s *Synthesizer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			err = s.conn.Close()
		}
		s.mu.Unlock()
		s.outMu.Lock()
		s.outClosed = true
		close(s.out)
		s.outMu.Unlock()
	})
	return err
}

func (s *Synthesizer) SendText(text string) error {
	if s.conn == nil {
		return errorsx.Wrap(errors.New("not connected"), errorsx.ReasonTTSSend)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	// Trailing space keeps the provider's chunk scheduler from waiting
	// for a word boundary.
	select {
	case s.writeCh <- synthMessage{text: text + " "}:
	default:
		// A dropped chunk garbles the spoken reply; leave a trace.
		s.logger.Warn("elevenlabs_write_buffer_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
	return nil
}

// Flush aborts in-flight generation and purges audio already buffered
// on the output channel so stale speech never reaches the caller after
// a barge-in.
func (s *Synthesizer) Flush() {
	select {
	case s.writeCh <- synthMessage{text: " ", flush: true}:
	default:
	}
drain:
	for {
		select {
		case _, ok := <-s.out:
			if !ok {
				break drain
			}
		default:
			break drain
		}
	}
}

func (s *Synthesizer) Results() <-chan frames.Frame { return s.out }

func (s *Synthesizer) buildURL() string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + s.cfg.VoiceID + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

func (s *Synthesizer) writeLoop() {
	// Keep-alive: the provider drops idle connections after 20s.
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			payload := map[string]any{"text": msg.text}
			if msg.flush {
				payload["flush"] = true
			}
			_ = s.send(payload)
		case <-ticker.C:
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

func (s *Synthesizer) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error("elevenlabs_read_error",
						slog.String("stream_id", s.cfg.StreamID),
						slog.String("error", err.Error()))
				}
				return
			}
			s.handleMessage(data)
		}
	}
}

func (s *Synthesizer) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	audio, ok := msg["audio"].(string)
	if !ok {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		s.logger.Warn("elevenlabs_audio_decode_error",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return
	}

	meta := map[string]string{
		frames.MetaCallSID: s.cfg.CallSID,
		frames.MetaSource:  "tts",
	}
	if strings.Contains(s.cfg.OutputFormat, "ulaw") {
		meta[frames.MetaEncoding] = "mulaw"
	}
	s.emit(frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, meta))
}

// emit forwards an audio frame to the consumer. A read racing Close is
// dropped instead of hitting a closed channel.
func (s *Synthesizer) emit(f frames.Frame) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return
	}
	select {
	case s.out <- f:
	default:
		s.logger.Warn("elevenlabs_output_buffer_full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

func (s *Synthesizer) send(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
