package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/voicewire/voicewire/pkg/errorsx"
	"github.com/voicewire/voicewire/pkg/frames"
	"github.com/voicewire/voicewire/pkg/logging"
	"github.com/voicewire/voicewire/pkg/session"
)

type Config struct {
	ServerAddr string `mapstructure:"server_addr"`
	PublicURL  string `mapstructure:"public_url"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	VoicePath  string `mapstructure:"voice_path"`
	StreamPath string `mapstructure:"stream_path"`
	StatusPath string `mapstructure:"status_path"`
	Greeting   string `mapstructure:"greeting"`
	SampleRate int    `mapstructure:"sample_rate"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.StreamPath == "" {
		c.StreamPath = "/stream"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/status"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 8000
	}
	return c
}

// SessionBuilder constructs one call's session. The relay supplies the
// outbound sink bound to the call socket and the teardown hook it needs
// to unregister the stream.
type SessionBuilder func(ctx context.Context, streamID, callSID, traceID string, sink session.Sink, onClose func(streamID, reason string)) (*session.Session, error)

// Server owns the telephony-facing surface: the answer webhook, the
// status callback, and the duplex media-stream socket. Each socket is
// demultiplexed into start/media/stop events; media flows to the
// session's transcriber and synthesized audio flows back out on the
// same socket, always under the stream SID learned from the most
// recent start event.
type Server struct {
	cfg      Config
	builder  SessionBuilder
	registry *session.Registry
	upgrader websocket.Upgrader
	server   *http.Server
	logger   *slog.Logger
	draining atomic.Bool

	mu          sync.Mutex
	conns       map[string]*conn
	callStreams map[string]string
}

func NewServer(cfg Config, builder SessionBuilder, base *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		builder: builder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:      logging.NewComponentLogger(base, "relay"),
		conns:       make(map[string]*conn),
		callStreams: make(map[string]string),
	}
	s.registry = session.NewRegistry(func(ctx context.Context, streamID, callSID, traceID string) (*session.Session, error) {
		return builder(ctx, streamID, callSID, traceID, s.sinkFor(streamID), s.onSessionClose)
	})
	return s
}

// Registry exposes the session arena for drain coordination.
func (s *Server) Registry() *session.Registry { return s.registry }

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.VoicePath, s.handleVoice)
	mux.Handle(s.cfg.StreamPath, s)
	mux.HandleFunc(s.cfg.StatusPath, s.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay_server_error", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("relay_listening",
		slog.String("addr", s.cfg.ServerAddr),
		slog.String("voice_webhook", s.voiceWebhookURL()),
	)
	return nil
}

func (s *Server) Stop() error {
	s.draining.Store(true)
	s.registry.SetDraining(true)
	if s.server != nil {
		_ = s.server.Close()
	}
	s.registry.CloseAll("draining")
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.close()
	}
	s.conns = make(map[string]*conn)
	s.callStreams = make(map[string]string)
	s.mu.Unlock()
	return nil
}

// ServeHTTP is the media-stream socket endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var streamID string
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var evt streamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			s.logger.Warn("relay_frame_dropped", slog.String("reason", "bad_json"))
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || evt.Start.StreamID == "" {
				s.logger.Warn("relay_frame_dropped", slog.String("reason", "start_missing_stream_sid"))
				continue
			}
			streamID = evt.Start.StreamID
			traceID := uuid.NewString()
			s.attach(streamID, evt.Start.CallSID, ws)
			if _, created, err := s.registry.Create(r.Context(), streamID, evt.Start.CallSID, traceID); err != nil {
				s.logger.Error("session_create_failed",
					slog.String("stream_id", streamID),
					slog.String("error", err.Error()))
				s.detach(streamID)
				_ = ws.Close()
				return
			} else if created {
				s.logger.Info("call_start",
					slog.String("stream_id", streamID),
					slog.String("call_sid", evt.Start.CallSID),
					slog.String("trace_id", traceID))
			}
		case "media":
			if streamID == "" {
				// No start frame observed yet; there is no session to route to.
				s.logger.Warn("relay_frame_dropped", slog.String("reason", "media_before_start"))
				continue
			}
			if evt.Media == nil {
				s.logger.Warn("relay_frame_dropped", slog.String("reason", "media_missing_payload"))
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				s.logger.Warn("relay_frame_dropped",
					slog.String("reason", "media_bad_base64"),
					slog.String("stream_id", streamID))
				continue
			}
			sess, ok := s.registry.Get(streamID)
			if !ok {
				continue
			}
			meta := map[string]string{
				frames.MetaCallSID:  sess.CallSID(),
				frames.MetaEncoding: "mulaw",
				frames.MetaSource:   "relay",
			}
			sess.AcceptAudio(frames.NewAudioFrameFromPool(streamID, time.Now().UnixNano(), payload, s.cfg.SampleRate, 1, meta))
		case "stop":
			reason := "completed"
			if evt.Stop != nil {
				if r := normalizeCallEndReason(evt.Stop.Reason); r != "" {
					reason = r
				}
			}
			s.registry.Close(streamID, reason)
			s.detach(streamID)
			return
		default:
			s.logger.Warn("relay_frame_dropped",
				slog.String("reason", "unknown_event"),
				slog.String("event", evt.Event))
		}
	}
	if streamID != "" {
		s.registry.Close(streamID, "transport_closed")
		s.detach(streamID)
	}
}

// sinkFor binds a session's outbound frames to its call socket. Frames
// are refused once the socket is gone; every outbound media event
// carries the stream SID recorded on the start frame.
func (s *Server) sinkFor(streamID string) session.Sink {
	return func(f frames.Frame) error {
		c := s.conn(streamID)
		if c == nil {
			return errorsx.Wrap(errors.New("no live socket for stream"), errorsx.ReasonTransportSend)
		}
		switch f.Kind() {
		case frames.KindAudio:
			af := f.(frames.AudioFrame)
			payload := base64.StdEncoding.EncodeToString(af.RawPayload())
			frames.ReleaseAudioFrame(af)
			return c.enqueue(outboundMedia{
				Event:    "media",
				StreamID: streamID,
				Media:    mediaEnvelope{Payload: payload},
			})
		case frames.KindControl:
			cf := f.(frames.ControlFrame)
			switch cf.Code() {
			case frames.ControlStopSpeak:
				return c.enqueue(outboundClear{Event: "clear", StreamID: streamID})
			case frames.ControlFallback:
				for _, chunk := range fallbackMuLawFrames() {
					_ = c.enqueue(outboundMedia{
						Event:    "media",
						StreamID: streamID,
						Media:    mediaEnvelope{Payload: base64.StdEncoding.EncodeToString(chunk)},
					})
				}
				return nil
			default:
				return nil
			}
		default:
			return nil
		}
	}
}

func (s *Server) onSessionClose(streamID, reason string) {
	s.registry.Remove(streamID)
	s.detach(streamID)
	s.logger.Info("call_end",
		slog.String("stream_id", streamID),
		slog.String(frames.MetaCallEndReason, reason))
}

func (s *Server) attach(streamID, callSID string, ws *websocket.Conn) {
	c := newConn(ws)
	s.mu.Lock()
	if old, ok := s.conns[streamID]; ok {
		_ = old.close()
	}
	s.conns[streamID] = c
	if callSID != "" {
		s.callStreams[callSID] = streamID
	}
	s.mu.Unlock()
	go c.writeLoop()
}

func (s *Server) detach(streamID string) {
	s.mu.Lock()
	c := s.conns[streamID]
	delete(s.conns, streamID)
	for callSID, sid := range s.callStreams {
		if sid == streamID {
			delete(s.callStreams, callSID)
		}
	}
	s.mu.Unlock()
	if c != nil {
		_ = c.close()
	}
}

func (s *Server) conn(streamID string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[streamID]
}

func (s *Server) streamForCall(callSID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callStreams[callSID]
}

// handleVoice answers the telephony provider's call-answered webhook
// with markup that plays the greeting and opens the media stream.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateSignature(r) {
		s.logger.Warn("voice_webhook_rejected",
			slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(answerTwiML(s.cfg.Greeting, s.streamURL(r))))
}

// handleStatusCallback maps provider call-status updates onto session
// teardown for the affected call only.
func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateSignature(r) {
		s.logger.Warn("status_webhook_rejected",
			slog.String("reason_code", string(errorsx.ReasonTransportInvalidSignature)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if callSID == "" || reason == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if streamID := s.streamForCall(callSID); streamID != "" {
		s.registry.Close(streamID, reason)
		s.detach(streamID)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) validateSignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	return validator.ValidateBody(s.requestURL(r), body, signature)
}

func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(s.cfg.PublicURL) + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (s *Server) streamURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.StreamPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return "wss://" + host + s.cfg.StreamPath
}

func (s *Server) voiceWebhookURL() string {
	if s.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.VoicePath
	}
	addr := s.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + s.cfg.VoicePath
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
