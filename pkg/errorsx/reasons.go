package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSSend    ReasonCode = "tts_send"

	ReasonLLMGenerate ReasonCode = "llm_generate"
	ReasonLLMStream   ReasonCode = "llm_stream"

	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"

	ReasonConfigInvalid ReasonCode = "config_invalid"

	ReasonSessionIdleTimeout  ReasonCode = "session_idle_timeout"
	ReasonSessionReplyTimeout ReasonCode = "session_reply_timeout"
	ReasonSessionClosed       ReasonCode = "session_closed"
)
