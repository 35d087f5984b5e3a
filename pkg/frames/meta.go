package frames

// Well-known meta keys carried on frames between the relay, the session,
// and the provider adapters.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaSource        = "source"
	MetaIsFinal       = "is_final"
	MetaEncoding      = "encoding"
	MetaReason        = "reason"
	MetaCallEndReason = "call_end_reason"
)
