package relay

import (
	"bytes"
	"strings"
	"sync"
)

// streamEvent is the JSON envelope the telephony media stream pushes
// over the duplex socket. Exactly one of the payload pointers is set
// for a well-formed event.
type streamEvent struct {
	Event string        `json:"event"`
	Start *startPayload `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
	Stop  *stopPayload  `json:"stop,omitempty"`
}

type startPayload struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type stopPayload struct {
	Reason string `json:"reason"`
}

// outboundMedia frames synthesized audio for the telephony leg.
type outboundMedia struct {
	Event    string        `json:"event"`
	StreamID string        `json:"streamSid"`
	Media    mediaEnvelope `json:"media"`
}

type mediaEnvelope struct {
	Payload string `json:"payload"`
}

// outboundClear tells the provider to drop buffered playback (barge-in).
type outboundClear struct {
	Event    string `json:"event"`
	StreamID string `json:"streamSid"`
}

func answerTwiML(greeting, wsURL string) string {
	greeting = strings.TrimSpace(greeting)
	if greeting != "" {
		return `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	return `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "":
		return ""
	case "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

// Five 20ms mulaw silence frames, used when synthesis itself is down
// and the caller still needs an audible beat before the next turn.
var fallbackMuLawOnce sync.Once
var fallbackMuLaw [][]byte

func fallbackMuLawFrames() [][]byte {
	fallbackMuLawOnce.Do(func() {
		silence := bytes.Repeat([]byte{0xFF}, 160*5)
		for i := 0; i < len(silence); i += 160 {
			fallbackMuLaw = append(fallbackMuLaw, silence[i:i+160])
		}
	})
	return fallbackMuLaw
}
