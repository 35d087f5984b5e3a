package llm

import "context"

// Message is one {role, text} turn in provider wire order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is a completed generation.
type Response struct {
	Text         string
	FinishReason string
}

// Adapter is the contract for a chat-completion vendor. Generate returns
// the whole reply; Stream returns a finite channel of text chunks that
// concatenate to the full reply, consumed exactly once.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, messages []Message) (Response, error)
	Stream(ctx context.Context, messages []Message) (<-chan string, error)
}
