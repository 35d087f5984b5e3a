package dialog

import (
	"errors"
	"sync"

	"github.com/voicewire/voicewire/pkg/llm"
)

type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
)

// Turn is immutable once appended.
type Turn struct {
	Role Role
	Text string
}

var errBrokenAlternation = errors.New("history must alternate user/agent turns")

// History is one call's ordered conversation. The first turn is always
// the system prompt, inserted at creation and never mutated. User and
// agent turns are only ever appended as a pair, so the sequence is
// strictly system, (user, agent)*.
type History struct {
	mu    sync.Mutex
	turns []Turn
}

func NewHistory(systemPrompt string) *History {
	return &History{turns: []Turn{{Role: RoleSystem, Text: systemPrompt}}}
}

// AppendExchange appends a user turn and the agent reply atomically.
func (h *History) AppendExchange(user, agent string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if last := h.turns[len(h.turns)-1].Role; last != RoleSystem && last != RoleAgent {
		return errBrokenAlternation
	}
	h.turns = append(h.turns, Turn{Role: RoleUser, Text: user}, Turn{Role: RoleAgent, Text: agent})
	return nil
}

// Turns returns a copy of the conversation so far.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// MessagesWith snapshots the history plus a candidate user turn in
// provider wire order. The candidate is not appended; AppendExchange
// commits it only after the provider replies.
func (h *History) MessagesWith(segment string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, 0, len(h.turns)+1)
	for _, t := range h.turns {
		out = append(out, llm.Message{Role: wireRole(t.Role), Content: t.Text})
	}
	out = append(out, llm.Message{Role: wireRole(RoleUser), Content: segment})
	return out
}

func wireRole(r Role) string {
	if r == RoleAgent {
		return "assistant"
	}
	return string(r)
}
