package dialog

import "testing"

func TestHistoryStartsWithSystemTurn(t *testing.T) {
	h := NewHistory("be brief")
	turns := h.Turns()
	if len(turns) != 1 || turns[0].Role != RoleSystem || turns[0].Text != "be brief" {
		t.Fatalf("unexpected initial turns: %+v", turns)
	}
}

func TestHistoryAlternation(t *testing.T) {
	h := NewHistory("sys")
	if err := h.AppendExchange("hello there", "hi!"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := h.AppendExchange("how are you", "fine"); err != nil {
		t.Fatalf("append: %v", err)
	}

	turns := h.Turns()
	want := []Role{RoleSystem, RoleUser, RoleAgent, RoleUser, RoleAgent}
	if len(turns) != len(want) {
		t.Fatalf("expected %d turns, got %d", len(want), len(turns))
	}
	for i, r := range want {
		if turns[i].Role != r {
			t.Fatalf("turn %d: expected role %s, got %s", i, r, turns[i].Role)
		}
	}
}

func TestMessagesWithDoesNotCommit(t *testing.T) {
	h := NewHistory("sys")
	msgs := h.MessagesWith("hello there")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Role != "user" || msgs[1].Content != "hello there" {
		t.Fatalf("unexpected candidate turn: %+v", msgs[1])
	}
	if h.Len() != 1 {
		t.Fatalf("candidate turn must not be committed, got %d turns", h.Len())
	}
}

func TestAgentRoleMapsToAssistantWire(t *testing.T) {
	h := NewHistory("sys")
	if err := h.AppendExchange("hi", "hello"); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs := h.MessagesWith("next")
	if msgs[2].Role != "assistant" {
		t.Fatalf("expected assistant wire role, got %q", msgs[2].Role)
	}
}

func TestTurnsReturnsCopy(t *testing.T) {
	h := NewHistory("sys")
	turns := h.Turns()
	turns[0].Text = "mutated"
	if h.Turns()[0].Text != "sys" {
		t.Fatalf("history must not be mutable through Turns")
	}
}
