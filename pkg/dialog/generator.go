package dialog

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/voicewire/voicewire/pkg/errorsx"
	"github.com/voicewire/voicewire/pkg/llm"
	"github.com/voicewire/voicewire/pkg/logging"
)

// ErrEmptySegment is returned when a blank transcript segment reaches
// the generator. Callers filter these upstream; this is the last guard.
var ErrEmptySegment = errors.New("empty transcript segment")

// Generator turns finalized transcript segments into reply text against
// one call's conversation history. On provider failure nothing is
// appended to history.
type Generator struct {
	adapter llm.Adapter
	history *History
	logger  *slog.Logger
}

func NewGenerator(adapter llm.Adapter, history *History, base *slog.Logger) *Generator {
	return &Generator{
		adapter: adapter,
		history: history,
		logger:  logging.NewComponentLogger(base, "dialog"),
	}
}

func (g *Generator) History() *History { return g.history }

// Reply produces the whole reply for one segment and commits the
// user/agent exchange to history.
func (g *Generator) Reply(ctx context.Context, segment string) (string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "", ErrEmptySegment
	}
	resp, err := g.adapter.Generate(ctx, g.history.MessagesWith(segment))
	if err != nil {
		g.logger.Error("llm_generate_failed",
			slog.String("provider", g.adapter.Name()),
			slog.String("error", err.Error()))
		return "", errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		g.logger.Warn("llm_empty_reply", slog.String("provider", g.adapter.Name()))
		return "", errorsx.Wrap(errors.New("provider returned empty reply"), errorsx.ReasonLLMGenerate)
	}
	if err := g.history.AppendExchange(segment, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// ReplyStream produces the reply as a lazy chunk channel: finite, not
// restartable, consumed exactly once. The exchange is committed to
// history only after the stream drains cleanly; a canceled context
// leaves history untouched.
func (g *Generator) ReplyStream(ctx context.Context, segment string) (<-chan string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return nil, ErrEmptySegment
	}
	chunks, err := g.adapter.Stream(ctx, g.history.MessagesWith(segment))
	if err != nil {
		g.logger.Error("llm_stream_failed",
			slog.String("provider", g.adapter.Name()),
			slog.String("error", err.Error()))
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		var sb strings.Builder
		for chunk := range chunks {
			sb.WriteString(chunk)
			select {
			case <-ctx.Done():
				// Drain the provider channel so its goroutine exits, but
				// forward nothing further and commit nothing.
				for range chunks {
				}
				return
			case out <- chunk:
			}
		}
		reply := strings.TrimSpace(sb.String())
		if reply == "" || ctx.Err() != nil {
			return
		}
		if err := g.history.AppendExchange(segment, reply); err != nil {
			g.logger.Error("history_append_failed", slog.String("error", err.Error()))
		}
	}()
	return out, nil
}
