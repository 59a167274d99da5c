package generator

import (
	"context"
	"fmt"
	"strings"
)

// estimateTokens is a deterministic word-count approximation shared by
// both fake generators below; real engines use their own tokenizer.
func estimateTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return len(strings.Fields(text))
}

type message struct {
	role   Role
	tokens int
}

// Opaque is a minimal in-memory Generator standing in for a hosted,
// opaque-state inference API: it has no addressable KV cache, so it
// does not implement TransparentKVGenerator and the context log always
// falls back to a full Reset for it.
type Opaque struct {
	ctxWindow int
	messages  []message
	total     int
	nextText  string // next constrained-generation output to return
}

// NewOpaque creates a fake opaque generator with the given context window.
func NewOpaque(ctxWindow int) *Opaque {
	return &Opaque{ctxWindow: ctxWindow}
}

// SetNextOutput queues the text the next GenerateConstrained call returns.
func (o *Opaque) SetNextOutput(text string) { o.nextText = text }

func (o *Opaque) AppendRole(role Role, text string) (int, error) {
	tok := estimateTokens(text)
	o.messages = append(o.messages, message{role: role, tokens: tok})
	o.total += tok
	return tok, nil
}

func (o *Opaque) GenerateConstrained(ctx context.Context, g Grammar) (Result, error) {
	text := o.nextText
	if text == "" {
		switch g.Kind {
		case GrammarSelect:
			if len(g.Options) == 0 {
				return Result{}, fmt.Errorf("generator: select grammar with no options")
			}
			text = g.Options[0]
		case GrammarJSONSchema:
			text = "{}"
		default:
			text = ""
		}
	}
	o.nextText = ""
	tok, _ := o.AppendRole(RoleAssistant, text)
	return Result{Text: text, Tokens: tok}, nil
}

func (o *Opaque) EstimateTokens(text string) int { return estimateTokens(text) }

func (o *Opaque) Reset() error {
	o.messages = nil
	o.total = 0
	return nil
}

func (o *Opaque) Truncate(tokens int) error {
	running := 0
	for i, m := range o.messages {
		if running+m.tokens > tokens {
			o.messages = o.messages[:i]
			o.total = running
			return nil
		}
		running += m.tokens
	}
	return nil
}

func (o *Opaque) TotalTokens() int   { return o.total }
func (o *Opaque) ContextWindow() int { return o.ctxWindow }

// TransparentKV is a minimal fake implementing TransparentKVGenerator,
// standing in for a local engine with an addressable KV cache.
type TransparentKV struct {
	Opaque
}

// NewTransparentKV creates a fake transparent-KV generator.
func NewTransparentKV(ctxWindow int) *TransparentKV {
	return &TransparentKV{Opaque: Opaque{ctxWindow: ctxWindow}}
}

func (t *TransparentKV) TrimWindow(nKeep, nDiscard int) (int, error) {
	// Reconstruct the message list by dropping whichever whole messages
	// fall inside [nKeep, nKeep+nDiscard). The real engine additionally
	// shifts its KV cache in place; the fake has none to shift.
	if nDiscard <= 0 {
		return t.total, nil
	}
	var kept []message
	running := 0
	for _, m := range t.messages {
		start := running
		end := running + m.tokens
		running = end
		if start >= nKeep && end <= nKeep+nDiscard {
			continue // fully inside the discard window
		}
		kept = append(kept, m)
	}
	t.messages = kept
	total := 0
	for _, m := range kept {
		total += m.tokens
	}
	t.total = total
	return total, nil
}
