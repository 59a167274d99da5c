// Package contextlog maintains the token-bounded, append-only chat
// history backing one game's generator. It mirrors each appended
// message in a local slice (role, text, persistence) alongside
// whatever state the generator itself holds, so it can decide how to
// make room without ever having to re-derive text from tokens.
package contextlog

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nugget/gary-gateway/internal/generator"
)

// Message is one retained chat turn. Persistent messages (the system
// prompt, per-game custom rules) survive both trim strategies; every
// other message can be discarded to make room.
type Message struct {
	Role       generator.Role
	Text       string
	Tokens     int
	Persistent bool
}

// ContextLog owns the Generator for one game and keeps its own
// message slice in lockstep with it.
type ContextLog struct {
	mu         sync.Mutex
	gen        generator.Generator
	tokenLimit int
	logger     *slog.Logger
	messages   []Message
}

// New creates a ContextLog bounded to tokenLimit tokens (the engine's
// n_ctx minus a safety margin the caller has already subtracted).
func New(gen generator.Generator, tokenLimit int, logger *slog.Logger) *ContextLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextLog{gen: gen, tokenLimit: tokenLimit, logger: logger}
}

// TotalTokens reports the generator's current prompt length.
func (c *ContextLog) TotalTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen.TotalTokens()
}

// Messages returns a snapshot of the retained messages.
func (c *ContextLog) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// EnsureRoom guarantees the generator has room for need more tokens,
// trimming or resetting first if necessary. Callers that generate
// directly against the Generator (bypassing Append) must call this
// first, matching truncate_context's role ahead of every append or
// generation.
func (c *ContextLog) EnsureRoom(need int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureRoomLocked(need)
}

// Append ensures room, appends text under role to the generator, and
// records it in the log. persistent messages are never discarded by
// either trim strategy.
func (c *ContextLog) Append(role generator.Role, text string, persistent bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	need := c.gen.EstimateTokens(text)
	if err := c.ensureRoomLocked(need); err != nil {
		return 0, err
	}
	tok, err := c.gen.AppendRole(role, text)
	if err != nil {
		return 0, err
	}
	c.messages = append(c.messages, Message{Role: role, Text: text, Tokens: tok, Persistent: persistent})
	return tok, nil
}

// Record adds a message to the log's bookkeeping without touching the
// generator. Used after a caller has already driven the generator
// directly (e.g. a multi-stage constrained decode) and now wants the
// combined result reflected as a single retained message.
func (c *ContextLog) Record(role generator.Role, text string, tokens int, persistent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: role, Text: text, Tokens: tokens, Persistent: persistent})
}

// AppendEphemeral appends text without recording it in the log and
// returns a restore function that rolls the generator back to its
// pre-append token count. Used by try_action/force_action's ephemeral
// path: the generation sees the extra context, but nothing durable is
// kept afterward.
func (c *ContextLog) AppendEphemeral(role generator.Role, text string) (restore func() error, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	need := c.gen.EstimateTokens(text)
	if err := c.ensureRoomLocked(need); err != nil {
		return nil, err
	}
	before := c.gen.TotalTokens()
	kept := len(c.messages)
	if _, err := c.gen.AppendRole(role, text); err != nil {
		return nil, err
	}
	return func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.messages) > kept {
			c.messages = c.messages[:kept]
		}
		return c.gen.Truncate(before)
	}, nil
}

// Reset unconditionally clears every non-persistent message, the same
// path EnsureRoom falls back to when trimming can't make enough room.
func (c *ContextLog) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullResetLocked()
}

func (c *ContextLog) ensureRoomLocked(need int) error {
	used := c.gen.TotalTokens() + need
	if used <= c.tokenLimit {
		return nil
	}
	if kv, ok := c.gen.(generator.TransparentKVGenerator); ok {
		if err := c.partialTrimLocked(kv); err != nil {
			c.logger.Debug("contextlog: partial trim unavailable, falling back to full reset")
		} else if c.gen.TotalTokens()+need <= c.tokenLimit {
			return nil
		} else {
			c.logger.Debug("contextlog: partial trim did not free enough room, falling back to full reset")
		}
	}
	c.logger.Info("contextlog: truncating context", "used", used, "limit", c.tokenLimit)
	return c.fullResetLocked()
}

// partialTrimLocked implements the same walk as the original engine
// wrapper's token-level trim: the first discardable message marks
// n_keep, the contiguous discardable run after it (ending at the first
// message that brings it to half the context window or more) is
// n_discard. The run always covers whole messages, and each Message
// already carries its own exact text, so dropping the discarded run
// from the slice is enough — there is no token-index bookkeeping to
// renumber afterward.
func (c *ContextLog) partialTrimLocked(kv generator.TransparentKVGenerator) error {
	maxDiscard := kv.ContextWindow() / 2

	nKeep := -1
	nDiscard := 0
	startIdx := -1
	lastDiscardIdx := -1
	running := 0

	for i, m := range c.messages {
		discardable := !m.Persistent && m.Role != generator.RoleSystem
		if nKeep < 0 {
			if discardable {
				nKeep = running
				startIdx = i
				lastDiscardIdx = i
				nDiscard = m.Tokens
			}
		} else if discardable {
			lastDiscardIdx = i
			nDiscard += m.Tokens
		} else {
			break
		}
		running += m.Tokens
		if nDiscard >= maxDiscard {
			break
		}
	}

	if nKeep < 0 || nDiscard <= 0 {
		return errors.New("contextlog: nothing discardable to trim")
	}
	endIdx := lastDiscardIdx + 1

	newTotal, err := kv.TrimWindow(nKeep, nDiscard)
	if err != nil {
		return err
	}
	c.messages = append(append([]Message{}, c.messages[:startIdx]...), c.messages[endIdx:]...)
	c.logger.Debug("contextlog: partial trim", "n_keep", nKeep, "n_discard", nDiscard, "new_total", newTotal)
	return nil
}

// fullResetLocked clears the generator entirely, then replays every
// persistent message (the system prompt, per-game custom rules) so
// they survive the reset in their original order.
func (c *ContextLog) fullResetLocked() error {
	if err := c.gen.Reset(); err != nil {
		return err
	}
	kept := c.messages[:0:0]
	for _, m := range c.messages {
		if !m.Persistent {
			continue
		}
		if _, err := c.gen.AppendRole(m.Role, m.Text); err != nil {
			return err
		}
		kept = append(kept, m)
	}
	c.messages = kept
	c.logger.Info("contextlog: full reset", "kept_persistent", len(kept))
	return nil
}
