// Package generator defines the constrained-decoding facade the rest of
// the gateway talks to, hiding the inference engine's token-level
// internals behind a small interface. Two capability tiers exist:
// every Generator supports a full reset; a Generator that additionally
// implements TransparentKVGenerator exposes an addressable KV cache and
// supports the context log's partial-trim path.
package generator

import "context"

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// GrammarKind selects what shape of constrained output is produced.
type GrammarKind int

const (
	// GrammarSelect picks exactly one of Options verbatim.
	GrammarSelect GrammarKind = iota
	// GrammarJSONSchema produces JSON matching Schema.
	GrammarJSONSchema
	// GrammarFreeText produces unconstrained text, bounded by Stop
	// sequences and MaxTokens.
	GrammarFreeText
)

// Grammar parametrizes one constrained-decoding call.
type Grammar struct {
	Kind        GrammarKind
	Options     []string // GrammarSelect
	Schema      []byte   // GrammarJSONSchema, raw JSON Schema object
	Stop        []string // GrammarFreeText
	Temperature float64
	MaxTokens   int
}

// Result is the outcome of a constrained generation.
type Result struct {
	Text   string
	Tokens int
}

// Generator is the minimum interface every inference backend must
// satisfy: append chat turns, produce constrained output, count
// tokens, and support being reset to an empty state.
type Generator interface {
	// AppendRole appends text under role to the running prompt and
	// returns how many tokens it consumed.
	AppendRole(role Role, text string) (tokens int, err error)
	// GenerateConstrained produces output matching g and appends it
	// under the assistant role before returning.
	GenerateConstrained(ctx context.Context, g Grammar) (Result, error)
	// EstimateTokens counts the tokens text would consume if appended,
	// without mutating any state.
	EstimateTokens(text string) int
	// Reset clears all accumulated state unconditionally. Callers are
	// responsible for re-establishing the system prompt afterward.
	Reset() error
	// Truncate drops every appended message beyond the first `tokens`
	// tokens, restoring the generator to the state it was in after
	// exactly that many tokens had been appended. Used to discard
	// ephemeral appends once a generation that used them completes.
	Truncate(tokens int) error
	// TotalTokens reports the generator's current prompt length.
	TotalTokens() int
	// ContextWindow reports the engine's maximum context size (n_ctx).
	ContextWindow() int
}

// TransparentKVGenerator is the optional capability interface for
// engines with an addressable KV cache. Implementers with only an
// opaque generator do not implement this; the context log detects its
// absence and falls back to an unconditional Reset.
type TransparentKVGenerator interface {
	Generator
	// TrimWindow discards the token range [nKeep, nKeep+nDiscard) from
	// the KV cache and slides everything after it left by nDiscard
	// tokens, returning the new total token count.
	TrimWindow(nKeep, nDiscard int) (newTotal int, err error)
}
