// Package decider drives the generator through the four decision
// points a game's scheduler dispatches into: establishing context,
// forcing a specific action, letting the model choose whether to act,
// and producing a spoken aside. Choosing an action is a two-stage
// constrained generation (pick a name, then fill in a schema); a spoken
// aside is stop-bounded free text; context appends generate nothing.
// All of it is built on top of internal/generator and
// internal/contextlog.
package decider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/gary-gateway/internal/contextlog"
	"github.com/nugget/gary-gateway/internal/generator"
	"github.com/nugget/gary-gateway/internal/wire"
)

const (
	optionAct  = "action"
	optionSay  = "say"
	optionWait = "wait"
)

// Decision is the outcome of choosing and filling in an action.
type Decision struct {
	ActionName string
	Data       json.RawMessage
}

// TryActionResult reports what the model decided to do in response to
// a try_action dispatch: act, say something, or wait silently.
type TryActionResult struct {
	Kind   string // "action", "say", "wait"
	Action *Decision
	Said   string
}

// Decider owns one game's generator and context log and turns dispatch
// payloads into generations.
type Decider struct {
	gen         generator.Generator
	log         *contextlog.ContextLog
	temperature float64
	allowYap    bool
}

// New creates a Decider over an already-constructed generator and
// context log.
func New(gen generator.Generator, log *contextlog.ContextLog, temperature float64, allowYapping bool) *Decider {
	return &Decider{gen: gen, log: log, temperature: temperature, allowYap: allowYapping}
}

// SystemPrompt establishes the persistent system turn and, if custom
// rules text is non-empty, a persistent follow-up user turn carrying
// it (the per-game "rules" text, rendered to plain text upstream).
func (d *Decider) SystemPrompt(gameName, customRules string) error {
	prompt := "You are Gary, an expert gamer AI. Your main purpose is playing games. " +
		"You perform in-game actions via sending JSON to a special software integration system. " +
		"You are goal-oriented but curious. You aim to keep your actions varied and entertaining."
	if d.allowYap {
		prompt += "\nYou can choose to 'say' something, whether to communicate with the human running your software or just to think out loud." +
			"\nRemember that your only means of interacting with the game is 'action'. In-game characters cannot hear you."
	}
	if _, err := d.log.Append(generator.RoleSystem, prompt, true); err != nil {
		return fmt.Errorf("decider: system prompt: %w", err)
	}
	if customRules == "" {
		return nil
	}
	if _, err := d.log.Append(generator.RoleUser, fmt.Sprintf("[%s] %s", gameName, customRules), true); err != nil {
		return fmt.Errorf("decider: custom rules: %w", err)
	}
	return nil
}

// Gaming records the game-connected context turn.
func (d *Decider) Gaming(gameName string) error {
	return d.Context(fmt.Sprintf("Connected. You are now playing %s", gameName), ContextOptions{Silent: true})
}

// NotGaming records the game-disconnected context turn.
func (d *Decider) NotGaming() error {
	return d.Context("Disconnected.", ContextOptions{Silent: true})
}

// ContextOptions controls how a Context append is recorded.
type ContextOptions struct {
	Silent     bool
	Ephemeral  bool
	Persistent bool
}

// Context appends a user-role context message, matching the game-name
// prefix convention so transcripts read naturally regardless of which
// game produced the line.
func (d *Decider) Context(text string, opts ContextOptions) error {
	if opts.Ephemeral {
		// Standalone ephemeral context (outside a ForceAction/TryAction
		// wrapper, which roll their own ephemeral window back themselves)
		// has no wrapping generation to stay visible for, so appending
		// and immediately restoring is the only coherent behavior: it is
		// observed by nothing and leaves no trace.
		restore, err := d.log.AppendEphemeral(generator.RoleUser, text)
		if err != nil {
			return fmt.Errorf("decider: ephemeral context: %w", err)
		}
		return restore()
	}
	if _, err := d.log.Append(generator.RoleUser, text, opts.Persistent); err != nil {
		return fmt.Errorf("decider: context: %w", err)
	}
	return nil
}

// Reset clears non-persistent context, re-establishing the system
// prompt's persistent turns.
func (d *Decider) Reset() error {
	return d.log.Reset()
}

// ForceAction generates a decision constrained to actionNames, framed
// by the force request's query/state. If ephemeral, the context turn
// and the generated decision are rolled back after returning so the
// game never retains a memory of being forced.
func (d *Decider) ForceAction(ctx context.Context, force *wire.ForceActionData, actions []wire.ActionModel) (Decision, error) {
	if len(actions) == 0 {
		return Decision{}, fmt.Errorf("decider: no actions to choose from")
	}
	ephemeral := force.EphemeralContext != nil && *force.EphemeralContext

	ctxMsg := forcePrompt(force, actions)
	var restore func() error
	var err error
	if ephemeral {
		restore, err = d.log.AppendEphemeral(generator.RoleUser, ctxMsg)
	} else {
		_, err = d.log.Append(generator.RoleUser, ctxMsg, false)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("decider: force_action context: %w", err)
	}

	decision, actErr := d.chooseAction(ctx, actions)

	if ephemeral && restore != nil {
		if rerr := restore(); rerr != nil && actErr == nil {
			actErr = rerr
		}
	}
	return decision, actErr
}

func forcePrompt(force *wire.ForceActionData, actions []wire.ActionModel) string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Name
	}
	state := ""
	if force.State != nil {
		state = *force.State
	}
	return fmt.Sprintf(
		"You must perform one of the following actions, given this information:\nquery: %q\nstate: %q\navailable_actions: %v",
		force.Query, state, names,
	)
}

// TryAction asks the model to decide whether to act, say something, or
// wait, given whatever actions are currently registered. The framing
// context is always ephemeral: a decision not to persist the prompt
// that asked "what next?" every turn.
func (d *Decider) TryAction(ctx context.Context, actions []wire.ActionModel, allowYapping bool) (TryActionResult, error) {
	options := make([]string, 0, 3)
	if len(actions) > 0 {
		options = append(options, optionAct)
	}
	if allowYapping {
		options = append(options, optionSay)
	}
	options = append(options, optionWait)
	if len(actions) == 0 && !allowYapping {
		return TryActionResult{Kind: optionWait}, nil
	}

	budget := 500
	if allowYapping {
		budget = 1000
	}
	if err := d.log.EnsureRoom(budget); err != nil {
		return TryActionResult{}, fmt.Errorf("decider: try_action ensure room: %w", err)
	}

	promptText := "Decide what to do next based on previous context."
	if len(actions) > 0 {
		names := make([]string, len(actions))
		for i, a := range actions {
			names[i] = a.Name
		}
		promptText += fmt.Sprintf("\nThe following actions are available to you: %v", names)
	}
	if len(options) > 1 {
		promptText += fmt.Sprintf("\nRespond with one of these options: %v", options)
	}

	restore, err := d.log.AppendEphemeral(generator.RoleUser, promptText)
	if err != nil {
		return TryActionResult{}, fmt.Errorf("decider: try_action context: %w", err)
	}
	defer restore()

	sel, err := d.gen.GenerateConstrained(ctx, generator.Grammar{
		Kind:        generator.GrammarSelect,
		Options:     options,
		Temperature: d.temperature,
	})
	if err != nil {
		return TryActionResult{}, fmt.Errorf("decider: try_action decision: %w", err)
	}

	switch sel.Text {
	case optionAct:
		decision, err := d.chooseAction(ctx, actions)
		if err != nil {
			return TryActionResult{}, err
		}
		return TryActionResult{Kind: optionAct, Action: &decision}, nil
	case optionSay:
		said, err := d.Say(ctx, nil)
		if err != nil {
			return TryActionResult{}, err
		}
		return TryActionResult{Kind: optionSay, Said: said}, nil
	default:
		return TryActionResult{Kind: optionWait}, nil
	}
}

// Say produces (or records, if message is already decided elsewhere)
// a spoken aside. It is never sent to the game over the wire; it only
// appears in the transcript and is published for observers.
func (d *Decider) Say(ctx context.Context, message *string) (string, error) {
	if err := d.log.EnsureRoom(520); err != nil {
		return "", fmt.Errorf("decider: say ensure room: %w", err)
	}
	if message != nil && *message != "" {
		if _, err := d.log.Append(generator.RoleAssistant, *message, false); err != nil {
			return "", fmt.Errorf("decider: say: %w", err)
		}
		return *message, nil
	}
	res, err := d.gen.GenerateConstrained(ctx, generator.Grammar{
		Kind:        generator.GrammarFreeText,
		Stop:        []string{"\n", "\""},
		Temperature: d.temperature,
		MaxTokens:   d.maxTokens(500),
	})
	if err != nil {
		return "", fmt.Errorf("decider: say: %w", err)
	}
	d.log.Record(generator.RoleAssistant, res.Text, res.Tokens, false)
	return res.Text, nil
}

// chooseAction runs the two-stage constrained decode: pick a name from
// actions, then fill in that action's schema.
func (d *Decider) chooseAction(ctx context.Context, actions []wire.ActionModel) (Decision, error) {
	if len(actions) == 0 {
		return Decision{}, fmt.Errorf("decider: no actions to choose from")
	}
	if err := d.log.EnsureRoom(200); err != nil {
		return Decision{}, fmt.Errorf("decider: action ensure room: %w", err)
	}
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Name
	}
	sel, err := d.gen.GenerateConstrained(ctx, generator.Grammar{
		Kind:        generator.GrammarSelect,
		Options:     names,
		Temperature: d.temperature,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("decider: action name: %w", err)
	}
	chosen, ok := findAction(actions, sel.Text)
	if !ok {
		return Decision{}, fmt.Errorf("decider: generator selected unknown action %q", sel.Text)
	}
	dataRes, err := d.gen.GenerateConstrained(ctx, generator.Grammar{
		Kind:        generator.GrammarJSONSchema,
		Schema:      chosen.Schema,
		Temperature: d.temperature,
		MaxTokens:   d.maxTokens(100000),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("decider: action data: %w", err)
	}
	d.log.Record(generator.RoleAssistant,
		fmt.Sprintf("chosen action: %s; data: %s", chosen.Name, dataRes.Text),
		sel.Tokens+dataRes.Tokens, false)
	return Decision{ActionName: chosen.Name, Data: json.RawMessage(dataRes.Text)}, nil
}

func (d *Decider) maxTokens(atMost int) int {
	remaining := d.gen.ContextWindow() - d.gen.TotalTokens()
	if remaining < 0 {
		remaining = 0
	}
	if remaining < atMost {
		return remaining
	}
	return atMost
}

func findAction(actions []wire.ActionModel, name string) (wire.ActionModel, bool) {
	for _, a := range actions {
		if a.Name == name {
			return a, true
		}
	}
	return wire.ActionModel{}, false
}
