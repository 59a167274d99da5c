// Package game holds the per-game state a single game accrues:
// its registered action table, pending action/force bookkeeping, and
// the scheduler+decider pair driving its model interactions. A Game
// outlives any one WebSocket connection — reconnecting re-attaches a
// new Connection to the same Game state.
package game

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/gary-gateway/internal/config"
	"github.com/nugget/gary-gateway/internal/contextlog"
	"github.com/nugget/gary-gateway/internal/decider"
	"github.com/nugget/gary-gateway/internal/generator"
	"github.com/nugget/gary-gateway/internal/gwevents"
	"github.com/nugget/gary-gateway/internal/scheduler"
	"github.com/nugget/gary-gateway/internal/wire"
)

// Connection is the subset of a game-facing WebSocket connection the
// Game needs: enough to send outbound messages and query/change its
// liveness, without the game package needing to know about gorilla's
// websocket types.
type Connection interface {
	ID() string
	Version() string
	IsConnected() bool
	Send(data []byte) error
	Disconnect(code int, reason string) error
}

// Options configures a new Game.
type Options struct {
	Version            string
	AllowYapping        bool
	EnforceSchema       bool
	Temperature         float64
	TokenLimit          int
	IdleTimeoutTry      time.Duration
	IdleTimeoutForce    time.Duration
	SleepAfterSay       time.Duration
	ExistingConnPolicy  config.ConflictResolutionPolicy
	CustomRules         string
	Logger              *slog.Logger
	Bus                 *gwevents.Bus
}

// Game is one named game's accumulated state.
type Game struct {
	name    string
	version string
	opts    Options
	logger  *slog.Logger
	bus     *gwevents.Bus

	decider *decider.Decider
	sched   *scheduler.Scheduler

	mu             sync.Mutex
	connection     Connection
	actions        map[string]wire.ActionModel
	seenActions    map[string]bool
	pendingActions map[string]string // action id -> action name
	pendingForces  map[string]*wire.ForceActionData
	warnedUnstable map[string]bool
}

// New constructs a Game with its own generator-backed decider and
// scheduler. gen is this game's dedicated generator instance.
func New(name string, gen generator.Generator, opts Options) *Game {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("game", name)

	limit := opts.TokenLimit
	if limit <= 0 || limit > gen.ContextWindow() {
		limit = gen.ContextWindow()
	}
	log := contextlog.New(gen, limit, logger)
	dec := decider.New(gen, log, opts.Temperature, opts.AllowYapping)

	g := &Game{
		name:           name,
		version:        opts.Version,
		opts:           opts,
		logger:         logger,
		bus:            opts.Bus,
		decider:        dec,
		actions:        map[string]wire.ActionModel{},
		seenActions:    map[string]bool{},
		pendingActions: map[string]string{},
		pendingForces:  map[string]*wire.ForceActionData{},
		warnedUnstable: map[string]bool{},
	}
	g.sched = scheduler.New(logger, g, opts.IdleTimeoutTry, opts.IdleTimeoutForce)

	if err := dec.SystemPrompt(name, opts.CustomRules); err != nil {
		logger.Error("game: system prompt failed", "error", err)
	}
	return g
}

// Name returns the game's name.
func (g *Game) Name() string { return g.name }

// Version returns the protocol version this game was created under.
func (g *Game) Version() string { return g.version }

// Connection returns the currently attached connection, or nil.
func (g *Game) Connection() Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connection
}

// SetConnection attaches conn to this game, applying the configured
// conflict-resolution policy if another connection is already active.
func (g *Game) SetConnection(conn Connection) error {
	g.mu.Lock()
	existing := g.connection
	sameVersion := g.version == conn.Version()
	g.mu.Unlock()

	if existing == conn {
		return nil
	}
	if !sameVersion {
		return fmt.Errorf("game: connection version mismatch: game is v%s, connection is v%s", g.version, conn.Version())
	}

	if existing != nil && existing.IsConnected() {
		g.logger.Warn("game already has an active connection, applying conflict policy",
			"policy", g.opts.ExistingConnPolicy)
		if g.opts.ExistingConnPolicy == config.DropIncoming {
			return conn.Disconnect(1002, "Multiple connections are not allowed")
		}
		if err := existing.Disconnect(1012, "Changing connections"); err != nil {
			g.logger.Warn("game: error disconnecting existing connection", "error", err)
		}
	}

	g.mu.Lock()
	g.connection = conn
	if g.version != "1" {
		g.actions = map[string]wire.ActionModel{}
	}
	g.mu.Unlock()

	g.sched.Start()
	return g.decider.Gaming(g.name)
}

// Disconnected marks the game as no longer actively connected: it stops
// the scheduler, clears the action table and pending action/force
// bookkeeping, and appends a "Disconnected." context line. The context
// log itself is not reset.
func (g *Game) Disconnected() {
	g.sched.Stop()
	g.mu.Lock()
	g.seenActions = map[string]bool{}
	g.actions = map[string]wire.ActionModel{}
	g.pendingActions = map[string]string{}
	g.pendingForces = map[string]*wire.ForceActionData{}
	g.mu.Unlock()
	if err := g.decider.NotGaming(); err != nil {
		g.logger.Error("game: not_gaming context failed", "error", err)
	}
}

// Handle routes one decoded inbound message to the matching handler.
func (g *Game) Handle(msg *wire.Inbound) error {
	g.publish(gwevents.KindReceive, map[string]any{"command": string(msg.Command)})
	switch msg.Command {
	case wire.CmdStartup:
		return nil
	case wire.CmdActionsRegister:
		if msg.RegisterActions != nil {
			g.registerActions(msg.RegisterActions.Actions)
		}
		return nil
	case wire.CmdActionsUnregister:
		if msg.UnregisterActions != nil {
			g.unregisterActions(msg.UnregisterActions.ActionNames)
		}
		return nil
	case wire.CmdContext:
		if msg.Context != nil {
			g.sched.OnContext()
			g.sched.EnqueueContext(scheduler.Context{Text: msg.Context.Message, Silent: msg.Context.Silent})
		}
		return nil
	case wire.CmdActionsForce:
		if msg.ForceAction != nil {
			g.sched.EnqueueForceAction(scheduler.ForceAction{ForceMessage: msg.ForceAction})
		}
		return nil
	case wire.CmdActionResult:
		if msg.ActionResult != nil {
			g.processResult(msg.ActionResult)
		}
		return nil
	case wire.CmdMute:
		g.warnUnstable("mute/unmute")
		g.sched.EnqueueMute()
		return nil
	case wire.CmdUnmute:
		g.warnUnstable("mute/unmute")
		g.sched.EnqueueUnmute()
		return nil
	default:
		return fmt.Errorf("game: unhandled command %q", msg.Command)
	}
}

func (g *Game) registerActions(actions []wire.ActionModel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	registered := make([]string, 0, len(actions))
	for _, a := range actions {
		if _, exists := g.actions[a.Name]; exists {
			policy := config.DropIncoming
			if g.version != "1" {
				policy = config.DropExisting
			}
			if policy == config.DropIncoming {
				g.logger.Debug("ignoring duplicate action registration", "action", a.Name, "policy", policy)
				registered = append(registered, a.Name)
				continue
			}
			g.logger.Debug("overwriting existing action registration", "action", a.Name, "policy", policy)
		}
		if schema, dropped, err := generator.FilterSchema(a.Schema); err == nil {
			// g.mu is already held here, so the once-per-name guard is
			// applied inline rather than through warnUnstable.
			if len(dropped) > 0 && !g.warnedUnstable["schema:"+a.Name] {
				g.warnedUnstable["schema:"+a.Name] = true
				g.logger.Warn("dropped unsupported schema keywords", "action", a.Name, "dropped", dropped)
			}
			a.Schema = schema
		}
		if hardened, err := wire.InjectNoAdditionalProperties(a.Schema); err == nil {
			a.Schema = hardened
		}
		g.actions[a.Name] = a
		if !g.seenActions[a.Name] {
			g.seenActions[a.Name] = true
			g.logger.Debug("new action registered", "action", a.Name, "description", a.Description)
		}
		registered = append(registered, a.Name)
	}
	g.logger.Info("actions registered", "actions", registered)
}

func (g *Game) unregisterActions(names []string) {
	g.mu.Lock()
	for _, name := range names {
		delete(g.actions, name)
	}
	g.mu.Unlock()
	g.logger.Info("actions unregistered", "actions", names)
}

// warnUnstable logs a once-per-API warning for experimental surface
// area (currently just mute/unmute) so a game integrator sees it
// exactly once. registerActions keeps its per-action schema-keyword
// notice to once per name through the same warnedUnstable set.
func (g *Game) warnUnstable(api string) {
	g.mu.Lock()
	already := g.warnedUnstable[api]
	g.warnedUnstable[api] = true
	g.mu.Unlock()
	if already {
		return
	}
	g.logger.Warn("using an unstable/proposal-stage API, do not depend on this implementation", "api", api)
}

func (g *Game) actionsSnapshot() []wire.ActionModel {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]wire.ActionModel, 0, len(g.actions))
	for _, a := range g.actions {
		out = append(out, a)
	}
	return out
}

func (g *Game) processResult(res *wire.ActionResultData) {
	g.mu.Lock()
	_, known := g.pendingActions[res.ID]
	delete(g.pendingActions, res.ID)
	force := g.pendingForces[res.ID]
	delete(g.pendingForces, res.ID)
	g.mu.Unlock()

	if !known {
		g.logger.Warn("received action result with unknown id", "id", res.ID)
	}

	message := "no message"
	if res.Message != nil {
		message = *res.Message
	}
	status := "Failure"
	if res.Success {
		status = "Performing"
	}
	ctx := fmt.Sprintf("Result for action %s: %s (%s)", shortID(res.ID), status, message)

	g.publish(gwevents.KindActionResult, map[string]any{
		"id": res.ID, "success": res.Success, "message": message,
	})

	if g.version == "1" && !res.Success && force != nil {
		g.sched.EnqueueForceAction(scheduler.ForceAction{ForceMessage: force})
	}

	g.sched.EnqueueContext(scheduler.Context{Text: ctx, Silent: res.Success})
}

// --- scheduler.Dispatcher ---

func (g *Game) HandleContext(ctx context.Context, c scheduler.Context) error {
	text := fmt.Sprintf("[%s] %s", g.name, c.Text)
	if err := g.decider.Context(text, decider.ContextOptions{Silent: c.Silent, Ephemeral: c.Ephemeral, Persistent: c.Persistent}); err != nil {
		return err
	}
	if c.Notify {
		g.publish(gwevents.KindContext, map[string]any{"message": c.Text})
	}
	return nil
}

func (g *Game) HandleTryAction(ctx context.Context, t scheduler.TryAction) error {
	conn := g.Connection()
	if conn == nil || !conn.IsConnected() {
		return nil
	}
	actions := t.Actions
	if actions == nil {
		actions = g.actionsSnapshot()
	}
	allowYapping := g.opts.AllowYapping
	if t.AllowYapping != nil {
		allowYapping = *t.AllowYapping
	}
	if len(actions) == 0 && !allowYapping {
		return nil
	}
	result, err := g.decider.TryAction(ctx, actions, allowYapping)
	if err != nil {
		return err
	}
	switch result.Kind {
	case "action":
		return g.executeAction(result.Action, nil)
	case "say":
		g.publish(gwevents.KindSay, map[string]any{"message": result.Said})
		if g.opts.SleepAfterSay > 0 {
			g.sched.EnqueueSleep(g.opts.SleepAfterSay)
		}
	}
	return nil
}

func (g *Game) HandleForceAction(ctx context.Context, f scheduler.ForceAction) error {
	conn := g.Connection()
	if conn == nil || !conn.IsConnected() {
		return nil
	}
	all := g.actionsSnapshot()

	var force *wire.ForceActionData
	var candidates []wire.ActionModel
	if f.ForceMessage != nil {
		force = f.ForceMessage
		byName := map[string]wire.ActionModel{}
		for _, a := range all {
			byName[a.Name] = a
		}
		unknown := []string{}
		for _, name := range force.ActionNames {
			if a, ok := byName[name]; ok {
				candidates = append(candidates, a)
			} else {
				unknown = append(unknown, name)
			}
		}
		if len(unknown) > 0 {
			g.logger.Warn("force_action contains unknown action names", "unknown", unknown)
		}
	} else {
		force = &wire.ForceActionData{Query: "Choose an action."}
		candidates = all
	}
	if len(candidates) == 0 {
		g.logger.Error("no actions to choose from for force_action")
		return nil
	}
	decision, err := g.decider.ForceAction(ctx, force, candidates)
	if err != nil {
		return err
	}
	return g.executeAction(&decision, force)
}

func (g *Game) HandleSay(ctx context.Context, s scheduler.Say) error {
	var msg *string
	if s.HasMessage {
		msg = &s.Message
	}
	said, err := g.decider.Say(ctx, msg)
	if err != nil {
		return err
	}
	g.publish(gwevents.KindSay, map[string]any{"message": said})
	return nil
}

func (g *Game) HandleClearContext(ctx context.Context) error {
	return g.decider.Reset()
}

func (g *Game) executeAction(decision *decider.Decision, force *wire.ForceActionData) error {
	if decision == nil {
		return nil
	}
	conn := g.Connection()
	if conn == nil {
		return nil
	}
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	g.mu.Lock()
	g.pendingActions[id] = decision.ActionName
	if g.version == "1" && force != nil {
		g.pendingForces[id] = force
	}
	g.mu.Unlock()

	ctxMsg := fmt.Sprintf("[%s] Executing action '%s' with {id: %q, data: %s}", g.name, decision.ActionName, shortID(id), decision.Data)
	if err := g.decider.Context(ctxMsg, decider.ContextOptions{Silent: true}); err != nil {
		return fmt.Errorf("game: record action context: %w", err)
	}
	g.sched.OnAction()

	g.publish(gwevents.KindAction, map[string]any{"action": decision.ActionName, "id": id, "data": string(decision.Data)})

	encoded, err := wire.EncodeAction(wire.ActionMessage{ID: id, Name: decision.ActionName, Data: decision.Data})
	if err != nil {
		return fmt.Errorf("game: encode action: %w", err)
	}
	return conn.Send(encoded)
}

func (g *Game) publish(kind gwevents.Kind, data map[string]any) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(gwevents.Notification{Source: gwevents.SourceGame, Kind: kind, Game: g.name, Data: data})
}

func shortID(id string) string {
	if len(id) <= 6 {
		return id
	}
	return id[:6]
}
