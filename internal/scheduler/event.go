package scheduler

import (
	"time"

	"github.com/nugget/gary-gateway/internal/wire"
)

// Priority orders events in the queue; lower values run first.
type Priority int

const (
	PriorityForce  Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// Event is the common shape of everything the scheduler can queue.
// Concrete payloads are one of the Context/TryAction/ForceAction/Say/
// Sleep/ClearContext/Mute/Unmute types below, stored in Payload.
type Event struct {
	Timestamp time.Time
	Priority  Priority
	Payload   any

	// seq breaks priority ties in FIFO order; set by the queue on push.
	seq uint64
}

// Context carries a context-log append request.
type Context struct {
	Text    string
	Silent  bool
	// Ephemeral: the context text is appended and immediately rolled
	// back (see decider.Context), so it does not stay in the context
	// window. It does not make the follow-up TryAction, or what the
	// model does in it, ephemeral.
	Ephemeral bool
	// Persistent marks the message so partial trim never discards it.
	Persistent bool
	// Notify controls whether a 'context' notification is published to
	// bus observers.
	Notify bool
}

// TryAction prompts the model to decide whether to act, say, or wait.
type TryAction struct {
	// Actions overrides the action set to choose among; nil means "use
	// the game's currently registered actions".
	Actions   []wire.ActionModel
	// AllowYapping overrides the configured allow_yapping flag; nil
	// means "use the configured default".
	AllowYapping *bool
	Ephemeral    bool
}

// ForceAction forces the model to pick one of a constrained action set.
type ForceAction struct {
	// ForceMessage is the originating actions/force message, if any.
	// Nil means "pick freely among whatever is registered right now"
	// (used for the idle force-timer path).
	ForceMessage *wire.ForceActionData
}

// Say forces the model to say something.
type Say struct {
	// Message overrides generation; empty means "let the model generate".
	Message   string
	HasMessage bool
	Ephemeral bool
}

// Sleep pauses the worker for Duration before processing further events.
type Sleep struct {
	Duration time.Duration
}

// ClearContext resets the context log unconditionally (administrative).
type ClearContext struct{}

// Mute/Unmute toggle the game-initiated mute flag (administrative,
// "proposal stage" per the v2 API surface they come from).
type Mute struct{}
type Unmute struct{}

func newEvent(priority Priority, payload any) Event {
	return Event{Timestamp: time.Now(), Priority: priority, Payload: payload}
}

func contextEvent(c Context) Event        { return newEvent(PriorityHigh, c) }
func tryActionEvent(t TryAction) Event     { return newEvent(PriorityNormal, t) }
func forceActionEvent(f ForceAction) Event { return newEvent(PriorityForce, f) }
func sayEvent(s Say) Event                 { return newEvent(PriorityLow, s) }
func sleepEvent(s Sleep) Event             { return newEvent(PriorityLow, s) }
func clearContextEvent() Event             { return newEvent(PriorityHigh, ClearContext{}) }
func muteEvent() Event                     { return newEvent(PriorityHigh, Mute{}) }
func unmuteEvent() Event                   { return newEvent(PriorityHigh, Unmute{}) }
