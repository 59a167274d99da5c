// Package wire defines the gateway's JSON command protocol: the
// discriminated-union messages exchanged with games over WebSocket, in
// both the v1 and v2 dialects, and the strict decoder that turns raw
// frames into typed values.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command is the wire-level discriminator carried by every message.
type Command string

// Game -> Gateway commands.
const (
	CmdStartup           Command = "startup"
	CmdContext           Command = "context"
	CmdActionsRegister   Command = "actions/register"
	CmdActionsUnregister Command = "actions/unregister"
	CmdActionsForce      Command = "actions/force"
	CmdActionResult      Command = "action/result"
	CmdMute              Command = "mute"
	CmdUnmute            Command = "unmute"
	CmdShutdownReady     Command = "shutdown/ready"
)

// Gateway -> Game commands.
const (
	CmdAction            Command = "action"
	CmdReregisterAll     Command = "actions/reregister_all"
	CmdShutdownGraceful  Command = "shutdown/graceful"
	CmdShutdownImmediate Command = "shutdown/immediate"
)

// ErrUnknownCommand is returned by Decode for an unrecognized command
// string. Callers should treat this as a protocol error (close code 1002).
var ErrUnknownCommand = errors.New("wire: unknown command")

// ErrBadPayload wraps a data-field decoding failure for a known command.
var ErrBadPayload = errors.New("wire: malformed payload")

// ActionModel describes an action a game exposes for the model to invoke.
// Schema is stored as a raw JSON object so additionalProperties=false can
// be injected without round-tripping through a fixed Go struct.
type ActionModel struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// envelope is the shape every inbound/outbound message shares before its
// data payload is interpreted.
type envelope struct {
	Command Command         `json:"command"`
	Game    string          `json:"game,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Inbound is a decoded game->gateway message. At most one of the typed
// payload fields is non-nil, selected by Command; mute, unmute and
// shutdown/ready carry no payload and leave them all nil.
type Inbound struct {
	Command Command
	// Game carries the game name read from the envelope's "game" field.
	// v2 connections bind the name at handshake time instead, and the
	// gateway overwrites this field with that bound name.
	Game string

	Startup           *StartupData
	Context           *ContextData
	RegisterActions   *RegisterActionsData
	UnregisterActions *UnregisterActionsData
	ForceAction       *ForceActionData
	ActionResult      *ActionResultData
}

type StartupData struct{}

type ContextData struct {
	Message string `json:"message"`
	Silent  bool   `json:"silent"`
}

type RegisterActionsData struct {
	Actions []ActionModel `json:"actions"`
}

type UnregisterActionsData struct {
	ActionNames []string `json:"action_names"`
}

type ForceActionData struct {
	State            *string  `json:"state,omitempty"`
	Query            string   `json:"query"`
	EphemeralContext *bool    `json:"ephemeral_context,omitempty"`
	ActionNames      []string `json:"action_names"`
	// MainThread is carried (true when absent) but has no scheduling
	// effect: the gateway always processes one event per game on its
	// own worker.
	MainThread bool `json:"main_thread"`
}

type ActionResultData struct {
	ID      string  `json:"id"`
	Success bool    `json:"success"`
	Message *string `json:"message,omitempty"`
}

// Decode parses a raw game->gateway frame. unknown commands and
// malformed payloads return a wrapped ErrUnknownCommand/ErrBadPayload so
// the caller can close the connection with 1002.
func Decode(raw []byte) (*Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	msg := &Inbound{Command: env.Command, Game: env.Game}
	switch env.Command {
	case CmdStartup:
		msg.Startup = &StartupData{}
	case CmdContext:
		var d ContextData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		msg.Context = &d
	case CmdActionsRegister:
		var d RegisterActionsData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		msg.RegisterActions = &d
	case CmdActionsUnregister:
		var d UnregisterActionsData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		msg.UnregisterActions = &d
	case CmdActionsForce:
		d := ForceActionData{MainThread: true}
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		msg.ForceAction = &d
	case CmdActionResult:
		var d ActionResultData
		if err := unmarshalData(env.Data, &d); err != nil {
			return nil, err
		}
		msg.ActionResult = &d
	case CmdMute, CmdUnmute, CmdShutdownReady:
		// no payload
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Command)
	}
	return msg, nil
}

func unmarshalData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrBadPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// ActionMessage is the gateway->game "action" dispatch.
type ActionMessage struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeAction encodes the outbound action dispatch.
func EncodeAction(a ActionMessage) ([]byte, error) {
	return json.Marshal(envelope{
		Command: CmdAction,
		Data:    mustMarshal(a),
	})
}

// EncodeReregisterAll encodes the v1 "please re-send all your actions" nudge.
func EncodeReregisterAll() ([]byte, error) {
	return json.Marshal(envelope{Command: CmdReregisterAll})
}

// EncodeShutdownGraceful encodes a v2 graceful-shutdown request.
func EncodeShutdownGraceful(wantsShutdown bool) ([]byte, error) {
	return json.Marshal(envelope{
		Command: CmdShutdownGraceful,
		Data:    mustMarshal(struct {
			WantsShutdown bool `json:"wants_shutdown"`
		}{wantsShutdown}),
	})
}

// EncodeShutdownImmediate encodes a v2 immediate-shutdown notice.
func EncodeShutdownImmediate() ([]byte, error) {
	return json.Marshal(envelope{Command: CmdShutdownImmediate})
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only reachable if a caller passes an unmarshalable value
		// (e.g. a channel or func), which never happens for the
		// payload types defined in this package.
		panic(fmt.Sprintf("wire: marshal: %v", err))
	}
	return b
}

// InjectNoAdditionalProperties returns a copy of schema with
// "additionalProperties": false set whenever the schema (or a nested
// object schema under properties) declares "type": "object" and does
// not already specify additionalProperties. nil/empty schemas are
// returned unchanged.
func InjectNoAdditionalProperties(schema json.RawMessage) (json.RawMessage, error) {
	if len(schema) == 0 {
		return schema, nil
	}
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		// Not an object-shaped schema (e.g. a bare JSON literal); leave as-is.
		return schema, nil
	}
	injectObj(m)
	return json.Marshal(m)
}

func injectObj(m map[string]any) {
	if t, ok := m["type"].(string); ok && t == "object" {
		if _, has := m["additionalProperties"]; !has {
			m["additionalProperties"] = false
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		for _, v := range props {
			if child, ok := v.(map[string]any); ok {
				injectObj(child)
			}
		}
	}
}
