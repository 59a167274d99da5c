package game

import (
	"encoding/json"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/nugget/gary-gateway/internal/config"
	"github.com/nugget/gary-gateway/internal/generator"
	"github.com/nugget/gary-gateway/internal/wire"
)

type fakeConnection struct {
	id      string
	version string

	mu        sync.Mutex
	connected bool
	sent      [][]byte
	onSend    func()
}

func newFakeConnection(id, version string) *fakeConnection {
	return &fakeConnection{id: id, version: version, connected: true}
}

func (c *fakeConnection) ID() string      { return c.id }
func (c *fakeConnection) Version() string { return c.version }
func (c *fakeConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
func (c *fakeConnection) Send(data []byte) error {
	if c.onSend != nil {
		c.onSend()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}
func (c *fakeConnection) Disconnect(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}
func (c *fakeConnection) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestGame(t *testing.T) (*Game, *generator.Opaque) {
	t.Helper()
	gen := generator.NewOpaque(8192)
	g := New("tetris", gen, Options{
		Version:            "1",
		AllowYapping:       true,
		Temperature:        1.0,
		TokenLimit:         8000,
		ExistingConnPolicy: config.DropExisting,
	})
	return g, gen
}

func TestSetConnection_StartsScheduler(t *testing.T) {
	g, _ := newTestGame(t)
	conn := newFakeConnection("c1", "1")
	if err := g.SetConnection(conn); err != nil {
		t.Fatal(err)
	}
	defer g.Disconnected()
	if g.Connection() != conn {
		t.Fatal("expected connection to be attached")
	}
}

func TestSetConnection_DropsExistingOnConflict(t *testing.T) {
	g, _ := newTestGame(t)
	first := newFakeConnection("c1", "1")
	second := newFakeConnection("c2", "1")

	if err := g.SetConnection(first); err != nil {
		t.Fatal(err)
	}
	defer g.Disconnected()

	// DropExisting policy: the existing connection is disconnected, the
	// incoming one wins.
	if err := g.SetConnection(second); err != nil {
		t.Fatal(err)
	}
	if first.IsConnected() {
		t.Fatal("expected existing connection to be dropped")
	}
	if g.Connection() != second {
		t.Fatal("expected incoming connection to take over")
	}
}

func TestRegisterAndUnregisterActions(t *testing.T) {
	g, _ := newTestGame(t)
	g.registerActions([]wire.ActionModel{
		{Name: "jump", Description: "jump", Schema: json.RawMessage(`{"type":"object","properties":{}}`)},
	})
	if len(g.actionsSnapshot()) != 1 {
		t.Fatal("expected one registered action")
	}
	g.unregisterActions([]string{"jump"})
	if len(g.actionsSnapshot()) != 0 {
		t.Fatal("expected action to be unregistered")
	}
}

func TestRegisterActions_InjectsAdditionalPropertiesFalse(t *testing.T) {
	g, _ := newTestGame(t)
	g.registerActions([]wire.ActionModel{
		{Name: "move", Schema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"integer"}}}`)},
	})
	actions := g.actionsSnapshot()
	var m map[string]any
	json.Unmarshal(actions[0].Schema, &m)
	if m["additionalProperties"] != false {
		t.Fatalf("expected additionalProperties:false to be injected, got %v", m)
	}
}

func TestHandleForceAction_SendsActionAndTracksPending(t *testing.T) {
	g, gen := newTestGame(t)
	conn := newFakeConnection("c1", "1")
	g.SetConnection(conn)
	defer g.Disconnected()

	g.registerActions([]wire.ActionModel{
		{Name: "jump", Schema: json.RawMessage(`{"type":"object"}`)},
	})
	gen.SetNextOutput("jump")

	msg := &wire.Inbound{
		Command: wire.CmdActionsForce,
		ForceAction: &wire.ForceActionData{
			Query:       "what now",
			ActionNames: []string{"jump"},
		},
	}
	if err := g.Handle(msg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.sentCount() == 0 {
		t.Fatal("expected an action to be sent to the connection")
	}
	if len(g.pendingActions) == 0 {
		t.Fatal("expected a pending action to be tracked")
	}
}

func TestExecuteAction_IDIs32CharLowercaseHex(t *testing.T) {
	g, gen := newTestGame(t)
	conn := newFakeConnection("c1", "1")
	g.SetConnection(conn)
	defer g.Disconnected()

	g.registerActions([]wire.ActionModel{
		{Name: "jump", Schema: json.RawMessage(`{"type":"object"}`)},
	})
	gen.SetNextOutput("jump")

	msg := &wire.Inbound{
		Command: wire.CmdActionsForce,
		ForceAction: &wire.ForceActionData{
			Query:       "what now",
			ActionNames: []string{"jump"},
		},
	}
	if err := g.Handle(msg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.sentCount() == 0 {
		t.Fatal("expected an action to be sent to the connection")
	}

	var decoded wire.ActionMessage
	if err := json.Unmarshal(conn.sent[0], &decoded); err != nil {
		t.Fatal(err)
	}
	matched, err := regexp.MatchString(`^[0-9a-f]{32}$`, decoded.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !matched {
		t.Fatalf("expected a 32-char lowercase hex id, got %q", decoded.ID)
	}
}

func TestExecuteAction_ContextRecordedBeforeSend(t *testing.T) {
	g, gen := newTestGame(t)
	conn := newFakeConnection("c1", "1")

	var tokensBeforeDispatch, tokensAtSend int
	conn.onSend = func() { tokensAtSend = gen.TotalTokens() }

	g.SetConnection(conn)
	defer g.Disconnected()

	g.registerActions([]wire.ActionModel{
		{Name: "jump", Schema: json.RawMessage(`{"type":"object"}`)},
	})
	gen.SetNextOutput("jump")
	tokensBeforeDispatch = gen.TotalTokens()

	msg := &wire.Inbound{
		Command: wire.CmdActionsForce,
		ForceAction: &wire.ForceActionData{
			Query:       "what now",
			ActionNames: []string{"jump"},
		},
	}
	if err := g.Handle(msg); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.sentCount() == 0 {
		t.Fatal("expected an action to be sent to the connection")
	}
	if tokensAtSend <= tokensBeforeDispatch {
		t.Fatalf("expected the 'Executing action' context line to be recorded before Send, tokens before=%d at-send=%d", tokensBeforeDispatch, tokensAtSend)
	}
}

func TestProcessResult_UnknownIDWarnsButStillUpdatesContext(t *testing.T) {
	g, gen := newTestGame(t)
	conn := newFakeConnection("c1", "1")
	g.SetConnection(conn)
	defer g.Disconnected()

	before := gen.TotalTokens()
	msg := &wire.ActionResultData{ID: "nonexistent", Success: true}
	g.processResult(msg) // should not panic despite unknown id

	deadline := time.Now().Add(2 * time.Second)
	for gen.TotalTokens() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if gen.TotalTokens() == before {
		t.Fatal("expected the result context line to be appended for an unknown id")
	}
}
