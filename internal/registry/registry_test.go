package registry

import (
	"sync"
	"testing"

	"github.com/nugget/gary-gateway/internal/game"
	"github.com/nugget/gary-gateway/internal/generator"
	"github.com/nugget/gary-gateway/internal/wire"
)

type fakeConn struct {
	id      string
	version string

	mu        sync.Mutex
	connected bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id, version: "1", connected: true} }

func (c *fakeConn) ID() string        { return c.id }
func (c *fakeConn) Version() string   { return c.version }
func (c *fakeConn) IsConnected() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.connected }
func (c *fakeConn) Send(data []byte) error { return nil }
func (c *fakeConn) Disconnect(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func newTestRegistry() *Registry {
	return New(nil, nil,
		func(name string) (generator.Generator, error) { return generator.NewOpaque(4096), nil },
		func(name string) game.Options { return game.Options{Version: "1", AllowYapping: true, Temperature: 1.0, TokenLimit: 4000} },
	)
}

// TestInitiate_AdoptsConnectionVersion guards against gameOpt builders
// that (like the production one) never set Options.Version themselves:
// Initiate must stamp the connecting conn's own version onto the Game,
// or SetConnection's version-mismatch check rejects the very first
// connection.
func TestInitiate_AdoptsConnectionVersion(t *testing.T) {
	r := New(nil, nil,
		func(name string) (generator.Generator, error) { return generator.NewOpaque(4096), nil },
		func(name string) game.Options { return game.Options{AllowYapping: true, Temperature: 1.0, TokenLimit: 4000} },
	)
	conn := newFakeConn("c1")
	conn.version = "2"

	g, err := r.Initiate("tetris", conn)
	if err != nil {
		t.Fatal(err)
	}
	if g.Version() != "2" {
		t.Fatalf("expected game version to adopt the connecting client's version, got %q", g.Version())
	}
}

func TestInitiate_CreatesGameOnce(t *testing.T) {
	r := newTestRegistry()
	conn := newFakeConn("c1")
	g1, err := r.Initiate("tetris", conn)
	if err != nil {
		t.Fatal(err)
	}
	g2, err := r.Initiate("tetris", conn)
	if err != nil {
		t.Fatal(err)
	}
	if g1 != g2 {
		t.Fatal("expected the same game instance on repeated initiate")
	}
}

func TestHandle_StartupCreatesGame(t *testing.T) {
	r := newTestRegistry()
	conn := newFakeConn("c1")
	err := r.Handle(&wire.Inbound{Command: wire.CmdStartup, Game: "tetris"}, conn)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Game("tetris"); !ok {
		t.Fatal("expected game to be created by startup")
	}
}

func TestHandle_UnknownGameImitatesStartup(t *testing.T) {
	r := newTestRegistry()
	conn := newFakeConn("c1")
	err := r.Handle(&wire.Inbound{
		Command: wire.CmdContext,
		Game:    "tetris",
		Context: &wire.ContextData{Message: "hello", Silent: true},
	}, conn)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Game("tetris"); !ok {
		t.Fatal("expected game to be implicitly created")
	}
}

func TestHandle_ReconnectWithoutStartupReattaches(t *testing.T) {
	r := newTestRegistry()
	conn1 := newFakeConn("c1")
	if err := r.Handle(&wire.Inbound{Command: wire.CmdStartup, Game: "tetris"}, conn1); err != nil {
		t.Fatal(err)
	}
	conn1.Disconnect(1000, "gone")

	conn2 := newFakeConn("c2")
	err := r.Handle(&wire.Inbound{
		Command: wire.CmdContext,
		Game:    "tetris",
		Context: &wire.ContextData{Message: "hi again", Silent: true},
	}, conn2)
	if err != nil {
		t.Fatal(err)
	}
	g, _ := r.Game("tetris")
	if g.Connection() != conn2 {
		t.Fatal("expected reconnect to reattach the new connection")
	}
}

func TestDisconnect_ClearsConnectionTracking(t *testing.T) {
	r := newTestRegistry()
	conn := newFakeConn("c1")
	r.Connect(conn)
	r.Initiate("tetris", conn)
	r.Disconnect(conn)
	// Should not panic, and a second disconnect of the same conn is a no-op.
	r.Disconnect(conn)
}
