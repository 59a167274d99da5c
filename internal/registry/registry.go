// Package registry tracks every active WebSocket connection and the
// named games they belong to, routing inbound frames to the right
// Game and re-attaching reconnects to existing game state.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/gary-gateway/internal/game"
	"github.com/nugget/gary-gateway/internal/generator"
	"github.com/nugget/gary-gateway/internal/gwevents"
	"github.com/nugget/gary-gateway/internal/wire"
)

// GeneratorFactory creates the dedicated Generator backing a newly
// created game's decider.
type GeneratorFactory func(gameName string) (generator.Generator, error)

// Registry owns every known Game and every live Connection.
type Registry struct {
	logger  *slog.Logger
	bus     *gwevents.Bus
	newGen  GeneratorFactory
	gameOpt func(name string) game.Options

	mu          sync.RWMutex
	games       map[string]*game.Game
	connections map[string]game.Connection
	gameOf      map[string]*game.Game // connection id -> game
}

// New creates an empty Registry. gameOpt builds the Options used when
// constructing a new Game of the given name (so per-game custom rules
// and config can vary by name).
func New(logger *slog.Logger, bus *gwevents.Bus, newGen GeneratorFactory, gameOpt func(name string) game.Options) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger,
		bus:         bus,
		newGen:      newGen,
		gameOpt:     gameOpt,
		games:       map[string]*game.Game{},
		connections: map[string]game.Connection{},
		gameOf:      map[string]*game.Game{},
	}
}

// Connect registers a newly accepted connection. It does not attach it
// to a game yet; that happens on the first Startup/game-bearing message.
func (r *Registry) Connect(conn game.Connection) {
	r.mu.Lock()
	r.connections[conn.ID()] = conn
	r.mu.Unlock()
	r.publish(gwevents.KindConnect, conn, "")
}

// Disconnect removes a connection and, if it had a game attached,
// notifies the game so it can reset its non-persistent state.
func (r *Registry) Disconnect(conn game.Connection) {
	r.mu.Lock()
	delete(r.connections, conn.ID())
	g := r.gameOf[conn.ID()]
	delete(r.gameOf, conn.ID())
	r.mu.Unlock()

	r.publish(gwevents.KindDisconnect, conn, "")
	if g != nil && g.Connection() == conn {
		g.Disconnected()
	}
}

// Destroy disconnects every connection and clears all game state, used
// on graceful shutdown.
func (r *Registry) Destroy() {
	r.mu.Lock()
	conns := make([]game.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.games = map[string]*game.Game{}
	r.connections = map[string]game.Connection{}
	r.gameOf = map[string]*game.Game{}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Disconnect(1001, "Server shutting down")
	}
}

// Initiate creates (or reuses) the named Game and attaches conn to it.
func (r *Registry) Initiate(name string, conn game.Connection) (*game.Game, error) {
	r.mu.Lock()
	g, ok := r.games[name]
	if !ok {
		gen, err := r.newGen(name)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("registry: creating generator for %q: %w", name, err)
		}
		opts := r.gameOpt(name)
		opts.Bus = r.bus
		opts.Logger = r.logger
		opts.Version = conn.Version()
		g = game.New(name, gen, opts)
		r.games[name] = g
		r.publish(gwevents.KindGameConnect, conn, name)
	}
	r.gameOf[conn.ID()] = g
	r.mu.Unlock()

	if err := g.SetConnection(conn); err != nil {
		return nil, err
	}
	return g, nil
}

// Handle routes one decoded inbound frame to its game, creating the
// game (imitating an implicit startup) if this is the first message
// seen for it, and re-attaching the connection if it has changed
// without an explicit startup.
func (r *Registry) Handle(msg *wire.Inbound, conn game.Connection) error {
	if msg.Command == wire.CmdStartup {
		_, err := r.Initiate(msg.Game, conn)
		return err
	}

	r.mu.RLock()
	g, ok := r.games[msg.Game]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("game was not initialized, imitating a startup", "game", msg.Game)
		g, err := r.Initiate(msg.Game, conn)
		if err != nil {
			return err
		}
		return g.Handle(msg)
	}

	if g.Connection() != conn {
		if g.Connection() != nil && g.Connection().IsConnected() {
			r.logger.Error("game is registered to a different active connection",
				"game", msg.Game, "command", msg.Command)
		}
		r.logger.Warn("reconnecting without startup", "game", msg.Game)
		if err := g.SetConnection(conn); err != nil {
			return err
		}
		r.mu.Lock()
		r.gameOf[conn.ID()] = g
		r.mu.Unlock()
	}

	return g.Handle(msg)
}

// Game looks up a game by name.
func (r *Registry) Game(name string) (*game.Game, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.games[name]
	return g, ok
}

// Games returns a snapshot of every known game.
func (r *Registry) Games() []*game.Game {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*game.Game, 0, len(r.games))
	for _, g := range r.games {
		out = append(out, g)
	}
	return out
}

func (r *Registry) publish(kind gwevents.Kind, conn game.Connection, gameName string) {
	if r.bus == nil {
		return
	}
	data := map[string]any{}
	if conn != nil {
		data["connection_id"] = conn.ID()
	}
	r.bus.Publish(gwevents.Notification{Source: gwevents.SourceRegistry, Kind: kind, Game: gameName, Data: data})
}
