package contextlog

import (
	"strings"
	"testing"

	"github.com/nugget/gary-gateway/internal/generator"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "w"
	}
	return strings.Join(parts, " ")
}

func TestAppend_TracksTokensAndPersistence(t *testing.T) {
	g := generator.NewOpaque(1000)
	log := New(g, 1000, nil)

	if _, err := log.Append(generator.RoleSystem, words(5), true); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(generator.RoleUser, words(3), false); err != nil {
		t.Fatal(err)
	}
	msgs := log.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !msgs[0].Persistent || msgs[1].Persistent {
		t.Fatal("persistence flags not tracked correctly")
	}
	if log.TotalTokens() != 8 {
		t.Fatalf("expected 8 tokens, got %d", log.TotalTokens())
	}
}

func TestEnsureRoom_FallsBackToFullResetForOpaqueGenerator(t *testing.T) {
	g := generator.NewOpaque(1000)
	log := New(g, 20, nil)

	log.Append(generator.RoleSystem, words(5), true) // persistent, survives reset
	log.Append(generator.RoleUser, words(5), false)
	log.Append(generator.RoleUser, words(5), false)

	if err := log.EnsureRoom(15); err != nil {
		t.Fatal(err)
	}

	msgs := log.Messages()
	if len(msgs) != 1 || !msgs[0].Persistent {
		t.Fatalf("expected only the persistent message to survive a full reset, got %+v", msgs)
	}
	if log.TotalTokens() != 5 {
		t.Fatalf("expected 5 tokens after reset, got %d", log.TotalTokens())
	}
}

func TestEnsureRoom_PartialTrimKeepsPersistentAndSystem(t *testing.T) {
	g := generator.NewTransparentKV(100)
	log := New(g, 30, nil)

	log.Append(generator.RoleSystem, words(5), true)  // never discardable
	log.Append(generator.RoleUser, words(5), true)    // persistent, never discardable
	log.Append(generator.RoleUser, words(5), false)   // discardable
	log.Append(generator.RoleAssistant, words(5), false) // discardable
	log.Append(generator.RoleUser, words(5), false)   // discardable, recent

	if err := log.EnsureRoom(6); err != nil {
		t.Fatal(err)
	}

	msgs := log.Messages()
	for _, m := range msgs {
		if !m.Persistent && m.Role != generator.RoleSystem {
			continue
		}
	}
	// The two protected messages (system + explicit persistent) must remain.
	protected := 0
	for _, m := range msgs {
		if m.Persistent || m.Role == generator.RoleSystem {
			protected++
		}
	}
	if protected != 2 {
		t.Fatalf("expected both protected messages to survive trim, got %d of 2 in %+v", protected, msgs)
	}
	if len(msgs) >= 5 {
		t.Fatalf("expected trim to actually discard something, got %d messages", len(msgs))
	}
}

func TestAppendEphemeral_RestoresTokenCount(t *testing.T) {
	g := generator.NewOpaque(1000)
	log := New(g, 1000, nil)

	log.Append(generator.RoleSystem, words(5), true)
	before := log.TotalTokens()

	restore, err := log.AppendEphemeral(generator.RoleUser, words(10))
	if err != nil {
		t.Fatal(err)
	}
	if log.TotalTokens() <= before {
		t.Fatal("expected ephemeral append to grow token count")
	}
	if len(log.Messages()) != 1 {
		t.Fatal("ephemeral append must not appear in the retained message log")
	}

	if err := restore(); err != nil {
		t.Fatal(err)
	}
	if log.TotalTokens() != before {
		t.Fatalf("expected restore to bring token count back to %d, got %d", before, log.TotalTokens())
	}
}

func TestReset_KeepsOnlyPersistentMessages(t *testing.T) {
	g := generator.NewOpaque(1000)
	log := New(g, 1000, nil)

	log.Append(generator.RoleSystem, words(5), true)
	log.Append(generator.RoleUser, words(5), false)

	if err := log.Reset(); err != nil {
		t.Fatal(err)
	}
	if len(log.Messages()) != 1 {
		t.Fatalf("expected only the persistent message to remain, got %d", len(log.Messages()))
	}
}
