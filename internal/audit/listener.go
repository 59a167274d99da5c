package audit

import (
	"context"
	"log/slog"

	"github.com/nugget/gary-gateway/internal/gwevents"
)

// Listen subscribes to bus and persists action/result notifications
// until ctx is cancelled, then unsubscribes and returns. It is meant
// to run in its own goroutine for the lifetime of the gateway process.
func (s *Store) Listen(ctx context.Context, bus *gwevents.Bus, logger *slog.Logger) {
	if bus == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := s.handle(ctx, n); err != nil {
				logger.Warn("audit: failed to persist notification", "kind", n.Kind, "game", n.Game, "error", err)
			}
		}
	}
}

func (s *Store) handle(ctx context.Context, n gwevents.Notification) error {
	switch n.Kind {
	case gwevents.KindAction:
		name, _ := n.Data["action"].(string)
		id, _ := n.Data["id"].(string)
		data, _ := n.Data["data"].(string)
		return s.RecordDispatch(ctx, n.Game, id, name, data)
	case gwevents.KindActionResult:
		id, _ := n.Data["id"].(string)
		success, _ := n.Data["success"].(bool)
		message, _ := n.Data["message"].(string)
		return s.RecordResult(ctx, n.Game, id, success, message)
	default:
		return nil
	}
}
