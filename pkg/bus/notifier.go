package bus

import (
	"context"
	"log/slog"

	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/models"
)

// ChangeNotifier adapts the Bus to the store's Notifier hook: every
// committed write becomes one published StateChange. Publish failures are
// logged, never propagated; the store write already committed and clients
// recover via request_sync.
type ChangeNotifier struct {
	bus    Bus
	clk    clock.Clock
	origin string
}

// NewChangeNotifier creates a notifier publishing on bus. origin names the
// local replica for log correlation.
func NewChangeNotifier(b Bus, clk clock.Clock, origin string) *ChangeNotifier {
	if clk == nil {
		clk = clock.System{}
	}
	return &ChangeNotifier{bus: b, clk: clk, origin: origin}
}

// SessionChanged publishes the committed session state.
func (n *ChangeNotifier) SessionChanged(ctx context.Context, session *models.Session) {
	change := StateChange{
		SessionID: session.SessionID,
		Version:   session.Version,
		State:     session,
		ServerTS:  clock.EpochMillis(n.clk.Now()),
		Origin:    n.origin,
	}
	if err := n.bus.Publish(ctx, change); err != nil {
		slog.Error("Failed to publish state change",
			"session_id", session.SessionID, "version", session.Version, "error", err)
	}
}

// SessionDeleted publishes a deletion notice. The advertised version is
// lastVersion + 1 so subscribers' monotonic version filters let it through.
func (n *ChangeNotifier) SessionDeleted(ctx context.Context, sessionID string, lastVersion int64) {
	change := StateChange{
		SessionID: sessionID,
		Version:   lastVersion + 1,
		Deleted:   true,
		ServerTS:  clock.EpochMillis(n.clk.Now()),
		Origin:    n.origin,
	}
	if err := n.bus.Publish(ctx, change); err != nil {
		slog.Error("Failed to publish deletion notice",
			"session_id", sessionID, "error", err)
	}
}
