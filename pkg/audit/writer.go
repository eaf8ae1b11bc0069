package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turnclock/turnclock/pkg/models"
)

// PGWriter persists audit entries to PostgreSQL. Each entry becomes one
// transaction: an append to the events log plus an upsert of the session's
// summary row, so the two tables never diverge.
type PGWriter struct {
	pool *pgxpool.Pool
}

// NewPGWriter creates a writer on an existing pool.
func NewPGWriter(pool *pgxpool.Pool) *PGWriter {
	return &PGWriter{pool: pool}
}

// Write implements Writer.
func (w *PGWriter) Write(ctx context.Context, entry Entry) error {
	var snapshot []byte
	if entry.State != nil {
		var err error
		snapshot, err = models.EncodeSession(entry.State)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", entry.SessionID, err)
		}
	}
	metadata, err := json.Marshal(map[string]any{"version": entry.Version})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO events (session_id, event_type, participant_id, time_remaining_ms, timestamp, state_snapshot, metadata)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		entry.SessionID, entry.EventType, entry.ParticipantID, entry.TimeRemainingMs,
		entry.OccurredAt, snapshot, metadata)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	// Deletions only append to the log; the summary row keeps the last
	// known state for post-mortem queries.
	if entry.State != nil {
		if err := upsertSummary(ctx, tx, entry.State); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}
	return nil
}

// upsertSummary writes the per-session summary row. The last_updated_at
// guard keeps an older snapshot from clobbering a newer one if the same
// session's entries ever land out of order across pipeline restarts.
func upsertSummary(ctx context.Context, tx pgx.Tx, s *models.Session) error {
	totalCycles := 0
	for i := range s.Participants {
		totalCycles += s.Participants[i].CycleCount
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO sessions (session_id, sync_mode, time_per_cycle_ms, increment_ms, max_time_ms,
		                       created_at, started_at, completed_at, final_status,
		                       total_cycles, total_participants, last_updated_at)
		 VALUES ($1, $2, NULLIF($3, 0), $4, NULLIF($5, 0), $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (session_id) DO UPDATE
		 SET started_at = EXCLUDED.started_at,
		     completed_at = EXCLUDED.completed_at,
		     final_status = EXCLUDED.final_status,
		     total_cycles = EXCLUDED.total_cycles,
		     last_updated_at = EXCLUDED.last_updated_at
		 WHERE sessions.last_updated_at <= EXCLUDED.last_updated_at`,
		s.SessionID, string(s.SyncMode), s.TimePerCycleMs, s.IncrementMs, s.MaxTimeMs,
		s.CreatedAt.Time, tsOrNil(s.SessionStartedAt), tsOrNil(s.SessionCompletedAt),
		string(s.Status), totalCycles, len(s.Participants), s.UpdatedAt.Time)
	if err != nil {
		return fmt.Errorf("upsert session summary: %w", err)
	}
	return nil
}

func tsOrNil(t *models.Timestamp) *time.Time {
	if t == nil {
		return nil
	}
	return &t.Time
}
