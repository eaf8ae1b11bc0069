// Package engine implements the session business rules: lifecycle
// transitions, time accounting, and rotation. The store knows nothing about
// what a session means; every rule lives here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/turnclock/turnclock/pkg/audit"
	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/models"
	"github.com/turnclock/turnclock/pkg/store"
)

// AuditSink accepts audit entries without blocking. Enqueue is
// fire-and-forget: the engine never waits for durable persistence.
type AuditSink interface {
	Enqueue(entry audit.Entry)
}

// Engine owns all session mutations. Every write goes through the store's
// version check; the engine itself holds no session state and no locks, so
// any replica can serve any request.
type Engine struct {
	store store.Store
	sink  AuditSink
	clk   clock.Clock
}

// New creates an engine. A nil sink disables auditing, a nil clk uses the
// system clock.
func New(s store.Store, sink AuditSink, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{store: s, sink: sink, clk: clk}
}

// Create validates the config and writes a new pending session.
func (e *Engine) Create(ctx context.Context, cfg CreateConfig) (*models.Session, error) {
	if errs := validateCreate(cfg); len(errs) > 0 {
		return nil, errs
	}

	now := models.NewTimestamp(e.clk.Now())
	participants := make([]models.Participant, len(cfg.Participants))
	for i, p := range cfg.Participants {
		participants[i] = models.Participant{
			ParticipantID:    p.ParticipantID,
			ParticipantIndex: p.ParticipantIndex,
			TotalTimeMs:      p.TotalTimeMs,
			OriginalTimeMs:   p.TotalTimeMs,
			GroupID:          p.GroupID,
		}
	}
	// Rotation follows slice order from here on.
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ParticipantIndex < participants[j].ParticipantIndex
	})

	session := &models.Session{
		SessionID:      cfg.SessionID,
		SyncMode:       cfg.SyncMode,
		Status:         models.StatusPending,
		Participants:   participants,
		TotalTimeMs:    cfg.TotalTimeMs,
		TimePerCycleMs: cfg.TimePerCycleMs,
		IncrementMs:    cfg.IncrementMs,
		MaxTimeMs:      cfg.MaxTimeMs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := e.store.Create(ctx, session)
	if err != nil {
		return nil, err
	}
	e.enqueueAudit(audit.EventTypeSessionCreated, created, "", nil)
	return created, nil
}

// Start moves a pending session to running and activates the first
// participant in rotation order.
func (e *Engine) Start(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := e.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusPending {
		return nil, invalidTransition("start", s.Status)
	}

	now := models.NewTimestamp(e.clk.Now())
	first := &s.Participants[0]
	first.IsActive = true
	s.ActiveParticipantID = first.ParticipantID
	s.Status = models.StatusRunning
	s.SessionStartedAt = &now
	s.CycleStartedAt = &now
	s.UpdatedAt = now

	updated, err := e.writeBack(ctx, sessionID, s, store.NoVersionCheck)
	if err != nil {
		return nil, err
	}
	e.enqueueAudit(audit.EventTypeSessionStarted, updated, first.ParticipantID, &first.TotalTimeMs)
	return updated, nil
}

// SwitchCycle closes the active participant's cycle and activates the next
// one. This is the hot path: one store read, one conditional write, no
// durable writes. A lost CAS is returned as-is; retrying is the caller's
// decision.
func (e *Engine) SwitchCycle(ctx context.Context, sessionID, nextParticipantID string) (*models.SwitchResult, error) {
	s, err := e.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusRunning {
		return nil, invalidTransition("switch cycle on", s.Status)
	}

	expectedVersion := s.Version
	now := e.clk.Now()

	var expiredID string
	var finished *models.Participant
	currentIndex := -1
	if current, idx := s.Participant(s.ActiveParticipantID); current != nil && s.CycleStartedAt != nil {
		elapsed := now.Sub(s.CycleStartedAt.Time).Milliseconds()
		if elapsed < 0 {
			elapsed = 0
		}
		current.TimeUsedMs += elapsed
		current.TotalTimeMs -= elapsed
		if current.TotalTimeMs < 0 {
			current.TotalTimeMs = 0
		}
		current.CycleCount++
		current.IsActive = false
		if current.TotalTimeMs == 0 {
			current.HasExpired = true
			expiredID = current.ParticipantID
		} else if s.IncrementMs > 0 {
			current.TotalTimeMs += s.IncrementMs
		}
		finished = current
		currentIndex = idx
	}

	next, err := e.pickNext(s, currentIndex, nextParticipantID)
	if err != nil {
		return nil, err
	}

	ts := models.NewTimestamp(now)
	s.ActiveParticipantID = next.ParticipantID
	next.IsActive = true
	s.CycleStartedAt = &ts
	s.UpdatedAt = ts

	updated, err := e.writeBack(ctx, sessionID, s, expectedVersion)
	if err != nil {
		return nil, err
	}

	if finished != nil {
		e.enqueueAudit(audit.EventTypeCycleSwitched, updated, finished.ParticipantID, &finished.TotalTimeMs)
	} else {
		e.enqueueAudit(audit.EventTypeCycleSwitched, updated, next.ParticipantID, nil)
	}
	if expiredID != "" {
		zero := int64(0)
		e.enqueueAudit(audit.EventTypeParticipantExpired, updated, expiredID, &zero)
	}

	return &models.SwitchResult{
		SessionID:            updated.SessionID,
		ActiveParticipantID:  updated.ActiveParticipantID,
		CycleStartedAt:       *updated.CycleStartedAt,
		Participants:         updated.Participants,
		Status:               updated.Status,
		Version:              updated.Version,
		ExpiredParticipantID: expiredID,
	}, nil
}

// pickNext resolves the explicit next participant, or round-robins from the
// current slice position. With one participant the rotation degenerates to a
// self-switch, which is legal.
func (e *Engine) pickNext(s *models.Session, currentIndex int, nextParticipantID string) (*models.Participant, error) {
	if nextParticipantID != "" {
		next, _ := s.Participant(nextParticipantID)
		if next == nil {
			return nil, &ValidationError{
				Field:   "next_participant_id",
				Message: fmt.Sprintf("participant %s not in session", nextParticipantID),
			}
		}
		return next, nil
	}
	return &s.Participants[(currentIndex+1)%len(s.Participants)], nil
}

// Pause folds the elapsed cycle time into the active participant and stops
// the clock. No increment is applied and the rotation does not advance; the
// interrupted cycle is not counted.
func (e *Engine) Pause(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := e.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusRunning {
		return nil, invalidTransition("pause", s.Status)
	}

	expectedVersion := s.Version
	now := e.clk.Now()
	var activeID string
	var remaining *int64
	if current := s.ActiveParticipant(); current != nil {
		if s.CycleStartedAt != nil {
			elapsed := now.Sub(s.CycleStartedAt.Time).Milliseconds()
			if elapsed < 0 {
				elapsed = 0
			}
			current.TimeUsedMs += elapsed
			current.TotalTimeMs -= elapsed
			if current.TotalTimeMs < 0 {
				current.TotalTimeMs = 0
			}
		}
		current.IsActive = false
		activeID = current.ParticipantID
		remaining = &current.TotalTimeMs
	}

	ts := models.NewTimestamp(now)
	s.Status = models.StatusPaused
	s.CycleStartedAt = nil
	s.UpdatedAt = ts

	updated, err := e.writeBack(ctx, sessionID, s, expectedVersion)
	if err != nil {
		return nil, err
	}
	e.enqueueAudit(audit.EventTypeSessionPaused, updated, activeID, remaining)
	return updated, nil
}

// Resume restarts the clock for the participant that was active at pause.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := e.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusPaused {
		return nil, invalidTransition("resume", s.Status)
	}

	expectedVersion := s.Version
	ts := models.NewTimestamp(e.clk.Now())
	if current := s.ActiveParticipant(); current != nil {
		current.IsActive = true
	}
	s.Status = models.StatusRunning
	s.CycleStartedAt = &ts
	s.UpdatedAt = ts

	updated, err := e.writeBack(ctx, sessionID, s, expectedVersion)
	if err != nil {
		return nil, err
	}
	e.enqueueAudit(audit.EventTypeSessionResumed, updated, s.ActiveParticipantID, nil)
	return updated, nil
}

// Complete terminates a running or paused session. Completing an
// already-completed session is a no-op returning the stored state, with no
// version bump and no broadcast.
func (e *Engine) Complete(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := e.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == models.StatusCompleted {
		return s, nil
	}
	if s.Status != models.StatusRunning && s.Status != models.StatusPaused {
		return nil, invalidTransition("complete", s.Status)
	}

	expectedVersion := s.Version
	ts := models.NewTimestamp(e.clk.Now())
	for i := range s.Participants {
		s.Participants[i].IsActive = false
	}
	s.ActiveParticipantID = ""
	s.Status = models.StatusCompleted
	s.CycleStartedAt = nil
	s.SessionCompletedAt = &ts
	s.UpdatedAt = ts

	updated, err := e.writeBack(ctx, sessionID, s, expectedVersion)
	if err != nil {
		return nil, err
	}
	e.enqueueAudit(audit.EventTypeSessionCompleted, updated, "", nil)
	return updated, nil
}

// GetCurrentState is a pure read. Remaining time is not computed here;
// clients derive it from total_time_ms and cycle_started_at against their
// own clock.
func (e *Engine) GetCurrentState(ctx context.Context, sessionID string) (*models.Session, error) {
	return e.getSession(ctx, sessionID)
}

// Delete removes the session from the store.
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	err := e.store.Delete(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	e.sinkEntry(audit.Entry{
		EventType:  audit.EventTypeSessionDeleted,
		SessionID:  sessionID,
		OccurredAt: e.clk.Now(),
	})
	return nil
}

func (e *Engine) getSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := e.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) writeBack(ctx context.Context, sessionID string, s *models.Session, expectedVersion int64) (*models.Session, error) {
	updated, err := e.store.Update(ctx, sessionID, s, expectedVersion)
	if errors.Is(err, store.ErrNotFound) {
		// The key can vanish between read and write when the TTL fires.
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *Engine) enqueueAudit(eventType string, s *models.Session, participantID string, remaining *int64) {
	e.sinkEntry(audit.Entry{
		EventType:       eventType,
		SessionID:       s.SessionID,
		Version:         s.Version,
		State:           s,
		ParticipantID:   participantID,
		TimeRemainingMs: remaining,
		OccurredAt:      e.clk.Now(),
	})
}

func (e *Engine) sinkEntry(entry audit.Entry) {
	if e.sink == nil {
		return
	}
	e.sink.Enqueue(entry)
}
