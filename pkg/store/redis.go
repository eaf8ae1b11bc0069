package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turnclock/turnclock/pkg/models"
)

// DefaultTTL is the session lifetime applied when Options.TTL is zero.
const DefaultTTL = time.Hour

// uncheckedRetries bounds the internal retry on WATCH conflicts for writes
// without a version check. Checked writes never retry: losing the CAS is a
// result the caller must see.
const uncheckedRetries = 3

// Options configures a RedisStore.
type Options struct {
	// TTL is the session lifetime; every write refreshes it.
	TTL time.Duration

	// KeyPrefix scopes all keys, e.g. "turnclock:". Integration tests use a
	// unique per-process prefix so they can run in parallel against one
	// Redis instance.
	KeyPrefix string

	// Notifier receives change notifications after committed writes.
	Notifier Notifier
}

// RedisStore is the production Store. Sessions live under
// "<prefix>session:<id>" as JSON blobs with a TTL; version-checked updates
// use WATCH/MULTI/EXEC so the read-check-write is atomic against writers on
// any replica.
type RedisStore struct {
	client   redis.UniversalClient
	ttl      time.Duration
	prefix   string
	notifier Notifier
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client redis.UniversalClient, opts Options) *RedisStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "turnclock:"
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	return &RedisStore{
		client:   client,
		ttl:      opts.TTL,
		prefix:   opts.KeyPrefix,
		notifier: opts.Notifier,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	sess, err := models.DecodeSession(data)
	if err != nil {
		return nil, &DeserializationError{SessionID: sessionID, Err: err}
	}
	return sess, nil
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	created := session.Clone()
	created.Version = 1

	data, err := models.EncodeSession(created)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, s.key(created.SessionID), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("create session %s: %w", created.SessionID, err)
	}

	s.notifier.SessionChanged(ctx, created)
	return created, nil
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, sessionID string, session *models.Session, expectedVersion int64) (*models.Session, error) {
	key := s.key(sessionID)

	attempts := 1
	if expectedVersion == NoVersionCheck {
		attempts = uncheckedRetries
	}

	var updated *models.Session
	for attempt := 0; attempt < attempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("read current version: %w", err)
			}
			stored, err := models.DecodeSession(data)
			if err != nil {
				return &DeserializationError{SessionID: sessionID, Err: err}
			}
			if expectedVersion != NoVersionCheck && stored.Version != expectedVersion {
				return &ConcurrencyError{Expected: expectedVersion, Actual: stored.Version}
			}

			next := session.Clone()
			next.Version = stored.Version + 1
			encoded, err := models.EncodeSession(next)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, s.ttl)
				return nil
			})
			if err != nil {
				return err
			}
			updated = next
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			// Another writer committed between our read and EXEC.
			if expectedVersion == NoVersionCheck {
				continue
			}
			return nil, s.lostRace(ctx, sessionID, expectedVersion)
		}
		if err != nil {
			return nil, err
		}

		s.notifier.SessionChanged(ctx, updated)
		return updated, nil
	}

	return nil, fmt.Errorf("update session %s: exhausted %d attempts: %w",
		sessionID, attempts, redis.TxFailedErr)
}

// lostRace resolves the actual stored version after a failed EXEC so the
// ConcurrencyError carries both sides of the conflict.
func (s *RedisStore) lostRace(ctx context.Context, sessionID string, expected int64) error {
	actual := expected + 1 // best guess if the re-read fails
	if current, err := s.Get(ctx, sessionID); err == nil {
		actual = current.Version
	} else if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return &ConcurrencyError{Expected: expected, Actual: actual}
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	// Read first to learn the last version for the deletion notice. The
	// read-delete pair is not atomic; a concurrent delete surfaces as
	// ErrNotFound either way.
	lastVersion := int64(0)
	current, err := s.Get(ctx, sessionID)
	switch {
	case err == nil:
		lastVersion = current.Version
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	default:
		var corrupt *DeserializationError
		if !errors.As(err, &corrupt) {
			return err
		}
		// A corrupt blob is still deletable.
		slog.Warn("Deleting session with corrupt stored state", "session_id", sessionID)
	}

	n, err := s.client.Del(ctx, s.key(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.notifier.SessionDeleted(ctx, sessionID, lastVersion)
	return nil
}
