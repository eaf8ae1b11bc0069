package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/config"
	"github.com/turnclock/turnclock/pkg/delivery"
	"github.com/turnclock/turnclock/pkg/engine"
	"github.com/turnclock/turnclock/pkg/models"
	"github.com/turnclock/turnclock/pkg/store"
)

// newTestServer wires a full server against the in-memory store. Requests go
// through the echo router so routing, middleware and handlers are all covered.
func newTestServer(t *testing.T) (*Server, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(time.Hour, clk, nil)
	eng := engine.New(st, nil, clk)
	mgr := delivery.NewManager(st, clk, delivery.ManagerOptions{})

	cfg := &config.Config{
		SessionTTL:                time.Hour,
		RateLimitSwitchPerSecond:  1000,
		RateLimitGeneralPerMinute: 100000,
		CORSOrigin:                "*",
		ReplicaID:                 "test-replica",
	}
	return NewServer(cfg, eng, mgr, clk), clk
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) *models.Session {
	t.Helper()
	var sess models.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	return &sess
}

func createBody(sessionID string, participantIDs ...string) engine.CreateConfig {
	cfg := engine.CreateConfig{
		SessionID: sessionID,
		SyncMode:  models.SyncModePerParticipant,
	}
	for i, id := range participantIDs {
		cfg.Participants = append(cfg.Participants, engine.ParticipantConfig{
			ParticipantID:    id,
			ParticipantIndex: i,
			TotalTimeMs:      300_000,
		})
		cfg.TotalTimeMs += 300_000
	}
	return cfg
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	s, clk := newTestServer(t)
	sessionID := clock.NewID()
	p1, p2 := clock.NewID(), clock.NewID()

	t.Run("create", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions", createBody(sessionID, p1, p2))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		sess := decodeSession(t, rec)
		assert.Equal(t, models.StatusPending, sess.Status)
		assert.Equal(t, int64(1), sess.Version)
	})

	t.Run("get", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, sessionID, decodeSession(t, rec).SessionID)
	})

	t.Run("start", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sessionID+"/start", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		sess := decodeSession(t, rec)
		assert.Equal(t, models.StatusRunning, sess.Status)
		assert.Equal(t, p1, sess.ActiveParticipantID)
	})

	t.Run("switch without body rotates", func(t *testing.T) {
		clk.Advance(2 * time.Second)
		rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sessionID+"/switch", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var result models.SwitchResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, p2, result.ActiveParticipantID)
	})

	t.Run("switch with explicit next", func(t *testing.T) {
		clk.Advance(time.Second)
		rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sessionID+"/switch",
			SwitchRequest{NextParticipantID: p1})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var result models.SwitchResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, p1, result.ActiveParticipantID)
	})

	t.Run("pause and resume", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sessionID+"/pause", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, models.StatusPaused, decodeSession(t, rec).Status)

		rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sessionID+"/resume", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, models.StatusRunning, decodeSession(t, rec).Status)
	})

	t.Run("complete", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sessionID+"/complete", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, models.StatusCompleted, decodeSession(t, rec).Status)
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, s, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCreateSessionHandler_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBufferString("{"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid config lists every failure", func(t *testing.T) {
		body := engine.CreateConfig{
			SessionID: "not-a-uuid",
			SyncMode:  "bogus",
		}
		rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp struct {
			Error  string `json:"error"`
			Fields []struct {
				Field   string `json:"field"`
				Message string `json:"message"`
			} `json:"fields"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "validation failed", resp.Error)
		assert.GreaterOrEqual(t, len(resp.Fields), 3)
	})
}

func TestUnknownSessionReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	missing := clock.NewID()

	for _, path := range []string{
		"/api/v1/sessions/" + missing,
		"/api/v1/sessions/" + missing + "/start",
		"/api/v1/sessions/" + missing + "/switch",
	} {
		method := http.MethodPost
		if path == "/api/v1/sessions/"+missing {
			method = http.MethodGet
		}
		rec := doJSON(t, s, method, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestInvalidTransitionReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	sessionID := clock.NewID()

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions", createBody(sessionID, clock.NewID()))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Switch before start: the session is still pending.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sessionID+"/switch", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestTimeHandler(t *testing.T) {
	s, clk := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/time", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TimeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, clock.EpochMillis(clk.Now()), resp.ServerMs)
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test-replica", resp.ReplicaID)
	assert.Nil(t, resp.Database)
	assert.Nil(t, resp.Audit)
}

func TestSwitchRateLimit(t *testing.T) {
	s, clk := newTestServer(t)
	// 1 switch per second with burst 1 so the second call in the same instant
	// is rejected.
	s.switchLimiter = newKeyRateLimiter(perSecond(1), 1)

	sessionID := clock.NewID()
	rec := doJSON(t, s, http.MethodPost, "/api/v1/sessions", createBody(sessionID, clock.NewID(), clock.NewID()))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sessionID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	clk.Advance(time.Second)
	rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sessionID+"/switch", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+sessionID+"/switch", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another session has its own bucket.
	otherID := clock.NewID()
	rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions", createBody(otherID, clock.NewID(), clock.NewID()))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+otherID+"/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodPost, "/api/v1/sessions/"+otherID+"/switch", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestGeneralRateLimit(t *testing.T) {
	s, _ := newTestServer(t)
	s.generalLimiter = newKeyRateLimiter(perMinute(60), 3)

	var limited bool
	for i := 0; i < 10; i++ {
		rec := doJSON(t, s, http.MethodGet, "/api/v1/time", nil)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("request %d", i))
	}
	assert.True(t, limited, "expected a 429 after the burst was spent")
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
		req.Header.Set("Origin", "https://example.com")
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("security headers on every response", func(t *testing.T) {
		rec := doJSON(t, s, http.MethodGet, "/health", nil)
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})
}
