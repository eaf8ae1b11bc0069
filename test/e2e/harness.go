// Package e2e exercises the full stack: HTTP handlers, engine, shared state
// store, fan-out bus, and WebSocket delivery, across multiple replicas.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turnclock/turnclock/pkg/api"
	"github.com/turnclock/turnclock/pkg/bus"
	"github.com/turnclock/turnclock/pkg/clock"
	"github.com/turnclock/turnclock/pkg/config"
	"github.com/turnclock/turnclock/pkg/delivery"
	"github.com/turnclock/turnclock/pkg/engine"
	"github.com/turnclock/turnclock/pkg/store"
)

// Replica is one server instance in a test cluster.
type Replica struct {
	Server *api.Server
	HTTP   *httptest.Server
}

// Cluster wires n replicas onto one shared state store and one shared bus,
// the same topology as production replicas sharing Redis.
type Cluster struct {
	Clock    *clock.Fake
	Store    *store.MemoryStore
	Bus      *bus.InProcBus
	Replicas []*Replica
}

// NewCluster builds a running cluster. Everything shuts down via t.Cleanup.
func NewCluster(t *testing.T, n int) *Cluster {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	fanout := bus.NewInProcBus()
	notifier := bus.NewChangeNotifier(fanout, clk, "e2e")
	sharedStore := store.NewMemoryStore(time.Hour, clk, notifier)

	c := &Cluster{Clock: clk, Store: sharedStore, Bus: fanout}

	for i := 0; i < n; i++ {
		cfg := &config.Config{
			SessionTTL:                time.Hour,
			RateLimitSwitchPerSecond:  1000,
			RateLimitGeneralPerMinute: 100000,
			CORSOrigin:                "*",
			ReplicaID:                 fmt.Sprintf("replica-%d", i),
		}
		eng := engine.New(sharedStore, nil, clk)
		mgr := delivery.NewManager(sharedStore, clk, delivery.ManagerOptions{Publisher: fanout})
		fanout.Subscribe(mgr.HandleStateChange)

		srv := api.NewServer(cfg, eng, mgr, clk)
		ts := httptest.NewServer(srv.Handler())
		t.Cleanup(ts.Close)
		t.Cleanup(mgr.CloseAll)

		c.Replicas = append(c.Replicas, &Replica{Server: srv, HTTP: ts})
	}

	require.NoError(t, fanout.Start(context.Background()))
	t.Cleanup(fanout.Stop)
	return c
}

// WSURL returns the WebSocket endpoint of replica i for the given session.
func (c *Cluster) WSURL(i int, sessionID string) string {
	return strings.Replace(c.Replicas[i].HTTP.URL, "http://", "ws://", 1) +
		"/ws?session_id=" + sessionID
}

// DoJSON issues a request against replica i and decodes the JSON response
// into out when out is non-nil.
func (c *Cluster) DoJSON(t *testing.T, i int, method, path string, body, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.Replicas[i].HTTP.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
