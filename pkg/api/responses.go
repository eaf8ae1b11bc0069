package api

import "github.com/turnclock/turnclock/pkg/database"

// TimeResponse is returned by GET /api/v1/time. Clients use server_ms to
// offset their local clocks before rendering countdowns.
type TimeResponse struct {
	ServerMs int64 `json:"server_ms"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	ReplicaID   string                 `json:"replica_id"`
	Connections int                    `json:"connections"`
	Database    *database.HealthStatus `json:"database,omitempty"`
	Audit       *AuditStats            `json:"audit,omitempty"`
}

// AuditStats reports the audit pipeline's backlog for the health endpoint.
type AuditStats struct {
	QueueDepth  int   `json:"queue_depth"`
	Written     int64 `json:"written"`
	Dropped     int64 `json:"dropped"`
	DeadLetters int   `json:"dead_letters"`
}
