// Package protocol defines the wire types shared by the hub and its clients.
package protocol

import (
	"errors"
	"time"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// Op is the kind of a file change.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether o is one of the known operations.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

var (
	ErrMissingPath = errors.New("change has no path")
	ErrMissingOp   = errors.New("change has no op")
	ErrUnknownOp   = errors.New("unknown op")
)

// FileChange describes one observed change to a file below a project root.
// Path is relative and slash-separated. Mtime is in milliseconds since the epoch.
type FileChange struct {
	Path  string `json:"path"`
	Op    Op     `json:"op"`
	Hash  string `json:"hash,omitempty"`
	Mtime int64  `json:"mtime,omitempty"`
	Size  int64  `json:"size,omitempty"`
}

// Normalize strips fields that do not apply to the change's op.
// Delete records never carry a hash or size.
func (c FileChange) Normalize() FileChange {
	if c.Op == OpDelete {
		c.Hash = ""
		c.Size = 0
	}
	return c
}

// Validate checks the fields required for ingestion.
func (c FileChange) Validate() error {
	if c.Path == "" {
		return ErrMissingPath
	}
	if c.Op == "" {
		return ErrMissingOp
	}
	if !c.Op.Valid() {
		return ErrUnknownOp
	}
	return nil
}

// SyncEvent is a sequenced change as stored and broadcast by the hub.
type SyncEvent struct {
	Seq       int64      `json:"seq"`
	Change    FileChange `json:"change"`
	CreatedAt time.Time  `json:"created_at"`
}

// FilesUpdateRequest is the body of POST /api/v1/projects/{projectId}/files/update.
type FilesUpdateRequest struct {
	Changes []FileChange `json:"changes"`
}

// Per-change result statuses.
const (
	StatusRecorded = "recorded"
	StatusInvalid  = "invalid"
	StatusFailed   = "failed"
)

// ChangeResult reports what happened to a single submitted change.
type ChangeResult struct {
	Path   string `json:"path"`
	Op     Op     `json:"op"`
	Seq    int64  `json:"seq,omitempty"`
	Status string `json:"status"`
}

// FilesUpdateResponse is returned by the ingestion endpoint.
type FilesUpdateResponse struct {
	Success          bool           `json:"success"`
	ChangesProcessed int            `json:"changes_processed"`
	Results          []ChangeResult `json:"results"`
}

// MaxChangesPerRequest bounds a single ingestion request.
const MaxChangesPerRequest = 1000

// HubStats is returned by GET /api/v1/hub/stats.
type HubStats struct {
	TotalConnections   int            `json:"totalConnections"`
	TotalSubscriptions int            `json:"totalSubscriptions"`
	Projects           []ProjectStats `json:"projects"`
}

// ProjectStats is the subscriber count of one project room.
type ProjectStats struct {
	ProjectID   string `json:"projectId"`
	Subscribers int    `json:"subscribers"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
