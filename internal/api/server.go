// Package api provides the hub's HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/auth"
	"github.com/fruitsalade/changefeed/internal/eventlog"
	"github.com/fruitsalade/changefeed/internal/events"
	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/metrics"
	"github.com/fruitsalade/changefeed/internal/progress"
	"github.com/fruitsalade/changefeed/internal/ratelimit"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

const (
	maxIngestBody     = 8 << 20
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// SnapshotSigner turns an uploaded snapshot key into a download URL.
type SnapshotSigner interface {
	URL(ctx context.Context, key string) (string, error)
}

// Deps bundles what the server needs. Snapshots and IngestLimiter may be nil.
type Deps struct {
	Hub            *events.Hub
	Log            eventlog.Log
	Tracker        *progress.Tracker
	Snapshots      SnapshotSigner
	IngestLimiter  *ratelimit.Limiter
	Auth           *auth.Auth
	AllowedOrigins []string
	Clock          clockz.Clock
	Logger         *zap.Logger
}

// Server is the HTTP server.
type Server struct {
	hub            *events.Hub
	log            eventlog.Log
	tracker        *progress.Tracker
	snapshots      SnapshotSigner
	limiter        *ratelimit.Limiter
	auth           *auth.Auth
	allowedOrigins []string
	clock          clockz.Clock
	logger         *zap.Logger
}

// NewServer creates a new server.
func NewServer(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clockz.RealClock
	}
	if d.Auth == nil {
		d.Auth = auth.New("", nil)
	}
	return &Server{
		hub:            d.Hub,
		log:            d.Log,
		tracker:        d.Tracker,
		snapshots:      d.Snapshots,
		limiter:        d.IngestLimiter,
		auth:           d.Auth,
		allowedOrigins: d.AllowedOrigins,
		clock:          d.Clock,
		logger:         logging.Named(d.Logger, "api"),
	}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)

	// Hub websocket
	mux.Handle("GET /api/v1/ws", s.protect(s.handleWebSocket))

	// Ingestion
	mux.Handle("POST /api/v1/projects/{projectId}/files/update", s.protect(s.handleFilesUpdate))
	mux.Handle("GET /api/v1/projects/{projectId}/events", s.protect(s.handleProjectEvents))

	// Snapshot progress
	mux.Handle("GET /api/v1/projects/{projectId}/progress", s.protect(s.handleGetProgress))
	mux.Handle("GET /api/v1/projects/{projectId}/progress/stream", s.protect(s.handleProgressStream))
	mux.Handle("POST /api/v1/projects/{projectId}/progress", s.protect(s.handleReportProgress))
	mux.Handle("DELETE /api/v1/projects/{projectId}/progress", s.protect(s.handleClearProgress))

	// Stats
	mux.Handle("GET /api/v1/hub/stats", s.protect(s.handleHubStats))

	// Metrics must sit inside logging so it sees the pattern the mux matched.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) protect(h http.HandlerFunc) http.Handler {
	return s.auth.Middleware(h)
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// ─── Ingestion ──────────────────────────────────────────────────────────────

// handleFilesUpdate records a batch of changes and broadcasts the recorded
// ones to the project room. Entries without path or op are skipped; entries
// with an unknown op are reported as invalid.
func (s *Server) handleFilesUpdate(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	logger := logging.WithContext(r.Context())

	if s.limiter != nil {
		if ok, wait := s.limiter.Allow(projectID); !ok {
			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	var req protocol.FilesUpdateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Changes == nil {
		s.sendError(w, http.StatusBadRequest, "changes array is required")
		return
	}
	if len(req.Changes) > protocol.MaxChangesPerRequest {
		s.sendError(w, http.StatusBadRequest,
			fmt.Sprintf("too many changes (max %d)", protocol.MaxChangesPerRequest))
		return
	}

	results := make([]protocol.ChangeResult, 0, len(req.Changes))
	recorded := make([]protocol.SyncEvent, 0, len(req.Changes))
	for _, change := range req.Changes {
		switch err := change.Validate(); {
		case errors.Is(err, protocol.ErrMissingPath), errors.Is(err, protocol.ErrMissingOp):
			metrics.RecordIngested(string(change.Op), "skipped")
			continue
		case errors.Is(err, protocol.ErrUnknownOp):
			metrics.RecordIngested("unknown", protocol.StatusInvalid)
			results = append(results, protocol.ChangeResult{
				Path: change.Path, Op: change.Op, Status: protocol.StatusInvalid,
			})
			continue
		}

		ev, err := s.log.Append(r.Context(), projectID, change)
		if err != nil {
			logger.Error("failed to record change",
				logging.Project(projectID), logging.Path(change.Path), zap.Error(err))
			metrics.RecordIngested(string(change.Op), protocol.StatusFailed)
			results = append(results, protocol.ChangeResult{
				Path: change.Path, Op: change.Op, Status: protocol.StatusFailed,
			})
			continue
		}
		metrics.RecordIngested(string(change.Op), protocol.StatusRecorded)
		results = append(results, protocol.ChangeResult{
			Path: ev.Change.Path, Op: ev.Change.Op, Seq: ev.Seq, Status: protocol.StatusRecorded,
		})
		recorded = append(recorded, ev)
	}

	delivered := s.hub.BroadcastBatch(projectID, recorded)
	logger.Info("changes ingested",
		logging.Project(projectID),
		zap.Int("received", len(req.Changes)),
		zap.Int("recorded", len(recorded)),
		zap.Int("deliveries", delivered),
	)

	s.sendJSON(w, http.StatusOK, protocol.FilesUpdateResponse{
		Success:          true,
		ChangesProcessed: len(recorded),
		Results:          results,
	})
}

func (s *Server) handleProjectEvents(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	q := r.URL.Query()

	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxEventLimit)
	}

	evs, err := s.log.Since(r.Context(), projectID, since, limit)
	if err != nil {
		logging.WithContext(r.Context()).Error("failed to list events", logging.Project(projectID), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if evs == nil {
		evs = []protocol.SyncEvent{}
	}
	s.sendJSON(w, http.StatusOK, evs)
}

// ─── Stats ──────────────────────────────────────────────────────────────────

func (s *Server) handleHubStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.hub.Stats())
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
