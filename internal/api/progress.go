package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/internal/metrics"
	"github.com/fruitsalade/changefeed/internal/progress"
	"github.com/fruitsalade/changefeed/pkg/protocol"
)

const sseKeepAlive = 15 * time.Second

// ─── Snapshot Progress ──────────────────────────────────────────────────────

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.tracker.Get(r.PathValue("projectId")))
}

// handleProgressStream sends the current state, then every update, and ends
// the stream after a completed or failed event.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	projectID := r.PathValue("projectId")

	// Subscribe before reading the current state so no update falls between.
	ch, unsubscribe := s.tracker.Subscribe(projectID)
	defer unsubscribe()

	metrics.IncProgressStreams()
	defer metrics.DecProgressStreams()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	current := s.tracker.Get(projectID)
	if err := writeProgressFrame(w, current); err != nil {
		return
	}
	flusher.Flush()
	if current.Terminal() {
		return
	}

	keepAlive := s.clock.NewTimer(sseKeepAlive)
	defer func() { keepAlive.Stop() }()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C():
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			keepAlive = s.clock.NewTimer(sseKeepAlive)
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeProgressFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		}
	}
}

func writeProgressFrame(w http.ResponseWriter, ev protocol.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleReportProgress applies a report from the snapshot engine. A completed
// report carrying a snapshot key gets a presigned download URL.
func (s *Server) handleReportProgress(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	logger := logging.WithContext(r.Context())

	var report protocol.ProgressReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	snapshotURL := report.SnapshotURL
	if report.Step == protocol.StepCompleted && report.SnapshotKey != "" && s.snapshots != nil {
		u, err := s.snapshots.URL(r.Context(), report.SnapshotKey)
		if err != nil {
			logger.Warn("failed to presign snapshot",
				logging.Project(projectID), zap.String("key", report.SnapshotKey), zap.Error(err))
		} else {
			snapshotURL = u
		}
	}

	if err := s.tracker.Report(projectID, report, snapshotURL); err != nil {
		if errors.Is(err, progress.ErrUnknownStep) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to record progress")
		return
	}

	logger.Debug("progress reported",
		logging.Project(projectID), zap.String("step", report.Step), zap.Int("step_number", report.StepNumber))
	s.sendJSON(w, http.StatusOK, s.tracker.Get(projectID))
}

func (s *Server) handleClearProgress(w http.ResponseWriter, r *http.Request) {
	s.tracker.Cleanup(r.PathValue("projectId"))
	w.WriteHeader(http.StatusNoContent)
}
