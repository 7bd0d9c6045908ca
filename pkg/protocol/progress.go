package protocol

import "time"

// Snapshot steps reported by the external snapshot engine.
const (
	StepIdle        = "idle"
	StepWaiting     = "waiting"
	StepBrowsing    = "browsing"
	StepCompressing = "compressing"
	StepUploading   = "uploading"
	StepCompleted   = "completed"
	StepFailed      = "failed"
)

// TotalSteps is the number of steps in a snapshot run.
const TotalSteps = 6

// ProgressEvent is the envelope served by the poll and stream progress endpoints.
type ProgressEvent struct {
	ProjectID   string    `json:"projectId"`
	Step        string    `json:"step"`
	StepNumber  int       `json:"stepNumber"`
	TotalSteps  int       `json:"totalSteps"`
	Progress    int       `json:"progress"`
	FileCount   int       `json:"fileCount"`
	TotalSize   int64     `json:"totalSize"`
	Message     string    `json:"message"`
	SnapshotURL string    `json:"snapshotUrl,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends a snapshot run.
func (e ProgressEvent) Terminal() bool {
	return e.Step == StepCompleted || e.Step == StepFailed
}

// ProgressReport is the body of POST /api/v1/projects/{id}/progress.
// SnapshotKey names the uploaded object when Step is completed.
type ProgressReport struct {
	Step        string `json:"step"`
	StepNumber  int    `json:"stepNumber"`
	FileCount   int    `json:"fileCount"`
	TotalSize   int64  `json:"totalSize"`
	Message     string `json:"message"`
	SnapshotKey string `json:"snapshotKey,omitempty"`
	SnapshotURL string `json:"snapshotUrl,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StepPercent maps a step number to its overall completion percentage.
func StepPercent(stepNumber int) int {
	switch stepNumber {
	case 1:
		return 10
	case 2:
		return 20
	case 3:
		return 50
	case 4:
		return 75
	case 5:
		return 95
	case 6:
		return 100
	}
	return 0
}
