package storage

import (
	"time"

	"github.com/kalambet/askcube/internal/apperrors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = apperrors.ErrNotFound

// Interaction is one audited /ask request. ID equals the request id handed
// to the caller, so feedback can be joined back to it.
type Interaction struct {
	ID                string
	CreatedAt         time.Time
	UserQuery         string
	AugmentedQuery    string
	StructuredQuery   string // compact JSON, empty when synthesis failed
	State             string // terminal orchestrator state
	Status            string // "pass" or "fail"
	ErrorMessage      string
	FormattedResponse string
	DurationMs        int64
	FeedbackScore     int
	FeedbackNotes     string
}

// Job types.
const (
	JobHistoryRebuild = "history_rebuild"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
	ResultJSON  string
}
