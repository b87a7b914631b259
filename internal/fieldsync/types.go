package fieldsync

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrSaveInFlight     = errors.New("save already in flight")
	ErrVersionConflict  = errors.New("version conflict")
	ErrNoConflict       = errors.New("no conflict pending")
	ErrConflictPending  = errors.New("conflict pending")
	ErrStateNotFound    = errors.New("no tracked state")
	ErrStaleResponse    = errors.New("stale response")
	ErrResolutionFailed = errors.New("resolution failed")
	ErrQueueFull        = errors.New("queue full")
	ErrEntryNotFound    = errors.New("queue entry not found")
	ErrFlushInProgress  = errors.New("flush already in progress")
	ErrAuthExpired      = errors.New("authentication expired")
	ErrInvalidInput     = errors.New("invalid input")
	ErrClosed           = errors.New("closed")
	ErrNotImplemented   = errors.New("not implemented")
)

type ConflictError struct {
	EntityID string
	Remote   RemoteRecord
}

func (e *ConflictError) Error() string {
	return "version conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

type ItemStatus string

const (
	StatusPending       ItemStatus = "pending"
	StatusCompleted     ItemStatus = "completed"
	StatusFailed        ItemStatus = "failed"
	StatusNotApplicable ItemStatus = "not_applicable"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusNotApplicable:
		return true
	}
	return false
}

func ParseItemStatus(raw string) (ItemStatus, error) {
	s := ItemStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", ErrInvalidInput
	}
	return s, nil
}

type SaveState string

const (
	StateIdle     SaveState = "idle"
	StateSaving   SaveState = "saving"
	StateSaved    SaveState = "saved"
	StateError    SaveState = "error"
	StateConflict SaveState = "conflict"
)

type DesiredState struct {
	Status ItemStatus `json:"status"`
	Notes  string     `json:"notes"`
}

type MutationRequest struct {
	EntityID    string       `json:"entityId"`
	Desired     DesiredState `json:"desiredState"`
	ActorID     string       `json:"actorId"`
	Force       bool         `json:"force"`
	SubmittedAt time.Time    `json:"submittedAt"`
}

type RemoteRecord struct {
	EntityID   string     `json:"entityId"`
	Status     ItemStatus `json:"status"`
	Notes      string     `json:"notes"`
	Version    int64      `json:"version"`
	ModifiedBy string     `json:"modifiedBy,omitempty"`
	ModifiedAt time.Time  `json:"modifiedAt,omitempty"`
}

type ConflictSide struct {
	Status ItemStatus `json:"status"`
	Notes  string     `json:"notes"`
}

type RemoteSide struct {
	Status     ItemStatus `json:"status"`
	Notes      string     `json:"notes"`
	Version    int64      `json:"version"`
	ModifiedBy string     `json:"modifiedBy,omitempty"`
	ModifiedAt time.Time  `json:"modifiedAt,omitempty"`
}

type ConflictPayload struct {
	EntityID string       `json:"entityId"`
	Local    ConflictSide `json:"local"`
	Remote   RemoteSide   `json:"remote"`
}

type SaveSnapshot struct {
	EntityID      string           `json:"entityId"`
	State         SaveState        `json:"state"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
	ErrorKind     ErrorKind        `json:"errorKind,omitempty"`
	RetryCount    int              `json:"retryCount"`
	LastAttemptAt time.Time        `json:"lastAttemptAt,omitempty"`
	Conflict      *ConflictPayload `json:"conflict,omitempty"`
}

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryFailed  EntryStatus = "failed"
)

type SyncQueueEntry struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Mutation   MutationRequest `json:"mutation"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
	Status     EntryStatus     `json:"status"`
	LastError  string          `json:"lastError,omitempty"`
}

type FlushReport struct {
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Conflicted int `json:"conflicted"`
	Remaining  int `json:"remaining"`
}

type EventType string

const (
	EventStateChanged     EventType = "state_changed"
	EventConflictDetected EventType = "conflict_detected"
	EventQueueChanged     EventType = "queue_changed"
	EventNetworkChanged   EventType = "network_changed"
	EventEntryFailed      EventType = "entry_failed"
)

type Event struct {
	Type        EventType        `json:"type"`
	EntityID    string           `json:"entityId,omitempty"`
	State       SaveState        `json:"state,omitempty"`
	Snapshot    *SaveSnapshot    `json:"snapshot,omitempty"`
	Conflict    *ConflictPayload `json:"conflict,omitempty"`
	EntryID     string           `json:"entryId,omitempty"`
	QueueLength int              `json:"queueLength"`
	Online      bool             `json:"online"`
	Timestamp   time.Time        `json:"timestamp"`
}
