package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/inspectworks/fieldsync/internal/fieldsync"
)

// MessageType names an operation the background worker understands. The
// set is closed; PostMessage rejects anything else before it reaches
// the worker inbox.
type MessageType string

const (
	MessagePing    MessageType = "ping"
	MessageVersion MessageType = "version"
	MessageStats   MessageType = "stats"
	MessageFlush   MessageType = "flush"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessagePing, MessageVersion, MessageStats, MessageFlush:
		return true
	}
	return false
}

var (
	ErrUnsupported     = errors.New("background agent unsupported in this environment")
	ErrNotRegistered   = errors.New("background agent not registered")
	ErrAlreadyActive   = errors.New("background agent already registered")
	ErrResponseTimeout = errors.New("agent response timed out")
	ErrNoPendingUpdate = errors.New("no agent update waiting")
	ErrInvalidMessage  = errors.New("invalid agent message")
	ErrClosed          = errors.New("agent manager closed")
)

// Message is one request to the worker. Every message carries a
// correlation ID so responses can be matched to their request.
type Message struct {
	ID     string      `json:"id"`
	Type   MessageType `json:"type"`
	Tag    string      `json:"tag,omitempty"`
	SentAt time.Time   `json:"sentAt,omitempty"`
}

func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// Response answers one message, correlated by ID.
type Response struct {
	ID         string                 `json:"id"`
	Type       MessageType            `json:"type"`
	OK         bool                   `json:"ok"`
	Error      string                 `json:"error,omitempty"`
	Version    string                 `json:"version,omitempty"`
	Stats      *Stats                 `json:"stats,omitempty"`
	Report     *fieldsync.FlushReport `json:"report,omitempty"`
	ReceivedAt time.Time              `json:"receivedAt"`
}

// Stats is a snapshot of the worker's background sync activity.
type Stats struct {
	Version     string                 `json:"version"`
	StartedAt   time.Time              `json:"startedAt"`
	Flushes     int                    `json:"flushes"`
	LastFlushAt time.Time              `json:"lastFlushAt,omitempty"`
	LastError   string                 `json:"lastError,omitempty"`
	LastReport  *fieldsync.FlushReport `json:"lastReport,omitempty"`
	SyncTags    []string               `json:"syncTags,omitempty"`
}

// SyncMarker is the spool file dropped by RegisterBackgroundSync. The
// worker flushes the queue whenever a marker appears and removes the
// marker once the queue drains. Markers survive restarts, so a sync
// requested before a crash is still honored afterwards.
type SyncMarker struct {
	Tag         string    `json:"tag"`
	RequestedAt time.Time `json:"requestedAt"`
	RequestedBy string    `json:"requestedBy,omitempty"`
}

// Spool files come from outside the process, so they are validated
// before being trusted.
const syncMarkerSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["tag", "requestedAt"],
	"properties": {
		"tag": {"type": "string", "minLength": 1},
		"requestedAt": {"type": "string"},
		"requestedBy": {"type": "string"}
	}
}`

var syncMarkerSchema = mustCompileSchema("sync-marker.json", syncMarkerSchemaJSON)

func mustCompileSchema(name, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return schema
}

// ValidateSyncMarkerJSON checks a raw spool file against the marker
// schema.
func ValidateSyncMarkerJSON(data []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := syncMarkerSchema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func marshalSyncMarker(marker SyncMarker) ([]byte, error) {
	return json.MarshalIndent(marker, "", "  ")
}

func unmarshalSyncMarker(data []byte) (SyncMarker, error) {
	var marker SyncMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return SyncMarker{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return marker, nil
}
