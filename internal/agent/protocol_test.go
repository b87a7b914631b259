package agent

import (
	"errors"
	"testing"
	"time"
)

func TestMessageValidate(t *testing.T) {
	for _, valid := range []MessageType{MessagePing, MessageVersion, MessageStats, MessageFlush} {
		if err := (Message{Type: valid}).Validate(); err != nil {
			t.Fatalf("type %q rejected: %v", valid, err)
		}
	}
	if err := (Message{Type: "reboot"}).Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for unknown type, got %v", err)
	}
	if err := (Message{}).Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for empty type, got %v", err)
	}
}

func TestValidateSyncMarkerJSON(t *testing.T) {
	marker := SyncMarker{Tag: "inspection-7", RequestedAt: time.Now().UTC(), RequestedBy: "agent"}
	data, err := marshalSyncMarker(marker)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := ValidateSyncMarkerJSON(data); err != nil {
		t.Fatalf("valid marker rejected: %v", err)
	}

	cases := []struct {
		name string
		body string
	}{
		{"missing tag", `{"requestedAt": "2026-08-25T10:00:00Z"}`},
		{"empty tag", `{"tag": "", "requestedAt": "2026-08-25T10:00:00Z"}`},
		{"missing requestedAt", `{"tag": "inspection-7"}`},
		{"wrong shape", `["inspection-7"]`},
		{"not json", `{tag:`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateSyncMarkerJSON([]byte(tc.body)); !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}

	roundTripped, err := unmarshalSyncMarker(data)
	if err != nil || roundTripped.Tag != "inspection-7" {
		t.Fatalf("unmarshal round trip failed: %+v err=%v", roundTripped, err)
	}
}
