package server

import (
	"time"

	"github.com/carelink/consultrec/internal/storage"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type SessionStartedEvent struct {
	Event
	SessionID string `json:"session_id"`
	MeetingID string `json:"meeting_id"`
}

type PartyUploadedEvent struct {
	Event
	SessionID string `json:"session_id"`
	Party     string `json:"party"`
	BothReady bool   `json:"both_ready"`
}

type StopBothEvent struct {
	Event
	SessionID string `json:"session_id"`
}

type SessionEndedEvent struct {
	Event
	SessionID string  `json:"session_id"`
	Duration  float64 `json:"duration"`
}

type ProcessingStartedEvent struct {
	Event
	SessionID string `json:"session_id"`
}

type MergeCompletedEvent struct {
	Event
	SessionID       string  `json:"session_id"`
	StorageRef      string  `json:"storage_ref"`
	DurationSeconds float64 `json:"duration_seconds"`
	StrategyUsed    string  `json:"strategy_used"`
}

type SummaryReadyEvent struct {
	Event
	SessionID  string          `json:"session_id"`
	Summary    storage.Summary `json:"summary"`
	SourceKind string          `json:"source_kind"`
}

type SessionFailedEvent struct {
	Event
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
