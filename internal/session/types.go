package session

import (
	"context"
	"time"

	"github.com/carelink/consultrec/internal/intake"
	"github.com/carelink/consultrec/internal/storage"
	"github.com/carelink/consultrec/internal/summarize"
)

type Store interface {
	CreateSession(id, meetingID string, startedAt time.Time) error
	GetSession(id string) (storage.RecordingSession, error)
	GetSessionsByMeeting(meetingID string) ([]storage.RecordingSession, error)
	GetSessionsByDate(date string) ([]storage.RecordingSession, error)
	TransitionStatus(id string, from []string, to string) (bool, error)
	SetStatus(id, status string) error
	MarkEnded(id string, endedAt time.Time) (bool, error)
	SetMergedClip(id string, rec storage.MergedRecording) error
	SetSummary(id string, sum storage.Summary) error
}

type UploadIntake interface {
	AcceptUpload(ctx context.Context, sessionID string, party storage.Party, up intake.Upload) (intake.Result, error)
}

type Merger interface {
	Merge(ctx context.Context, sess storage.RecordingSession) (storage.MergedRecording, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, merged storage.MergedRecording, meta summarize.Metadata) storage.Summary
}

type EventBroadcaster interface {
	BroadcastSessionStarted(sessionID, meetingID string)
	BroadcastPartyUploaded(sessionID string, party storage.Party, bothReady bool)
	BroadcastStopBoth(sessionID string)
	BroadcastSessionEnded(sessionID string, duration time.Duration)
	BroadcastProcessingStarted(sessionID string)
	BroadcastMergeCompleted(sessionID string, rec storage.MergedRecording)
	BroadcastSummaryReady(sessionID string, sum storage.Summary)
	BroadcastSessionFailed(sessionID, reason string)
}

// StatusView is the caller-facing progress snapshot of one session.
type StatusView struct {
	SessionID       string                   `json:"session_id"`
	MeetingID       string                   `json:"meeting_id"`
	Status          string                   `json:"status"`
	PatientUploaded bool                     `json:"patient_uploaded"`
	DoctorUploaded  bool                     `json:"doctor_uploaded"`
	CanProcess      bool                     `json:"can_process"`
	MergedRecording *storage.MergedRecording `json:"merged_recording,omitempty"`
}
