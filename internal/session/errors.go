package session

import "errors"

// ErrNotFound is returned for operations on unknown sessions.
var ErrNotFound = errors.New("session not found")

// ErrNotReady is returned by Process when both parties have not uploaded.
var ErrNotReady = errors.New("session not ready for processing")

// ErrNoUploads is returned by ForceProcess when neither party has uploaded.
var ErrNoUploads = errors.New("no party recordings uploaded")

// ErrProcessingInFlight is returned when a pipeline run is already active
// for the session. The caller should observe the first run's result instead
// of retrying immediately.
var ErrProcessingInFlight = errors.New("processing already in flight")

// ErrAlreadyCompleted is returned for mutations on a completed session.
var ErrAlreadyCompleted = errors.New("session already completed")

// ErrInvalidTransition is returned when the session state machine rejects
// an operation in the current status.
var ErrInvalidTransition = errors.New("invalid session state transition")

// ErrSummaryNotGenerated distinguishes "no summary yet" from an unknown
// session on GetSummary.
var ErrSummaryNotGenerated = errors.New("summary not generated")
