package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/carelink/consultrec/internal/intake"
	"github.com/carelink/consultrec/internal/session"
	"github.com/carelink/consultrec/internal/storage"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxUploadBytes bounds a single party clip upload.
const maxUploadBytes = 256 << 20

// Orchestrator is the session manager surface the HTTP API drives.
type Orchestrator interface {
	StartSession(ctx context.Context, meetingID string) (storage.RecordingSession, error)
	UploadPartyAudio(ctx context.Context, sessionID string, party storage.Party, up intake.Upload) (intake.Result, error)
	StopBoth(ctx context.Context, sessionID string) (string, error)
	EndSession(ctx context.Context, sessionID string) (string, error)
	Process(ctx context.Context, sessionID string) (storage.RecordingSession, error)
	ForceProcess(ctx context.Context, sessionID string) (storage.RecordingSession, error)
	GetStatus(ctx context.Context, sessionID string) (session.StatusView, error)
	GetSummary(ctx context.Context, sessionID string) (storage.Summary, error)
	GetSession(ctx context.Context, sessionID string) (storage.RecordingSession, error)
	ListSessions(ctx context.Context, meetingID, date string) ([]storage.RecordingSession, error)
}

// ClipResolver maps a stored clip reference to an absolute file path for
// range-capable serving.
type ClipResolver interface {
	AbsPath(ref string) (string, error)
}

func registerAPIRoutes(mux *http.ServeMux, orch Orchestrator, clips ClipResolver, warnings func() []string) {
	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MeetingID string `json:"meeting_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
			return
		}
		if req.MeetingID == "" {
			writeJSONError(w, http.StatusBadRequest, "meeting_id is required")
			return
		}

		sess, err := orch.StartSession(r.Context(), req.MeetingID)
		if err != nil {
			writeDomainError(w, err, "start session")
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	})

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		meetingID := r.URL.Query().Get("meeting_id")
		date := r.URL.Query().Get("date")

		sessions, err := orch.ListSessions(r.Context(), meetingID, date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}
		if sessions == nil {
			sessions = []storage.RecordingSession{}
		}
		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := requireSessionID(w, r)
		if !ok {
			return
		}

		sess, err := orch.GetSession(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err, "get session")
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("POST /api/sessions/{id}/uploads/{party}", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := requireSessionID(w, r)
		if !ok {
			return
		}
		party := storage.Party(r.PathValue("party"))
		if !party.Valid() {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown party %q", party))
			return
		}

		duration := 0.0
		if raw := r.URL.Query().Get("duration_seconds"); raw != "" {
			var err error
			duration, err = strconv.ParseFloat(raw, 64)
			if err != nil || duration < 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid duration_seconds")
				return
			}
		}

		body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
		data, err := io.ReadAll(body)
		if err != nil {
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("read upload: %v", err))
			return
		}

		res, err := orch.UploadPartyAudio(r.Context(), sessionID, party, intake.Upload{
			FileName:        r.URL.Query().Get("original_name"),
			ContentType:     r.Header.Get("Content-Type"),
			Data:            data,
			DurationSeconds: duration,
		})
		if err != nil {
			writeDomainError(w, err, "accept upload")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accepted":   res.Accepted,
			"both_ready": res.BothReady,
			"clip":       res.Clip,
		})
	})

	mux.HandleFunc("POST /api/sessions/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := requireSessionID(w, r)
		if !ok {
			return
		}
		status, err := orch.StopBoth(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err, "stop session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	})

	mux.HandleFunc("POST /api/sessions/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := requireSessionID(w, r)
		if !ok {
			return
		}
		status, err := orch.EndSession(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err, "end session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": status})
	})

	mux.HandleFunc("POST /api/sessions/{id}/process", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := requireSessionID(w, r)
		if !ok {
			return
		}
		sess, err := orch.Process(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err, "process session")
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("POST /api/sessions/{id}/force-process", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := requireSessionID(w, r)
		if !ok {
			return
		}
		sess, err := orch.ForceProcess(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err, "force process session")
			return
		}
		writeJSON(w, http.StatusOK, sess)
	})

	mux.HandleFunc("GET /api/sessions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := requireSessionID(w, r)
		if !ok {
			return
		}
		view, err := orch.GetStatus(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err, "get status")
			return
		}
		writeJSON(w, http.StatusOK, view)
	})

	mux.HandleFunc("GET /api/sessions/{id}/summary", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := requireSessionID(w, r)
		if !ok {
			return
		}
		summary, err := orch.GetSummary(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err, "get summary")
			return
		}
		writeJSON(w, http.StatusOK, summary)
	})

	mux.HandleFunc("GET /api/sessions/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := requireSessionID(w, r)
		if !ok {
			return
		}

		sess, err := orch.GetSession(r.Context(), sessionID)
		if err != nil {
			writeDomainError(w, err, "get session")
			return
		}
		if sess.MergedClip.Status != storage.MergeCompleted || sess.MergedClip.StorageRef == "" {
			writeJSONError(w, http.StatusNotFound, "merged audio not available")
			return
		}

		absPath, err := clips.AbsPath(sess.MergedClip.StorageRef)
		if err != nil {
			writeJSONError(w, http.StatusForbidden, "invalid audio reference")
			return
		}

		f, err := os.Open(absPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", contentTypeForMerged(sess.MergedClip))
		http.ServeContent(w, r, sess.MergedClip.StorageRef, info.ModTime(), f)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var warns []string
		if warnings != nil {
			warns = warnings()
		}
		if warns == nil {
			warns = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"time":     time.Now().UTC().Format(time.RFC3339),
			"warnings": warns,
		})
	})
}

func requireSessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := r.PathValue("id")
	if !sessionIDPattern.MatchString(sessionID) {
		writeJSONError(w, http.StatusForbidden, "invalid session id")
		return "", false
	}
	return sessionID, true
}

// writeDomainError maps pipeline errors onto HTTP statuses: validation
// failures are unprocessable, missing resources are 404, state conflicts
// are 409, anything else is a server error.
func writeDomainError(w http.ResponseWriter, err error, action string) {
	var verr *intake.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  verr.Detail,
			"reason": verr.Reason,
		})
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrSummaryNotGenerated):
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("%s: %v", action, err))
	case errors.Is(err, session.ErrProcessingInFlight),
		errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrNoUploads),
		errors.Is(err, session.ErrAlreadyCompleted),
		errors.Is(err, session.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, fmt.Sprintf("%s: %v", action, err))
	default:
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("%s: %v", action, err))
	}
}

func contentTypeForMerged(rec storage.MergedRecording) string {
	if rec.StrategyUsed == storage.StrategyFallback {
		return "audio/webm"
	}
	return "audio/mpeg"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
