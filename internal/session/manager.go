package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/consultrec/internal/intake"
	"github.com/carelink/consultrec/internal/storage"
	"github.com/carelink/consultrec/internal/summarize"
)

// processableStates are the statuses a pipeline run may start from. The
// compare-and-swap into processing is what guarantees at most one in-flight
// run per session.
var processableStates = []string{
	storage.StatusRecording,
	storage.StatusUploading,
	storage.StatusStoppingBoth,
	storage.StatusFailed,
}

type readyNotice struct {
	sessionID string
	party     storage.Party
	bothReady bool
}

// Manager sequences the recording pipeline and owns all session status
// transitions. Party clip, merged clip and summary writes stay with their
// respective components.
type Manager struct {
	store      Store
	intake     UploadIntake
	merger     Merger
	summarizer Summarizer
	hub        EventBroadcaster
	locks      *LockRegistry

	ready chan readyNotice
	now   func() time.Time
	newID func() string
}

func NewManager(store Store, up UploadIntake, merger Merger, summarizer Summarizer, hub EventBroadcaster, locks *LockRegistry) *Manager {
	if locks == nil {
		locks = NewLockRegistry(0)
	}
	return &Manager{
		store:      store,
		intake:     up,
		merger:     merger,
		summarizer: summarizer,
		hub:        hub,
		locks:      locks,
		ready:      make(chan readyNotice, 64),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Run consumes readiness notices until ctx is cancelled. Each notice is
// published to the hub exactly once; processing is never auto-triggered
// from here, callers drive it explicitly.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice := <-m.ready:
			if m.hub != nil {
				m.hub.BroadcastPartyUploaded(notice.sessionID, notice.party, notice.bothReady)
			}
		}
	}
}

func (m *Manager) StartSession(ctx context.Context, meetingID string) (storage.RecordingSession, error) {
	if strings.TrimSpace(meetingID) == "" {
		return storage.RecordingSession{}, errors.New("meeting id is required")
	}
	if err := ctx.Err(); err != nil {
		return storage.RecordingSession{}, err
	}

	id := m.newID()
	startedAt := m.now().UTC()

	if err := m.store.CreateSession(id, meetingID, startedAt); err != nil {
		return storage.RecordingSession{}, fmt.Errorf("create session: %w", err)
	}
	if _, err := m.store.TransitionStatus(id, []string{storage.StatusPending}, storage.StatusRecording); err != nil {
		return storage.RecordingSession{}, fmt.Errorf("start recording: %w", err)
	}

	if m.hub != nil {
		m.hub.BroadcastSessionStarted(id, meetingID)
	}

	return m.getSession(id)
}

// UploadPartyAudio accepts one party's clip. The per-session lock keeps the
// two parties' near-simultaneous uploads from interleaving their
// read-modify-write cycles.
func (m *Manager) UploadPartyAudio(ctx context.Context, sessionID string, party storage.Party, up intake.Upload) (intake.Result, error) {
	release := m.locks.Acquire(sessionID)
	defer release()

	sess, err := m.getSession(sessionID)
	if err != nil {
		return intake.Result{}, err
	}
	if sess.Status == storage.StatusCompleted {
		return intake.Result{}, ErrAlreadyCompleted
	}

	res, err := m.intake.AcceptUpload(ctx, sessionID, party, up)
	if err != nil {
		return intake.Result{}, err
	}

	select {
	case m.ready <- readyNotice{sessionID: sessionID, party: party, bothReady: res.BothReady}:
	default:
		slog.Warn("ready notice dropped, queue full", "session_id", sessionID)
	}

	return res, nil
}

// StopBoth signals both parties to stop capturing. It is fire-and-forget:
// the session waits in stopping_both until EndSession moves it to uploading.
func (m *Manager) StopBoth(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	won, err := m.store.TransitionStatus(sessionID,
		[]string{storage.StatusRecording, storage.StatusUploading}, storage.StatusStoppingBoth)
	if err != nil {
		return "", fmt.Errorf("stop both: %w", err)
	}
	if !won {
		sess, err := m.getSession(sessionID)
		if err != nil {
			return "", err
		}
		if sess.Status == storage.StatusStoppingBoth {
			return sess.Status, nil
		}
		return "", fmt.Errorf("%w: cannot stop from %s", ErrInvalidTransition, sess.Status)
	}

	if m.hub != nil {
		m.hub.BroadcastStopBoth(sessionID)
	}
	return storage.StatusStoppingBoth, nil
}

// EndSession marks the recording end and waits for final uploads.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	endedAt := m.now().UTC()
	ok, err := m.store.MarkEnded(sessionID, endedAt)
	if err != nil {
		return "", mapNotFound(err)
	}
	if !ok {
		sess, err := m.getSession(sessionID)
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: cannot end from %s", ErrInvalidTransition, sess.Status)
	}

	if m.hub != nil {
		sess, err := m.getSession(sessionID)
		if err == nil {
			m.hub.BroadcastSessionEnded(sessionID, endedAt.Sub(sess.StartedAt))
		}
	}
	return storage.StatusUploading, nil
}

// Process runs merge then summarize. It requires both parties uploaded;
// ForceProcess relaxes that to at least one.
func (m *Manager) Process(ctx context.Context, sessionID string) (storage.RecordingSession, error) {
	return m.process(ctx, sessionID, false)
}

func (m *Manager) ForceProcess(ctx context.Context, sessionID string) (storage.RecordingSession, error) {
	return m.process(ctx, sessionID, true)
}

func (m *Manager) process(ctx context.Context, sessionID string, force bool) (storage.RecordingSession, error) {
	sess, err := m.getSession(sessionID)
	if err != nil {
		return storage.RecordingSession{}, err
	}

	if !force && !sess.BothReady() {
		return storage.RecordingSession{}, ErrNotReady
	}
	if force && !sess.EitherReady() {
		return storage.RecordingSession{}, ErrNoUploads
	}

	won, err := m.store.TransitionStatus(sessionID, processableStates, storage.StatusProcessing)
	if err != nil {
		return storage.RecordingSession{}, fmt.Errorf("claim processing: %w", err)
	}
	if !won {
		current, err := m.getSession(sessionID)
		if err != nil {
			return storage.RecordingSession{}, err
		}
		switch current.Status {
		case storage.StatusProcessing:
			return storage.RecordingSession{}, ErrProcessingInFlight
		case storage.StatusCompleted:
			return storage.RecordingSession{}, ErrAlreadyCompleted
		default:
			return storage.RecordingSession{}, fmt.Errorf("%w: cannot process from %s", ErrInvalidTransition, current.Status)
		}
	}

	if m.hub != nil {
		m.hub.BroadcastProcessingStarted(sessionID)
	}

	// Re-read after winning the claim: an upload may have committed
	// between the readiness check and the swap, and the pipeline must
	// merge every clip recorded at claim time.
	sess, err = m.getSession(sessionID)
	if err != nil {
		return storage.RecordingSession{}, err
	}

	return m.runPipeline(ctx, sess)
}

// runPipeline executes merge then summarize, holding the processing claim.
// It always leaves the session in a terminal completed or failed state.
func (m *Manager) runPipeline(ctx context.Context, sess storage.RecordingSession) (storage.RecordingSession, error) {
	merged, err := m.merger.Merge(ctx, sess)
	if err != nil {
		if merged.Status == "" {
			merged.Status = storage.MergeFailed
		}
		if serr := m.store.SetMergedClip(sess.ID, merged); serr != nil {
			slog.Warn("record failed merge", "session_id", sess.ID, "error", serr)
		}
		if serr := m.store.SetStatus(sess.ID, storage.StatusFailed); serr != nil {
			slog.Warn("mark session failed", "session_id", sess.ID, "error", serr)
		}
		if m.hub != nil {
			m.hub.BroadcastSessionFailed(sess.ID, "merge failed")
		}
		return storage.RecordingSession{}, fmt.Errorf("merge session %s: %w", sess.ID, err)
	}

	if err := m.store.SetMergedClip(sess.ID, merged); err != nil {
		_ = m.store.SetStatus(sess.ID, storage.StatusFailed)
		if m.hub != nil {
			m.hub.BroadcastSessionFailed(sess.ID, "storage unavailable")
		}
		return storage.RecordingSession{}, fmt.Errorf("record merged clip: %w", err)
	}
	if m.hub != nil {
		m.hub.BroadcastMergeCompleted(sess.ID, merged)
	}

	// The summarizer never fails: it degrades to the deterministic
	// metadata-only summary instead.
	summary := m.summarizer.Summarize(ctx, merged, summarize.Metadata{
		SessionID:    sess.ID,
		MeetingID:    sess.MeetingID,
		StartedAt:    sess.StartedAt,
		EndedAt:      sess.EndedAt,
		PatientLabel: labelFor(sess.PatientClip, "patient"),
		DoctorLabel:  labelFor(sess.DoctorClip, "provider"),
	})

	if err := m.store.SetSummary(sess.ID, summary); err != nil {
		_ = m.store.SetStatus(sess.ID, storage.StatusFailed)
		if m.hub != nil {
			m.hub.BroadcastSessionFailed(sess.ID, "storage unavailable")
		}
		return storage.RecordingSession{}, fmt.Errorf("record summary: %w", err)
	}

	if err := m.store.SetStatus(sess.ID, storage.StatusCompleted); err != nil {
		return storage.RecordingSession{}, fmt.Errorf("complete session: %w", err)
	}
	if m.hub != nil {
		m.hub.BroadcastSummaryReady(sess.ID, summary)
	}

	return m.getSession(sess.ID)
}

func (m *Manager) GetStatus(ctx context.Context, sessionID string) (StatusView, error) {
	if err := ctx.Err(); err != nil {
		return StatusView{}, err
	}

	sess, err := m.getSession(sessionID)
	if err != nil {
		return StatusView{}, err
	}

	view := StatusView{
		SessionID:       sess.ID,
		MeetingID:       sess.MeetingID,
		Status:          sess.Status,
		PatientUploaded: sess.PatientClip.Uploaded(),
		DoctorUploaded:  sess.DoctorClip.Uploaded(),
		CanProcess:      sess.BothReady(),
	}
	if sess.MergedClip.Status != storage.MergePending {
		merged := sess.MergedClip
		view.MergedRecording = &merged
	}
	return view, nil
}

func (m *Manager) GetSummary(ctx context.Context, sessionID string) (storage.Summary, error) {
	if err := ctx.Err(); err != nil {
		return storage.Summary{}, err
	}

	sess, err := m.getSession(sessionID)
	if err != nil {
		return storage.Summary{}, err
	}
	if sess.Summary.Status != storage.SummaryCompleted {
		return storage.Summary{}, ErrSummaryNotGenerated
	}
	return sess.Summary, nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID string) (storage.RecordingSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.RecordingSession{}, err
	}
	return m.getSession(sessionID)
}

// ListSessions returns sessions for a meeting id, or for a date when no
// meeting id is given.
func (m *Manager) ListSessions(ctx context.Context, meetingID, date string) ([]storage.RecordingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(meetingID) != "" {
		sessions, err := m.store.GetSessionsByMeeting(meetingID)
		if err != nil {
			return nil, fmt.Errorf("list sessions for meeting %s: %w", meetingID, err)
		}
		return sessions, nil
	}

	if strings.TrimSpace(date) == "" {
		date = m.now().UTC().Format("2006-01-02")
	}
	sessions, err := m.store.GetSessionsByDate(date)
	if err != nil {
		return nil, fmt.Errorf("list sessions for date %s: %w", date, err)
	}
	return sessions, nil
}

func (m *Manager) getSession(sessionID string) (storage.RecordingSession, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return storage.RecordingSession{}, mapNotFound(err)
	}
	return sess, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func labelFor(clip storage.PartyRecording, fallback string) string {
	if clip.OriginalName != "" {
		return fallback + " (" + clip.OriginalName + ")"
	}
	return fallback
}
