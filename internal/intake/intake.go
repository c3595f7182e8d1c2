// Package intake validates and persists each party's raw audio upload.
package intake

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/carelink/consultrec/internal/storage"
)

// MinUploadBytes is the default floor below which an upload is treated as a
// failed or empty capture.
const MinUploadBytes int64 = 1024

// Validation failure reasons.
const (
	ReasonTooSmall = "too_small"
	ReasonBadType  = "bad_type"
)

// ValidationError rejects a bad upload without mutating the session.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("upload rejected (%s): %s", e.Reason, e.Detail)
}

// SessionStore is the subset of the session store intake writes to.
type SessionStore interface {
	GetSession(id string) (storage.RecordingSession, error)
	SetPartyClip(id string, party storage.Party, clip storage.PartyRecording) error
}

// BlobStore persists raw upload bytes.
type BlobStore interface {
	Put(name string, data []byte) (string, error)
	Delete(ref string) error
}

// Upload is one party's raw audio payload.
type Upload struct {
	FileName        string
	ContentType     string
	Data            []byte
	DurationSeconds float64
}

// Result reports the accepted clip and session readiness after the write
// was durably committed.
type Result struct {
	Accepted    bool
	BothReady   bool
	EitherReady bool
	Clip        storage.PartyRecording
}

type Intake struct {
	store    SessionStore
	blobs    BlobStore
	minBytes int64
	now      func() time.Time
}

func New(store SessionStore, blobs BlobStore, minBytes int64) *Intake {
	if minBytes <= 0 {
		minBytes = MinUploadBytes
	}
	return &Intake{
		store:    store,
		blobs:    blobs,
		minBytes: minBytes,
		now:      time.Now,
	}
}

// AcceptUpload validates, persists and records one party's clip. Uploading
// the same party twice overwrites the previous clip so client retries are
// harmless. Readiness is evaluated from a fresh read after the clip write.
func (i *Intake) AcceptUpload(ctx context.Context, sessionID string, party storage.Party, up Upload) (Result, error) {
	if !party.Valid() {
		return Result{}, fmt.Errorf("unknown party %q", party)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if int64(len(up.Data)) < i.minBytes {
		return Result{}, &ValidationError{
			Reason: ReasonTooSmall,
			Detail: fmt.Sprintf("%d bytes is below the %d byte minimum", len(up.Data), i.minBytes),
		}
	}
	if !isAudioType(up.ContentType) {
		return Result{}, &ValidationError{
			Reason: ReasonBadType,
			Detail: fmt.Sprintf("content type %q is not audio", up.ContentType),
		}
	}

	// The session must exist before any bytes are persisted.
	prev, err := i.store.GetSession(sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	uploadedAt := i.now().UTC()
	name := blobName(sessionID, party, up.FileName, uploadedAt)

	ref, err := i.blobs.Put(name, up.Data)
	if err != nil {
		return Result{}, fmt.Errorf("persist %s upload: %w", party, err)
	}

	clip := storage.PartyRecording{
		Status:          storage.ClipUploaded,
		StorageRef:      ref,
		OriginalName:    up.FileName,
		ByteSize:        int64(len(up.Data)),
		DurationSeconds: up.DurationSeconds,
		UploadedAt:      &uploadedAt,
	}

	if err := i.store.SetPartyClip(sessionID, party, clip); err != nil {
		_ = i.blobs.Delete(ref)
		return Result{}, fmt.Errorf("record %s clip: %w", party, err)
	}

	// A re-upload repoints the row; the replaced blob has no owner left.
	if prevRef := prev.Clip(party).StorageRef; prevRef != "" && prevRef != ref {
		_ = i.blobs.Delete(prevRef)
	}

	sess, err := i.store.GetSession(sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("re-read session %s: %w", sessionID, err)
	}

	return Result{
		Accepted:    true,
		BothReady:   sess.BothReady(),
		EitherReady: sess.EitherReady(),
		Clip:        clip,
	}, nil
}

func isAudioType(contentType string) bool {
	mediaType := strings.TrimSpace(strings.ToLower(contentType))
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	if strings.HasPrefix(mediaType, "audio/") {
		return true
	}
	// Browser capture APIs commonly label audio-only recordings video/webm.
	return mediaType == "video/webm"
}

func blobName(sessionID string, party storage.Party, original string, ts time.Time) string {
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" || len(ext) > 8 {
		ext = ".webm"
	}
	return fmt.Sprintf("%s_%s_%s%s", sessionID, party, ts.Format("20060102150405"), ext)
}
