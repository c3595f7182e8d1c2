package intake

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carelink/consultrec/internal/storage"
)

type sessionStoreMock struct {
	mu       sync.Mutex
	sessions map[string]*storage.RecordingSession

	setClipErr error
}

func newSessionStoreMock(ids ...string) *sessionStoreMock {
	m := &sessionStoreMock{sessions: map[string]*storage.RecordingSession{}}
	for _, id := range ids {
		m.sessions[id] = &storage.RecordingSession{
			ID:          id,
			MeetingID:   "m1",
			Status:      storage.StatusRecording,
			PatientClip: storage.PartyRecording{Status: storage.ClipPending},
			DoctorClip:  storage.PartyRecording{Status: storage.ClipPending},
		}
	}
	return m
}

func (m *sessionStoreMock) GetSession(id string) (storage.RecordingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return storage.RecordingSession{}, errors.New("session not found")
	}
	return *sess, nil
}

func (m *sessionStoreMock) SetPartyClip(id string, party storage.Party, clip storage.PartyRecording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setClipErr != nil {
		return m.setClipErr
	}
	sess, ok := m.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	if party == storage.PartyDoctor {
		sess.DoctorClip = clip
	} else {
		sess.PatientClip = clip
	}
	return nil
}

type blobStoreMock struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deleted []string

	putErr error
}

func newBlobStoreMock() *blobStoreMock {
	return &blobStoreMock{blobs: map[string][]byte{}}
}

func (m *blobStoreMock) Put(name string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return "", m.putErr
	}
	m.blobs[name] = append([]byte(nil), data...)
	return name, nil
}

func (m *blobStoreMock) Delete(ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	m.deleted = append(m.deleted, ref)
	return nil
}

func audioUpload(size int) Upload {
	return Upload{
		FileName:        "capture.webm",
		ContentType:     "audio/webm",
		Data:            bytes.Repeat([]byte{0xAB}, size),
		DurationSeconds: 120,
	}
}

func TestAcceptUpload(t *testing.T) {
	store := newSessionStoreMock("s1")
	blobs := newBlobStoreMock()
	in := New(store, blobs, 0)
	in.now = func() time.Time { return time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC) }

	res, err := in.AcceptUpload(context.Background(), "s1", storage.PartyPatient, audioUpload(50*1024))
	if err != nil {
		t.Fatalf("AcceptUpload failed: %v", err)
	}
	if !res.Accepted {
		t.Fatal("expected upload accepted")
	}
	if res.BothReady {
		t.Fatal("expected bothReady false with one clip")
	}
	if !res.EitherReady {
		t.Fatal("expected eitherReady true")
	}
	if res.Clip.StorageRef != "s1_patient_20260312100000.webm" {
		t.Fatalf("unexpected blob ref %q", res.Clip.StorageRef)
	}
	if res.Clip.ByteSize != 50*1024 {
		t.Fatalf("expected byte size %d, got %d", 50*1024, res.Clip.ByteSize)
	}
	if len(blobs.blobs) != 1 {
		t.Fatalf("expected 1 persisted blob, got %d", len(blobs.blobs))
	}
}

func TestAcceptUploadBothReady(t *testing.T) {
	store := newSessionStoreMock("s1")
	blobs := newBlobStoreMock()
	in := New(store, blobs, 0)

	if _, err := in.AcceptUpload(context.Background(), "s1", storage.PartyPatient, audioUpload(50*1024)); err != nil {
		t.Fatalf("patient upload failed: %v", err)
	}
	res, err := in.AcceptUpload(context.Background(), "s1", storage.PartyDoctor, audioUpload(60*1024))
	if err != nil {
		t.Fatalf("doctor upload failed: %v", err)
	}
	if !res.BothReady {
		t.Fatal("expected bothReady after second party upload")
	}
}

func TestAcceptUploadRejectsTooSmall(t *testing.T) {
	store := newSessionStoreMock("s1")
	blobs := newBlobStoreMock()
	in := New(store, blobs, 0)

	_, err := in.AcceptUpload(context.Background(), "s1", storage.PartyDoctor, audioUpload(500))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Reason != ReasonTooSmall {
		t.Fatalf("expected reason %q, got %q", ReasonTooSmall, verr.Reason)
	}
	if len(blobs.blobs) != 0 {
		t.Fatal("expected no persisted bytes after rejection")
	}

	sess, _ := store.GetSession("s1")
	if sess.DoctorClip.Status != storage.ClipPending {
		t.Fatalf("expected doctor clip untouched, got %q", sess.DoctorClip.Status)
	}
}

func TestAcceptUploadRejectsBadType(t *testing.T) {
	store := newSessionStoreMock("s1")
	in := New(store, newBlobStoreMock(), 0)

	up := audioUpload(50 * 1024)
	up.ContentType = "text/plain"

	_, err := in.AcceptUpload(context.Background(), "s1", storage.PartyPatient, up)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Reason != ReasonBadType {
		t.Fatalf("expected reason %q, got %q", ReasonBadType, verr.Reason)
	}
}

func TestAcceptUploadAllowsWebmVideoLabel(t *testing.T) {
	store := newSessionStoreMock("s1")
	in := New(store, newBlobStoreMock(), 0)

	up := audioUpload(50 * 1024)
	up.ContentType = "video/webm;codecs=opus"

	if _, err := in.AcceptUpload(context.Background(), "s1", storage.PartyPatient, up); err != nil {
		t.Fatalf("expected webm capture accepted, got %v", err)
	}
}

func TestAcceptUploadUnknownSession(t *testing.T) {
	store := newSessionStoreMock()
	blobs := newBlobStoreMock()
	in := New(store, blobs, 0)

	if _, err := in.AcceptUpload(context.Background(), "nope", storage.PartyPatient, audioUpload(50*1024)); err == nil {
		t.Fatal("expected error for unknown session")
	}
	if len(blobs.blobs) != 0 {
		t.Fatal("expected no persisted bytes for unknown session")
	}
}

func TestAcceptUploadCleansUpOnRecordFailure(t *testing.T) {
	store := newSessionStoreMock("s1")
	store.setClipErr = errors.New("db locked")
	blobs := newBlobStoreMock()
	in := New(store, blobs, 0)

	if _, err := in.AcceptUpload(context.Background(), "s1", storage.PartyPatient, audioUpload(50*1024)); err == nil {
		t.Fatal("expected error when clip write fails")
	}
	if len(blobs.deleted) != 1 {
		t.Fatalf("expected orphaned blob deleted, got %v deletions", len(blobs.deleted))
	}
	if len(blobs.blobs) != 0 {
		t.Fatal("expected no blob left behind")
	}
}

func TestAcceptUploadIdempotentOverwrite(t *testing.T) {
	store := newSessionStoreMock("s1")
	blobs := newBlobStoreMock()
	in := New(store, blobs, 0)
	ts := time.Date(2026, 3, 12, 10, 0, 0, 0, time.UTC)
	in.now = func() time.Time {
		ts = ts.Add(time.Second)
		return ts
	}

	first, err := in.AcceptUpload(context.Background(), "s1", storage.PartyDoctor, audioUpload(40*1024))
	if err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	res, err := in.AcceptUpload(context.Background(), "s1", storage.PartyDoctor, audioUpload(60*1024))
	if err != nil {
		t.Fatalf("retried upload failed: %v", err)
	}

	sess, _ := store.GetSession("s1")
	if sess.DoctorClip.ByteSize != 60*1024 {
		t.Fatalf("expected latest upload recorded, got %d bytes", sess.DoctorClip.ByteSize)
	}
	if sess.DoctorClip.StorageRef != res.Clip.StorageRef {
		t.Fatalf("expected clip ref %q, got %q", res.Clip.StorageRef, sess.DoctorClip.StorageRef)
	}

	// The replaced blob is removed once the row points at the new one.
	if len(blobs.blobs) != 1 {
		t.Fatalf("expected exactly 1 stored blob after overwrite, got %d", len(blobs.blobs))
	}
	if len(blobs.deleted) != 1 || blobs.deleted[0] != first.Clip.StorageRef {
		t.Fatalf("expected first blob %q deleted, got %v", first.Clip.StorageRef, blobs.deleted)
	}
}
