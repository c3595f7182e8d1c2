package merge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/carelink/consultrec/internal/blob"
	"github.com/carelink/consultrec/internal/storage"
)

type runnerMock struct {
	lookPathErr error
	runErr      error
	runCalls    [][]string
	writeOutput bool
}

func (r *runnerMock) LookPath(file string) (string, error) {
	if r.lookPathErr != nil {
		return "", r.lookPathErr
	}
	return "/usr/bin/" + file, nil
}

func (r *runnerMock) Run(_ context.Context, name string, args ...string) error {
	r.runCalls = append(r.runCalls, append([]string{name}, args...))
	if r.runErr != nil {
		return r.runErr
	}
	if r.writeOutput && len(args) > 0 {
		// Last arg is the output path, as with real ffmpeg.
		out := args[len(args)-1]
		return os.WriteFile(out, bytes.Repeat([]byte{0x11}, 2048), 0o644)
	}
	return nil
}

func testSession(t *testing.T, blobs *blob.FSStore, patient, doctor bool) storage.RecordingSession {
	t.Helper()

	sess := storage.RecordingSession{
		ID:        "s1",
		MeetingID: "m1",
		Status:    storage.StatusUploading,
	}
	if patient {
		ref, err := blobs.Put("s1_patient.webm", bytes.Repeat([]byte{0xAA}, 4096))
		if err != nil {
			t.Fatalf("put patient clip failed: %v", err)
		}
		sess.PatientClip = storage.PartyRecording{
			Status: storage.ClipUploaded, StorageRef: ref, ByteSize: 4096, DurationSeconds: 300,
		}
	}
	if doctor {
		ref, err := blobs.Put("s1_doctor.webm", bytes.Repeat([]byte{0xBB}, 6144))
		if err != nil {
			t.Fatalf("put doctor clip failed: %v", err)
		}
		sess.DoctorClip = storage.PartyRecording{
			Status: storage.ClipUploaded, StorageRef: ref, ByteSize: 6144, DurationSeconds: 340,
		}
	}
	return sess
}

func newTestBlobStore(t *testing.T) *blob.FSStore {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	return blobs
}

func TestMergeBothClipsMixes(t *testing.T) {
	blobs := newTestBlobStore(t)
	runner := &runnerMock{writeOutput: true}
	engine := NewEngine(blobs, runner)
	engine.now = func() time.Time { return time.Date(2026, 3, 12, 10, 30, 0, 0, time.UTC) }

	rec, err := engine.Merge(context.Background(), testSession(t, blobs, true, true))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if rec.Status != storage.MergeCompleted {
		t.Fatalf("expected completed, got %q", rec.Status)
	}
	if rec.StrategyUsed != storage.StrategyPrimary {
		t.Fatalf("expected primary strategy, got %q", rec.StrategyUsed)
	}
	if rec.StorageRef != "m1_20260312103000_merged.mp3" {
		t.Fatalf("unexpected output ref %q", rec.StorageRef)
	}
	if rec.DurationSeconds != 340 {
		t.Fatalf("expected longest declared duration 340, got %v", rec.DurationSeconds)
	}

	if len(runner.runCalls) != 1 {
		t.Fatalf("expected 1 ffmpeg invocation, got %d", len(runner.runCalls))
	}
	joined := strings.Join(runner.runCalls[0], " ")
	if !strings.Contains(joined, "amix=inputs=2:duration=longest") {
		t.Fatalf("expected amix filter for two inputs, got %q", joined)
	}
}

func TestMergeSingleClipPassThrough(t *testing.T) {
	blobs := newTestBlobStore(t)
	runner := &runnerMock{writeOutput: true}
	engine := NewEngine(blobs, runner)

	rec, err := engine.Merge(context.Background(), testSession(t, blobs, true, false))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if rec.StrategyUsed != storage.StrategyPrimary {
		t.Fatalf("expected primary strategy, got %q", rec.StrategyUsed)
	}
	if rec.DurationSeconds != 300 {
		t.Fatalf("expected patient duration 300, got %v", rec.DurationSeconds)
	}

	joined := strings.Join(runner.runCalls[0], " ")
	if strings.Contains(joined, "amix") {
		t.Fatalf("expected no amix filter for single input, got %q", joined)
	}
	if !strings.Contains(joined, "-ar 16000") {
		t.Fatalf("expected normalization args, got %q", joined)
	}
}

func TestMergeNeitherClipErrors(t *testing.T) {
	blobs := newTestBlobStore(t)
	engine := NewEngine(blobs, &runnerMock{})

	_, err := engine.Merge(context.Background(), testSession(t, blobs, false, false))
	if !errors.Is(err, ErrNoSourceClips) {
		t.Fatalf("expected ErrNoSourceClips, got %v", err)
	}
}

func TestMergeFallbackWhenFfmpegMissing(t *testing.T) {
	blobs := newTestBlobStore(t)
	runner := &runnerMock{lookPathErr: errors.New("executable not found")}
	engine := NewEngine(blobs, runner)

	rec, err := engine.Merge(context.Background(), testSession(t, blobs, true, true))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if rec.Status != storage.MergeCompleted {
		t.Fatalf("expected completed via fallback, got %q", rec.Status)
	}
	if rec.StrategyUsed != storage.StrategyFallback {
		t.Fatalf("expected fallback strategy, got %q", rec.StrategyUsed)
	}
	// Doctor clip is longer, so the fallback selects it.
	if rec.ByteSize != 6144 {
		t.Fatalf("expected doctor clip bytes copied, got %d", rec.ByteSize)
	}
	if rec.DurationSeconds != 340 {
		t.Fatalf("expected doctor clip duration, got %v", rec.DurationSeconds)
	}
}

func TestMergeFallbackWhenFfmpegFails(t *testing.T) {
	blobs := newTestBlobStore(t)
	runner := &runnerMock{runErr: errors.New("exit status 1")}
	engine := NewEngine(blobs, runner)

	rec, err := engine.Merge(context.Background(), testSession(t, blobs, false, true))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if rec.StrategyUsed != storage.StrategyFallback {
		t.Fatalf("expected fallback strategy, got %q", rec.StrategyUsed)
	}
}

func TestMergeSanitizesMeetingID(t *testing.T) {
	blobs := newTestBlobStore(t)
	runner := &runnerMock{writeOutput: true}
	engine := NewEngine(blobs, runner)

	sess := testSession(t, blobs, true, true)
	sess.MeetingID = "clinic/2026-03-12"

	rec, err := engine.Merge(context.Background(), sess)
	if err != nil {
		t.Fatalf("Merge failed for meeting id with separators: %v", err)
	}
	if strings.ContainsAny(rec.StorageRef, "/\\") {
		t.Fatalf("output ref carries path separators: %q", rec.StorageRef)
	}
	if !strings.HasPrefix(rec.StorageRef, "clinic-2026-03-12_") {
		t.Fatalf("expected sanitized meeting id prefix, got %q", rec.StorageRef)
	}
}

func TestMergeFallbackKeepsSourceExtension(t *testing.T) {
	blobs := newTestBlobStore(t)
	runner := &runnerMock{lookPathErr: errors.New("executable not found")}
	engine := NewEngine(blobs, runner)

	rec, err := engine.Merge(context.Background(), testSession(t, blobs, true, true))
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if rec.StrategyUsed != storage.StrategyFallback {
		t.Fatalf("expected fallback strategy, got %q", rec.StrategyUsed)
	}
	// The fallback byte-copies a webm source; the output name must not
	// claim an mp3 container.
	if !strings.HasSuffix(rec.StorageRef, ".webm") {
		t.Fatalf("expected .webm fallback output, got %q", rec.StorageRef)
	}
}

func TestMergeBothStrategiesFail(t *testing.T) {
	blobs := newTestBlobStore(t)
	sess := testSession(t, blobs, true, false)

	// Break the fallback by removing the stored clip behind the session's back.
	if err := blobs.Delete(sess.PatientClip.StorageRef); err != nil {
		t.Fatalf("delete clip failed: %v", err)
	}

	runner := &runnerMock{runErr: errors.New("exit status 1")}
	engine := NewEngine(blobs, runner)

	rec, err := engine.Merge(context.Background(), sess)
	if !errors.Is(err, ErrMergeFailed) {
		t.Fatalf("expected ErrMergeFailed, got %v", err)
	}
	if rec.Status != storage.MergeFailed {
		t.Fatalf("expected failed merge status, got %q", rec.Status)
	}
}
