// Package merge combines one or two raw party clips into a single
// normalized audio artifact.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/carelink/consultrec/internal/storage"
)

// ErrNoSourceClips is returned when merge is invoked with neither party
// uploaded. Callers must not invoke merge in that state.
var ErrNoSourceClips = errors.New("no uploaded party clips to merge")

// ErrMergeFailed means both the primary and the fallback strategy were
// exhausted. Already-uploaded party clips are left untouched.
var ErrMergeFailed = errors.New("merge failed")

// Normalized output format for the primary strategy.
const (
	outputSampleRate = "16000"
	outputChannels   = "1"
	outputBitrate    = "64k"
	outputExt        = ".mp3"
)

// BlobStore is the artifact storage the engine reads sources from and
// writes the merged output to.
type BlobStore interface {
	Get(ref string) ([]byte, error)
	Put(name string, data []byte) (string, error)
	Size(ref string) (int64, error)
	Delete(ref string) error
	AbsPath(ref string) (string, error)
}

type Engine struct {
	blobs  BlobStore
	runner Runner
	now    func() time.Time
}

func NewEngine(blobs BlobStore, runner Runner) *Engine {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Engine{
		blobs:  blobs,
		runner: runner,
		now:    time.Now,
	}
}

// Merge produces the session's merged recording. Two uploaded clips are
// mixed into one normalized track; a single clip is re-encoded to the same
// format. When the primary (ffmpeg) strategy is unavailable or fails, the
// engine degrades to copying the longest source clip as-is, tagged with the
// fallback strategy so downstream consumers do not assume normalized format.
func (e *Engine) Merge(ctx context.Context, sess storage.RecordingSession) (storage.MergedRecording, error) {
	var sources []storage.PartyRecording
	if sess.PatientClip.Uploaded() {
		sources = append(sources, sess.PatientClip)
	}
	if sess.DoctorClip.Uploaded() {
		sources = append(sources, sess.DoctorClip)
	}
	if len(sources) == 0 {
		return storage.MergedRecording{}, ErrNoSourceClips
	}

	mergedAt := e.now().UTC()
	// Meeting ids are opaque external keys; strip anything the blob store
	// would reject before composing the output name.
	outBase := fmt.Sprintf("%s_%s_merged", safeNamePart(sess.MeetingID), mergedAt.Format("20060102150405"))

	rec, primaryErr := e.mergePrimary(ctx, sources, outBase+outputExt, mergedAt)
	if primaryErr == nil {
		return rec, nil
	}
	slog.Warn("primary merge strategy failed, degrading",
		"session_id", sess.ID, "error", primaryErr)

	rec, fallbackErr := e.mergeFallback(sources, outBase, mergedAt)
	if fallbackErr == nil {
		return rec, nil
	}

	return storage.MergedRecording{Status: storage.MergeFailed},
		fmt.Errorf("%w: primary: %v; fallback: %v", ErrMergeFailed, primaryErr, fallbackErr)
}

func (e *Engine) mergePrimary(ctx context.Context, sources []storage.PartyRecording, outName string, mergedAt time.Time) (storage.MergedRecording, error) {
	ffmpeg, err := e.runner.LookPath("ffmpeg")
	if err != nil {
		return storage.MergedRecording{}, fmt.Errorf("ffmpeg unavailable: %w", err)
	}

	outPath, err := e.blobs.AbsPath(outName)
	if err != nil {
		return storage.MergedRecording{}, err
	}

	inputs := make([]string, 0, len(sources))
	for _, src := range sources {
		path, err := e.blobs.AbsPath(src.StorageRef)
		if err != nil {
			return storage.MergedRecording{}, err
		}
		inputs = append(inputs, path)
	}

	args := []string{"-y"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	if len(inputs) == 2 {
		args = append(args, "-filter_complex", "amix=inputs=2:duration=longest")
	}
	args = append(args,
		"-ac", outputChannels,
		"-ar", outputSampleRate,
		"-b:a", outputBitrate,
		outPath,
	)

	if err := e.runner.Run(ctx, ffmpeg, args...); err != nil {
		_ = e.blobs.Delete(outName)
		return storage.MergedRecording{}, fmt.Errorf("ffmpeg: %w", err)
	}

	size, err := e.blobs.Size(outName)
	if err != nil {
		_ = e.blobs.Delete(outName)
		return storage.MergedRecording{}, fmt.Errorf("stat merged output: %w", err)
	}
	if size == 0 {
		_ = e.blobs.Delete(outName)
		return storage.MergedRecording{}, errors.New("ffmpeg produced empty output")
	}

	return storage.MergedRecording{
		Status:          storage.MergeCompleted,
		StorageRef:      outName,
		ByteSize:        size,
		DurationSeconds: longestDuration(sources),
		MergedAt:        &mergedAt,
		StrategyUsed:    storage.StrategyPrimary,
	}, nil
}

// mergeFallback copies the longest source clip as the output. No mixing or
// re-encoding happens, so the output keeps the source clip's container
// extension and the metadata reflects that single source.
func (e *Engine) mergeFallback(sources []storage.PartyRecording, outBase string, mergedAt time.Time) (storage.MergedRecording, error) {
	src := sources[0]
	for _, candidate := range sources[1:] {
		if candidate.DurationSeconds > src.DurationSeconds {
			src = candidate
		}
	}

	data, err := e.blobs.Get(src.StorageRef)
	if err != nil {
		return storage.MergedRecording{}, fmt.Errorf("read source clip: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(src.StorageRef))
	if ext == "" || len(ext) > 8 {
		ext = ".webm"
	}

	ref, err := e.blobs.Put(outBase+ext, data)
	if err != nil {
		return storage.MergedRecording{}, fmt.Errorf("write fallback output: %w", err)
	}

	return storage.MergedRecording{
		Status:          storage.MergeCompleted,
		StorageRef:      ref,
		ByteSize:        int64(len(data)),
		DurationSeconds: src.DurationSeconds,
		MergedAt:        &mergedAt,
		StrategyUsed:    storage.StrategyFallback,
	}, nil
}

func longestDuration(sources []storage.PartyRecording) float64 {
	longest := 0.0
	for _, src := range sources {
		if src.DurationSeconds > longest {
			longest = src.DurationSeconds
		}
	}
	return longest
}

// safeNamePart maps an arbitrary external identifier onto the character set
// blob refs allow.
func safeNamePart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}
