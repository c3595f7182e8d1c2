// Package summarize produces the structured consultation summary from the
// merged recording, degrading to a deterministic metadata-only summary when
// the generative capability is unavailable or keeps failing.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/carelink/consultrec/internal/analysis"
	"github.com/carelink/consultrec/internal/storage"
)

const (
	maxAttempts      = 3
	defaultBaseDelay = 1 * time.Second
	defaultTimeout   = 2 * time.Minute

	defaultFollowUp = "No specific follow-up instructions were identified. " +
		"Contact your provider with any questions about this consultation."
)

const promptTemplate = `You are a medical consultation assistant. The attached audio is a recording of a consultation between a patient and a healthcare provider.

Consultation context:
- Correlation id: {{meeting_id}}
- Appointment time: {{appointment_time}}
- Patient side: {{patient_label}}
- Provider side: {{doctor_label}}

First transcribe the audio, then analyze the conversation. Respond with a single JSON object using exactly this shape:

{
  "content": "narrative summary of the consultation",
  "key_points": ["important point", "..."],
  "medications": [{"name": "", "dosage": "", "instructions": ""}],
  "follow_up_instructions": "what the patient should do next"
}

Return only the JSON object.`

// Metadata is the session context attached to the analysis request and used
// verbatim by the deterministic fallback.
type Metadata struct {
	SessionID    string
	MeetingID    string
	StartedAt    time.Time
	EndedAt      *time.Time
	PatientLabel string
	DoctorLabel  string
}

// BlobReader loads the merged artifact bytes.
type BlobReader interface {
	Get(ref string) ([]byte, error)
}

type Engine struct {
	client analysis.Client
	blobs  BlobReader

	baseDelay time.Duration
	timeout   time.Duration
	sleep     func(time.Duration)
	now       func() time.Time
}

func NewEngine(client analysis.Client, blobs BlobReader, baseDelay, timeout time.Duration) *Engine {
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Engine{
		client:    client,
		blobs:     blobs,
		baseDelay: baseDelay,
		timeout:   timeout,
		sleep:     time.Sleep,
		now:       time.Now,
	}
}

// Summarize always returns a completed summary: via the model when it
// succeeds within the retry budget, otherwise via the deterministic
// fallback. It performs no external calls on the fallback path, so the
// pipeline can never hang here.
func (e *Engine) Summarize(ctx context.Context, merged storage.MergedRecording, meta Metadata) storage.Summary {
	if e.client == nil {
		slog.Info("summarization not configured, using fallback", "session_id", meta.SessionID)
		return e.fallback(merged, meta)
	}

	audio, err := e.blobs.Get(merged.StorageRef)
	if err != nil {
		slog.Warn("merged artifact unreadable, using fallback summary",
			"session_id", meta.SessionID, "error", err)
		return e.fallback(merged, meta)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := analysis.Request{
		Audio:    audio,
		MimeType: mimeForMerged(merged),
		Prompt:   renderPrompt(meta),
	}

	delay := e.baseDelay
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		raw, err := e.client.Analyze(ctx, req)
		if err == nil {
			return e.fromModel(raw)
		}

		lastErr = err
		if !analysis.IsTransient(err) {
			slog.Warn("summarization failed permanently, using fallback",
				"session_id", meta.SessionID, "error", err)
			return e.fallback(merged, meta)
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			e.sleep(delay)
			delay *= 2
		}
	}

	slog.Warn("summarization retries exhausted, using fallback",
		"session_id", meta.SessionID, "attempts", maxAttempts, "error", lastErr)
	return e.fallback(merged, meta)
}

// fromModel turns raw model output into a summary. Responses without a
// structured block are a recoverable partial success: the whole text
// becomes the content.
func (e *Engine) fromModel(raw string) storage.Summary {
	generatedAt := e.now().UTC()

	parsed, ok := ExtractStructured(raw)
	if !ok {
		return storage.Summary{
			Status:               storage.SummaryCompleted,
			Content:              strings.TrimSpace(raw),
			KeyPoints:            []string{},
			FollowUpInstructions: defaultFollowUp,
			GeneratedAt:          &generatedAt,
			SourceKind:           storage.SourceModel,
		}
	}

	followUp := parsed.FollowUpInstructions
	if followUp == "" {
		followUp = defaultFollowUp
	}

	return storage.Summary{
		Status:               storage.SummaryCompleted,
		Content:              parsed.Content,
		KeyPoints:            parsed.KeyPoints,
		Medications:          parsed.Medications,
		FollowUpInstructions: followUp,
		GeneratedAt:          &generatedAt,
		SourceKind:           storage.SourceModel,
	}
}

func (e *Engine) fallback(merged storage.MergedRecording, meta Metadata) storage.Summary {
	generatedAt := e.now().UTC()

	var b strings.Builder
	fmt.Fprintf(&b, "Consultation recording summary for meeting %s.\n", meta.MeetingID)
	fmt.Fprintf(&b, "The session started at %s", meta.StartedAt.UTC().Format("2006-01-02 15:04 MST"))
	if meta.EndedAt != nil {
		fmt.Fprintf(&b, " and ended at %s", meta.EndedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	b.WriteString(".\n")
	if merged.DurationSeconds > 0 {
		fmt.Fprintf(&b, "The recorded audio is approximately %.0f seconds long.\n", merged.DurationSeconds)
	}
	b.WriteString("An automatic AI summary could not be generated for this consultation; the recording is available for manual review.")

	return storage.Summary{
		Status:  storage.SummaryCompleted,
		Content: b.String(),
		KeyPoints: []string{
			"Automatic summarization was unavailable for this session.",
			"Refer to the merged recording for the full consultation.",
		},
		Medications:          []storage.Medication{},
		FollowUpInstructions: defaultFollowUp,
		GeneratedAt:          &generatedAt,
		SourceKind:           storage.SourceFallback,
	}
}

func renderPrompt(meta Metadata) string {
	appointment := meta.StartedAt.UTC().Format(time.RFC3339)
	prompt := strings.ReplaceAll(promptTemplate, "{{meeting_id}}", meta.MeetingID)
	prompt = strings.ReplaceAll(prompt, "{{appointment_time}}", appointment)
	prompt = strings.ReplaceAll(prompt, "{{patient_label}}", labelOrDefault(meta.PatientLabel, "patient"))
	prompt = strings.ReplaceAll(prompt, "{{doctor_label}}", labelOrDefault(meta.DoctorLabel, "provider"))
	return prompt
}

func labelOrDefault(label, fallback string) string {
	if strings.TrimSpace(label) == "" {
		return fallback
	}
	return label
}

// mimeForMerged maps the merged artifact to a mime type. Fallback-strategy
// outputs are raw source copies, which the capture clients record as webm.
func mimeForMerged(merged storage.MergedRecording) string {
	if merged.StrategyUsed == storage.StrategyFallback {
		return "audio/webm"
	}
	return "audio/mpeg"
}
