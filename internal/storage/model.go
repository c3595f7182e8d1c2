package storage

import "time"

// Session lifecycle statuses.
const (
	StatusPending      = "pending"
	StatusRecording    = "recording"
	StatusUploading    = "uploading"
	StatusStoppingBoth = "stopping_both"
	StatusProcessing   = "processing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// Party clip statuses.
const (
	ClipPending  = "pending"
	ClipUploaded = "uploaded"
	ClipFailed   = "failed"
)

// Merged recording statuses.
const (
	MergePending    = "pending"
	MergeProcessing = "processing"
	MergeCompleted  = "completed"
	MergeFailed     = "failed"
)

// Summary statuses.
const (
	SummaryPending    = "pending"
	SummaryProcessing = "processing"
	SummaryCompleted  = "completed"
	SummaryFailed     = "failed"
)

// Merge strategies.
const (
	StrategyPrimary  = "primary"
	StrategyFallback = "fallback"
)

// Summary sources.
const (
	SourceModel    = "model"
	SourceFallback = "fallback"
)

// Party identifies which side of the consultation produced a clip.
type Party string

const (
	PartyPatient Party = "patient"
	PartyDoctor  Party = "doctor"
)

// Valid reports whether p is a known party.
func (p Party) Valid() bool {
	return p == PartyPatient || p == PartyDoctor
}

// PartyRecording is one side's raw audio upload.
type PartyRecording struct {
	Status          string     `json:"status"`
	StorageRef      string     `json:"storage_ref,omitempty"`
	OriginalName    string     `json:"original_name,omitempty"`
	ByteSize        int64      `json:"byte_size,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	UploadedAt      *time.Time `json:"uploaded_at,omitempty"`
}

// Uploaded reports whether the clip has been fully accepted.
func (r PartyRecording) Uploaded() bool {
	return r.Status == ClipUploaded
}

// MergedRecording is the single combined artifact produced from the party clips.
type MergedRecording struct {
	Status          string     `json:"status"`
	StorageRef      string     `json:"storage_ref,omitempty"`
	ByteSize        int64      `json:"byte_size,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	MergedAt        *time.Time `json:"merged_at,omitempty"`
	StrategyUsed    string     `json:"strategy_used,omitempty"`
}

// Medication is one prescribed item extracted from the consultation.
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions"`
}

// Summary is the structured consultation summary.
type Summary struct {
	Status               string       `json:"status"`
	Content              string       `json:"content,omitempty"`
	KeyPoints            []string     `json:"key_points,omitempty"`
	Medications          []Medication `json:"medications,omitempty"`
	FollowUpInstructions string       `json:"follow_up_instructions,omitempty"`
	GeneratedAt          *time.Time   `json:"generated_at,omitempty"`
	SourceKind           string       `json:"source_kind,omitempty"`
}

// RecordingSession is the root record for one meeting's recording pipeline.
type RecordingSession struct {
	ID          string          `json:"id"`
	MeetingID   string          `json:"meeting_id"`
	Status      string          `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	PatientClip PartyRecording  `json:"patient_clip"`
	DoctorClip  PartyRecording  `json:"doctor_clip"`
	MergedClip  MergedRecording `json:"merged_clip"`
	Summary     Summary         `json:"summary"`
}

// Clip returns the recording for the given party.
func (s *RecordingSession) Clip(party Party) PartyRecording {
	if party == PartyDoctor {
		return s.DoctorClip
	}
	return s.PatientClip
}

// BothReady reports whether both party clips are uploaded.
func (s *RecordingSession) BothReady() bool {
	return s.PatientClip.Uploaded() && s.DoctorClip.Uploaded()
}

// EitherReady reports whether at least one party clip is uploaded.
func (s *RecordingSession) EitherReady() bool {
	return s.PatientClip.Uploaded() || s.DoctorClip.Uploaded()
}
