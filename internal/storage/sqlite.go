package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists recording sessions. All sub-object writes are
// field-scoped so a patient clip update never clobbers a concurrent doctor
// clip update on the same row.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "consultrec.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recording_sessions (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,

			patient_status TEXT NOT NULL DEFAULT 'pending',
			patient_storage_ref TEXT NOT NULL DEFAULT '',
			patient_original_name TEXT NOT NULL DEFAULT '',
			patient_byte_size INTEGER NOT NULL DEFAULT 0,
			patient_duration REAL NOT NULL DEFAULT 0,
			patient_uploaded_at TEXT,

			doctor_status TEXT NOT NULL DEFAULT 'pending',
			doctor_storage_ref TEXT NOT NULL DEFAULT '',
			doctor_original_name TEXT NOT NULL DEFAULT '',
			doctor_byte_size INTEGER NOT NULL DEFAULT 0,
			doctor_duration REAL NOT NULL DEFAULT 0,
			doctor_uploaded_at TEXT,

			merged_status TEXT NOT NULL DEFAULT 'pending',
			merged_storage_ref TEXT NOT NULL DEFAULT '',
			merged_byte_size INTEGER NOT NULL DEFAULT 0,
			merged_duration REAL NOT NULL DEFAULT 0,
			merged_at TEXT,
			merged_strategy TEXT NOT NULL DEFAULT '',

			summary_status TEXT NOT NULL DEFAULT 'pending',
			summary_content TEXT NOT NULL DEFAULT '',
			summary_key_points TEXT NOT NULL DEFAULT '[]',
			summary_medications TEXT NOT NULL DEFAULT '[]',
			summary_follow_up TEXT NOT NULL DEFAULT '',
			summary_generated_at TEXT,
			summary_source_kind TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("create recording_sessions table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_meeting_id ON recording_sessions(meeting_id)"); err != nil {
		return fmt.Errorf("create meeting_id index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON recording_sessions(started_at)"); err != nil {
		return fmt.Errorf("create started_at index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateSession(id, meetingID string, startedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(meetingID) == "" {
		return errors.New("meeting id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO recording_sessions(id, meeting_id, status, started_at) VALUES(?, ?, ?, ?)`,
		id,
		meetingID,
		StatusPending,
		startedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

const sessionColumns = `id, meeting_id, status, started_at, ended_at,
	patient_status, patient_storage_ref, patient_original_name, patient_byte_size, patient_duration, patient_uploaded_at,
	doctor_status, doctor_storage_ref, doctor_original_name, doctor_byte_size, doctor_duration, doctor_uploaded_at,
	merged_status, merged_storage_ref, merged_byte_size, merged_duration, merged_at, merged_strategy,
	summary_status, summary_content, summary_key_points, summary_medications, summary_follow_up, summary_generated_at, summary_source_kind`

func (s *SQLiteStore) GetSession(id string) (RecordingSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM recording_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return RecordingSession{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSessionsByMeeting(meetingID string) ([]RecordingSession, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM recording_sessions WHERE meeting_id = ? ORDER BY started_at DESC`,
		meetingID,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions for meeting %s: %w", meetingID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (s *SQLiteStore) GetSessionsByDate(date string) ([]RecordingSession, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM recording_sessions WHERE substr(started_at, 1, 10) = ? ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// TransitionStatus performs a compare-and-swap on the session status. It
// returns true when this caller won the swap, false when the current status
// was not in from. A false result with a nil error means another caller
// transitioned first (or the session is in a different state entirely).
func (s *SQLiteStore) TransitionStatus(id string, from []string, to string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}

	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(from)+2)
	args = append(args, to, id)
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.Exec(
		`UPDATE recording_sessions SET status = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("transition session %s to %s: %w", id, to, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) SetStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE recording_sessions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set status for session %s: %w", id, err)
	}
	return requireRow(res)
}

// MarkEnded records the recording end and moves the session to uploading.
// Sessions that are processing or already completed are left untouched.
func (s *SQLiteStore) MarkEnded(id string, endedAt time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE recording_sessions SET ended_at = ?, status = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		endedAt.UTC().Format(time.RFC3339Nano),
		StatusUploading,
		id,
		StatusProcessing,
		StatusCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("mark session %s ended: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark ended rows affected: %w", err)
	}
	return rows > 0, nil
}

// SetPartyClip overwrites one party's recording. Uploading the same party
// twice is last-write-wins; the other party's columns are never touched.
func (s *SQLiteStore) SetPartyClip(id string, party Party, clip PartyRecording) error {
	if !party.Valid() {
		return fmt.Errorf("unknown party %q", party)
	}

	prefix := string(party)
	query := fmt.Sprintf(
		`UPDATE recording_sessions SET
			%[1]s_status = ?, %[1]s_storage_ref = ?, %[1]s_original_name = ?,
			%[1]s_byte_size = ?, %[1]s_duration = ?, %[1]s_uploaded_at = ?
		 WHERE id = ?`,
		prefix,
	)

	res, err := s.db.Exec(query,
		clip.Status,
		clip.StorageRef,
		clip.OriginalName,
		clip.ByteSize,
		clip.DurationSeconds,
		formatNullableTime(clip.UploadedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("set %s clip for session %s: %w", party, id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetMergedClip(id string, rec MergedRecording) error {
	res, err := s.db.Exec(
		`UPDATE recording_sessions SET
			merged_status = ?, merged_storage_ref = ?, merged_byte_size = ?,
			merged_duration = ?, merged_at = ?, merged_strategy = ?
		 WHERE id = ?`,
		rec.Status,
		rec.StorageRef,
		rec.ByteSize,
		rec.DurationSeconds,
		formatNullableTime(rec.MergedAt),
		rec.StrategyUsed,
		id,
	)
	if err != nil {
		return fmt.Errorf("set merged clip for session %s: %w", id, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetSummary(id string, sum Summary) error {
	keyPoints, err := json.Marshal(sliceOrEmpty(sum.KeyPoints))
	if err != nil {
		return fmt.Errorf("marshal key points for session %s: %w", id, err)
	}
	medications, err := json.Marshal(medsOrEmpty(sum.Medications))
	if err != nil {
		return fmt.Errorf("marshal medications for session %s: %w", id, err)
	}

	res, err := s.db.Exec(
		`UPDATE recording_sessions SET
			summary_status = ?, summary_content = ?, summary_key_points = ?,
			summary_medications = ?, summary_follow_up = ?, summary_generated_at = ?,
			summary_source_kind = ?
		 WHERE id = ?`,
		sum.Status,
		sum.Content,
		string(keyPoints),
		string(medications),
		sum.FollowUpInstructions,
		formatNullableTime(sum.GeneratedAt),
		sum.SourceKind,
		id,
	)
	if err != nil {
		return fmt.Errorf("set summary for session %s: %w", id, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func sliceOrEmpty(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func medsOrEmpty(items []Medication) []Medication {
	if items == nil {
		return []Medication{}
	}
	return items
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (RecordingSession, error) {
	var sess RecordingSession
	var startedAt string
	var endedAt, patientUploadedAt, doctorUploadedAt, mergedAt, generatedAt sql.NullString
	var keyPoints, medications string

	err := row.Scan(
		&sess.ID, &sess.MeetingID, &sess.Status, &startedAt, &endedAt,
		&sess.PatientClip.Status, &sess.PatientClip.StorageRef, &sess.PatientClip.OriginalName,
		&sess.PatientClip.ByteSize, &sess.PatientClip.DurationSeconds, &patientUploadedAt,
		&sess.DoctorClip.Status, &sess.DoctorClip.StorageRef, &sess.DoctorClip.OriginalName,
		&sess.DoctorClip.ByteSize, &sess.DoctorClip.DurationSeconds, &doctorUploadedAt,
		&sess.MergedClip.Status, &sess.MergedClip.StorageRef, &sess.MergedClip.ByteSize,
		&sess.MergedClip.DurationSeconds, &mergedAt, &sess.MergedClip.StrategyUsed,
		&sess.Summary.Status, &sess.Summary.Content, &keyPoints, &medications,
		&sess.Summary.FollowUpInstructions, &generatedAt, &sess.Summary.SourceKind,
	)
	if err != nil {
		return RecordingSession{}, err
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return RecordingSession{}, fmt.Errorf("parse started_at: %w", err)
	}
	sess.StartedAt = parsedStart

	if sess.EndedAt, err = parseNullableTime(endedAt); err != nil {
		return RecordingSession{}, fmt.Errorf("parse ended_at: %w", err)
	}
	if sess.PatientClip.UploadedAt, err = parseNullableTime(patientUploadedAt); err != nil {
		return RecordingSession{}, fmt.Errorf("parse patient_uploaded_at: %w", err)
	}
	if sess.DoctorClip.UploadedAt, err = parseNullableTime(doctorUploadedAt); err != nil {
		return RecordingSession{}, fmt.Errorf("parse doctor_uploaded_at: %w", err)
	}
	if sess.MergedClip.MergedAt, err = parseNullableTime(mergedAt); err != nil {
		return RecordingSession{}, fmt.Errorf("parse merged_at: %w", err)
	}
	if sess.Summary.GeneratedAt, err = parseNullableTime(generatedAt); err != nil {
		return RecordingSession{}, fmt.Errorf("parse summary_generated_at: %w", err)
	}

	if err := json.Unmarshal([]byte(keyPoints), &sess.Summary.KeyPoints); err != nil {
		return RecordingSession{}, fmt.Errorf("unmarshal key points: %w", err)
	}
	if err := json.Unmarshal([]byte(medications), &sess.Summary.Medications); err != nil {
		return RecordingSession{}, fmt.Errorf("unmarshal medications: %w", err)
	}

	return sess, nil
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func scanSessions(rows *sql.Rows) ([]RecordingSession, error) {
	sessions := make([]RecordingSession, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}

	return sessions, nil
}
