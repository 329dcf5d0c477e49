package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/ieltsprep/internal/model"
)

const attemptColumns = `id, exam_id, user_id, status, started_at, submitted_at`

func scanAttempt(row interface{ Scan(...any) error }) (model.Attempt, error) {
	var a model.Attempt
	err := row.Scan(&a.ID, &a.ExamID, &a.UserID, &a.Status, &a.StartedAt, &a.SubmittedAt)
	return a, err
}

// CreateAttempt starts an attempt of an exam for a user.
func (s *Store) CreateAttempt(examID, userID int64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO attempts (exam_id, user_id, status, started_at) VALUES (?, ?, ?, ?)`,
		examID, userID, model.AttemptInProgress, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(id int64) (model.Attempt, error) {
	return scanAttempt(s.db.QueryRow(`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id))
}

// ListAttempts returns attempts filtered by exam and user; zero means any.
func (s *Store) ListAttempts(examID, userID int64) ([]model.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE 1=1`
	var args []any
	if examID != 0 {
		query += ` AND exam_id = ?`
		args = append(args, examID)
	}
	if userID != 0 {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// SubmitAttempt marks an in-progress attempt as submitted.
func (s *Store) SubmitAttempt(id int64) error {
	return expectOne(s.db.Exec(
		`UPDATE attempts SET status = ?, submitted_at = ? WHERE id = ? AND status = ?`,
		model.AttemptSubmitted, time.Now().UTC(), id, model.AttemptInProgress,
	))
}

// SaveSectionResult inserts or replaces the graded responses of a section.
func (s *Store) SaveSectionResult(r model.SectionResult) error {
	resp, err := json.Marshal(r.Responses)
	if err != nil {
		return fmt.Errorf("encode responses: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO section_results (attempt_id, section_id, responses, score, max_score, details, graded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id, section_id) DO UPDATE SET
		   responses = excluded.responses, score = excluded.score, max_score = excluded.max_score,
		   details = excluded.details, graded_at = excluded.graded_at`,
		r.AttemptID, r.SectionID, string(resp), r.Score, r.MaxScore, string(r.Details), time.Now().UTC(),
	)
	return err
}

const resultColumns = `attempt_id, section_id, responses, score, max_score, details, graded_at`

func scanResult(row interface{ Scan(...any) error }) (model.SectionResult, error) {
	var r model.SectionResult
	var resp, details string
	if err := row.Scan(&r.AttemptID, &r.SectionID, &resp, &r.Score, &r.MaxScore, &details, &r.GradedAt); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(resp), &r.Responses); err != nil {
		return r, fmt.Errorf("decode responses: %w", err)
	}
	r.Details = []byte(details)
	return r, nil
}

// GetSectionResult returns the stored result, or nil if the section has not
// been submitted in this attempt.
func (s *Store) GetSectionResult(attemptID, sectionID int64) (*model.SectionResult, error) {
	r, err := scanResult(s.db.QueryRow(
		`SELECT `+resultColumns+` FROM section_results WHERE attempt_id = ? AND section_id = ?`,
		attemptID, sectionID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListSectionResults returns every stored result of an attempt.
func (s *Store) ListSectionResults(attemptID int64) ([]model.SectionResult, error) {
	rows, err := s.db.Query(
		`SELECT `+resultColumns+` FROM section_results WHERE attempt_id = ? ORDER BY section_id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []model.SectionResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
