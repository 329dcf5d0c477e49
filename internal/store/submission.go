package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/ieltsprep/internal/model"
)

const submissionColumns = `id, attempt_id, section_id, user_id, skill, task, text, status, feedback, error, tries, created_at, updated_at`

func scanSubmission(row interface{ Scan(...any) error }) (model.Submission, error) {
	var sub model.Submission
	var feedback string
	err := row.Scan(&sub.ID, &sub.AttemptID, &sub.SectionID, &sub.UserID, &sub.Skill, &sub.Task, &sub.Text,
		&sub.Status, &feedback, &sub.Error, &sub.Tries, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return sub, err
	}
	if feedback != "" {
		var fb model.Feedback
		if err := json.Unmarshal([]byte(feedback), &fb); err != nil {
			return sub, fmt.Errorf("decode feedback of %s: %w", sub.ID, err)
		}
		sub.Feedback = &fb
	}
	return sub, nil
}

// CreateSubmission stores a queued submission. The caller assigns the ID.
func (s *Store) CreateSubmission(sub model.Submission) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO submissions (id, attempt_id, section_id, user_id, skill, task, text, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.AttemptID, sub.SectionID, sub.UserID, sub.Skill, sub.Task, sub.Text,
		model.SubmissionQueued, now, now,
	)
	return err
}

// GetSubmission returns a submission, or nil if it does not exist.
func (s *Store) GetSubmission(id string) (*model.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRow(`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubmissions returns an attempt's submissions, oldest first.
func (s *Store) ListSubmissions(attemptID int64) ([]model.Submission, error) {
	rows, err := s.db.Query(
		`SELECT `+submissionColumns+` FROM submissions WHERE attempt_id = ? ORDER BY created_at, id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ClaimSubmission moves a queued submission to processing and counts the
// try. It reports false if another worker got there first.
func (s *Store) ClaimSubmission(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE submissions SET status = ?, tries = tries + 1, updated_at = ? WHERE id = ? AND status = ?`,
		model.SubmissionProcessing, time.Now().UTC(), id, model.SubmissionQueued,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteSubmission stores the feedback of a processed submission.
func (s *Store) CompleteSubmission(id string, fb model.Feedback) error {
	b, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	return expectOne(s.db.Exec(
		`UPDATE submissions SET status = ?, feedback = ?, error = '', updated_at = ? WHERE id = ?`,
		model.SubmissionDone, string(b), time.Now().UTC(), id,
	))
}

// FailSubmission records a grading error. With retry the submission goes
// back to the queue, otherwise it is marked failed.
func (s *Store) FailSubmission(id string, msg string, retry bool) error {
	status := model.SubmissionFailed
	if retry {
		status = model.SubmissionQueued
	}
	return expectOne(s.db.Exec(
		`UPDATE submissions SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, msg, time.Now().UTC(), id,
	))
}

// ReleaseSubmission returns a processing submission to the queue and
// takes back the try counted by ClaimSubmission.
func (s *Store) ReleaseSubmission(id string) error {
	return expectOne(s.db.Exec(
		`UPDATE submissions SET status = ?, tries = MAX(tries - 1, 0), updated_at = ? WHERE id = ? AND status = ?`,
		model.SubmissionQueued, time.Now().UTC(), id, model.SubmissionProcessing,
	))
}

// RequeueStale puts submissions left in processing by a previous run back
// in the queue and returns the IDs of every queued submission.
func (s *Store) RequeueStale() ([]string, error) {
	if _, err := s.db.Exec(
		`UPDATE submissions SET status = ?, updated_at = ? WHERE status = ?`,
		model.SubmissionQueued, time.Now().UTC(), model.SubmissionProcessing,
	); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT id FROM submissions WHERE status = ? ORDER BY created_at`, model.SubmissionQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
