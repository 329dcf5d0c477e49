package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/ieltsprep/internal/model"
)

// ExportResults builds export-ready results for every attempt of an exam,
// or of all exams when examID is zero.
func (s *Store) ExportResults(examID int64) (model.ResultsExport, error) {
	out := model.ResultsExport{GeneratedAt: time.Now().UTC(), ExamID: examID}

	attempts, err := s.ListAttempts(examID, 0)
	if err != nil {
		return out, fmt.Errorf("list attempts: %w", err)
	}

	exams := make(map[int64]*model.ExamView)
	users := make(map[int64]*model.User)

	for _, a := range attempts {
		view, ok := exams[a.ExamID]
		if !ok {
			view, err = s.GetExamView(a.ExamID)
			if err != nil {
				return out, fmt.Errorf("get exam %d: %w", a.ExamID, err)
			}
			exams[a.ExamID] = view
		}

		user, ok := users[a.UserID]
		if !ok {
			user, err = s.GetUserByID(a.UserID)
			if err != nil {
				return out, fmt.Errorf("get user %d: %w", a.UserID, err)
			}
			users[a.UserID] = user
		}

		results, err := s.ListSectionResults(a.ID)
		if err != nil {
			return out, fmt.Errorf("list results of attempt %d: %w", a.ID, err)
		}
		bySection := make(map[int64]model.SectionResult, len(results))
		for _, r := range results {
			bySection[r.SectionID] = r
		}

		subs, err := s.ListSubmissions(a.ID)
		if err != nil {
			return out, fmt.Errorf("list submissions of attempt %d: %w", a.ID, err)
		}
		// Later submissions for the same section replace earlier ones.
		latest := make(map[int64]model.Submission, len(subs))
		for _, sub := range subs {
			latest[sub.SectionID] = sub
		}

		ar := model.AttemptResult{
			AttemptID:   a.ID,
			ExamTitle:   view.Exam.Title,
			Status:      a.Status,
			StartedAt:   a.StartedAt,
			SubmittedAt: a.SubmittedAt,
		}
		if user != nil {
			ar.Username = user.Username
			ar.DisplayName = user.DisplayName
		}

		for _, sec := range view.Sections {
			se := model.SectionExport{Title: sec.Title, Skill: sec.Skill, Status: "not_started"}
			if sec.Skill.Objective() {
				if r, ok := bySection[sec.ID]; ok {
					se.Score = r.Score
					se.MaxScore = r.MaxScore
					se.Status = "graded"
				}
			} else if sub, ok := latest[sec.ID]; ok {
				se.Status = string(sub.Status)
				if sub.Feedback != nil {
					se.OverallBand = sub.Feedback.OverallBand
				}
			}
			ar.Sections = append(ar.Sections, se)
		}

		out.Attempts = append(out.Attempts, ar)
	}
	return out, nil
}
