package model

import "time"

// ResultsExport is the top-level structure for exported attempt results.
type ResultsExport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	ExamID      int64           `json:"exam_id,omitempty"`
	Attempts    []AttemptResult `json:"attempts"`
}

// AttemptResult holds one attempt's results for export.
type AttemptResult struct {
	AttemptID   int64           `json:"attempt_id"`
	ExamTitle   string          `json:"exam_title"`
	Username    string          `json:"username"`
	DisplayName string          `json:"display_name"`
	Status      AttemptStatus   `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	Sections    []SectionExport `json:"sections"`
}

// SectionExport holds per-section data for export. Objective sections carry
// Score/MaxScore; writing and speaking sections carry OverallBand.
type SectionExport struct {
	Title       string  `json:"title"`
	Skill       Skill   `json:"skill"`
	Score       int     `json:"score,omitempty"`
	MaxScore    int     `json:"max_score,omitempty"`
	OverallBand float64 `json:"overall_band,omitempty"`
	Status      string  `json:"status"`
}
