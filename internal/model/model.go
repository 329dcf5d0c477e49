package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent takes exams and posts in the forum.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher authors exams.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleModerator moderates the forum.
	UserRoleModerator UserRole = "moderator"
	// UserRoleAdmin manages users.
	UserRoleAdmin UserRole = "admin"
)

// ValidRole reports whether r is a known role.
func ValidRole(r UserRole) bool {
	switch r {
	case UserRoleStudent, UserRoleTeacher, UserRoleModerator, UserRoleAdmin:
		return true
	}
	return false
}

// User represents a system user.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	Role        UserRole  `json:"role"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// ExamModule is the IELTS test variant.
type ExamModule string

const (
	ModuleAcademic ExamModule = "academic"
	ModuleGeneral  ExamModule = "general"
)

// Skill is the IELTS paper a section belongs to.
type Skill string

const (
	SkillListening Skill = "listening"
	SkillReading   Skill = "reading"
	SkillWriting   Skill = "writing"
	SkillSpeaking  Skill = "speaking"
)

// Objective reports whether sections of this skill are graded against an
// answer key rather than by the LLM.
func (s Skill) Objective() bool {
	return s == SkillListening || s == SkillReading
}

// Exam is an authored practice test.
type Exam struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Module      ExamModule `json:"module"`
	Description string     `json:"description"`
	Published   bool       `json:"published"`
	CreatedBy   int64      `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Section is one part of an exam. Content is markup; AnswerKey supplies
// answers for blanks written without an inline key.
type Section struct {
	ID          int64            `json:"id"`
	ExamID      int64            `json:"exam_id"`
	Position    int              `json:"position"`
	Skill       Skill            `json:"skill"`
	Title       string           `json:"title"`
	Content     string           `json:"content"`
	AnswerKey   map[int][]string `json:"answer_key,omitempty"`
	MediaURL    string           `json:"media_url,omitempty"`
	StartNumber int              `json:"start_number"`
	TimeLimit   int              `json:"time_limit"`
}

// ExamView combines an exam with its sections.
type ExamView struct {
	Exam     Exam      `json:"exam"`
	Sections []Section `json:"sections"`
}

// AttemptStatus represents the status of an exam attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSubmitted  AttemptStatus = "submitted"
)

// Attempt is one user's sitting of an exam.
type Attempt struct {
	ID          int64         `json:"id"`
	ExamID      int64         `json:"exam_id"`
	UserID      int64         `json:"user_id"`
	Status      AttemptStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty"`
}

// SectionResult stores the graded responses for an objective section.
type SectionResult struct {
	AttemptID int64               `json:"attempt_id"`
	SectionID int64               `json:"section_id"`
	Responses map[string][]string `json:"responses"`
	Score     int                 `json:"score"`
	MaxScore  int                 `json:"max_score"`
	Details   []byte              `json:"-"`
	GradedAt  time.Time           `json:"graded_at"`
}

// SubmissionStatus tracks asynchronous grading.
type SubmissionStatus string

const (
	SubmissionQueued     SubmissionStatus = "queued"
	SubmissionProcessing SubmissionStatus = "processing"
	SubmissionDone       SubmissionStatus = "done"
	SubmissionFailed     SubmissionStatus = "failed"
)

// Submission is a writing task response or a speaking transcript awaiting
// or holding LLM feedback.
type Submission struct {
	ID        string           `json:"id"`
	AttemptID int64            `json:"attempt_id"`
	SectionID int64            `json:"section_id"`
	UserID    int64            `json:"user_id"`
	Skill     Skill            `json:"skill"`
	Task      string           `json:"task"`
	Text      string           `json:"text"`
	Status    SubmissionStatus `json:"status"`
	Feedback  *Feedback        `json:"feedback,omitempty"`
	Error     string           `json:"error,omitempty"`
	Tries     int              `json:"tries"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Criterion is one assessment criterion with its band.
type Criterion struct {
	Name    string  `json:"name"`
	Band    float64 `json:"band"`
	Comment string  `json:"comment"`
}

// Feedback is the structured assessment of a writing or speaking response.
type Feedback struct {
	Criteria    []Criterion `json:"criteria"`
	OverallBand float64     `json:"overall_band"`
	Summary     string      `json:"summary"`
	Suggestions []string    `json:"suggestions"`
}

// Thread is a forum topic.
type Thread struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	AuthorID   int64     `json:"author_id"`
	Pinned     bool      `json:"pinned"`
	Locked     bool      `json:"locked"`
	CreatedAt  time.Time `json:"created_at"`
	LastPostAt time.Time `json:"last_post_at"`
	PostCount  int       `json:"post_count"`
}

// Post is a forum message. HTML is the sanitized rendering of Body.
type Post struct {
	ID        int64     `json:"id"`
	ThreadID  int64     `json:"thread_id"`
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	HTML      string    `json:"html"`
	Hidden    bool      `json:"hidden"`
	Flags     int       `json:"flags"`
	CreatedAt time.Time `json:"created_at"`
}

// ExamImport is the on-disk format of an exam file.
type ExamImport struct {
	Title       string          `yaml:"title" json:"title"`
	Module      ExamModule      `yaml:"module" json:"module"`
	Description string          `yaml:"description" json:"description"`
	Published   bool            `yaml:"published" json:"published"`
	Sections    []SectionImport `yaml:"sections" json:"sections"`
}

// SectionImport is a section inside an ExamImport.
type SectionImport struct {
	Skill       Skill            `yaml:"skill" json:"skill"`
	Title       string           `yaml:"title" json:"title"`
	Content     string           `yaml:"content" json:"content"`
	AnswerKey   map[int][]string `yaml:"answer_key" json:"answer_key"`
	MediaURL    string           `yaml:"media_url" json:"media_url"`
	StartNumber int              `yaml:"start_number" json:"start_number"`
	TimeLimit   int              `yaml:"time_limit" json:"time_limit"`
}
