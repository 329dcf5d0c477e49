package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/ieltsprep/internal/model"

	_ "modernc.org/sqlite"
)

// ErrThreadLocked is returned when replying to a locked forum thread.
var ErrThreadLocked = errors.New("thread is locked")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'student',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		module TEXT NOT NULL DEFAULT 'academic',
		description TEXT NOT NULL DEFAULT '',
		published INTEGER NOT NULL DEFAULT 0,
		created_by INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		skill TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		answer_key TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		start_number INTEGER NOT NULL DEFAULT 1,
		time_limit INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (exam_id) REFERENCES exams(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at DATETIME NOT NULL,
		submitted_at DATETIME,
		FOREIGN KEY (exam_id) REFERENCES exams(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS section_results (
		attempt_id INTEGER NOT NULL,
		section_id INTEGER NOT NULL,
		responses TEXT NOT NULL DEFAULT '{}',
		score INTEGER NOT NULL DEFAULT 0,
		max_score INTEGER NOT NULL DEFAULT 0,
		details TEXT NOT NULL DEFAULT '',
		graded_at DATETIME NOT NULL,
		PRIMARY KEY (attempt_id, section_id),
		FOREIGN KEY (attempt_id) REFERENCES attempts(id) ON DELETE CASCADE,
		FOREIGN KEY (section_id) REFERENCES sections(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		attempt_id INTEGER NOT NULL,
		section_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		skill TEXT NOT NULL,
		task TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		feedback TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		tries INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (attempt_id) REFERENCES attempts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS threads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		author_id INTEGER NOT NULL,
		pinned INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_post_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id INTEGER NOT NULL,
		author_id INTEGER NOT NULL,
		body TEXT NOT NULL,
		html TEXT NOT NULL,
		hidden INTEGER NOT NULL DEFAULT 0,
		flags INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS post_flags (
		post_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		PRIMARY KEY (post_id, user_id),
		FOREIGN KEY (post_id) REFERENCES posts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		imported_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sections_exam ON sections(exam_id, position);
	CREATE INDEX IF NOT EXISTS idx_attempts_user ON attempts(user_id);
	CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status);
	CREATE INDEX IF NOT EXISTS idx_posts_thread ON posts(thread_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const examColumns = `id, title, module, description, published, created_by, created_at`

func scanExam(row interface{ Scan(...any) error }) (model.Exam, error) {
	var e model.Exam
	err := row.Scan(&e.ID, &e.Title, &e.Module, &e.Description, &e.Published, &e.CreatedBy, &e.CreatedAt)
	return e, err
}

// CreateExam stores an exam.
func (s *Store) CreateExam(e model.Exam) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO exams (title, module, description, published, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Title, e.Module, e.Description, e.Published, e.CreatedBy, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateExam updates the descriptive fields of an exam.
func (s *Store) UpdateExam(e model.Exam) error {
	return expectOne(s.db.Exec(
		`UPDATE exams SET title = ?, module = ?, description = ? WHERE id = ?`,
		e.Title, e.Module, e.Description, e.ID,
	))
}

// SetExamPublished publishes or withdraws an exam.
func (s *Store) SetExamPublished(id int64, published bool) error {
	return expectOne(s.db.Exec(`UPDATE exams SET published = ? WHERE id = ?`, published, id))
}

// DeleteExam removes an exam together with its sections and attempts.
func (s *Store) DeleteExam(id int64) error {
	return expectOne(s.db.Exec(`DELETE FROM exams WHERE id = ?`, id))
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(id int64) (model.Exam, error) {
	return scanExam(s.db.QueryRow(`SELECT `+examColumns+` FROM exams WHERE id = ?`, id))
}

// ListExams returns exams, newest first.
func (s *Store) ListExams(publishedOnly bool) ([]model.Exam, error) {
	query := `SELECT ` + examColumns + ` FROM exams`
	if publishedOnly {
		query += ` WHERE published = 1`
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

const sectionColumns = `id, exam_id, position, skill, title, content, answer_key, media_url, start_number, time_limit`

func scanSection(row interface{ Scan(...any) error }) (model.Section, error) {
	var sec model.Section
	var key string
	err := row.Scan(&sec.ID, &sec.ExamID, &sec.Position, &sec.Skill, &sec.Title, &sec.Content,
		&key, &sec.MediaURL, &sec.StartNumber, &sec.TimeLimit)
	if err != nil {
		return sec, err
	}
	if key != "" {
		if err := json.Unmarshal([]byte(key), &sec.AnswerKey); err != nil {
			return sec, fmt.Errorf("decode answer key of section %d: %w", sec.ID, err)
		}
	}
	return sec, nil
}

func encodeKey(key map[int][]string) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	b, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("encode answer key: %w", err)
	}
	return string(b), nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func insertSection(x execer, sec model.Section) (int64, error) {
	key, err := encodeKey(sec.AnswerKey)
	if err != nil {
		return 0, err
	}
	if sec.Position <= 0 {
		if err := x.QueryRow(
			`SELECT COALESCE(MAX(position), 0) + 1 FROM sections WHERE exam_id = ?`, sec.ExamID,
		).Scan(&sec.Position); err != nil {
			return 0, err
		}
	}
	if sec.StartNumber <= 0 {
		sec.StartNumber = 1
	}
	res, err := x.Exec(
		`INSERT INTO sections (exam_id, position, skill, title, content, answer_key, media_url, start_number, time_limit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sec.ExamID, sec.Position, sec.Skill, sec.Title, sec.Content, key, sec.MediaURL, sec.StartNumber, sec.TimeLimit,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateSection appends a section to an exam. A zero Position places it last.
func (s *Store) CreateSection(sec model.Section) (int64, error) {
	return insertSection(s.db, sec)
}

// UpdateSection replaces a section's content and settings.
func (s *Store) UpdateSection(sec model.Section) error {
	key, err := encodeKey(sec.AnswerKey)
	if err != nil {
		return err
	}
	if sec.StartNumber <= 0 {
		sec.StartNumber = 1
	}
	return expectOne(s.db.Exec(
		`UPDATE sections SET position = ?, skill = ?, title = ?, content = ?, answer_key = ?, media_url = ?,
		 start_number = ?, time_limit = ? WHERE id = ? AND exam_id = ?`,
		sec.Position, sec.Skill, sec.Title, sec.Content, key, sec.MediaURL, sec.StartNumber, sec.TimeLimit, sec.ID, sec.ExamID,
	))
}

// DeleteSection removes a section.
func (s *Store) DeleteSection(examID, id int64) error {
	return expectOne(s.db.Exec(`DELETE FROM sections WHERE id = ? AND exam_id = ?`, id, examID))
}

// GetSection returns a section of an exam.
func (s *Store) GetSection(examID, id int64) (model.Section, error) {
	return scanSection(s.db.QueryRow(
		`SELECT `+sectionColumns+` FROM sections WHERE id = ? AND exam_id = ?`, id, examID,
	))
}

// ListSections returns an exam's sections in order.
func (s *Store) ListSections(examID int64) ([]model.Section, error) {
	rows, err := s.db.Query(
		`SELECT `+sectionColumns+` FROM sections WHERE exam_id = ? ORDER BY position, id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sections []model.Section
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

// GetExamView returns an exam with its sections.
func (s *Store) GetExamView(id int64) (*model.ExamView, error) {
	exam, err := s.GetExam(id)
	if err != nil {
		return nil, err
	}
	sections, err := s.ListSections(id)
	if err != nil {
		return nil, err
	}
	return &model.ExamView{Exam: exam, Sections: sections}, nil
}

// ImportExam stores an exam and its sections in one transaction.
func (s *Store) ImportExam(in model.ExamImport, createdBy int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	module := in.Module
	if module == "" {
		module = model.ModuleAcademic
	}
	res, err := tx.Exec(
		`INSERT INTO exams (title, module, description, published, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		in.Title, module, in.Description, in.Published, createdBy, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	examID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, si := range in.Sections {
		_, err := insertSection(tx, model.Section{
			ExamID:      examID,
			Position:    i + 1,
			Skill:       si.Skill,
			Title:       si.Title,
			Content:     si.Content,
			AnswerKey:   si.AnswerKey,
			MediaURL:    si.MediaURL,
			StartNumber: si.StartNumber,
			TimeLimit:   si.TimeLimit,
		})
		if err != nil {
			return 0, fmt.Errorf("section %d: %w", i+1, err)
		}
	}
	return examID, tx.Commit()
}

// expectOne turns an update that matched no row into sql.ErrNoRows.
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
