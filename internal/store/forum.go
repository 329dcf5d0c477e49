package store

import (
	"database/sql"
	"time"

	"github.com/pavelanni/ieltsprep/internal/model"
)

// CreateThread stores a thread with its opening post.
func (s *Store) CreateThread(title string, first model.Post) (int64, int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.Exec(
		`INSERT INTO threads (title, author_id, created_at, last_post_at) VALUES (?, ?, ?, ?)`,
		title, first.AuthorID, now, now,
	)
	if err != nil {
		return 0, 0, err
	}
	threadID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}

	res, err = tx.Exec(
		`INSERT INTO posts (thread_id, author_id, body, html, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, first.AuthorID, first.Body, first.HTML, now,
	)
	if err != nil {
		return 0, 0, err
	}
	postID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}
	return threadID, postID, tx.Commit()
}

const threadSelect = `SELECT t.id, t.title, t.author_id, t.pinned, t.locked, t.created_at, t.last_post_at,
	(SELECT COUNT(*) FROM posts p WHERE p.thread_id = t.id AND p.hidden = 0)
	FROM threads t`

func scanThread(row interface{ Scan(...any) error }) (model.Thread, error) {
	var t model.Thread
	err := row.Scan(&t.ID, &t.Title, &t.AuthorID, &t.Pinned, &t.Locked, &t.CreatedAt, &t.LastPostAt, &t.PostCount)
	return t, err
}

// ListThreads returns threads with pinned ones first, then by latest activity.
func (s *Store) ListThreads(limit, offset int) ([]model.Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		threadSelect+` ORDER BY t.pinned DESC, t.last_post_at DESC, t.id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// GetThread returns a thread by ID.
func (s *Store) GetThread(id int64) (model.Thread, error) {
	return scanThread(s.db.QueryRow(threadSelect+` WHERE t.id = ?`, id))
}

// AddPost appends a reply to a thread. It fails with ErrThreadLocked on a
// locked thread.
func (s *Store) AddPost(p model.Post) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var locked bool
	if err := tx.QueryRow(`SELECT locked FROM threads WHERE id = ?`, p.ThreadID).Scan(&locked); err != nil {
		return 0, err
	}
	if locked {
		return 0, ErrThreadLocked
	}

	now := time.Now().UTC()
	res, err := tx.Exec(
		`INSERT INTO posts (thread_id, author_id, body, html, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ThreadID, p.AuthorID, p.Body, p.HTML, now,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE threads SET last_post_at = ? WHERE id = ?`, now, p.ThreadID); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

const postColumns = `id, thread_id, author_id, body, html, hidden, flags, created_at`

func scanPost(row interface{ Scan(...any) error }) (model.Post, error) {
	var p model.Post
	err := row.Scan(&p.ID, &p.ThreadID, &p.AuthorID, &p.Body, &p.HTML, &p.Hidden, &p.Flags, &p.CreatedAt)
	return p, err
}

func (s *Store) queryPosts(query string, args ...any) ([]model.Post, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// ListPosts returns a thread's posts in order. Hidden posts are omitted
// unless includeHidden is set.
func (s *Store) ListPosts(threadID int64, includeHidden bool) ([]model.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE thread_id = ?`
	if !includeHidden {
		query += ` AND hidden = 0`
	}
	return s.queryPosts(query+` ORDER BY id`, threadID)
}

// GetPost returns a post by ID.
func (s *Store) GetPost(id int64) (model.Post, error) {
	return scanPost(s.db.QueryRow(`SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
}

// SetPostHidden hides or restores a post.
func (s *Store) SetPostHidden(id int64, hidden bool) error {
	return expectOne(s.db.Exec(`UPDATE posts SET hidden = ? WHERE id = ?`, hidden, id))
}

// SetThreadLocked locks or unlocks a thread for replies.
func (s *Store) SetThreadLocked(id int64, locked bool) error {
	return expectOne(s.db.Exec(`UPDATE threads SET locked = ? WHERE id = ?`, locked, id))
}

// SetThreadPinned pins or unpins a thread.
func (s *Store) SetThreadPinned(id int64, pinned bool) error {
	return expectOne(s.db.Exec(`UPDATE threads SET pinned = ? WHERE id = ?`, pinned, id))
}

// FlagPost records a user's report of a post. Repeat reports by the same
// user count once.
func (s *Store) FlagPost(postID, userID int64, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM posts WHERE id = ?`, postID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO post_flags (post_id, user_id, reason, created_at) VALUES (?, ?, ?, ?)`,
		postID, userID, reason, time.Now().UTC(),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE posts SET flags = (SELECT COUNT(*) FROM post_flags WHERE post_id = ?) WHERE id = ?`,
		postID, postID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ListFlaggedPosts returns visible posts with at least one report, most
// reported first.
func (s *Store) ListFlaggedPosts() ([]model.Post, error) {
	return s.queryPosts(`SELECT ` + postColumns + ` FROM posts WHERE flags > 0 AND hidden = 0 ORDER BY flags DESC, id`)
}
