package store

import (
	"database/sql"
	"time"
)

// GetImportedFileHash returns the content hash recorded for an imported
// exam file, or an empty string if the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT hash FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the content hash of an imported exam file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	_, err := s.db.Exec(
		`INSERT INTO imported_files (path, hash, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, imported_at = excluded.imported_at`,
		path, hash, time.Now().UTC(),
	)
	return err
}
