// Package examfile reads exam definitions from YAML files and imports them
// into the store.
package examfile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/ieltsprep/internal/markup"
	"github.com/pavelanni/ieltsprep/internal/model"
	"github.com/pavelanni/ieltsprep/internal/store"
)

// Parse decodes a YAML exam file. Unknown fields are rejected.
func Parse(data []byte) (model.ExamImport, error) {
	var in model.ExamImport
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&in); err != nil {
		if errors.Is(err, io.EOF) {
			return in, errors.New("empty exam file")
		}
		return in, fmt.Errorf("decode yaml: %w", err)
	}
	return in, Validate(in)
}

// Validate checks the fields an exam needs before it can be stored.
func Validate(in model.ExamImport) error {
	if strings.TrimSpace(in.Title) == "" {
		return errors.New("exam title is required")
	}
	switch in.Module {
	case "", model.ModuleAcademic, model.ModuleGeneral:
	default:
		return fmt.Errorf("unknown module %q", in.Module)
	}
	if len(in.Sections) == 0 {
		return errors.New("exam has no sections")
	}
	for i, s := range in.Sections {
		switch s.Skill {
		case model.SkillListening, model.SkillReading, model.SkillWriting, model.SkillSpeaking:
		default:
			return fmt.Errorf("section %d: unknown skill %q", i+1, s.Skill)
		}
		if s.StartNumber < 0 || s.TimeLimit < 0 {
			return fmt.Errorf("section %d: start number and time limit must not be negative", i+1)
		}
	}
	return nil
}

// Check reports authoring problems that do not prevent an import, such as
// objective questions with no answer.
func Check(in model.ExamImport) []string {
	var warnings []string
	for i, s := range in.Sections {
		doc := markup.Parse(s.Content, markup.WithStartNumber(s.StartNumber), markup.WithAnswerKey(s.AnswerKey))
		if !s.Skill.Objective() {
			if len(doc.Elements) > 0 {
				warnings = append(warnings, fmt.Sprintf("section %d (%s): %s sections are not auto-graded, %d form elements ignored",
					i+1, s.Title, s.Skill, len(doc.Elements)))
			}
			continue
		}
		if len(doc.Elements) == 0 {
			warnings = append(warnings, fmt.Sprintf("section %d (%s): no questions found", i+1, s.Title))
		}
		for _, e := range doc.Elements {
			if !e.Keyed() {
				warnings = append(warnings, fmt.Sprintf("section %d (%s): question %d has no answer", i+1, s.Title, e.First()))
			}
		}
	}
	return warnings
}

// Hash returns the hex SHA-256 of data.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Result describes the outcome of Import.
type Result struct {
	ExamID   int64    `json:"exam_id,omitempty"`
	Title    string   `json:"title"`
	Sections int      `json:"sections"`
	Skipped  bool     `json:"skipped"`
	Warnings []string `json:"warnings,omitempty"`
}

// Import parses and stores an exam file. A file whose content hash matches
// the last import under the same name is skipped. A changed file is stored
// as a new exam so attempts on the old one keep their questions.
func Import(st *store.Store, name string, data []byte, createdBy int64) (Result, error) {
	hash := Hash(data)
	stored, err := st.GetImportedFileHash(name)
	if err != nil {
		return Result{}, fmt.Errorf("check import status for %s: %w", name, err)
	}
	if stored == hash {
		slog.Info("exam file unchanged, skipping", "name", name)
		return Result{Skipped: true}, nil
	}

	in, err := Parse(data)
	if err != nil {
		return Result{}, fmt.Errorf("parse %s: %w", name, err)
	}

	res := Result{Title: in.Title, Sections: len(in.Sections), Warnings: Check(in)}
	if stored != "" {
		res.Warnings = append(res.Warnings, "file changed since last import, stored as a new exam")
	}

	res.ExamID, err = st.ImportExam(in, createdBy)
	if err != nil {
		return Result{}, fmt.Errorf("store exam from %s: %w", name, err)
	}
	if err := st.SetImportedFileHash(name, hash); err != nil {
		return res, fmt.Errorf("record import for %s: %w", name, err)
	}

	for _, w := range res.Warnings {
		slog.Warn("exam import", "name", name, "warning", w)
	}
	slog.Info("imported exam", "name", name, "id", res.ExamID, "title", in.Title, "sections", len(in.Sections))
	return res, nil
}
