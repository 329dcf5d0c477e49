// Package report writes exported exam results as JSON or Excel workbooks.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/ieltsprep/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatXLSX:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown export format %q (want json or xlsx)", s)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// Write encodes results in the given format.
func Write(w io.Writer, f Format, results model.ResultsExport) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case FormatXLSX:
		return WriteXLSX(w, results)
	}
	return fmt.Errorf("unknown export format %q", f)
}

const (
	summarySheet  = "Attempts"
	sectionsSheet = "Sections"
)

var (
	summaryHeader = []string{"Attempt", "Exam", "Username", "Name", "Status", "Started", "Submitted", "Score", "Max score", "Mean band"}
	sectionHeader = []string{"Attempt", "Username", "Section", "Skill", "Score", "Max score", "Band", "Status"}
)

// WriteXLSX writes a workbook with one summary row per attempt and one row
// per attempted section.
func WriteXLSX(w io.Writer, results model.ResultsExport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), summarySheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(sectionsSheet); err != nil {
		return err
	}

	if err := writeRow(f, summarySheet, 1, toAny(summaryHeader)); err != nil {
		return err
	}
	if err := writeRow(f, sectionsSheet, 1, toAny(sectionHeader)); err != nil {
		return err
	}

	secRow := 2
	for i, a := range results.Attempts {
		var score, maxScore int
		var bandSum float64
		var bands int
		for _, s := range a.Sections {
			score += s.Score
			maxScore += s.MaxScore
			if s.OverallBand > 0 {
				bandSum += s.OverallBand
				bands++
			}
			if err := writeRow(f, sectionsSheet, secRow, []any{
				a.AttemptID, a.Username, s.Title, string(s.Skill), s.Score, s.MaxScore, s.OverallBand, s.Status,
			}); err != nil {
				return err
			}
			secRow++
		}

		var meanBand any = ""
		if bands > 0 {
			meanBand = bandSum / float64(bands)
		}
		if err := writeRow(f, summarySheet, i+2, []any{
			a.AttemptID, a.ExamTitle, a.Username, a.DisplayName, string(a.Status),
			formatTime(&a.StartedAt), formatTime(a.SubmittedAt), score, maxScore, meanBand,
		}); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(summarySheet, "B", "D", 22)
	_ = f.SetColWidth(summarySheet, "F", "G", 20)
	_ = f.SetColWidth(sectionsSheet, "C", "C", 28)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
