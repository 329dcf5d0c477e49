// Package prompts builds the system prompts used to assess IELTS writing
// and speaking responses.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/ieltsprep/internal/model"
)

//go:embed *.txt
var templateFS embed.FS

const maxAnswerRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// Criterion is one public IELTS assessment criterion. Key is the JSON field
// the model must use for it.
type Criterion struct {
	Key         string
	Name        string
	Description string
}

var writingCriteria = []Criterion{
	{"task_response", "Task Achievement/Response", "how fully and relevantly the task is addressed, with a clear position or overview"},
	{"coherence_cohesion", "Coherence and Cohesion", "logical organisation, paragraphing and use of cohesive devices"},
	{"lexical_resource", "Lexical Resource", "range, precision and appropriacy of vocabulary, spelling and word formation"},
	{"grammar", "Grammatical Range and Accuracy", "range of structures and frequency of grammatical errors"},
}

var speakingCriteria = []Criterion{
	{"fluency_coherence", "Fluency and Coherence", "ability to speak at length without hesitation and to link ideas"},
	{"lexical_resource", "Lexical Resource", "range and flexibility of vocabulary, including paraphrase and idiom"},
	{"grammar", "Grammatical Range and Accuracy", "range of structures and accuracy in spoken language"},
	{"pronunciation", "Pronunciation", "intelligibility, stress and intonation as evidenced by the transcript"},
}

// Criteria returns the assessment criteria for a productive skill, or nil
// for skills graded against an answer key.
func Criteria(skill model.Skill) []Criterion {
	switch skill {
	case model.SkillWriting:
		return writingCriteria
	case model.SkillSpeaking:
		return speakingCriteria
	}
	return nil
}

// Data holds template data for assessment prompts.
type Data struct {
	Task      string
	WordCount int
	Criteria  []Criterion
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[model.Skill]*template.Template
)

func load() error {
	loadOnce.Do(func() {
		templates = make(map[model.Skill]*template.Template)
		for _, skill := range []model.Skill{model.SkillWriting, model.SkillSpeaking} {
			file := string(skill) + ".txt"
			content, err := templateFS.ReadFile(file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", file, err)
				return
			}
			tmpl, err := template.New(string(skill)).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", file, err)
				return
			}
			templates[skill] = tmpl
		}
	})
	return loadErr
}

// BuildSystemPrompt renders the assessment instructions for a submission.
func BuildSystemPrompt(skill model.Skill, task, answer string) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	tmpl, ok := templates[skill]
	if !ok {
		return "", fmt.Errorf("no prompt for skill %q", skill)
	}

	data := Data{
		Task:      strings.TrimSpace(task),
		WordCount: len(strings.Fields(answer)),
		Criteria:  Criteria(skill),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WrapAnswer strips prompt-injection markers from a candidate's text,
// truncates it, and wraps it in student-answer tags.
func WrapAnswer(answer string) string {
	return "<student-answer>\n" + sanitizeAnswer(answer) + "\n</student-answer>"
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}
	return answer
}
