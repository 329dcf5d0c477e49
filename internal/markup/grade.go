package markup

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Responses holds candidate answers keyed by the first question number of
// each element.
type Responses map[int][]string

// ParseResponses converts form-style values ("q14" => ["river"]) into
// Responses. Keys that are not question fields are ignored.
func ParseResponses(values map[string][]string) Responses {
	out := make(Responses)
	for k, vs := range values {
		if !strings.HasPrefix(k, "q") {
			continue
		}
		n, err := strconv.Atoi(k[1:])
		if err != nil || n <= 0 {
			continue
		}
		if cleaned := cleanList(vs); len(cleaned) > 0 {
			out[n] = cleaned
		}
	}
	return out
}

// Values is the inverse of ParseResponses.
func (r Responses) Values() map[string][]string {
	out := make(map[string][]string, len(r))
	for n, vs := range r {
		out["q"+strconv.Itoa(n)] = vs
	}
	return out
}

// Reasons reported per element.
const (
	ReasonCorrect    = "correct"
	ReasonPartial    = "partial"
	ReasonWrong      = "wrong"
	ReasonUnanswered = "unanswered"
	ReasonTooMany    = "too_many"
	ReasonMissingKey = "missing_key"
)

// ElementResult is the outcome of grading one element.
type ElementResult struct {
	Numbers  []int    `json:"numbers"`
	Kind     Kind     `json:"kind"`
	Given    []string `json:"given,omitempty"`
	Expected []string `json:"expected,omitempty"`
	Marks    int      `json:"marks"`
	MaxMarks int      `json:"max_marks"`
	Reason   string   `json:"reason"`
}

// Correct reports whether every mark of the element was earned.
func (r ElementResult) Correct() bool {
	return r.Reason == ReasonCorrect
}

// Result is the outcome of grading a document.
type Result struct {
	Elements []ElementResult `json:"elements"`
	Score    int             `json:"score"`
	MaxScore int             `json:"max_score"`
	Answered int             `json:"answered"`
}

// Percent returns the score as a percentage of the keyed marks.
func (r Result) Percent() float64 {
	if r.MaxScore == 0 {
		return 0
	}
	return float64(r.Score) / float64(r.MaxScore) * 100
}

// Grade scores resp against the document's answer key. Elements without a
// key are reported but do not count towards MaxScore.
func (d *Document) Grade(resp Responses) Result {
	var res Result
	for _, e := range d.Elements {
		er := gradeElement(e, cleanList(resp[e.First()]))
		if len(er.Given) > 0 {
			res.Answered++
		}
		res.Score += er.Marks
		res.MaxScore += er.MaxMarks
		res.Elements = append(res.Elements, er)
	}
	return res
}

func gradeElement(e Element, given []string) ElementResult {
	er := ElementResult{
		Numbers:  e.Numbers,
		Kind:     e.Kind,
		Given:    given,
		Expected: e.Answers,
		MaxMarks: e.Marks(),
	}
	if !e.Keyed() {
		er.MaxMarks = 0
		er.Reason = ReasonMissingKey
		return er
	}
	if len(given) == 0 {
		er.Reason = ReasonUnanswered
		return er
	}

	switch e.Kind {
	case KindText:
		if matchesText(given[0], e.Answers) {
			er.Marks = 1
		}
	case KindDropdown:
		for _, a := range e.Answers {
			if normalize(a) == normalize(given[0]) {
				er.Marks = 1
			}
		}
	case KindSingle:
		if strings.EqualFold(strings.TrimSpace(given[0]), e.Answers[0]) {
			er.Marks = 1
		}
	case KindMulti:
		picked := letterSet(given)
		er.Given = picked
		if len(picked) > e.Marks() {
			er.Reason = ReasonTooMany
			return er
		}
		for _, l := range picked {
			for _, a := range e.Answers {
				if l == a {
					er.Marks++
				}
			}
		}
	}

	switch {
	case er.Marks == er.MaxMarks:
		er.Reason = ReasonCorrect
	case er.Marks > 0:
		er.Reason = ReasonPartial
	default:
		er.Reason = ReasonWrong
	}
	return er
}

func letterSet(given []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, g := range given {
		l := strings.ToUpper(strings.TrimSpace(g))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

var (
	spaceRe    = regexp.MustCompile(`\s+`)
	optionalRe = regexp.MustCompile(`\(([^()]*)\)`)
)

const maxOptionalWords = 4

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".,;:!?\"'")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func matchesText(given string, answers []string) bool {
	g := normalize(given)
	if g == "" {
		return false
	}
	for _, a := range answers {
		for _, variant := range expandOptional(a) {
			if normalize(variant) == g {
				return true
			}
		}
	}
	return false
}

// expandOptional turns "(the) river" into "the river" and "river". With
// more than maxOptionalWords groups only the all-in and all-out variants
// are produced.
func expandOptional(answer string) []string {
	locs := optionalRe.FindAllStringSubmatchIndex(answer, -1)
	if len(locs) == 0 {
		return []string{answer}
	}
	if len(locs) > maxOptionalWords {
		return []string{
			optionalRe.ReplaceAllString(answer, "$1"),
			optionalRe.ReplaceAllString(answer, ""),
		}
	}

	variants := make([]string, 0, 1<<len(locs))
	for mask := 0; mask < 1<<len(locs); mask++ {
		var sb strings.Builder
		last := 0
		for i, loc := range locs {
			sb.WriteString(answer[last:loc[0]])
			if mask&(1<<i) != 0 {
				sb.WriteString(answer[loc[2]:loc[3]])
			}
			last = loc[1]
		}
		sb.WriteString(answer[last:])
		variants = append(variants, sb.String())
	}
	return variants
}
