package markup

import (
	"bytes"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Mode selects how interactive elements are rendered.
type Mode int

const (
	// ModeTake renders editable inputs, optionally prefilled with saved responses.
	ModeTake Mode = iota
	// ModeReview renders the candidate's responses with correctness marks.
	ModeReview
	// ModeKey renders the answer key.
	ModeKey
)

// ParseMode maps "take", "review" and "key" to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "take":
		return ModeTake, true
	case "review":
		return ModeReview, true
	case "key":
		return ModeKey, true
	}
	return ModeTake, false
}

// Labels holds the user-visible strings of generated HTML.
type Labels struct {
	Choose        string
	CorrectAnswer string
}

// DefaultLabels returns English labels.
func DefaultLabels() Labels {
	return Labels{Choose: "Choose...", CorrectAnswer: "Correct answer"}
}

// RenderOptions configures Render.
type RenderOptions struct {
	Mode      Mode
	Responses Responses
	Labels    Labels
}

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.Table, extension.Strikethrough))
	policy   = bluemonday.UGCPolicy()
)

// Render converts the document to HTML. Author Markdown is sanitized before
// the generated form controls are put in place.
func (d *Document) Render(opts RenderOptions) (string, error) {
	if opts.Labels == (Labels{}) {
		opts.Labels = DefaultLabels()
	}

	var buf bytes.Buffer
	if err := markdown.Convert([]byte(d.source), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	safe := policy.SanitizeBytes(buf.Bytes())

	var graded []ElementResult
	if opts.Mode == ModeReview {
		graded = d.Grade(opts.Responses).Elements
	}

	r := &renderer{opts: opts}
	var pairs []string
	for i, e := range d.Elements {
		var er *ElementResult
		if graded != nil {
			er = &graded[i]
		}
		if e.Kind == KindSingle || e.Kind == KindMulti {
			out := r.choices(e, er)
			pairs = append(pairs, "<p>"+d.groupToken(i)+"</p>", out, d.groupToken(i), out)
			continue
		}
		pairs = append(pairs, d.elementToken(i), r.inline(e, er))
	}
	for i, b := range d.labels {
		text := strconv.Itoa(b.fallback)
		if b.element < len(d.Elements) {
			text = d.Elements[b.element].numberLabel()
		}
		pairs = append(pairs, d.badgeToken(i), `<strong class="ielts-number">`+text+`</strong>`)
	}
	for i, id := range d.highlights {
		open := ""
		if opts.Mode != ModeTake {
			open = `<mark class="ielts-location" data-question="` + html.EscapeString(id) + `">`
		}
		pairs = append(pairs, d.highlightToken(i), open)
	}
	closeTag := ""
	if opts.Mode != ModeTake {
		closeTag = "</mark>"
	}
	pairs = append(pairs, d.highlightClose(), closeTag)

	return strings.NewReplacer(pairs...).Replace(string(safe)), nil
}

type renderer struct {
	opts RenderOptions
}

func (r *renderer) values(e Element) []string {
	switch r.opts.Mode {
	case ModeKey:
		if e.Kind == KindText && len(e.Answers) > 0 {
			return e.Answers[:1]
		}
		return e.Answers
	default:
		return r.opts.Responses[e.First()]
	}
}

func stateClass(er *ElementResult) string {
	if er == nil {
		return ""
	}
	switch er.Reason {
	case ReasonMissingKey:
		return " ielts-ungraded"
	case ReasonCorrect:
		return " ielts-correct"
	case ReasonPartial:
		return " ielts-partial"
	}
	return " ielts-incorrect"
}

func (r *renderer) keyNote(e Element, er *ElementResult) string {
	if er == nil || er.Reason == ReasonCorrect || er.Reason == ReasonMissingKey {
		return ""
	}
	shown := e.Answers
	if e.Kind == KindSingle || e.Kind == KindMulti {
		shown = nil
		for _, o := range e.Options {
			if o.Correct {
				shown = append(shown, o.Letter)
			}
		}
	}
	return `<span class="ielts-key">` + html.EscapeString(r.opts.Labels.CorrectAnswer) + ": " +
		html.EscapeString(strings.Join(shown, " / ")) + `</span>`
}

func (r *renderer) inline(e Element, er *ElementResult) string {
	name := e.Name()
	disabled := ""
	if r.opts.Mode != ModeTake {
		disabled = " disabled"
	}
	vals := r.values(e)

	var sb strings.Builder
	if e.Kind == KindText {
		value := ""
		if len(vals) > 0 {
			value = vals[0]
		}
		fmt.Fprintf(&sb, `<input type="text" class="ielts-blank%s" name="%s" id="%s" data-question="%d" autocomplete="off" value="%s"%s>`,
			stateClass(er), name, name, e.First(), html.EscapeString(value), disabled)
		sb.WriteString(r.keyNote(e, er))
		return sb.String()
	}

	selected := ""
	if len(vals) > 0 {
		selected = normalize(vals[0])
	}
	fmt.Fprintf(&sb, `<select class="ielts-dropdown%s" name="%s" id="%s" data-question="%d"%s>`,
		stateClass(er), name, name, e.First(), disabled)
	fmt.Fprintf(&sb, `<option value="">%s</option>`, html.EscapeString(r.opts.Labels.Choose))
	for _, o := range e.Options {
		sel := ""
		if selected != "" && normalize(o.Label) == selected {
			sel = " selected"
		}
		label := html.EscapeString(o.Label)
		fmt.Fprintf(&sb, `<option value="%s"%s>%s</option>`, label, sel, label)
	}
	sb.WriteString("</select>")
	sb.WriteString(r.keyNote(e, er))
	return sb.String()
}

func (r *renderer) choices(e Element, er *ElementResult) string {
	inputType := "radio"
	if e.Kind == KindMulti {
		inputType = "checkbox"
	}
	disabled := ""
	if r.opts.Mode != ModeTake {
		disabled = " disabled"
	}
	checked := make(map[string]bool)
	for _, v := range r.values(e) {
		checked[strings.ToUpper(strings.TrimSpace(v))] = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `<div class="ielts-choices%s" data-question="%d" data-marks="%d"><ul>`,
		stateClass(er), e.First(), e.Marks())
	for _, o := range e.Options {
		var classes []string
		if r.opts.Mode != ModeTake {
			if o.Correct {
				classes = append(classes, "ielts-option-correct")
			}
			if r.opts.Mode == ModeReview && checked[o.Letter] {
				classes = append(classes, "ielts-option-selected")
				if !o.Correct && er != nil && er.Reason != ReasonMissingKey {
					classes = append(classes, "ielts-option-wrong")
				}
			}
		}
		class := ""
		if len(classes) > 0 {
			class = ` class="` + strings.Join(classes, " ") + `"`
		}
		check := ""
		if checked[o.Letter] {
			check = " checked"
		}
		fmt.Fprintf(&sb, `<li%s><label><input type="%s" name="%s" value="%s"%s%s> <span class="ielts-letter">%s</span> %s</label></li>`,
			class, inputType, e.Name(), o.Letter, check, disabled, o.Letter, html.EscapeString(o.Label))
	}
	sb.WriteString("</ul>")
	sb.WriteString(r.keyNote(e, er))
	sb.WriteString("</div>")
	return sb.String()
}
