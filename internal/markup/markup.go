// Package markup parses the bracket-tag exam markup embedded in Markdown,
// renders it as interactive HTML and grades candidate responses against
// the answer key it carries.
//
// Supported tags:
//
//	[!num]            question number badge for the next element
//	[!14]             same, restarting numbering at 14
//	[T]               text blank keyed by the section answer key
//	[T*a|b]           text blank with inline accepted answers
//	[D]x|*y|z[/D]     dropdown, * marks the correct option
//	[*] text, [ ] text  choice lines; consecutive lines form a group
//	[H*id]...[/H]     answer location for question id
//
// Malformed tags are left in the text as written.
package markup

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

// Kind identifies an interactive element.
type Kind string

const (
	KindText     Kind = "text"
	KindDropdown Kind = "dropdown"
	KindSingle   Kind = "single"
	KindMulti    Kind = "multi"
)

// Option is one choice of a dropdown or a choice group.
type Option struct {
	Letter  string `json:"letter"`
	Label   string `json:"label"`
	Correct bool   `json:"correct"`
}

// Element is an interactive question element. Each entry of Numbers is
// worth one mark.
type Element struct {
	Kind    Kind     `json:"kind"`
	Numbers []int    `json:"numbers"`
	Answers []string `json:"answers,omitempty"`
	Options []Option `json:"options,omitempty"`
}

// First returns the question number the element's responses are keyed by.
func (e Element) First() int {
	if len(e.Numbers) == 0 {
		return 0
	}
	return e.Numbers[0]
}

// Name is the form field name of the element.
func (e Element) Name() string {
	return "q" + strconv.Itoa(e.First())
}

// Marks returns the number of marks the element is worth.
func (e Element) Marks() int {
	return len(e.Numbers)
}

// Keyed reports whether the element has an answer key.
func (e Element) Keyed() bool {
	return len(e.Answers) > 0
}

func (e Element) numberLabel() string {
	if len(e.Numbers) > 1 {
		return strconv.Itoa(e.Numbers[0]) + "-" + strconv.Itoa(e.Numbers[len(e.Numbers)-1])
	}
	return strconv.Itoa(e.First())
}

// Document is a parsed markup source.
type Document struct {
	Elements []Element

	source     string
	prefix     string
	labels     []badge
	highlights []string
}

type badge struct {
	element  int
	fallback int
}

// MaxScore returns the marks available from keyed elements.
func (d *Document) MaxScore() int {
	total := 0
	for _, e := range d.Elements {
		if e.Keyed() {
			total += e.Marks()
		}
	}
	return total
}

// Numbers returns every question number in document order.
func (d *Document) Numbers() []int {
	var out []int
	for _, e := range d.Elements {
		out = append(out, e.Numbers...)
	}
	return out
}

// ParseOption configures Parse.
type ParseOption func(*parseConfig)

type parseConfig struct {
	start int
	key   map[int][]string
}

// WithStartNumber sets the number of the first question.
func WithStartNumber(n int) ParseOption {
	return func(c *parseConfig) {
		if n > 0 {
			c.start = n
		}
	}
}

// WithAnswerKey supplies answers for elements that carry no inline key.
func WithAnswerKey(key map[int][]string) ParseOption {
	return func(c *parseConfig) {
		c.key = key
	}
}

const tokenPrefix = "IELTSMARK"

var (
	inlineTagRe  = regexp.MustCompile(`\[!(num|\d+)\]|\[T(?:\*([^\]]*))?\]|\[D\](.*?)\[/D\]|\[H\*([^\]\s]+)\]|\[/H\]`)
	choiceLineRe = regexp.MustCompile(`^\s*(?:[-*+]\s+)?\[( |\*)\]\s+(.*\S)\s*$`)
	fenceRe      = regexp.MustCompile("^\\s*(```|~~~)")

	// Leading list, heading and blockquote markers of a line.
	blockPrefixRe = regexp.MustCompile(`^[ \t]*(?:>[ \t]?)*[ \t]*(?:(?:#{1,6}|[-*+]|\d{1,9}[.)])[ \t]+)?`)

	// Thematic breaks and setext heading underlines.
	ruleRe = regexp.MustCompile(`^ {0,3}(?:=+|-+|(?:-[ \t]*){3,}|(?:\*[ \t]*){3,}|(?:_[ \t]*){3,})[ \t]*$`)
)

// tokenPrefixFor picks a placeholder prefix that does not occur in src,
// so author text is never mistaken for a generated placeholder.
func tokenPrefixFor(src string) string {
	plain := html.UnescapeString(src)
	prefix := tokenPrefix
	for n := 1; strings.Contains(src, prefix) || strings.Contains(plain, prefix); n++ {
		prefix = tokenPrefix + strconv.Itoa(n) + "N"
	}
	return prefix
}

func (d *Document) token(kind string, i int) string {
	return d.prefix + kind + strconv.Itoa(i) + "X"
}

func (d *Document) elementToken(i int) string   { return d.token("EL", i) }
func (d *Document) groupToken(i int) string     { return d.token("GRP", i) }
func (d *Document) badgeToken(i int) string     { return d.token("NUM", i) }
func (d *Document) highlightToken(i int) string { return d.token("HLO", i) }
func (d *Document) highlightClose() string      { return d.prefix + "HLCX" }

type parser struct {
	doc  *Document
	next int
	key  map[int][]string

	out     []string
	group   []Option
	open    string
	reopen  bool
	hasOpen bool
}

// Parse reads src in a single pass. Question numbers are assigned in
// document order starting at 1 unless WithStartNumber says otherwise.
func Parse(src string, opts ...ParseOption) *Document {
	cfg := parseConfig{start: 1}
	for _, o := range opts {
		o(&cfg)
	}

	p := &parser{doc: &Document{prefix: tokenPrefixFor(src)}, next: cfg.start, key: cfg.key}
	lines := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n")

	inFence := false
	for _, line := range lines {
		if fenceRe.MatchString(line) {
			p.flushGroup()
			if !inFence {
				p.suspend()
			}
			inFence = !inFence
			p.out = append(p.out, line)
			continue
		}
		if inFence {
			p.out = append(p.out, line)
			continue
		}
		if m := choiceLineRe.FindStringSubmatch(line); m != nil {
			p.group = append(p.group, Option{Label: m[2], Correct: m[1] == "*"})
			continue
		}
		p.flushGroup()
		if strings.TrimSpace(line) == "" || ruleRe.MatchString(line) {
			p.suspend()
			p.out = append(p.out, line)
			continue
		}
		prefix := blockPrefixRe.FindString(line)
		marker := strings.TrimSpace(prefix)
		if marker != "" {
			p.suspend()
		}
		p.out = append(p.out, prefix+p.resume()+p.inline(line[len(prefix):]))
		if strings.Contains(marker, "#") {
			p.suspend()
		}
	}
	p.flushGroup()
	if p.hasOpen {
		p.closeOnLast()
		p.hasOpen = false
	}

	p.doc.source = strings.Join(p.out, "\n")
	return p.doc
}

// suspend closes an open highlight at the end of the previous line so
// that it never spans a block boundary. It is reopened by resume.
func (p *parser) suspend() {
	if !p.hasOpen {
		return
	}
	p.closeOnLast()
	p.hasOpen = false
	p.reopen = true
}

func (p *parser) resume() string {
	if !p.reopen {
		return ""
	}
	p.reopen = false
	p.hasOpen = true
	return p.openHighlight(p.open)
}

func (p *parser) closeOnLast() {
	for i := len(p.out) - 1; i >= 0; i-- {
		if strings.TrimSpace(p.out[i]) != "" {
			p.out[i] += p.doc.highlightClose()
			return
		}
	}
}

func (p *parser) openHighlight(id string) string {
	p.doc.highlights = append(p.doc.highlights, id)
	return p.doc.highlightToken(len(p.doc.highlights) - 1)
}

func (p *parser) flushGroup() {
	if len(p.group) == 0 {
		return
	}
	opts := p.group
	p.group = nil

	var correct []string
	for i := range opts {
		opts[i].Letter = letter(i)
		if opts[i].Correct {
			correct = append(correct, opts[i].Letter)
		}
	}
	if len(correct) == 0 {
		for _, a := range p.key[p.next] {
			l := strings.ToUpper(strings.TrimSpace(a))
			for i := range opts {
				if opts[i].Letter == l {
					opts[i].Correct = true
					correct = append(correct, l)
				}
			}
		}
	}

	kind := KindSingle
	if len(correct) > 1 {
		kind = KindMulti
	}
	el := Element{Kind: kind, Options: opts, Answers: correct, Numbers: p.take(max(1, len(correct)))}
	p.doc.Elements = append(p.doc.Elements, el)

	p.suspend()
	p.out = append(p.out, "", p.doc.groupToken(len(p.doc.Elements)-1), "")
}

func (p *parser) take(n int) []int {
	nums := make([]int, n)
	for i := range nums {
		nums[i] = p.next
		p.next++
	}
	return nums
}

func (p *parser) inline(line string) string {
	matches := inlineTagRe.FindAllStringSubmatchIndex(line, -1)
	if len(matches) == 0 {
		return line
	}
	spans := codeSpans(line)

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		if inSpan(spans, m[0]) {
			continue
		}
		sb.WriteString(line[last:m[0]])
		last = m[1]
		tag := line[m[0]:m[1]]

		switch {
		case strings.HasPrefix(tag, "[!"):
			if n, err := strconv.Atoi(line[m[2]:m[3]]); err == nil && n > 0 {
				p.next = n
			}
			p.doc.labels = append(p.doc.labels, badge{element: len(p.doc.Elements), fallback: p.next})
			sb.WriteString(p.doc.badgeToken(len(p.doc.labels) - 1))

		case strings.HasPrefix(tag, "[T"):
			var answers []string
			if m[4] >= 0 {
				answers = splitAlternatives(line[m[4]:m[5]])
			}
			if len(answers) == 0 {
				answers = cleanList(p.key[p.next])
			}
			p.doc.Elements = append(p.doc.Elements, Element{Kind: KindText, Answers: answers, Numbers: p.take(1)})
			sb.WriteString(p.doc.elementToken(len(p.doc.Elements) - 1))

		case strings.HasPrefix(tag, "[D]"):
			opts := splitOptions(line[m[6]:m[7]])
			if len(opts) == 0 {
				sb.WriteString(tag)
				continue
			}
			if !anyCorrect(opts) {
				markKeyed(opts, cleanList(p.key[p.next]))
			}
			var answers []string
			for _, o := range opts {
				if o.Correct {
					answers = append(answers, o.Label)
				}
			}
			p.doc.Elements = append(p.doc.Elements, Element{Kind: KindDropdown, Options: opts, Answers: answers, Numbers: p.take(1)})
			sb.WriteString(p.doc.elementToken(len(p.doc.Elements) - 1))

		case strings.HasPrefix(tag, "[H*"):
			if p.hasOpen {
				sb.WriteString(p.doc.highlightClose())
			}
			p.open = line[m[8]:m[9]]
			p.hasOpen = true
			sb.WriteString(p.openHighlight(p.open))

		case tag == "[/H]":
			if !p.hasOpen {
				sb.WriteString(tag)
				continue
			}
			p.hasOpen = false
			sb.WriteString(p.doc.highlightClose())
		}
	}
	sb.WriteString(line[last:])
	return sb.String()
}

// codeSpans returns the byte ranges of backtick code spans in line. A run
// of backticks is only closed by a run of the same length.
func codeSpans(line string) [][2]int {
	var spans [][2]int
	for i := 0; i < len(line); {
		if line[i] != '`' {
			i++
			continue
		}
		j := i
		for j < len(line) && line[j] == '`' {
			j++
		}
		end := -1
		for k := j; k < len(line); {
			if line[k] != '`' {
				k++
				continue
			}
			l := k
			for l < len(line) && line[l] == '`' {
				l++
			}
			if l-k == j-i {
				end = l
				break
			}
			k = l
		}
		if end < 0 {
			i = j
			continue
		}
		spans = append(spans, [2]int{i, end})
		i = end
	}
	return spans
}

func inSpan(spans [][2]int, pos int) bool {
	for _, s := range spans {
		if pos >= s[0] && pos < s[1] {
			return true
		}
	}
	return false
}

func anyCorrect(opts []Option) bool {
	for _, o := range opts {
		if o.Correct {
			return true
		}
	}
	return false
}

// markKeyed marks the options named by an answer key. Keys match option
// text first and fall back to option letters.
func markKeyed(opts []Option, key []string) {
	for _, a := range key {
		for i := range opts {
			if normalize(a) == normalize(opts[i].Label) {
				opts[i].Correct = true
			}
		}
	}
	if anyCorrect(opts) {
		return
	}
	for _, a := range key {
		l := strings.ToUpper(a)
		for i := range opts {
			if opts[i].Letter == l {
				opts[i].Correct = true
			}
		}
	}
}

func splitAlternatives(s string) []string {
	return cleanList(strings.Split(s, "|"))
}

func splitOptions(s string) []Option {
	var opts []Option
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		correct := strings.HasPrefix(part, "*")
		part = strings.TrimSpace(strings.TrimPrefix(part, "*"))
		if part == "" {
			continue
		}
		opts = append(opts, Option{Letter: letter(len(opts)), Label: part, Correct: correct})
	}
	return opts
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func letter(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return strconv.Itoa(i + 1)
}
