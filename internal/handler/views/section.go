// Package views renders standalone HTML pages.
package views

import (
	"github.com/a-h/templ"

	"github.com/pavelanni/ieltsprep/internal/model"
)

// SectionPage is a printable page showing one rendered exam section.
type SectionPage struct {
	Lang       string
	ExamTitle  string
	Section    model.Section
	Body       string
	Heading    string
	ListenText string
	TimeText   string
}

// Component returns the page as a templ component.
func (p SectionPage) Component() templ.Component {
	return sectionPage(p)
}

func (p SectionPage) lang() string {
	if p.Lang == "" {
		return "en"
	}
	return p.Lang
}

func (p SectionPage) title() string {
	if p.Section.Title != "" {
		return p.ExamTitle + " | " + p.Section.Title
	}
	return p.ExamTitle
}
