// Package notify emails students when their writing or speaking feedback
// is ready.
package notify

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/pavelanni/ieltsprep/internal/i18n"
	"github.com/pavelanni/ieltsprep/internal/model"
	"github.com/pavelanni/ieltsprep/internal/store"
)

// Message is a plain-text email.
type Message struct {
	To      mail.Address
	Subject string
	Body    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Nop drops every message.
type Nop struct{}

// Send implements Mailer.
func (Nop) Send(context.Context, Message) error { return nil }

// Notifier builds grading notifications and hands them to a Mailer.
type Notifier struct {
	store  *store.Store
	mailer Mailer
	lang   string
}

// New creates a Notifier that writes in lang.
func New(st *store.Store, mailer Mailer, lang string) *Notifier {
	return &Notifier{store: st, mailer: mailer, lang: lang}
}

// Graded sends the feedback summary to the submission's author. Users
// without an email address are skipped.
func (n *Notifier) Graded(ctx context.Context, sub model.Submission) error {
	user, err := n.store.GetUserByID(sub.UserID)
	if err != nil {
		return fmt.Errorf("get user %d: %w", sub.UserID, err)
	}
	if user == nil || user.Email == "" || !user.Active {
		return nil
	}

	sectionTitle := ""
	if att, err := n.store.GetAttempt(sub.AttemptID); err == nil {
		if sec, err := n.store.GetSection(att.ExamID, sub.SectionID); err == nil {
			sectionTitle = sec.Title
		}
	}

	msg := Compose(i18n.WithLang(ctx, n.lang), *user, sectionTitle, sub)
	if err := n.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("send to %s: %w", user.Email, err)
	}
	return nil
}

// Compose renders the notification for a graded submission in the
// language carried by ctx.
func Compose(ctx context.Context, user model.User, sectionTitle string, sub model.Submission) Message {
	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	skill := i18n.Skill(ctx, string(sub.Skill))

	var b strings.Builder
	b.WriteString(i18n.Td(ctx, "GradedGreeting", map[string]any{"Name": name}))
	b.WriteString("\n\n")
	b.WriteString(i18n.Td(ctx, "GradedIntro", map[string]any{"Skill": skill, "Section": sectionTitle}))
	b.WriteString("\n")

	if fb := sub.Feedback; fb != nil {
		b.WriteString(i18n.Td(ctx, "OverallBand", map[string]any{"Band": fb.OverallBand}))
		b.WriteString("\n\n")
		for _, c := range fb.Criteria {
			fmt.Fprintf(&b, "%s: %.1f\n", c.Name, c.Band)
		}
		if fb.Summary != "" {
			b.WriteString("\n" + fb.Summary + "\n")
		}
		if len(fb.Suggestions) > 0 {
			b.WriteString("\n" + i18n.T(ctx, "Suggestions") + ":\n")
			for _, s := range fb.Suggestions {
				b.WriteString("- " + s + "\n")
			}
		}
	}

	return Message{
		To:      mail.Address{Name: name, Address: user.Email},
		Subject: i18n.Td(ctx, "GradedSubject", map[string]any{"Skill": skill}),
		Body:    b.String(),
	}
}

// Config selects and configures a Mailer.
type Config struct {
	Driver      string
	SMTP        SMTPConfig
	SendGridKey string
	AppName     string
	From        string
}

// NewMailer creates the Mailer named by cfg.Driver: "none", "smtp" or
// "sendgrid".
func NewMailer(cfg Config) (Mailer, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "smtp":
		if cfg.SMTP.From == "" {
			cfg.SMTP.From = cfg.From
		}
		m, err := NewSMTPMailer(cfg.SMTP)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "sendgrid":
		m, err := NewSendGridMailer(cfg.SendGridKey, cfg.AppName, cfg.From)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.Driver)
	}
}
