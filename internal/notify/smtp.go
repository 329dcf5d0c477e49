package notify

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
)

// SMTPConfig holds SMTP server settings.
type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// SMTPMailer sends messages through an SMTP relay.
type SMTPMailer struct {
	addr string
	host string
	auth smtp.Auth
	from string
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer validates cfg and creates an SMTPMailer.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	host := strings.TrimSpace(cfg.Host)
	from := strings.TrimSpace(cfg.From)
	if host == "" || cfg.Port <= 0 || from == "" {
		return nil, errors.New("smtp host, port and sender are required")
	}
	m := &SMTPMailer{
		addr: fmt.Sprintf("%s:%d", host, cfg.Port),
		host: host,
		from: from,
		send: smtp.SendMail,
	}
	if user := strings.TrimSpace(cfg.User); user != "" {
		m.auth = smtp.PlainAuth("", user, cfg.Pass, host)
	}
	return m, nil
}

// Send implements Mailer.
func (m *SMTPMailer) Send(_ context.Context, msg Message) error {
	if err := m.send(m.addr, m.auth, m.from, []string{msg.To.Address}, buildMIME(m.from, msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func buildMIME(from string, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To.String() + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
