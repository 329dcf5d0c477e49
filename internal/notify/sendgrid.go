package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGridMailer sends messages through the SendGrid v3 API.
type SendGridMailer struct {
	key  string
	host string
	from *sgmail.Email
}

// NewSendGridMailer creates a SendGridMailer.
func NewSendGridMailer(key, appName, fromEmail string) (*SendGridMailer, error) {
	if key == "" || fromEmail == "" {
		return nil, errors.New("sendgrid key and sender are required")
	}
	return &SendGridMailer{
		key:  key,
		host: sendgridHost,
		from: sgmail.NewEmail(appName, fromEmail),
	}, nil
}

func (m *SendGridMailer) prepare(msg Message) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = msg.Subject
	p.AddTos(sgmail.NewEmail(msg.To.Name, msg.To.Address))

	v3 := sgmail.NewV3Mail()
	v3.SetFrom(m.from)
	v3.AddPersonalizations(p)
	v3.AddContent(sgmail.NewContent("text/plain", msg.Body))
	return v3
}

// Send implements Mailer.
func (m *SendGridMailer) Send(_ context.Context, msg Message) error {
	req := sendgrid.GetRequest(m.key, sendgridEndpoint, m.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(m.prepare(msg))

	res, err := sendgrid.API(req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid returned %d: %s", res.StatusCode, res.Body)
	}
	return nil
}
