// Package email sends collaboration invite notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"

	"gopkg.in/gomail.v2"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	AppName  string
}

// dialer is the part of *gomail.Dialer the service needs.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type Service struct {
	config Config
	dialer dialer
}

func NewService(config Config) *Service {
	if config.AppName == "" {
		config.AppName = "Roamlist"
	}
	return &Service{
		config: config,
		dialer: gomail.NewDialer(config.Host, config.Port, config.Username, config.Password),
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != 0 && s.config.From != ""
}

// Invite is the content of a collaboration invite notification.
type Invite struct {
	To          string
	InviteeName string
	InviterName string
	ListTitle   string
	RequestsURL string
}

type inviteTemplateData struct {
	Invite
	AppName string
}

func (s *Service) SendInvite(ctx context.Context, invite Invite) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := renderTemplate(inviteEmailTemplate, inviteTemplateData{Invite: invite, AppName: s.config.AppName})
	if err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.config.From, s.config.FromName)
	m.SetHeader("To", invite.To)
	m.SetHeader("Subject", fmt.Sprintf("%s invited you to plan %q", invite.InviterName, invite.ListTitle))
	m.SetBody("text/plain", fmt.Sprintf("%s invited you to collaborate on %q. Open %s to accept or decline.",
		invite.InviterName, invite.ListTitle, invite.RequestsURL))
	m.AddAlternative("text/html", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send invite to %s: %w", invite.To, err)
	}
	return nil
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const inviteEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You're invited to {{.ListTitle}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0f766e; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0f766e; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.InviteeName}},</p>

    <p>{{.InviterName}} invited you to collaborate on <strong>{{.ListTitle}}</strong>.</p>

    <p>
        <a href="{{.RequestsURL}}" class="button">Review invite</a>
    </p>

    <div class="footer">
        <p>If you don't know {{.InviterName}}, you can decline the invite or ignore this email.</p>
    </div>
</body>
</html>`
