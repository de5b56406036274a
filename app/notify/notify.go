// Package notify provides error delivery via email for failed downloads
// and eviction runs with errors
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
)

// Notifier defines delivery to a single destination url
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
}

// Params to make notification service
type Params struct {
	EnabledError bool
	FromEmail    string
	ToEmails     []string
	Host         string
	Port         int
	TLS          bool
	Username     string
	Password     string
	TimeOut      time.Duration
}

// Service delivers error notifications, nil service is safe to skip
type Service struct {
	Params
	notifier Notifier
}

// NewService makes notification service, nil if no recipients configured
func NewService(p Params) *Service {
	if len(p.ToEmails) == 0 {
		return nil
	}
	if p.TimeOut == 0 {
		p.TimeOut = 10 * time.Second
	}
	email := notify.NewEmail(notify.SMTPParams{
		Host:        p.Host,
		Port:        p.Port,
		TLS:         p.TLS,
		Username:    p.Username,
		Password:    p.Password,
		TimeOut:     p.TimeOut,
		ContentType: "text/html",
	})
	return &Service{Params: p, notifier: email}
}

// IsOnError reports if error notifications are enabled
func (s *Service) IsOnError() bool { return s.EnabledError }

// Send delivers the message to all configured emails
func (s *Service) Send(ctx context.Context, subj, text string) error {
	dest := fmt.Sprintf("mailto:%s?from=%s&subject=%s",
		strings.Join(s.ToEmails, ","), url.QueryEscape(s.FromEmail), url.QueryEscape(subj))
	log.Printf("[DEBUG] send %q to %+v", subj, s.ToEmails)

	ctxTimeout, cancel := context.WithTimeout(ctx, s.TimeOut)
	defer cancel()
	if err := s.notifier.Send(ctxTimeout, dest, text); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

var errTmpl = template.Must(template.New("msg").Parse(`<!DOCTYPE html>
<html>
	<body style="font-family: Arial; font-size: 1.0em;">
		<p>vidvault {{.What}} failed on <b>{{.Host}}</b> at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Subject: <b>{{.Subject}}</b></li>
		</ul>
		<pre style="padding: 0.6em; background-color: #E8E2A0; white-space: pre-wrap;">
{{.Error}}
		</pre>
	</body>
</html>
`))

// MakeErrorHTML creates the html body for an error notification
func MakeErrorHTML(what, subject, host, errorLog string) (string, error) {
	data := struct {
		What    string
		Subject string
		Host    string
		TS      time.Time
		Error   string
	}{What: what, Subject: subject, Host: host, TS: time.Now(), Error: errorLog}

	buf := bytes.Buffer{}
	if err := errTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply error template: %w", err)
	}
	return buf.String(), nil
}
