// Package escalation notifies an escalation policy when a monitor changes state.
// Policy fan-out lives outside this system; only the invocation is defined here.
package escalation

import (
	"bytes"
	"context"
	"crypto/tls"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/mail.v2"

	"github.com/larntz/status-dispatch/internal/checks"
	"github.com/larntz/status-dispatch/internal/config"
)

// Event is a status transition of one monitor
type Event struct {
	MonitorID          string
	URL                string
	OwnerID            string
	EscalationPolicyID string
	Region             string
	Previous           checks.Status
	Current            checks.Status
	StatusCode         int
	Message            string
	At                 time.Time
}

// Recovered reports whether the monitor came back from down
func (e Event) Recovered() bool {
	return e.Previous == checks.StatusDown && e.Current != checks.StatusDown
}

// Escalator is invoked for transitions into and out of down
type Escalator interface {
	Escalate(ctx context.Context, e Event) error
}

// ShouldEscalate reports whether a transition from previous to current is escalated
func ShouldEscalate(policyID string, previous, current checks.Status) bool {
	if policyID == "" || previous == current {
		return false
	}
	return current == checks.StatusDown || previous == checks.StatusDown
}

// LogEscalator writes the event to the log
type LogEscalator struct {
	Log *zap.Logger
}

// Escalate logs the event
func (l LogEscalator) Escalate(_ context.Context, e Event) error {
	l.Log.Warn("escalating monitor",
		zap.String("monitor", e.MonitorID),
		zap.String("url", e.URL),
		zap.String("policy", e.EscalationPolicyID),
		zap.String("region", e.Region),
		zap.String("previous", string(e.Previous)),
		zap.String("current", string(e.Current)))
	return nil
}

const (
	subjectTemplate = `[{{ .Current | toString | upper }}] {{ .URL }}{{ if .Recovered }} recovered{{ end }}`
	bodyTemplate    = `Monitor {{ .MonitorID }} ({{ .URL }}) changed from {{ .Previous | default "unknown" }} to {{ .Current }}.

Region: {{ .Region }}
{{- if .StatusCode }}
Status code: {{ .StatusCode }}
{{- end }}
{{- if .Message }}
Detail: {{ .Message | trunc 500 }}
{{- end }}
Escalation policy: {{ .EscalationPolicyID }}
At: {{ .At.UTC.Format "2006-01-02T15:04:05Z07:00" }}
`
)

// Sender delivers mail messages, *mail.Dialer implements it
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// MailEscalator mails the event to a fixed list of recipients
type MailEscalator struct {
	From    string
	To      []string
	Sender  Sender
	subject *template.Template
	body    *template.Template
}

// NewMailEscalator builds a MailEscalator dialing the configured SMTP server
func NewMailEscalator(cfg config.SMTPConfig) (*MailEscalator, error) {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	d.StartTLSPolicy = mail.OpportunisticStartTLS
	d.Timeout = 15 * time.Second
	return newMailEscalator(cfg.From, cfg.To, d)
}

func newMailEscalator(from string, to []string, sender Sender) (*MailEscalator, error) {
	if len(to) == 0 {
		return nil, errors.New("mail escalation needs at least one recipient")
	}
	subject, err := template.New("subject").Funcs(sprig.HermeticTxtFuncMap()).Parse(subjectTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "parse subject template")
	}
	body, err := template.New("body").Funcs(sprig.HermeticTxtFuncMap()).Parse(bodyTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "parse body template")
	}
	return &MailEscalator{From: from, To: to, Sender: sender, subject: subject, body: body}, nil
}

// Render returns the subject and plain text body for e
func (m *MailEscalator) Render(e Event) (string, string, error) {
	var subject, body bytes.Buffer
	if err := m.subject.Execute(&subject, e); err != nil {
		return "", "", errors.Wrap(err, "render subject")
	}
	if err := m.body.Execute(&body, e); err != nil {
		return "", "", errors.Wrap(err, "render body")
	}
	return subject.String(), body.String(), nil
}

// Escalate mails the event. The send is abandoned when ctx is done.
func (m *MailEscalator) Escalate(ctx context.Context, e Event) error {
	subject, body, err := m.Render(e)
	if err != nil {
		return err
	}
	msg := mail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", m.To...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	done := make(chan error, 1)
	go func() { done <- m.Sender.DialAndSend(msg) }()
	select {
	case err := <-done:
		return errors.Wrapf(err, "mail escalation for %s", e.MonitorID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New returns the mail escalator when SMTP is configured and the log escalator otherwise
func New(cfg config.SMTPConfig, log *zap.Logger) (Escalator, error) {
	if cfg.Host == "" {
		return LogEscalator{Log: log}, nil
	}
	m, err := NewMailEscalator(cfg)
	if err != nil {
		return nil, err
	}
	return m, nil
}
