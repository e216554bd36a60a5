package email

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Message is a rendered email ready for a transport.
type Message struct {
	To      string
	ToName  string
	Subject string
	Text    string
	HTML    string
}

// Transport delivers a rendered message. Implementations are swappable
// (SMTP, SES, SendGrid) without changing the channel.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

type Sender struct {
	Email string
	Name  string
}

func (s Sender) address() string {
	if s.Name == "" {
		return s.Email
	}
	return fmt.Sprintf("%s <%s>", s.Name, s.Email)
}

// SMTPTransport sends via unauthenticated SMTP (Mailpit-compatible).
type SMTPTransport struct {
	addr    string
	from    Sender
	timeout time.Duration
}

func NewSMTPTransport(host, port string, from Sender) *SMTPTransport {
	if strings.TrimSpace(from.Email) == "" {
		from.Email = "no-reply@citizenbook.local"
	}
	return &SMTPTransport{
		addr:    net.JoinHostPort(strings.TrimSpace(host), strings.TrimSpace(port)),
		from:    from,
		timeout: 10 * time.Second,
	}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	raw := buildMIME(t.from.address(), msg)
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(t.addr, nil, t.from.Email, []string{msg.To}, []byte(raw))
	}()
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("smtp send: timed out after %s", t.timeout)
	}
}

const mimeBoundary = "citizenbook-alt-boundary"

func buildMIME(from string, msg Message) string {
	var b strings.Builder
	to := msg.To
	if msg.ToName != "" {
		to = fmt.Sprintf("%s <%s>", msg.ToName, msg.To)
	}
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\n", from, to, msg.Subject)
	if msg.HTML == "" {
		fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", msg.Text)
		return b.String()
	}
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mimeBoundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", mimeBoundary, msg.Text)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n", mimeBoundary, msg.HTML)
	fmt.Fprintf(&b, "--%s--\r\n", mimeBoundary)
	return b.String()
}

type sesClient interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends via AWS SES v2.
type SESTransport struct {
	client sesClient
	from   Sender
	logger *slog.Logger
}

func NewSESTransport(client sesClient, from Sender, logger *slog.Logger) *SESTransport {
	return &SESTransport{client: client, from: from, logger: logger}
}

func (t *SESTransport) Name() string { return "ses" }

func (t *SESTransport) Send(ctx context.Context, msg Message) error {
	body := &types.Body{}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	out, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(t.from.address()),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	t.logger.Debug("email sent via ses", "message_id", aws.ToString(out.MessageId))
	return nil
}

type sendgridClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridTransport sends via the SendGrid v3 API.
type SendGridTransport struct {
	client sendgridClient
	from   Sender
}

func NewSendGridTransport(apiKey string, from Sender) *SendGridTransport {
	return &SendGridTransport{client: sendgrid.NewSendClient(apiKey), from: from}
}

func (t *SendGridTransport) Name() string { return "sendgrid" }

func (t *SendGridTransport) Send(ctx context.Context, msg Message) error {
	html := msg.HTML
	if html == "" {
		html = msg.Text
	}
	message := mail.NewSingleEmail(
		mail.NewEmail(t.from.Name, t.from.Email),
		msg.Subject,
		mail.NewEmail(msg.ToName, msg.To),
		msg.Text,
		html,
	)
	resp, err := t.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid send: status %d", resp.StatusCode)
	}
	return nil
}

// LogTransport only logs; used in development.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, msg Message) error {
	t.logger.Info("email (not sent)", "to", msg.To, "subject", msg.Subject)
	return nil
}
