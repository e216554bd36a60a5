package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contact = model.Contact{UserID: "u1", Name: "Ada <Admin>", Email: "ada@example.org"}
	notice  = model.Notification{
		ID: "n1", Kind: model.KindReminder, Title: "Appointment reminder",
		Body: "Your passport appointment is tomorrow at 10:00.", AppointmentRef: "PASS-1",
	}
)

func TestRendererEscapesHTML(t *testing.T) {
	msg, err := NewRenderer().Render(contact, notice)
	require.NoError(t, err)

	assert.Equal(t, "ada@example.org", msg.To)
	assert.Equal(t, "Appointment reminder", msg.Subject)
	assert.Contains(t, msg.Text, "Hello Ada <Admin>,")
	assert.Contains(t, msg.Text, "Booking reference: PASS-1")
	assert.Contains(t, msg.HTML, "Ada &lt;Admin&gt;")
	assert.NotContains(t, msg.HTML, "<Admin>")
}

func TestBuildMIMEMultipart(t *testing.T) {
	raw := buildMIME("Portal <no-reply@example.org>", Message{To: "a@example.org", Subject: "Hi", Text: "plain", HTML: "<p>rich</p>"})
	assert.Contains(t, raw, "multipart/alternative")
	assert.Contains(t, raw, "plain")
	assert.Contains(t, raw, "<p>rich</p>")
	assert.True(t, strings.HasSuffix(raw, "--"+mimeBoundary+"--\r\n"))

	plain := buildMIME("no-reply@example.org", Message{To: "a@example.org", Subject: "Hi", Text: "plain"})
	assert.Contains(t, plain, "text/plain")
	assert.NotContains(t, plain, "multipart")
}

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestSESTransport(t *testing.T) {
	client := &fakeSES{}
	tr := NewSESTransport(client, Sender{Email: "no-reply@gov.example", Name: "Citizen Services"}, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	require.NoError(t, NewChannel(tr, nil).Deliver(context.Background(), contact, notice))
	require.NotNil(t, client.in)
	assert.Equal(t, "Citizen Services <no-reply@gov.example>", aws.ToString(client.in.FromEmailAddress))
	assert.Equal(t, []string{"ada@example.org"}, client.in.Destination.ToAddresses)
	assert.NotNil(t, client.in.Content.Simple.Body.Html)

	client.err = errors.New("throttled")
	assert.Error(t, tr.Send(context.Background(), Message{To: "x@example.org"}))
}

type fakeSendGrid struct {
	status int
	sent   *mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, m *mail.SGMailV3) (*rest.Response, error) {
	f.sent = m
	return &rest.Response{StatusCode: f.status}, nil
}

func TestSendGridTransportStatus(t *testing.T) {
	client := &fakeSendGrid{status: http.StatusAccepted}
	tr := &SendGridTransport{client: client, from: Sender{Email: "no-reply@gov.example"}}

	require.NoError(t, tr.Send(context.Background(), Message{To: "a@example.org", Subject: "s", Text: "t"}))
	require.NotNil(t, client.sent)
	assert.Equal(t, "s", client.sent.Subject)

	client.status = http.StatusUnauthorized
	assert.Error(t, tr.Send(context.Background(), Message{To: "a@example.org"}))
}

func TestChannelApplicable(t *testing.T) {
	ch := NewChannel(NewLogTransport(slog.New(slog.NewJSONHandler(io.Discard, nil))), nil)
	assert.True(t, ch.Applicable(contact))
	assert.False(t, ch.Applicable(model.Contact{UserID: "u2"}))
}
