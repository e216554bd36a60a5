package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSenderPostsJSON(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, "push-token")
	require.NoError(t, s.Send(context.Background(), "dev-1", "Title", "Body", map[string]string{"k": "v"}))
	assert.Equal(t, "Bearer push-token", auth)
	assert.Equal(t, webhookPayload{DeviceToken: "dev-1", Title: "Title", Body: "Body", Data: map[string]string{"k": "v"}}, got)
}

func TestWebhookSenderNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	assert.Error(t, NewWebhookSender(srv.URL, "").Send(context.Background(), "d", "t", "b", nil))
	assert.Error(t, NewWebhookSender("", "").Send(context.Background(), "d", "t", "b", nil))
}

type scriptedSender struct {
	fail map[string]bool
	sent []string
}

func (s *scriptedSender) ProviderID() string { return "scripted" }
func (s *scriptedSender) Send(_ context.Context, tok, _, _ string, _ map[string]string) error {
	if s.fail[tok] {
		return assert.AnError
	}
	s.sent = append(s.sent, tok)
	return nil
}

func TestChannelSucceedsIfAnyDeviceAccepts(t *testing.T) {
	sender := &scriptedSender{fail: map[string]bool{"bad-device-token": true}}
	ch := NewChannel(sender)
	contact := model.Contact{UserID: "u1", DeviceTokens: []string{"bad-device-token", "good"}}

	require.True(t, ch.Applicable(contact))
	require.NoError(t, ch.Deliver(context.Background(), contact, model.Notification{ID: "n1"}))
	assert.Equal(t, []string{"good"}, sender.sent)

	contact.DeviceTokens = []string{"bad-device-token"}
	err := ch.Deliver(context.Background(), contact, model.Notification{ID: "n2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad-devi…")
	assert.False(t, ch.Applicable(model.Contact{UserID: "u2"}))
}
