package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
)

// Channel sends a notification to every registered device of the contact.
// Delivery counts as successful when at least one device accepted it.
type Channel struct {
	sender Sender
}

func NewChannel(sender Sender) *Channel {
	return &Channel{sender: sender}
}

func (c *Channel) Name() string { return "push" }

func (c *Channel) Applicable(contact model.Contact) bool {
	return len(contact.DeviceTokens) > 0
}

func (c *Channel) Deliver(ctx context.Context, contact model.Contact, n model.Notification) error {
	data := map[string]string{"notification_id": n.ID, "kind": string(n.Kind)}
	if n.AppointmentRef != "" {
		data["appointment_ref"] = n.AppointmentRef
	}

	var errs []error
	delivered := 0
	for _, tok := range contact.DeviceTokens {
		if err := c.sender.Send(ctx, tok, n.Title, n.Body, data); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", shortToken(tok), err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}

func shortToken(tok string) string {
	if len(tok) <= 8 {
		return tok
	}
	return tok[:8] + "…"
}
