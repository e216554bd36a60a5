package email

import (
	"context"
	"strings"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
)

// Channel delivers notifications by email to the contact's address.
type Channel struct {
	transport Transport
	renderer  *Renderer
}

func NewChannel(transport Transport, renderer *Renderer) *Channel {
	if renderer == nil {
		renderer = NewRenderer()
	}
	return &Channel{transport: transport, renderer: renderer}
}

func (c *Channel) Name() string { return "email" }

func (c *Channel) Applicable(contact model.Contact) bool {
	return strings.Contains(contact.Email, "@")
}

func (c *Channel) Deliver(ctx context.Context, contact model.Contact, n model.Notification) error {
	msg, err := c.renderer.Render(contact, n)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, msg)
}
