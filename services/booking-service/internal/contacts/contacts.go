// Package contacts resolves where a user's notifications go. The identity
// system owns this data; the booking service keeps a read-only copy.
package contacts

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/citizenbook/libs/db"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
)

type Directory interface {
	// Contact returns model.ErrContactNotFound when the user has no contact record.
	Contact(ctx context.Context, userID string) (model.Contact, error)
}

type Postgres struct {
	q db.Querier
}

func NewPostgres(q db.Querier) *Postgres {
	return &Postgres{q: q}
}

func (p *Postgres) Contact(ctx context.Context, userID string) (model.Contact, error) {
	c := model.Contact{UserID: userID}
	err := p.q.QueryRow(ctx, `
		SELECT COALESCE(display_name, ''), COALESCE(email, '')
		FROM notification_contacts
		WHERE user_id = $1
	`, userID).Scan(&c.Name, &c.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Contact{}, model.ErrContactNotFound
		}
		return model.Contact{}, err
	}

	rows, err := p.q.Query(ctx, `
		SELECT token
		FROM device_tokens
		WHERE user_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, userID)
	if err != nil {
		return model.Contact{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return model.Contact{}, err
		}
		c.DeviceTokens = append(c.DeviceTokens, tok)
	}
	return c, rows.Err()
}

type Memory struct {
	mu       sync.RWMutex
	contacts map[string]model.Contact
}

func NewMemory() *Memory {
	return &Memory{contacts: map[string]model.Contact{}}
}

func (m *Memory) Put(c model.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.UserID] = c
}

func (m *Memory) Contact(_ context.Context, userID string) (model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[userID]
	if !ok {
		return model.Contact{}, model.ErrContactNotFound
	}
	return c, nil
}
