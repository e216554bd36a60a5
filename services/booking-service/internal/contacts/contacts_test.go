package contacts

import (
	"context"
	"testing"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresContactWithDeviceTokens(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM notification_contacts").WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"display_name", "email"}).AddRow("Ada", "ada@example.org"))
	mock.ExpectQuery("FROM device_tokens").WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"token"}).AddRow("tok-a").AddRow("tok-b"))

	c, err := NewPostgres(mock).Contact(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.Contact{UserID: "u1", Name: "Ada", Email: "ada@example.org", DeviceTokens: []string{"tok-a", "tok-b"}}, c)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresContactMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM notification_contacts").WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"display_name", "email"}))

	_, err = NewPostgres(mock).Contact(context.Background(), "ghost")
	assert.ErrorIs(t, err, model.ErrContactNotFound)
}

func TestMemoryDirectory(t *testing.T) {
	m := NewMemory()
	m.Put(model.Contact{UserID: "u1", Email: "a@example.org"})

	c, err := m.Contact(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.org", c.Email)

	_, err = m.Contact(context.Background(), "u2")
	assert.ErrorIs(t, err, model.ErrContactNotFound)
}
