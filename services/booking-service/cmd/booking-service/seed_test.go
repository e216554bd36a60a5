package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/contacts"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage/memory"
	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSeed(t *testing.T) {
	path := writeSeed(t, `{
		"services": [{"id": "svc-passport", "name": "Passport renewal"}],
		"departments": [{"id": "dep-central", "name": "Central office"}],
		"timeslots": [{"id": "ts-1", "service_id": "svc-passport",
			"start_at": "2030-01-22T10:00:00Z", "end_at": "2030-01-22T10:30:00Z", "capacity": 2}],
		"contacts": [{"user_id": "u1", "name": "Ada", "email": "ada@example.com"}]
	}`)

	store := memory.New()
	cat := catalog.NewMemory()
	dir := contacts.NewMemory()
	require.NoError(t, loadSeed(path, store, cat, dir))

	ctx := context.Background()
	svc, err := cat.Service(ctx, "svc-passport")
	require.NoError(t, err)
	require.Equal(t, "Passport renewal", svc.Name)

	slots, err := store.GetTimeSlots(ctx, []string{"ts-1"})
	require.NoError(t, err)
	require.Equal(t, 2, slots["ts-1"].Capacity)
	require.Equal(t, 0, slots["ts-1"].ReservedCount)
	require.True(t, slots["ts-1"].StartAt.Equal(time.Date(2030, 1, 22, 10, 0, 0, 0, time.UTC)))

	c, err := dir.Contact(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", c.Email)
}

func TestLoadSeedRejectsBadTimeslot(t *testing.T) {
	path := writeSeed(t, `{"timeslots": [{"id": "ts-1", "service_id": "svc",
		"start_at": "2030-01-22T10:00:00Z", "end_at": "2030-01-22T09:00:00Z", "capacity": 1}]}`)
	err := loadSeed(path, memory.New(), catalog.NewMemory(), contacts.NewMemory())
	require.Error(t, err)
}

func TestLoadSeedMissingFile(t *testing.T) {
	err := loadSeed(filepath.Join(t.TempDir(), "missing.json"), memory.New(), catalog.NewMemory(), contacts.NewMemory())
	require.Error(t, err)
}
