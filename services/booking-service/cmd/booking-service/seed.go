package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/contacts"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage/memory"
)

// seedFile is the SEED_FILE layout used to populate the in-memory driver.
type seedFile struct {
	Services []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"services"`
	Departments []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"departments"`
	Timeslots []struct {
		ID        string    `json:"id"`
		ServiceID string    `json:"service_id"`
		StartAt   time.Time `json:"start_at"`
		EndAt     time.Time `json:"end_at"`
		Capacity  int       `json:"capacity"`
	} `json:"timeslots"`
	Contacts []struct {
		UserID       string   `json:"user_id"`
		Name         string   `json:"name"`
		Email        string   `json:"email"`
		DeviceTokens []string `json:"device_tokens"`
	} `json:"contacts"`
}

func loadSeed(path string, store *memory.Store, cat *catalog.Memory, dir *contacts.Memory) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}

	for _, s := range seed.Services {
		cat.PutService(model.Service{ID: s.ID, Name: s.Name})
	}
	for _, d := range seed.Departments {
		cat.PutDepartment(model.Department{ID: d.ID, Name: d.Name})
	}
	for _, ts := range seed.Timeslots {
		if ts.ID == "" || ts.ServiceID == "" {
			return fmt.Errorf("seed timeslot: id and service_id are required")
		}
		if ts.Capacity < 0 || !ts.EndAt.After(ts.StartAt) {
			return fmt.Errorf("seed timeslot %s: invalid capacity or window", ts.ID)
		}
		store.PutTimeSlot(model.TimeSlot{
			ID:        ts.ID,
			ServiceID: ts.ServiceID,
			StartAt:   ts.StartAt,
			EndAt:     ts.EndAt,
			Capacity:  ts.Capacity,
		})
	}
	for _, c := range seed.Contacts {
		dir.Put(model.Contact{UserID: c.UserID, Name: c.Name, Email: c.Email, DeviceTokens: c.DeviceTokens})
	}
	return nil
}
