package model

import "time"

// TimeSlot is a bookable window for a service with a fixed capacity.
// ReservedCount only changes through the capacity ledger.
type TimeSlot struct {
	ID            string
	ServiceID     string
	StartAt       time.Time
	EndAt         time.Time
	Capacity      int
	ReservedCount int
}

func (s TimeSlot) Remaining() int {
	return s.Capacity - s.ReservedCount
}

type Service struct {
	ID   string
	Name string
}

type Department struct {
	ID   string
	Name string
}

// Contact is where a user's notifications are delivered.
type Contact struct {
	UserID       string
	Name         string
	Email        string
	DeviceTokens []string
}
