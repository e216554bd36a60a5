package model

import "time"

type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	return s == StatusConfirmed || s == StatusCancelled
}

// Appointment is a citizen's claim on one unit of a TimeSlot.
// A CONFIRMED appointment holds exactly one unit of its slot; a CANCELLED one holds none.
type Appointment struct {
	Ref               string
	UserID            string
	ServiceID         string
	DepartmentID      string
	TimeslotID        string
	Status            Status
	VerificationToken string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CancelledAt       *time.Time
}

// AppointmentView is an Appointment joined with its slot times and catalog names.
type AppointmentView struct {
	Appointment
	ServiceName    string
	DepartmentName string
	StartAt        time.Time
	EndAt          time.Time
}

// ListFilter selects appointments. An empty UserID matches every user.
type ListFilter struct {
	UserID   string
	Status   Status
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps paging to sane bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

type Page struct {
	Items    []AppointmentView
	Page     int
	PageSize int
	Total    int
}
