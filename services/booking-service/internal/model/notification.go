package model

import "time"

type NotificationKind string

const (
	KindConfirmation NotificationKind = "confirmation"
	KindReminder     NotificationKind = "reminder"
	KindRescheduled  NotificationKind = "rescheduled"
	KindCancellation NotificationKind = "cancellation"
	KindGeneral      NotificationKind = "general"
)

// Notification is a persisted delivery work item. Sent only moves false -> true.
type Notification struct {
	ID             string
	UserID         string
	Kind           NotificationKind
	Title          string
	Body           string
	AppointmentRef string
	ScheduledAt    *time.Time
	Sent           bool
	SentAt         *time.Time
	Attempts       int
	LastError      string
	NextAttemptAt  *time.Time
	AbandonedAt    *time.Time
	CreatedAt      time.Time
}

// DueAt is the instant the item becomes eligible; zero means immediately.
func (n Notification) DueAt() time.Time {
	if n.ScheduledAt == nil {
		return time.Time{}
	}
	return *n.ScheduledAt
}

// Due reports whether the dispatcher may claim the item at now.
func (n Notification) Due(now time.Time) bool {
	if n.Sent || n.AbandonedAt != nil {
		return false
	}
	if n.ScheduledAt != nil && n.ScheduledAt.After(now) {
		return false
	}
	if n.NextAttemptAt != nil && n.NextAttemptAt.After(now) {
		return false
	}
	return true
}

// DeliveryFailure records a failed attempt for one notification.
type DeliveryFailure struct {
	ID            string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	Abandon       bool
}
