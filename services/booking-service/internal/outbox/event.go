package outbox

import (
	"encoding/json"
	"time"
)

const AggregateAppointment = "appointment"

const (
	EventAppointmentBooked      = "appointment.booked.v1"
	EventAppointmentRescheduled = "appointment.rescheduled.v1"
	EventAppointmentCancelled   = "appointment.cancelled.v1"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic and the RabbitMQ routing key both equal EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Record is a persisted Event awaiting publication.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

// AppointmentPayload is the JSON body of every appointment.* event.
type AppointmentPayload struct {
	Ref            string     `json:"ref"`
	UserID         string     `json:"user_id"`
	ServiceID      string     `json:"service_id"`
	DepartmentID   string     `json:"department_id"`
	TimeslotID     string     `json:"timeslot_id"`
	PreviousSlotID string     `json:"previous_timeslot_id,omitempty"`
	Status         string     `json:"status"`
	StartAt        time.Time  `json:"start_at"`
	EndAt          time.Time  `json:"end_at"`
	OccurredAt     time.Time  `json:"occurred_at"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

func NewAppointmentEvent(eventType string, p AppointmentPayload) (Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: AggregateAppointment,
		AggregateID:   p.Ref,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}
