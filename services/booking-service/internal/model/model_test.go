package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestListFilterNormalize(t *testing.T) {
	f := ListFilter{Page: 0, PageSize: 500}.Normalize()
	if f.Page != 1 || f.PageSize != MaxPageSize {
		t.Fatalf("unexpected normalized filter %+v", f)
	}
	f = ListFilter{Page: 3}.Normalize()
	if f.PageSize != DefaultPageSize || f.Offset() != 40 {
		t.Fatalf("unexpected paging %+v offset=%d", f, f.Offset())
	}
}

func TestErrorFamilies(t *testing.T) {
	full := fmt.Errorf("book: %w", &SlotFullError{TimeslotID: "slot-1"})
	if !errors.Is(full, ErrSlotFull) || !IsConflict(full) {
		t.Fatalf("slot full error must match ErrSlotFull")
	}
	var sfe *SlotFullError
	if !errors.As(full, &sfe) || sfe.TimeslotID != "slot-1" {
		t.Fatalf("expected SlotFullError with slot id")
	}
	if !IsNotFound(fmt.Errorf("x: %w", ErrDepartmentNotFound)) {
		t.Fatalf("department not found must be a not-found error")
	}
	if IsNotFound(ErrAlreadyCancelled) {
		t.Fatalf("already cancelled is a conflict")
	}
}

func TestNotificationDue(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	cases := []struct {
		name string
		n    Notification
		want bool
	}{
		{"immediate", Notification{}, true},
		{"past", Notification{ScheduledAt: &earlier}, true},
		{"future", Notification{ScheduledAt: &later}, false},
		{"sent", Notification{Sent: true}, false},
		{"backing off", Notification{NextAttemptAt: &later}, false},
		{"abandoned", Notification{AbandonedAt: &earlier}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.n.Due(now); got != tc.want {
				t.Fatalf("Due() = %v, want %v", got, tc.want)
			}
		})
	}
}
