package appointments

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
)

// MaxSlotWindow bounds OpenSlots queries.
const MaxSlotWindow = 31 * 24 * time.Hour

func (m *Manager) Get(ctx context.Context, ref string) (model.AppointmentView, error) {
	appt, err := m.store.GetAppointment(ctx, ref)
	if err != nil {
		return model.AppointmentView{}, err
	}
	slots, err := m.store.GetTimeSlots(ctx, []string{appt.TimeslotID})
	if err != nil {
		return model.AppointmentView{}, err
	}
	svcName, deptName, err := m.names(ctx, appt.ServiceID, appt.DepartmentID)
	if err != nil {
		return model.AppointmentView{}, err
	}
	return compose(appt, slots[appt.TimeslotID], svcName, deptName), nil
}

func (m *Manager) List(ctx context.Context, filter model.ListFilter) (model.Page, error) {
	filter = filter.Normalize()
	if filter.Status != "" && !filter.Status.Valid() {
		return model.Page{}, model.Invalid("status", "must be CONFIRMED or CANCELLED")
	}
	items, total, err := m.store.ListAppointments(ctx, filter)
	if err != nil {
		return model.Page{}, err
	}

	ids := make([]string, 0, len(items))
	for _, a := range items {
		ids = append(ids, a.TimeslotID)
	}
	slots, err := m.store.GetTimeSlots(ctx, ids)
	if err != nil {
		return model.Page{}, err
	}

	type pair struct{ svc, dept string }
	names := map[pair][2]string{}
	page := model.Page{
		Items:    make([]model.AppointmentView, 0, len(items)),
		Page:     filter.Page,
		PageSize: filter.PageSize,
		Total:    total,
	}
	for _, a := range items {
		key := pair{a.ServiceID, a.DepartmentID}
		n, ok := names[key]
		if !ok {
			svcName, deptName, err := m.names(ctx, a.ServiceID, a.DepartmentID)
			if err != nil {
				return model.Page{}, err
			}
			n = [2]string{svcName, deptName}
			names[key] = n
		}
		page.Items = append(page.Items, compose(a, slots[a.TimeslotID], n[0], n[1]))
	}
	return page, nil
}

// Notifications lists the work items correlated with ref.
func (m *Manager) Notifications(ctx context.Context, ref string) ([]model.Notification, error) {
	if _, err := m.store.GetAppointment(ctx, ref); err != nil {
		return nil, err
	}
	return m.store.ListNotifications(ctx, ref)
}

// OpenSlots lists slots of serviceID in [from, to) that still have capacity
// and do not clash with userID's other confirmed appointments.
func (m *Manager) OpenSlots(ctx context.Context, userID, serviceID string, from, to time.Time) ([]model.TimeSlot, error) {
	if serviceID == "" {
		return nil, model.Invalid("service_id", "is required")
	}
	if !to.After(from) {
		return nil, model.Invalid("to", "must be after from")
	}
	if to.Sub(from) > MaxSlotWindow {
		return nil, model.Invalid("to", "window is too large")
	}
	if _, err := m.catalog.Service(ctx, serviceID); err != nil {
		return nil, err
	}
	slots, err := m.store.ListTimeSlots(ctx, serviceID, from, to)
	if err != nil {
		return nil, err
	}

	var busy []availability.Interval
	if userID != "" {
		own, _, err := m.store.ListAppointments(ctx, model.ListFilter{
			UserID:   userID,
			Status:   model.StatusConfirmed,
			PageSize: model.MaxPageSize,
		})
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(own))
		for _, a := range own {
			ids = append(ids, a.TimeslotID)
		}
		booked, err := m.store.GetTimeSlots(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, s := range booked {
			busy = append(busy, availability.Interval{Start: s.StartAt, End: s.EndAt})
		}
	}
	return availability.OpenSlots(slots, busy, m.now()), nil
}

// names resolves display names. A service or department that has since left
// the catalog yields an empty name rather than hiding the appointment.
func (m *Manager) names(ctx context.Context, serviceID, departmentID string) (string, string, error) {
	svcName, err := m.serviceName(ctx, serviceID)
	if err != nil {
		return "", "", err
	}
	dept, err := m.catalog.Department(ctx, departmentID)
	if err != nil && !errors.Is(err, model.ErrDepartmentNotFound) {
		return "", "", err
	}
	return svcName, dept.Name, nil
}

func (m *Manager) serviceName(ctx context.Context, serviceID string) (string, error) {
	svc, err := m.catalog.Service(ctx, serviceID)
	if err != nil && !errors.Is(err, model.ErrServiceNotFound) {
		return "", err
	}
	return svc.Name, nil
}

func compose(a model.Appointment, slot model.TimeSlot, serviceName, departmentName string) model.AppointmentView {
	return model.AppointmentView{
		Appointment:    a,
		ServiceName:    serviceName,
		DepartmentName: departmentName,
		StartAt:        slot.StartAt,
		EndAt:          slot.EndAt,
	}
}
