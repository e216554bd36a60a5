package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/md-rashed-zaman/citizenbook/libs/auth"
	"github.com/md-rashed-zaman/citizenbook/libs/httpx"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/appointments"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/reference"
)

const defaultSlotWindow = 7 * 24 * time.Hour

type AppointmentHandler struct {
	manager *appointments.Manager
	tokens  *reference.Tokens
	logger  *slog.Logger
	now     func() time.Time
}

func NewAppointmentHandler(manager *appointments.Manager, tokens *reference.Tokens, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{
		manager: manager,
		tokens:  tokens,
		logger:  logger,
		now:     time.Now,
	}
}

// Router serves /api/v1. authn establishes the caller's principal.
func (h *AppointmentHandler) Router(authn func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authn)
		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.Create)
			r.Get("/", h.List)
			r.Get("/{ref}", h.Get)
			r.Put("/{ref}", h.Reschedule)
			r.Post("/{ref}/cancel", h.Cancel)
			r.Get("/{ref}/notifications", h.Notifications)
		})
		r.Get("/services/{serviceID}/timeslots", h.OpenSlots)
		r.Post("/verifications", h.Verify)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

type createAppointmentRequest struct {
	UserID       string `json:"user_id"`
	ServiceID    string `json:"service_id"`
	DepartmentID string `json:"department_id"`
	TimeslotID   string `json:"timeslot_id"`
}

type rescheduleRequest struct {
	TimeslotID   string `json:"timeslot_id"`
	DepartmentID string `json:"department_id"`
}

type verifyRequest struct {
	Token string `json:"token"`
}

type appointmentResponse struct {
	Ref               string     `json:"ref"`
	UserID            string     `json:"user_id"`
	ServiceID         string     `json:"service_id"`
	ServiceName       string     `json:"service_name"`
	DepartmentID      string     `json:"department_id"`
	DepartmentName    string     `json:"department_name"`
	TimeslotID        string     `json:"timeslot_id"`
	StartAt           time.Time  `json:"start_at"`
	EndAt             time.Time  `json:"end_at"`
	Status            string     `json:"status"`
	VerificationToken string     `json:"verification_token"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
}

type listResponse struct {
	Items    []appointmentResponse `json:"items"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
	Total    int                   `json:"total"`
}

type notificationResponse struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Title         string     `json:"title"`
	ScheduledAt   *time.Time `json:"scheduled_at"`
	Sent          bool       `json:"sent"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	AbandonedAt   *time.Time `json:"abandoned_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type slotResponse struct {
	ID        string    `json:"id"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
	Capacity  int       `json:"capacity"`
	Remaining int       `json:"remaining"`
}

type verifyResponse struct {
	Valid       bool                 `json:"valid"`
	Reason      string               `json:"reason,omitempty"`
	Appointment *appointmentResponse `json:"appointment,omitempty"`
}

// Create books an appointment. Citizens book for themselves; staff may book
// on behalf of user_id.
// POST /api/v1/appointments
func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req createAppointmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	userID := p.UserID
	if req.UserID != "" && req.UserID != p.UserID {
		if !p.Privileged() {
			httpx.WriteError(w, http.StatusForbidden, "forbidden", "cannot book for another user")
			return
		}
		userID = req.UserID
	}

	view, err := h.manager.Book(r.Context(), appointments.BookRequest{
		UserID:       userID,
		ServiceID:    strings.TrimSpace(req.ServiceID),
		DepartmentID: strings.TrimSpace(req.DepartmentID),
		TimeslotID:   strings.TrimSpace(req.TimeslotID),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/appointments/"+view.Ref)
	httpx.WriteJSON(w, http.StatusCreated, toAppointmentResponse(view))
}

// List pages through appointments, newest first. Citizens only ever see
// their own; staff may filter by user_id or omit it.
// GET /api/v1/appointments?user_id&page&page_size&status
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	q := r.URL.Query()

	page, err := intParam(q.Get("page"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "page must be a positive integer")
		return
	}
	pageSize, err := intParam(q.Get("page_size"))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "page_size must be a positive integer")
		return
	}
	filter := model.ListFilter{
		UserID:   p.UserID,
		Status:   model.Status(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Page:     page,
		PageSize: pageSize,
	}
	if p.Privileged() {
		filter.UserID = strings.TrimSpace(q.Get("user_id"))
	}

	result, err := h.manager.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := listResponse{
		Items:    make([]appointmentResponse, 0, len(result.Items)),
		Page:     result.Page,
		PageSize: result.PageSize,
		Total:    result.Total,
	}
	for _, v := range result.Items {
		resp.Items = append(resp.Items, toAppointmentResponse(v))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// GET /api/v1/appointments/{ref}
func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(view))
}

// PUT /api/v1/appointments/{ref}
func (h *AppointmentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	current, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	view, err := h.manager.Reschedule(r.Context(), current.Ref, appointments.RescheduleRequest{
		TimeslotID:   req.TimeslotID,
		DepartmentID: req.DepartmentID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(view))
}

// POST /api/v1/appointments/{ref}/cancel
func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	current, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	view, err := h.manager.Cancel(r.Context(), current.Ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAppointmentResponse(view))
}

// Notifications lists the work items behind a booking. Staff only.
// GET /api/v1/appointments/{ref}/notifications
func (h *AppointmentHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	if !principal(r).Privileged() {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "staff role required")
		return
	}
	items, err := h.manager.Notifications(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]notificationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, notificationResponse{
			ID:            n.ID,
			Kind:          string(n.Kind),
			Title:         n.Title,
			ScheduledAt:   n.ScheduledAt,
			Sent:          n.Sent,
			SentAt:        n.SentAt,
			Attempts:      n.Attempts,
			LastError:     n.LastError,
			NextAttemptAt: n.NextAttemptAt,
			AbandonedAt:   n.AbandonedAt,
			CreatedAt:     n.CreatedAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

// OpenSlots lists bookable slots for a service, hiding ones that clash with
// the caller's own confirmed appointments.
// GET /api/v1/services/{serviceID}/timeslots?from&to
func (h *AppointmentHandler) OpenSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := h.now().UTC()
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339")
			return
		}
		from = t
	}
	to := from.Add(defaultSlotWindow)
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "to must be RFC3339")
			return
		}
		to = t
	}

	slots, err := h.manager.OpenSlots(r.Context(), principal(r).UserID, chi.URLParam(r, "serviceID"), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotResponse{
			ID:        s.ID,
			StartAt:   s.StartAt,
			EndAt:     s.EndAt,
			Capacity:  s.Capacity,
			Remaining: s.Remaining(),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

// Verify checks a scanned verification token against the current booking.
// Staff only.
// POST /api/v1/verifications
func (h *AppointmentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if !principal(r).Privileged() {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "staff role required")
		return
	}
	var req verifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	claims, err := h.tokens.Verify(strings.TrimSpace(req.Token))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_token", "verification token is invalid")
		return
	}
	view, err := h.manager.Get(r.Context(), claims.Ref)
	if errors.Is(err, model.ErrAppointmentNotFound) {
		httpx.WriteJSON(w, http.StatusOK, verifyResponse{Valid: false, Reason: "unknown appointment"})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := verifyResponse{Valid: true}
	switch {
	case view.Status != model.StatusConfirmed:
		resp = verifyResponse{Valid: false, Reason: "appointment cancelled"}
	case view.TimeslotID != claims.TimeslotID || view.UserID != claims.Subject:
		resp = verifyResponse{Valid: false, Reason: "token superseded by a reschedule"}
	}
	out := toAppointmentResponse(view)
	resp.Appointment = &out
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// loadOwned fetches {ref} and hides other citizens' appointments behind 404.
func (h *AppointmentHandler) loadOwned(w http.ResponseWriter, r *http.Request) (model.AppointmentView, bool) {
	view, err := h.manager.Get(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeError(w, r, err)
		return model.AppointmentView{}, false
	}
	p := principal(r)
	if !p.Privileged() && view.UserID != p.UserID {
		h.writeError(w, r, model.ErrAppointmentNotFound)
		return model.AppointmentView{}, false
	}
	return view, true
}

func (h *AppointmentHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *model.ValidationError
		full *model.SlotFullError
	)
	switch {
	case errors.As(err, &verr):
		httpx.WriteJSON(w, http.StatusBadRequest, httpx.ErrorBody{
			Error:   verr.Error(),
			Code:    "invalid_request",
			Details: map[string]any{"field": verr.Field},
		})
	case errors.As(err, &full):
		httpx.WriteJSON(w, http.StatusConflict, httpx.ErrorBody{
			Error:   full.Error(),
			Code:    "slot_full",
			Details: map[string]any{"timeslot_id": full.TimeslotID},
		})
	case errors.Is(err, model.ErrAlreadyCancelled):
		httpx.WriteError(w, http.StatusConflict, "already_cancelled", err.Error())
	case model.IsNotFound(err):
		httpx.WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"err", err,
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}

func toAppointmentResponse(v model.AppointmentView) appointmentResponse {
	return appointmentResponse{
		Ref:               v.Ref,
		UserID:            v.UserID,
		ServiceID:         v.ServiceID,
		ServiceName:       v.ServiceName,
		DepartmentID:      v.DepartmentID,
		DepartmentName:    v.DepartmentName,
		TimeslotID:        v.TimeslotID,
		StartAt:           v.StartAt,
		EndAt:             v.EndAt,
		Status:            string(v.Status),
		VerificationToken: v.VerificationToken,
		CreatedAt:         v.CreatedAt,
		UpdatedAt:         v.UpdatedAt,
		CancelledAt:       v.CancelledAt,
	}
}
