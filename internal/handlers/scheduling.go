package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tmcarvalho/fisioagenda/internal/booking"
	"github.com/tmcarvalho/fisioagenda/internal/ledger"
	"github.com/tmcarvalho/fisioagenda/internal/model"
	"github.com/tmcarvalho/fisioagenda/internal/slot"
	"github.com/tmcarvalho/fisioagenda/internal/storage"
)

type SchedulingHandler struct {
	engine       *booking.Engine
	appointments *storage.AppointmentRepository
	waitlist     *storage.WaitlistRepository
	sessions     ledger.Ledger
	capacity     booking.CapacitySource
	logger       *slog.Logger
}

func NewSchedulingHandler(engine *booking.Engine, appointments *storage.AppointmentRepository, waitlist *storage.WaitlistRepository, sessions ledger.Ledger, capacitySource booking.CapacitySource, logger *slog.Logger) *SchedulingHandler {
	return &SchedulingHandler{
		engine:       engine,
		appointments: appointments,
		waitlist:     waitlist,
		sessions:     sessions,
		capacity:     capacitySource,
		logger:       logger,
	}
}

type appointmentBody struct {
	ID             string   `json:"id,omitempty"`
	PatientID      string   `json:"patient_id"`
	TherapistID    string   `json:"therapist_id,omitempty"`
	Date           string   `json:"date"`
	StartTime      string   `json:"start_time"`
	DurationMin    int      `json:"duration_min"`
	Type           string   `json:"type,omitempty"`
	Status         string   `json:"status,omitempty"`
	PaymentStatus  string   `json:"payment_status,omitempty"`
	PackageID      string   `json:"package_id,omitempty"`
	Recurring      bool     `json:"recurring,omitempty"`
	RecurringUntil string   `json:"recurring_until,omitempty"`
	Notes          string   `json:"notes,omitempty"`
	Equipment      []string `json:"equipment,omitempty"`
	ReminderMin    []int    `json:"reminder_min,omitempty"`
	Overbooked     bool     `json:"overbooked,omitempty"`
	Version        int64    `json:"version,omitempty"`
}

func (b appointmentBody) toModel() model.Appointment {
	return model.Appointment{
		ID:             strings.TrimSpace(b.ID),
		PatientID:      strings.TrimSpace(b.PatientID),
		TherapistID:    strings.TrimSpace(b.TherapistID),
		Date:           strings.TrimSpace(b.Date),
		StartTime:      strings.TrimSpace(b.StartTime),
		DurationMin:    b.DurationMin,
		Type:           strings.TrimSpace(b.Type),
		Status:         model.Status(strings.TrimSpace(b.Status)),
		PaymentStatus:  model.PaymentStatus(strings.TrimSpace(b.PaymentStatus)),
		PackageID:      strings.TrimSpace(b.PackageID),
		Recurring:      b.Recurring,
		RecurringUntil: strings.TrimSpace(b.RecurringUntil),
		Notes:          b.Notes,
		Equipment:      b.Equipment,
		ReminderMin:    b.ReminderMin,
		Version:        b.Version,
	}
}

func appointmentFromModel(a model.Appointment) appointmentBody {
	return appointmentBody{
		ID:             a.ID,
		PatientID:      a.PatientID,
		TherapistID:    a.TherapistID,
		Date:           a.Date,
		StartTime:      a.StartTime,
		DurationMin:    a.DurationMin,
		Type:           a.Type,
		Status:         string(a.Status),
		PaymentStatus:  string(a.PaymentStatus),
		PackageID:      a.PackageID,
		Recurring:      a.Recurring,
		RecurringUntil: a.RecurringUntil,
		Notes:          a.Notes,
		Equipment:      a.Equipment,
		ReminderMin:    a.ReminderMin,
		Overbooked:     a.Overbooked,
		Version:        a.Version,
	}
}

type decideRequest struct {
	appointmentBody
	Edit       bool   `json:"edit,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

type receiptBody struct {
	PackageID         string `json:"package_id"`
	SessionsRemaining int    `json:"sessions_remaining"`
	AlreadyConsumed   bool   `json:"already_consumed,omitempty"`
	Exhausted         bool   `json:"exhausted,omitempty"`
}

type decideResponse struct {
	Outcome       string           `json:"outcome"`
	Appointment   *appointmentBody `json:"appointment,omitempty"`
	ConflictCount int              `json:"conflict_count"`
	ConflictIDs   []string         `json:"conflict_ids,omitempty"`
	Capacity      int              `json:"capacity"`
	Receipt       *receiptBody     `json:"receipt,omitempty"`
	WaitlistID    string           `json:"waitlist_id,omitempty"`
	ConsumeError  string           `json:"consume_error,omitempty"`
}

func decisionResponse(d booking.Decision) decideResponse {
	resp := decideResponse{
		Outcome:       string(d.Outcome),
		ConflictCount: d.Conflicts.Count,
		Capacity:      d.Capacity,
	}
	for _, c := range d.Conflicts.Conflicting {
		resp.ConflictIDs = append(resp.ConflictIDs, c.ID)
	}
	if d.Appointment != nil {
		body := appointmentFromModel(*d.Appointment)
		resp.Appointment = &body
	}
	if d.Receipt != nil {
		resp.Receipt = &receiptBody{
			PackageID:         d.Receipt.PackageID,
			SessionsRemaining: d.Receipt.SessionsRemaining,
			AlreadyConsumed:   d.Receipt.AlreadyConsumed,
			Exhausted:         d.Receipt.Exhausted,
		}
	}
	if d.Waitlisted != nil {
		resp.WaitlistID = d.Waitlisted.ID
	}
	return resp
}

// Decide runs one booking attempt. The first call typically carries no
// resolution; when the answer is overflow_prompt the client re-submits the
// same body with resolution set to the receptionist's choice.
func (h *SchedulingHandler) Decide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	decision, err := h.engine.Decide(r.Context(), booking.Request{
		Appointment: req.toModel(),
		Edit:        req.Edit,
		Resolution:  booking.Resolution(strings.TrimSpace(req.Resolution)),
	})
	status := http.StatusOK
	if decision.Outcome == booking.OutcomeApproved && !req.Edit {
		status = http.StatusCreated
	}
	if err != nil {
		// The appointment can be committed before the package debit runs; in
		// that case the caller must see the persisted record along with the
		// debit failure, never a bare error hiding the booking.
		if decision.Outcome == booking.OutcomeApproved && decision.Appointment != nil {
			resp := decisionResponse(decision)
			resp.ConsumeError = err.Error()
			writeJSON(w, status, resp)
			return
		}
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, status, decisionResponse(decision))
}

type recurringRequest struct {
	appointmentBody
	RecurringUntil string `json:"recurring_until"`
}

type batchItemBody struct {
	Index         int    `json:"index"`
	Date          string `json:"date"`
	Outcome       string `json:"outcome,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

type batchResponse struct {
	Total          int             `json:"total"`
	Approved       int             `json:"approved"`
	Overflowed     int             `json:"overflowed"`
	Failed         int             `json:"failed"`
	PartialFailure bool            `json:"partial_failure"`
	Items          []batchItemBody `json:"items"`
}

func batchBody(results []booking.ItemResult, summary booking.BatchSummary) batchResponse {
	resp := batchResponse{
		Total:          summary.Total,
		Approved:       summary.Approved,
		Overflowed:     summary.Overflowed,
		Failed:         summary.Failed,
		PartialFailure: summary.PartialFailure(),
		Items:          make([]batchItemBody, 0, len(results)),
	}
	for _, item := range results {
		body := batchItemBody{
			Index:   item.Index,
			Date:    item.Date,
			Outcome: string(item.Decision.Outcome),
		}
		if item.Decision.Appointment != nil {
			body.AppointmentID = item.Decision.Appointment.ID
		}
		if item.Err != nil {
			body.Error = item.Err.Error()
			body.Outcome = ""
		}
		resp.Items = append(resp.Items, body)
	}
	return resp
}

// Recurring books a weekly series: the base appointment plus one occurrence
// per week through recurring_until. Occurrences are decided independently;
// the response reports per-date outcomes rather than rolling anything back.
func (h *SchedulingHandler) Recurring(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req recurringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	base := req.toModel()
	base.Recurring = true
	base.RecurringUntil = strings.TrimSpace(req.RecurringUntil)

	baseDecision, err := h.engine.Decide(r.Context(), booking.Request{Appointment: base})
	if err != nil {
		h.writeBookingError(w, err)
		return
	}
	if baseDecision.Outcome != booking.OutcomeApproved {
		writeJSON(w, http.StatusOK, decisionResponse(baseDecision))
		return
	}

	results, summary, err := h.engine.BookRecurring(r.Context(), base, base.RecurringUntil)
	if err != nil {
		h.writeBookingError(w, err)
		return
	}

	resp := struct {
		Base appointmentBody `json:"base"`
		batchResponse
	}{
		Base:          appointmentFromModel(*baseDecision.Appointment),
		batchResponse: batchBody(results, summary),
	}
	// The base occurrence counts toward the series report.
	resp.Total++
	resp.Approved++
	resp.PartialFailure = resp.Approved > 0 && resp.Approved < resp.Total
	writeJSON(w, http.StatusCreated, resp)
}

type duplicateRequest struct {
	SourceID       string   `json:"source_id"`
	Dates          []string `json:"dates"`
	KeepSourceTime bool     `json:"keep_source_time"`
	NewTime        string   `json:"new_time,omitempty"`
	CarryNotes     bool     `json:"carry_notes"`
	CarryEquipment bool     `json:"carry_equipment"`
	CarryPayment   bool     `json:"carry_payment"`
}

// Duplicate copies an existing appointment onto new dates. Carry flags pick
// which fields travel; everything else resets, and every copy restarts at
// scheduled.
func (h *SchedulingHandler) Duplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req duplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.SourceID = strings.TrimSpace(req.SourceID)
	if req.SourceID == "" {
		http.Error(w, "source_id required", http.StatusBadRequest)
		return
	}

	source, err := h.appointments.Get(r.Context(), req.SourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "source appointment not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load duplicate source failed", "appointment_id", req.SourceID, "err", err)
		http.Error(w, "failed to load source appointment", http.StatusInternalServerError)
		return
	}

	results, summary, err := h.engine.BookDuplicates(r.Context(), source, booking.DuplicateConfig{
		Dates:          req.Dates,
		KeepSourceTime: req.KeepSourceTime,
		NewTime:        strings.TrimSpace(req.NewTime),
		CarryNotes:     req.CarryNotes,
		CarryEquipment: req.CarryEquipment,
		CarryPayment:   req.CarryPayment,
	})
	if err != nil {
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchBody(results, summary))
}

type cancelRequest struct {
	AppointmentID string `json:"appointment_id"`
}

func (h *SchedulingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}

	appt, err := h.engine.Cancel(r.Context(), req.AppointmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		h.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, appointmentFromModel(appt))
}

// List returns the agenda for a day or a patient's history.
func (h *SchedulingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	date := strings.TrimSpace(r.URL.Query().Get("date"))
	patientID := strings.TrimSpace(r.URL.Query().Get("patient_id"))

	var (
		appts []model.Appointment
		err   error
	)
	switch {
	case date != "":
		if _, perr := slot.ParseDate(date); perr != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		appts, err = h.appointments.ListByDate(r.Context(), date)
	case patientID != "":
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if n, aerr := strconv.Atoi(raw); aerr == nil && n > 0 && n <= 200 {
				limit = n
			}
		}
		appts, err = h.appointments.ListByPatient(r.Context(), patientID, limit)
	default:
		http.Error(w, "date or patient_id required", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("list appointments failed", "err", err)
		http.Error(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	items := make([]appointmentBody, 0, len(appts))
	for _, a := range appts {
		items = append(items, appointmentFromModel(a))
	}
	writeJSON(w, http.StatusOK, items)
}

type capacityResponse struct {
	Weekday        string `json:"weekday"`
	StartTime      string `json:"start_time"`
	DurationMin    int    `json:"duration_min,omitempty"`
	Capacity       int    `json:"capacity"`
	MinForInterval int    `json:"min_for_interval,omitempty"`
}

// Capacity answers "how many patients fit this slot" for the agenda grid.
func (h *SchedulingHandler) Capacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	date := strings.TrimSpace(r.URL.Query().Get("date"))
	clock := strings.TrimSpace(r.URL.Query().Get("time"))
	if date == "" || clock == "" {
		http.Error(w, "date and time required", http.StatusBadRequest)
		return
	}
	day, err := slot.ParseDate(date)
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	if _, err := slot.ParseClock(clock); err != nil {
		http.Error(w, "time must be HH:MM", http.StatusBadRequest)
		return
	}

	resp := capacityResponse{
		Weekday:   day.Weekday().String(),
		StartTime: clock,
		Capacity:  h.capacity.Capacity(day.Weekday(), clock),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("duration_min")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "duration_min must be a positive integer", http.StatusBadRequest)
			return
		}
		resp.DurationMin = n
		resp.MinForInterval = h.capacity.MinForInterval(day.Weekday(), clock, n)
	}
	writeJSON(w, http.StatusOK, resp)
}

type waitlistItem struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Waitlist lists who is waiting on a day, oldest first, for the front desk
// to work through when a slot frees up.
func (h *SchedulingHandler) Waitlist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		http.Error(w, "date required", http.StatusBadRequest)
		return
	}
	if _, err := slot.ParseDate(date); err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	entries, err := h.waitlist.ListForDate(r.Context(), date)
	if err != nil {
		h.logger.Error("list waitlist failed", "date", date, "err", err)
		http.Error(w, "failed to list waitlist", http.StatusInternalServerError)
		return
	}

	items := make([]waitlistItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, waitlistItem{
			ID:        e.ID,
			PatientID: e.PatientID,
			Date:      e.Date,
			StartTime: e.StartTime,
			Notes:     e.Notes,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

type consumeRequest struct {
	PackageID     string `json:"package_id"`
	AppointmentID string `json:"appointment_id"`
}

// ConsumePackage debits one session, once per appointment. Retries with the
// same appointment id return the current balance without debiting again.
func (h *SchedulingHandler) ConsumePackage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.PackageID = strings.TrimSpace(req.PackageID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.PackageID == "" || req.AppointmentID == "" {
		http.Error(w, "package_id and appointment_id required", http.StatusBadRequest)
		return
	}

	receipt, err := h.sessions.Consume(r.Context(), req.PackageID, req.AppointmentID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrPackageNotFound):
			http.Error(w, "package not found", http.StatusNotFound)
		case errors.Is(err, ledger.ErrInsufficientBalance):
			http.Error(w, "no sessions remaining", http.StatusUnprocessableEntity)
		default:
			h.logger.Error("package consume failed", "package_id", req.PackageID, "err", err)
			http.Error(w, "failed to consume session", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, receiptBody{
		PackageID:         receipt.PackageID,
		SessionsRemaining: receipt.SessionsRemaining,
		AlreadyConsumed:   receipt.AlreadyConsumed,
		Exhausted:         receipt.Exhausted,
	})
}

func (h *SchedulingHandler) writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case booking.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "appointment not found", http.StatusNotFound)
	case errors.Is(err, booking.ErrConcurrentModification):
		http.Error(w, "slot was taken by a concurrent booking, retry", http.StatusConflict)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		http.Error(w, "no package sessions remaining", http.StatusUnprocessableEntity)
	case errors.Is(err, ledger.ErrPackageNotFound):
		http.Error(w, "package not found", http.StatusNotFound)
	default:
		h.logger.Error("booking decision failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
