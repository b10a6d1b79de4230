package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tmcarvalho/fisioagenda/internal/capacity"
	"github.com/tmcarvalho/fisioagenda/internal/ledger"
	"github.com/tmcarvalho/fisioagenda/internal/model"
)

type fakeStore struct {
	appointments map[string]model.Appointment
	createErr    error
	updateErr    error
}

func newFakeStore(appts ...model.Appointment) *fakeStore {
	s := &fakeStore{appointments: make(map[string]model.Appointment)}
	for _, a := range appts {
		s.appointments[a.ID] = a
	}
	return s
}

func (s *fakeStore) ListByDate(_ context.Context, date string) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range s.appointments {
		if a.Date == date {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (model.Appointment, error) {
	a, ok := s.appointments[id]
	if !ok {
		return model.Appointment{}, errors.New("not found")
	}
	return a, nil
}

func (s *fakeStore) Create(_ context.Context, appt *model.Appointment) error {
	if s.createErr != nil {
		return s.createErr
	}
	appt.Version = 1
	s.appointments[appt.ID] = *appt
	return nil
}

// Update mirrors the repository's optimistic check: the caller's version must
// match the stored one or the write is a concurrent modification.
func (s *fakeStore) Update(_ context.Context, appt *model.Appointment) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	stored, ok := s.appointments[appt.ID]
	if !ok {
		return errors.New("not found")
	}
	if stored.Version != appt.Version {
		return ErrConcurrentModification
	}
	appt.Version++
	s.appointments[appt.ID] = *appt
	return nil
}

type fakeWaitlist struct {
	entries []model.WaitlistEntry
}

func (w *fakeWaitlist) Add(_ context.Context, entry *model.WaitlistEntry) error {
	w.entries = append(w.entries, *entry)
	return nil
}

type fakeAuditor struct {
	booked     []string
	overbooked []string
	cancelled  []string
	waitlisted []string
	consumed   []string
}

func (a *fakeAuditor) AppointmentBooked(_ context.Context, appt model.Appointment) {
	a.booked = append(a.booked, appt.ID)
}
func (a *fakeAuditor) AppointmentOverbooked(_ context.Context, appt model.Appointment, _, _ int) {
	a.overbooked = append(a.overbooked, appt.ID)
}
func (a *fakeAuditor) AppointmentCancelled(_ context.Context, appt model.Appointment) {
	a.cancelled = append(a.cancelled, appt.ID)
}
func (a *fakeAuditor) WaitlistAdded(_ context.Context, entry model.WaitlistEntry) {
	a.waitlisted = append(a.waitlisted, entry.ID)
}
func (a *fakeAuditor) PackageConsumed(_ context.Context, receipt ledger.Receipt) {
	a.consumed = append(a.consumed, receipt.AppointmentID)
}

type testEnv struct {
	engine   *Engine
	store    *fakeStore
	waitlist *fakeWaitlist
	auditor  *fakeAuditor
	ledger   *ledger.Memory
}

func newTestEnv(t *testing.T, rules []capacity.Rule, packages []model.SessionPackage, existing ...model.Appointment) *testEnv {
	t.Helper()
	store := newFakeStore(existing...)
	waitlist := &fakeWaitlist{}
	auditor := &fakeAuditor{}
	mem := ledger.NewMemory(packages...)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		engine:   NewEngine(store, waitlist, capacity.NewResolver(rules), mem, auditor, logger),
		store:    store,
		waitlist: waitlist,
		auditor:  auditor,
		ledger:   mem,
	}
}

// 2026-02-24 is a Tuesday.
func validRequest() Request {
	return Request{Appointment: model.Appointment{
		PatientID:   "p1",
		TherapistID: "t1",
		Date:        "2026-02-24",
		StartTime:   "14:00",
		DurationMin: 60,
		Type:        "Fisioterapia",
	}}
}

func TestDecide_ValidationFailsFast(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing patient", func(r *Request) { r.Appointment.PatientID = "" }},
		{"missing date", func(r *Request) { r.Appointment.Date = "" }},
		{"bad date", func(r *Request) { r.Appointment.Date = "24/02/2026" }},
		{"missing time", func(r *Request) { r.Appointment.StartTime = "" }},
		{"bad time", func(r *Request) { r.Appointment.StartTime = "2pm" }},
		{"duration too short", func(r *Request) { r.Appointment.DurationMin = 10 }},
		{"duration too long", func(r *Request) { r.Appointment.DurationMin = 300 }},
		{"therapist required on create", func(r *Request) { r.Appointment.TherapistID = "" }},
		{"unknown status", func(r *Request) { r.Appointment.Status = "whatever" }},
		{"recurrence without end", func(r *Request) { r.Appointment.Recurring = true }},
		{"recurrence end before start", func(r *Request) {
			r.Appointment.Recurring = true
			r.Appointment.RecurringUntil = "2026-02-24"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := env.engine.Decide(ctx, req)
			if !IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
	if len(env.store.appointments) != 0 {
		t.Fatal("validation failures must not persist anything")
	}
}

func TestDecide_ApprovedUnderCapacity(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	decision, err := env.engine.Decide(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", decision.Outcome)
	}
	if decision.Appointment == nil || decision.Appointment.ID == "" {
		t.Fatal("approved decision must carry the persisted appointment")
	}
	if decision.Appointment.Status != model.StatusScheduled {
		t.Fatalf("status = %s, want default scheduled", decision.Appointment.Status)
	}
	if len(env.auditor.booked) != 1 {
		t.Fatalf("booked audit events = %d, want 1", len(env.auditor.booked))
	}
}

func TestDecide_OverflowPromptHasNoSideEffects(t *testing.T) {
	existing := model.Appointment{
		ID: "a1", PatientID: "p2", TherapistID: "t1",
		Date: "2026-02-24", StartTime: "14:00", DurationMin: 60,
		Status: model.StatusScheduled,
	}
	env := newTestEnv(t, nil, nil, existing) // capacity 1

	decision, err := env.engine.Decide(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Outcome != OutcomeOverflow {
		t.Fatalf("outcome = %s, want overflow_prompt", decision.Outcome)
	}
	if decision.Conflicts.Count != 1 || decision.Capacity != 1 {
		t.Fatalf("conflicts/capacity = %d/%d, want 1/1", decision.Conflicts.Count, decision.Capacity)
	}
	if len(env.store.appointments) != 1 {
		t.Fatal("overflow prompt must not persist the candidate")
	}
	if len(env.waitlist.entries) != 0 {
		t.Fatal("overflow prompt must not touch the waitlist")
	}
}

func TestDecide_ScheduleAnywayEndToEnd(t *testing.T) {
	// Tuesday 14:00 holds two patients; two non-cancelled bookings exist.
	rules := []capacity.Rule{{Weekday: time.Tuesday, Start: "14:00", End: "15:00", MaxPatients: 2}}
	env := newTestEnv(t, rules, nil,
		model.Appointment{ID: "a1", PatientID: "p2", Date: "2026-02-24", StartTime: "14:00", DurationMin: 60, Status: model.StatusScheduled},
		model.Appointment{ID: "a2", PatientID: "p3", Date: "2026-02-24", StartTime: "14:00", DurationMin: 60, Status: model.StatusConfirmed},
	)
	ctx := context.Background()

	decision, err := env.engine.Decide(ctx, validRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Outcome != OutcomeOverflow || decision.Conflicts.Count != 2 {
		t.Fatalf("outcome = %s (count %d), want overflow with 2 conflicts", decision.Outcome, decision.Conflicts.Count)
	}

	forced := validRequest()
	forced.Resolution = ResolveScheduleAnyway
	decision, err = env.engine.Decide(ctx, forced)
	if err != nil {
		t.Fatalf("schedule anyway: %v", err)
	}
	if decision.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", decision.Outcome)
	}
	if !decision.Appointment.Overbooked {
		t.Fatal("forced booking must be flagged overbooked")
	}
	if len(env.auditor.overbooked) != 1 {
		t.Fatal("schedule anyway must leave an audit event")
	}

	// A fourth attempt now sees three occupants.
	fourth := validRequest()
	fourth.Appointment.PatientID = "p4"
	decision, err = env.engine.Decide(ctx, fourth)
	if err != nil {
		t.Fatalf("fourth attempt: %v", err)
	}
	if decision.Outcome != OutcomeOverflow || decision.Conflicts.Count != 3 {
		t.Fatalf("fourth attempt: outcome %s count %d, want overflow with 3", decision.Outcome, decision.Conflicts.Count)
	}
}

func TestDecide_WaitlistResolution(t *testing.T) {
	env := newTestEnv(t, nil, nil,
		model.Appointment{ID: "a1", PatientID: "p2", Date: "2026-02-24", StartTime: "14:00", DurationMin: 60, Status: model.StatusScheduled},
	)

	req := validRequest()
	req.Resolution = ResolveWaitlist
	decision, err := env.engine.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Outcome != OutcomeWaitlisted || decision.Waitlisted == nil {
		t.Fatalf("outcome = %s, want waitlisted with entry", decision.Outcome)
	}
	if len(env.waitlist.entries) != 1 {
		t.Fatalf("waitlist entries = %d, want 1", len(env.waitlist.entries))
	}
	e := env.waitlist.entries[0]
	if e.PatientID != "p1" || e.Date != "2026-02-24" || e.StartTime != "14:00" {
		t.Fatalf("unexpected waitlist entry: %+v", e)
	}
	if len(env.store.appointments) != 1 {
		t.Fatal("waitlisting must not persist the candidate")
	}
}

func TestDecide_ChooseAnotherCancels(t *testing.T) {
	env := newTestEnv(t, nil, nil,
		model.Appointment{ID: "a1", PatientID: "p2", Date: "2026-02-24", StartTime: "14:00", DurationMin: 60, Status: model.StatusScheduled},
	)

	req := validRequest()
	req.Resolution = ResolveChooseAnother
	decision, err := env.engine.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", decision.Outcome)
	}
	if len(env.store.appointments) != 1 || len(env.waitlist.entries) != 0 {
		t.Fatal("choosing another time must have no side effects")
	}
}

func TestDecide_EditDoesNotConflictWithItself(t *testing.T) {
	existing := model.Appointment{
		ID: "a1", PatientID: "p1", TherapistID: "t1",
		Date: "2026-02-24", StartTime: "14:00", DurationMin: 60,
		Status: model.StatusScheduled,
	}
	env := newTestEnv(t, nil, nil, existing)

	req := Request{Appointment: existing, Edit: true}
	decision, err := env.engine.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved (self must be excluded)", decision.Outcome)
	}
}

func TestDecide_EditWithoutVersionUsesStoredVersion(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	created, err := env.engine.Decide(ctx, validRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// An API client resubmits the record without tracking versions.
	edit := *created.Appointment
	edit.StartTime = "15:00"
	edit.Version = 0
	decision, err := env.engine.Decide(ctx, Request{Appointment: edit, Edit: true})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if decision.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", decision.Outcome)
	}
	if got := env.store.appointments[edit.ID]; got.StartTime != "15:00" {
		t.Fatalf("stored start = %s, want 15:00", got.StartTime)
	}
}

func TestDecide_EditWithStaleVersionFails(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	created, err := env.engine.Decide(ctx, validRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stale := *created.Appointment
	stale.Version = created.Appointment.Version + 5
	_, err = env.engine.Decide(ctx, Request{Appointment: stale, Edit: true})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
}

func TestDecide_CancelledDoesNotOccupyCapacity(t *testing.T) {
	env := newTestEnv(t, nil, nil,
		model.Appointment{ID: "a1", PatientID: "p2", Date: "2026-02-24", StartTime: "14:00", DurationMin: 60, Status: model.StatusCancelled},
	)

	decision, err := env.engine.Decide(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved over a cancelled slot", decision.Outcome)
	}
}

func TestDecide_PackagePaymentConsumesOnQualifyingStatus(t *testing.T) {
	env := newTestEnv(t, nil, []model.SessionPackage{{
		ID: "pkg-1", PatientID: "p1", TotalSessions: 10, SessionsRemaining: 3, Status: model.PackageActive,
	}})

	req := validRequest()
	req.Appointment.Status = model.StatusConfirmed
	req.Appointment.PaymentStatus = model.PaymentPaidPackage
	req.Appointment.PackageID = "pkg-1"

	decision, err := env.engine.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Receipt == nil || decision.Receipt.SessionsRemaining != 2 {
		t.Fatalf("receipt = %+v, want balance 2", decision.Receipt)
	}
	if len(env.auditor.consumed) != 1 {
		t.Fatal("consumption must be audited")
	}
}

func TestDecide_PackagePaymentNonQualifyingStatusDoesNotConsume(t *testing.T) {
	env := newTestEnv(t, nil, []model.SessionPackage{{
		ID: "pkg-1", PatientID: "p1", TotalSessions: 10, SessionsRemaining: 3, Status: model.PackageActive,
	}})

	req := validRequest()
	req.Appointment.Status = model.StatusScheduled
	req.Appointment.PaymentStatus = model.PaymentPaidPackage
	req.Appointment.PackageID = "pkg-1"

	decision, err := env.engine.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Receipt != nil {
		t.Fatal("a merely scheduled appointment must not debit the package")
	}
	if bal, _ := env.ledger.Balance(context.Background(), "pkg-1"); bal != 3 {
		t.Fatalf("balance = %d, want untouched 3", bal)
	}
}

func TestDecide_PackageWithoutBalanceRejected(t *testing.T) {
	env := newTestEnv(t, nil, []model.SessionPackage{{
		ID: "pkg-1", PatientID: "p1", TotalSessions: 10, SessionsRemaining: 0, Status: model.PackageActive,
	}})

	req := validRequest()
	req.Appointment.PaymentStatus = model.PaymentPaidPackage
	req.Appointment.PackageID = "pkg-1"

	_, err := env.engine.Decide(context.Background(), req)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if len(env.store.appointments) != 0 {
		t.Fatal("rejected booking must not persist")
	}
}

func TestDecide_ConcurrentModificationPropagates(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.store.createErr = ErrConcurrentModification

	_, err := env.engine.Decide(context.Background(), validRequest())
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("err = %v, want ErrConcurrentModification", err)
	}
}

func TestCancel_FreesSlotAndRefundsPackage(t *testing.T) {
	env := newTestEnv(t, nil, []model.SessionPackage{{
		ID: "pkg-1", PatientID: "p1", TotalSessions: 10, SessionsRemaining: 3, Status: model.PackageActive,
	}})
	ctx := context.Background()

	req := validRequest()
	req.Appointment.Status = model.StatusConfirmed
	req.Appointment.PaymentStatus = model.PaymentPaidPackage
	req.Appointment.PackageID = "pkg-1"
	decision, err := env.engine.Decide(ctx, req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}

	cancelled, err := env.engine.Cancel(ctx, decision.Appointment.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if bal, _ := env.ledger.Balance(ctx, "pkg-1"); bal != 3 {
		t.Fatalf("balance = %d, want session credited back", bal)
	}

	// The freed slot is bookable again.
	again, err := env.engine.Decide(ctx, validRequest())
	if err != nil {
		t.Fatalf("rebook: %v", err)
	}
	if again.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved after cancellation", again.Outcome)
	}
}

func TestSuggestInitialStatus(t *testing.T) {
	if got := SuggestInitialStatus(PatientHistory{}); got != model.StatusEvaluation {
		t.Fatalf("first visit suggestion = %s, want evaluation", got)
	}
	if got := SuggestInitialStatus(PatientHistory{TotalAppointments: 4, CompletedAppointments: 3}); got != model.StatusScheduled {
		t.Fatalf("returning patient suggestion = %s, want scheduled", got)
	}
}
