package booking

import "github.com/tmcarvalho/fisioagenda/internal/model"

// PatientHistory is the minimal view of a patient's past the status
// suggestion needs. It is supplied by the caller; the engine never queries
// patient records itself.
type PatientHistory struct {
	TotalAppointments     int
	CompletedAppointments int
}

// SuggestInitialStatus proposes a starting status for a new booking: a
// patient with no history gets an evaluation visit, everyone else a regular
// scheduled session. Pure derived state; callers may ignore it freely.
func SuggestInitialStatus(h PatientHistory) model.Status {
	if h.TotalAppointments == 0 {
		return model.StatusEvaluation
	}
	return model.StatusScheduled
}
