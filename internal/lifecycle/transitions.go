package lifecycle

import (
	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/models"
)

var allowed = map[models.JobState][]models.JobState{
	models.JobCreated:     {models.JobDispatching, models.JobCancelled},
	models.JobDispatching: {models.JobAssigned, models.JobCancelled},
	models.JobAssigned:    {models.JobArriving, models.JobCancelled},
	models.JobArriving:    {models.JobArrived, models.JobCancelled},
	models.JobArrived:     {models.JobInProgress, models.JobCancelled},
	models.JobInProgress:  {models.JobCompleted, models.JobCancelled},
	models.JobCompleted:   nil,
	models.JobCancelled:   nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.JobState) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom lists the legal targets from a state; terminal states have none.
func AllowedFrom(from models.JobState) []models.JobState {
	out := make([]models.JobState, len(allowed[from]))
	copy(out, allowed[from])
	return out
}

// AuthorizeParty checks that actor may move job to the target state on its
// own behalf. The assigned driver drives ARRIVING through COMPLETED; the
// customer or the assigned driver may cancel. ASSIGNED and DISPATCHING are
// reached only through dispatch and offer acceptance.
func AuthorizeParty(job *models.Job, to models.JobState, actor string) error {
	assignedDriver := job.DriverID != nil && *job.DriverID == actor
	switch to {
	case models.JobDispatching, models.JobAssigned:
		return apperr.Newf(apperr.CodeInvalidTransition, "%s is reached through dispatch, not set directly", to)
	case models.JobCancelled:
		if actor == job.CustomerID || assignedDriver {
			return nil
		}
	case models.JobArriving, models.JobArrived, models.JobInProgress, models.JobCompleted:
		if assignedDriver {
			return nil
		}
	}
	return apperr.Newf(apperr.CodeForbidden, "%s may not move job %s to %s", actor, job.ID, to)
}
