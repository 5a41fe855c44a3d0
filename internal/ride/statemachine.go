// Package ride owns the ride lifecycle. All status mutations go through
// Transition so the allowed-edge table is enforced in one place.
package ride

import (
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrInvalidTransition is returned for any edge outside the lifecycle
// table. The ride is left untouched.
type ErrInvalidTransition struct {
	From, To models.RideStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid ride transition %s -> %s", e.From, e.To)
}

// allowed maps each state to the states reachable from it. Completed,
// Cancelled and Expired are terminal. Expired is reachable from
// Requested only for the zero-candidate short-circuit; the normal path
// is Broadcasting -> Expired on window elapse.
var allowed = map[models.RideStatus][]models.RideStatus{
	models.StatusRequested:       {models.StatusBroadcasting, models.StatusExpired, models.StatusCancelled},
	models.StatusBroadcasting:    {models.StatusAccepted, models.StatusExpired, models.StatusCancelled},
	models.StatusAccepted:        {models.StatusEnRouteToPickup, models.StatusCancelled},
	models.StatusEnRouteToPickup: {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:      {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted:       nil,
	models.StatusCancelled:       nil,
	models.StatusExpired:         nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.RideStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transitions leave the state.
func Terminal(s models.RideStatus) bool {
	return len(allowed[s]) == 0
}

// Transition applies to onto r, stamping UpdatedAt and the
// state-specific timestamp. Illegal edges are rejected without mutating
// r. Callers serialize per ride; the coordinator is the single writer.
func Transition(r *models.Ride, to models.RideStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return &ErrInvalidTransition{From: r.Status, To: to}
	}
	r.Status = to
	r.UpdatedAt = now
	switch to {
	case models.StatusAccepted:
		t := now
		r.AcceptedAt = &t
	case models.StatusCompleted:
		t := now
		r.CompletedAt = &t
	}
	return nil
}
