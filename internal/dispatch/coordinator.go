// Package dispatch orchestrates the ride offer fan-out and resolves,
// under concurrency, exactly one acceptance per ride.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

// Outcome is the structured result surfaced to callers; transport
// errors never cross this boundary raw.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeAlreadyTaken Outcome = "already_taken"
	OutcomeExpired      Outcome = "expired"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeTooLate      Outcome = "too_late"
	OutcomeNoDrivers    Outcome = "no_drivers"
)

var (
	ErrUnknownRide   = errors.New("unknown ride")
	ErrUnknownDriver = errors.New("unknown driver")
	ErrNotRequester  = errors.New("ride belongs to a different rider")
	ErrNotYourRide   = errors.New("ride is bound to a different driver")
)

// Realtime is the slice of the session registry the coordinator needs.
type Realtime interface {
	SendToSession(role realtime.Role, id string, ev realtime.Event) error
}

// attempt is the ephemeral in-flight broadcast for one ride. Its mutex
// is the single critical section resolving the winner; the resolved
// flag is checked and flipped only while holding it, so two
// near-simultaneous accepts can never both win, and expiry can never
// race a successful acceptance.
type attempt struct {
	mu         sync.Mutex
	resolved   bool
	outcome    Outcome
	winnerID   string
	ride       *models.Ride
	candidates []models.DriverPresence
	timer      *time.Timer
	startedAt  time.Time
}

// Coordinator wires the directory, the push gateway, the realtime
// registry and the ride store into the dispatch lifecycle. It is the
// only writer of ride state.
type Coordinator struct {
	Directory directory.Directory
	Push      push.Gateway
	Realtime  Realtime
	Store     storage.RideStore
	Log       *slog.Logger

	OfferWindow    time.Duration
	PresenceMaxAge time.Duration
	MaxCandidates  int

	mu       sync.Mutex
	attempts map[string]*attempt
}

func NewCoordinator(dir directory.Directory, pg push.Gateway, rt Realtime, store storage.RideStore, log *slog.Logger, offerWindow, presenceMaxAge time.Duration, maxCandidates int) *Coordinator {
	return &Coordinator{
		Directory:      dir,
		Push:           pg,
		Realtime:       rt,
		Store:          store,
		Log:            log,
		OfferWindow:    offerWindow,
		PresenceMaxAge: presenceMaxAge,
		MaxCandidates:  maxCandidates,
		attempts:       make(map[string]*attempt),
	}
}

// Request creates the ride and triggers dispatch. The returned ride's
// status tells the caller whether a broadcast is in flight
// (broadcasting) or no driver was eligible (expired).
func (c *Coordinator) Request(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	now := time.Now()
	r := &models.Ride{
		ID:           uuid.NewString(),
		RiderID:      req.RiderID,
		RiderName:    req.RiderName,
		RiderMobile:  req.RiderMobile,
		Pickup:       req.Pickup,
		Drop:         req.Drop,
		VehicleClass: req.VehicleClass,
		Fare:         req.Fare,
		DistanceM:    directory.Haversine(req.Pickup.Coord.Lat, req.Pickup.Coord.Lon, req.Drop.Coord.Lat, req.Drop.Coord.Lon),
		Status:       models.StatusRequested,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.Store.SaveRide(r); err != nil {
		return nil, fmt.Errorf("save ride: %w", err)
	}
	if err := c.dispatch(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// dispatch runs steps 1-4 of the offer flow: eligibility query, attempt
// bookkeeping, dual-channel fan-out, offer-window timer. It returns
// once the broadcast is launched; it never waits for delivery.
func (c *Coordinator) dispatch(ctx context.Context, r *models.Ride) error {
	cands := c.Directory.FindEligible(ctx, r.VehicleClass, r.Pickup.Coord, c.PresenceMaxAge, c.MaxCandidates)
	if len(cands) == 0 {
		// short-circuit: never enter broadcasting with an empty set
		if err := ride.Transition(r, models.StatusExpired, time.Now()); err != nil {
			return err
		}
		if err := c.Store.UpdateRide(r); err != nil {
			return fmt.Errorf("persist no-driver expiry: %w", err)
		}
		observability.NoDriversTotal.Inc()
		c.notifyRider(r.RiderID, realtime.NewRideExpired(r.ID, "no_drivers"))
		return nil
	}

	if err := ride.Transition(r, models.StatusBroadcasting, time.Now()); err != nil {
		return err
	}
	if err := c.Store.UpdateRide(r); err != nil {
		// do not open an attempt we cannot persist; the ride stays
		// requested and the caller may retry
		r.Status = models.StatusRequested
		return fmt.Errorf("persist broadcast state: %w", err)
	}

	// the attempt owns a private copy of the ride; r stays with the
	// caller and is never written again after this point
	snapshot := *r
	a := &attempt{ride: &snapshot, candidates: cands, startedAt: time.Now()}
	// publish the attempt before arming the timer so an instant expiry
	// finds it in the map; holding a.mu across both steps keeps an early
	// accept from observing a nil timer
	a.mu.Lock()
	c.mu.Lock()
	c.attempts[r.ID] = a
	c.mu.Unlock()
	a.timer = time.AfterFunc(c.OfferWindow, func() { c.expire(a) })
	a.mu.Unlock()

	expiresAt := a.startedAt.Add(c.OfferWindow)
	offer := realtime.NewRideOffer(realtime.RideOfferPayload{
		RideID:       r.ID,
		Pickup:       r.Pickup,
		Drop:         r.Drop,
		Fare:         r.Fare,
		DistanceM:    r.DistanceM,
		VehicleClass: r.VehicleClass,
		RiderName:    r.RiderName,
		RiderMobile:  r.RiderMobile,
		ExpiresAt:    expiresAt,
	})

	tokens := make([]string, 0, len(cands))
	sessions := make([]string, 0, len(cands))
	for _, d := range cands {
		if d.PushToken != "" {
			tokens = append(tokens, d.PushToken)
		}
		if d.SessionID != "" {
			sessions = append(sessions, d.ID)
		}
	}

	// Both channels race to reach each driver; neither blocks the other
	// and neither gates win resolution.
	go c.broadcastPush(r, tokens, expiresAt)
	go func() {
		for _, id := range sessions {
			if err := c.Realtime.SendToSession(realtime.RoleDriver, id, offer); err != nil {
				c.Log.Debug("ws offer not delivered", "ride_id", r.ID, "driver_id", id, "error", err)
			}
		}
	}()

	observability.BroadcastsTotal.Inc()
	observability.CandidatesPerBroadcast.Observe(float64(len(cands)))
	c.Log.Info("ride broadcast", "ride_id", r.ID, "candidates", len(cands), "push_tokens", len(tokens), "live_sessions", len(sessions))
	return nil
}

func (c *Coordinator) broadcastPush(r *models.Ride, tokens []string, expiresAt time.Time) {
	if len(tokens) == 0 {
		return
	}
	pickup, _ := json.Marshal(r.Pickup)
	drop, _ := json.Marshal(r.Drop)
	msg := push.Message{
		Title: "New Ride Request",
		Body:  fmt.Sprintf("Pickup: %s | Fare: %.0f", r.Pickup.Address, r.Fare),
		Data: map[string]string{
			"type":          "ride_request",
			"ride_id":       r.ID,
			"pickup":        string(pickup),
			"drop":          string(drop),
			"fare":          strconv.FormatFloat(r.Fare, 'f', 2, 64),
			"distance_m":    strconv.FormatFloat(r.DistanceM, 'f', 0, 64),
			"vehicle_class": r.VehicleClass,
			"rider_name":    r.RiderName,
			"rider_mobile":  r.RiderMobile,
			"expires_at":    expiresAt.Format(time.RFC3339),
			"priority":      "high",
			"click_action":  "FLUTTER_NOTIFICATION_CLICK",
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := c.Push.BroadcastOffer(ctx, msg, tokens)
	if err != nil {
		// transport down: degrade to the live channel, never abort
		c.Log.Error("push transport unavailable", "ride_id", r.ID, "error", err)
		return
	}
	observability.PushDelivered.Add(float64(rep.Delivered))
	observability.PushFailed.Add(float64(rep.Failed))
	c.Log.Info("push fan-out", "ride_id", r.ID, "delivered", rep.Delivered, "failed", rep.Failed)
}

// Accept applies the single-winner rule. The first accept for an
// unresolved attempt wins atomically; every later accept for the same
// ride gets already_taken, except a replay by the winner which returns
// the original success.
func (c *Coordinator) Accept(ctx context.Context, rideID, driverID string) (Outcome, *models.Ride, error) {
	if _, ok := c.Directory.Get(ctx, driverID); !ok {
		return "", nil, ErrUnknownDriver
	}
	c.mu.Lock()
	a := c.attempts[rideID]
	c.mu.Unlock()
	if a == nil {
		return c.acceptResolved(ctx, rideID, driverID)
	}

	a.mu.Lock()
	if a.resolved {
		out := a.outcome
		winner := a.winnerID
		r := *a.ride
		a.mu.Unlock()
		return c.lateAcceptOutcome(out, winner, driverID, &r)
	}

	// winner decision: purely ride-local state, no I/O inside the
	// critical section
	if err := ride.Transition(a.ride, models.StatusAccepted, time.Now()); err != nil {
		a.mu.Unlock()
		return "", nil, err
	}
	a.ride.DriverID = driverID
	a.resolved = true
	a.outcome = OutcomeAccepted
	a.winnerID = driverID
	a.timer.Stop()
	bound := *a.ride
	losers := make([]models.DriverPresence, 0, len(a.candidates))
	for _, d := range a.candidates {
		if d.ID != driverID {
			losers = append(losers, d)
		}
	}
	a.mu.Unlock()

	c.discard(rideID)
	observability.AcceptsTotal.Inc()

	if err := c.Store.UpdateRide(&bound); err != nil {
		c.Log.Error("persist acceptance", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
	if err := c.Directory.SetStatus(ctx, driverID, models.DriverOnRide); err != nil {
		c.Log.Error("mark driver on ride", "driver_id", driverID, "error", err)
	}

	// losers and the requester learn the result; delivery is best effort
	for _, d := range losers {
		if d.SessionID != "" {
			if err := c.Realtime.SendToSession(realtime.RoleDriver, d.ID, realtime.NewRideTaken(rideID)); err != nil {
				c.Log.Debug("ride taken signal not delivered", "driver_id", d.ID, "error", err)
			}
		}
	}
	profile := c.driverProfile(ctx, driverID)
	c.notifyRider(bound.RiderID, realtime.NewRideAccepted(realtime.RideAcceptedPayload{RideID: rideID, Driver: profile}))

	c.Log.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	return OutcomeAccepted, &bound, nil
}

// acceptResolved answers accepts arriving after the attempt was
// discarded (process keeps no per-ride state for resolved rides; the
// stored ride is the source of truth).
func (c *Coordinator) acceptResolved(ctx context.Context, rideID, driverID string) (Outcome, *models.Ride, error) {
	r, err := c.Store.GetRide(rideID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, ErrUnknownRide
		}
		return "", nil, err
	}
	switch r.Status {
	case models.StatusAccepted, models.StatusEnRouteToPickup, models.StatusInProgress, models.StatusCompleted:
		if r.DriverID == driverID {
			return OutcomeAccepted, r, nil
		}
		observability.RaceLossesTotal.Inc()
		return OutcomeAlreadyTaken, r, nil
	case models.StatusCancelled:
		return OutcomeCancelled, r, nil
	default:
		// expired, or broadcasting state orphaned by a restart
		return OutcomeExpired, r, nil
	}
}

func (c *Coordinator) lateAcceptOutcome(resolved Outcome, winnerID, driverID string, r *models.Ride) (Outcome, *models.Ride, error) {
	switch resolved {
	case OutcomeAccepted:
		if winnerID == driverID {
			return OutcomeAccepted, r, nil
		}
		observability.RaceLossesTotal.Inc()
		return OutcomeAlreadyTaken, r, nil
	case OutcomeCancelled:
		return OutcomeCancelled, r, nil
	default:
		return OutcomeExpired, r, nil
	}
}

// Cancel withdraws a ride on behalf of its requester. It only succeeds
// before acceptance; afterwards the caller gets too_late and must use
// the separate cancel-accepted-ride flow.
func (c *Coordinator) Cancel(ctx context.Context, rideID, riderID string) (Outcome, error) {
	c.mu.Lock()
	a := c.attempts[rideID]
	c.mu.Unlock()
	if a == nil {
		return c.cancelResolved(ctx, rideID, riderID)
	}

	a.mu.Lock()
	if a.ride.RiderID != riderID {
		a.mu.Unlock()
		return "", ErrNotRequester
	}
	if a.resolved {
		out := a.outcome
		a.mu.Unlock()
		if out == OutcomeCancelled {
			return OutcomeCancelled, nil
		}
		return OutcomeTooLate, nil
	}
	if err := ride.Transition(a.ride, models.StatusCancelled, time.Now()); err != nil {
		a.mu.Unlock()
		return "", err
	}
	a.resolved = true
	a.outcome = OutcomeCancelled
	a.timer.Stop()
	cancelled := *a.ride
	cands := a.candidates
	a.mu.Unlock()

	c.discard(rideID)
	observability.CancelledTotal.Inc()
	if err := c.Store.UpdateRide(&cancelled); err != nil {
		c.Log.Error("persist cancellation", "ride_id", rideID, "error", err)
	}
	for _, d := range cands {
		if d.SessionID != "" {
			if err := c.Realtime.SendToSession(realtime.RoleDriver, d.ID, realtime.NewRideCancelled(rideID)); err != nil {
				c.Log.Debug("withdrawal not delivered", "driver_id", d.ID, "error", err)
			}
		}
	}
	c.Log.Info("ride cancelled by requester", "ride_id", rideID)
	return OutcomeCancelled, nil
}

func (c *Coordinator) cancelResolved(ctx context.Context, rideID, riderID string) (Outcome, error) {
	r, err := c.Store.GetRide(rideID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrUnknownRide
		}
		return "", err
	}
	if r.RiderID != riderID {
		return "", ErrNotRequester
	}
	switch r.Status {
	case models.StatusRequested, models.StatusBroadcasting:
		if err := ride.Transition(r, models.StatusCancelled, time.Now()); err != nil {
			return "", err
		}
		if err := c.Store.UpdateRide(r); err != nil {
			return "", err
		}
		observability.CancelledTotal.Inc()
		return OutcomeCancelled, nil
	case models.StatusCancelled:
		return OutcomeCancelled, nil
	default:
		return OutcomeTooLate, nil
	}
}

// expire fires on offer-window elapse. It loses cleanly to any
// acceptance or cancellation that resolved the attempt first.
func (c *Coordinator) expire(a *attempt) {
	a.mu.Lock()
	rideID := a.ride.ID
	if a.resolved {
		a.mu.Unlock()
		return
	}
	if err := ride.Transition(a.ride, models.StatusExpired, time.Now()); err != nil {
		a.mu.Unlock()
		c.Log.Error("expire transition", "ride_id", rideID, "error", err)
		return
	}
	a.resolved = true
	a.outcome = OutcomeExpired
	expired := *a.ride
	cands := a.candidates
	a.mu.Unlock()

	c.discard(rideID)
	observability.ExpiredTotal.Inc()
	if err := c.Store.UpdateRide(&expired); err != nil {
		c.Log.Error("persist expiry", "ride_id", rideID, "error", err)
	}
	// release the candidate set: nothing was reserved, so dropping the
	// attempt plus clearing client UIs is the whole release
	for _, d := range cands {
		if d.SessionID != "" {
			if err := c.Realtime.SendToSession(realtime.RoleDriver, d.ID, realtime.NewRideExpired(rideID, "timeout")); err != nil {
				c.Log.Debug("expiry signal not delivered", "driver_id", d.ID, "error", err)
			}
		}
	}
	c.notifyRider(expired.RiderID, realtime.NewRideExpired(rideID, "timeout"))
	c.Log.Info("offer window expired", "ride_id", rideID, "candidates", len(cands))
}

// Progress advances an accepted ride through its post-dispatch
// lifecycle, driven by the bound driver. Completion returns the driver
// to the available pool and credits their ride counters.
func (c *Coordinator) Progress(ctx context.Context, rideID, driverID string, to models.RideStatus) (*models.Ride, error) {
	r, err := c.Store.GetRide(rideID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownRide
		}
		return nil, err
	}
	if r.DriverID != driverID {
		return nil, ErrNotYourRide
	}
	switch to {
	case models.StatusEnRouteToPickup, models.StatusInProgress, models.StatusCompleted:
	default:
		return nil, &ride.ErrInvalidTransition{From: r.Status, To: to}
	}
	if err := ride.Transition(r, to, time.Now()); err != nil {
		return nil, err
	}
	if err := c.Store.UpdateRide(r); err != nil {
		return nil, err
	}
	if to == models.StatusCompleted {
		if err := c.Directory.SetStatus(ctx, driverID, models.DriverAvailable); err != nil {
			c.Log.Error("release driver", "driver_id", driverID, "error", err)
		}
		if err := c.Directory.CreditRide(ctx, driverID, r.Fare); err != nil {
			c.Log.Error("credit ride", "driver_id", driverID, "error", err)
		}
	}
	c.notifyRider(r.RiderID, realtime.NewRideStatus(rideID, to))
	return r, nil
}

// Status returns the current ride snapshot.
func (c *Coordinator) Status(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := c.Store.GetRide(rideID)
	if err != nil && errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownRide
	}
	return r, err
}

// SimulateAccept emits a marked ride_accepted event to the requester's
// live session for end-to-end client testing. It is non-authoritative:
// it never touches the ride record, driver presence or earnings.
func (c *Coordinator) SimulateAccept(ctx context.Context, rideID string, profile models.DriverProfile) error {
	r, err := c.Store.GetRide(rideID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownRide
		}
		return err
	}
	return c.Realtime.SendToSession(realtime.RoleRider, r.RiderID, realtime.NewRideAccepted(realtime.RideAcceptedPayload{
		RideID:    rideID,
		Driver:    profile,
		Simulated: true,
	}))
}

func (c *Coordinator) discard(rideID string) {
	c.mu.Lock()
	delete(c.attempts, rideID)
	c.mu.Unlock()
}

func (c *Coordinator) notifyRider(riderID string, ev realtime.Event) {
	if err := c.Realtime.SendToSession(realtime.RoleRider, riderID, ev); err != nil {
		c.Log.Debug("rider notification not delivered", "rider_id", riderID, "type", ev.Type, "error", err)
	}
}

func (c *Coordinator) driverProfile(ctx context.Context, driverID string) models.DriverProfile {
	if p, ok := c.Directory.Get(ctx, driverID); ok {
		return p.Profile()
	}
	return models.DriverProfile{ID: driverID}
}
