package realtime

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// EventType enumerates the closed set of events crossing the live
// channel. Producers and consumers share these payload shapes; there is
// no open-ended map variant.
type EventType string

const (
	EventRideOffer     EventType = "ride_offer"
	EventRideAccepted  EventType = "ride_accepted"
	EventRideTaken     EventType = "ride_taken"
	EventRideCancelled EventType = "ride_cancelled"
	EventRideExpired   EventType = "ride_expired"
	EventRideStatus    EventType = "ride_status"
)

// Event is the wire envelope: a tag plus one of the payload structs
// below.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

type RideOfferPayload struct {
	RideID       string          `json:"ride_id"`
	Pickup       models.Location `json:"pickup"`
	Drop         models.Location `json:"drop"`
	Fare         float64         `json:"fare"`
	DistanceM    float64         `json:"distance_m"`
	VehicleClass string          `json:"vehicle_class"`
	RiderName    string          `json:"rider_name"`
	RiderMobile  string          `json:"rider_mobile"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

type RideAcceptedPayload struct {
	RideID string               `json:"ride_id"`
	Driver models.DriverProfile `json:"driver"`
	// Simulated marks non-authoritative diagnostic traffic so clients
	// can distinguish it; real acceptances never set it.
	Simulated bool `json:"simulated,omitempty"`
}

type RideTakenPayload struct {
	RideID string `json:"ride_id"`
}

type RideCancelledPayload struct {
	RideID string `json:"ride_id"`
}

type RideExpiredPayload struct {
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"` // "timeout" or "no_drivers"
}

type RideStatusPayload struct {
	RideID string            `json:"ride_id"`
	Status models.RideStatus `json:"status"`
}

func NewRideOffer(p RideOfferPayload) Event       { return Event{Type: EventRideOffer, Data: p} }
func NewRideAccepted(p RideAcceptedPayload) Event { return Event{Type: EventRideAccepted, Data: p} }
func NewRideTaken(rideID string) Event {
	return Event{Type: EventRideTaken, Data: RideTakenPayload{RideID: rideID}}
}
func NewRideCancelled(rideID string) Event {
	return Event{Type: EventRideCancelled, Data: RideCancelledPayload{RideID: rideID}}
}
func NewRideExpired(rideID, reason string) Event {
	return Event{Type: EventRideExpired, Data: RideExpiredPayload{RideID: rideID, Reason: reason}}
}
func NewRideStatus(rideID string, status models.RideStatus) Event {
	return Event{Type: EventRideStatus, Data: RideStatusPayload{RideID: rideID, Status: status}}
}
