package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a coordinate plus the human-readable label shown in
// offers and notifications.
type Location struct {
	Coord   Coord  `json:"coord"`
	Address string `json:"address"`
}

// RideStatus is the lifecycle state of a ride. Transitions are owned by
// the state machine in internal/ride; nothing else mutates status.
type RideStatus string

const (
	StatusRequested       RideStatus = "requested"
	StatusBroadcasting    RideStatus = "broadcasting"
	StatusAccepted        RideStatus = "accepted"
	StatusEnRouteToPickup RideStatus = "en_route_to_pickup"
	StatusInProgress      RideStatus = "in_progress"
	StatusCompleted       RideStatus = "completed"
	StatusCancelled       RideStatus = "cancelled"
	StatusExpired         RideStatus = "expired"
)

type RideRequest struct {
	RiderID      string   `json:"rider_id"`
	RiderName    string   `json:"rider_name"`
	RiderMobile  string   `json:"rider_mobile"`
	Pickup       Location `json:"pickup"`
	Drop         Location `json:"drop"`
	VehicleClass string   `json:"vehicle_class"`
	Fare         float64  `json:"fare"`
}

type Ride struct {
	ID           string     `json:"id"`
	RiderID      string     `json:"rider_id"`
	RiderName    string     `json:"rider_name"`
	RiderMobile  string     `json:"rider_mobile"`
	DriverID     string     `json:"driver_id,omitempty"`
	Pickup       Location   `json:"pickup"`
	Drop         Location   `json:"drop"`
	VehicleClass string     `json:"vehicle_class"`
	Fare         float64    `json:"fare"`
	DistanceM    float64    `json:"distance_m"`
	Status       RideStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// DriverStatus is the directory-side connectivity state, distinct from
// ride lifecycle state.
type DriverStatus string

const (
	DriverOffline   DriverStatus = "offline"
	DriverAvailable DriverStatus = "available"
	DriverOnRide    DriverStatus = "on_ride"
)

// DriverPresence is a driver's directory record. PushToken and
// SessionID are both optional; a driver with neither is unreachable and
// therefore ineligible for dispatch regardless of Status.
type DriverPresence struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Mobile       string       `json:"mobile"`
	Status       DriverStatus `json:"status"`
	VehicleClass string       `json:"vehicle_class"`
	Loc          Coord        `json:"loc"`
	PushToken    string       `json:"push_token,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
	DailyRides   int          `json:"daily_rides"`
	Earnings     float64      `json:"earnings"`
}

// Reachable reports whether the driver can be offered a ride on at
// least one channel.
func (p DriverPresence) Reachable() bool {
	return p.PushToken != "" || p.SessionID != ""
}

// DriverProfile is the only driver shape serialized to riders. Keep it
// free of tokens, counters and anything else internal.
type DriverProfile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Mobile       string `json:"mobile"`
	VehicleClass string `json:"vehicle_class"`
	Loc          Coord  `json:"loc"`
}

// Profile projects the public subset of a presence record.
func (p DriverPresence) Profile() DriverProfile {
	return DriverProfile{
		ID:           p.ID,
		Name:         p.Name,
		Mobile:       p.Mobile,
		VehicleClass: p.VehicleClass,
		Loc:          p.Loc,
	}
}
