package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a usable WGS84 coordinate.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Place is a coordinate plus the free-text address the rider typed or picked.
type Place struct {
	Coord
	Address string `json:"address"`
}

type VehicleClass string

const (
	VehicleEconomy VehicleClass = "economy"
	VehicleComfort VehicleClass = "comfort"
	VehicleXL      VehicleClass = "xl"
	VehicleMoto    VehicleClass = "moto"
)

var VehicleClasses = []VehicleClass{VehicleEconomy, VehicleComfort, VehicleXL, VehicleMoto}

func (v VehicleClass) Valid() bool {
	for _, c := range VehicleClasses {
		if v == c {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentWallet PaymentMethod = "wallet"
)

func (p PaymentMethod) Valid() bool {
	switch p {
	case PaymentCash, PaymentCard, PaymentWallet:
		return true
	}
	return false
}

type RideStatus string

const (
	RideNegotiating RideStatus = "negotiating"
	RideAccepted    RideStatus = "accepted"
	RideEnRoute     RideStatus = "en_route"
	RideCompleted   RideStatus = "completed"
	RideCancelled   RideStatus = "cancelled"
)

// Active rides block their requester from opening another one.
func (s RideStatus) Active() bool {
	return s == RideNegotiating || s == RideAccepted || s == RideEnRoute
}

// Ride is a rider's trip proposal. DriverID and FinalPrice stay empty until
// the ride is accepted.
type Ride struct {
	ID             string        `json:"id"`
	RequestKey     string        `json:"-"`
	RequesterID    string        `json:"requester_id"`
	Pickup         Place         `json:"pickup"`
	Dropoff        Place         `json:"dropoff"`
	VehicleClass   VehicleClass  `json:"vehicle_class"`
	ProposedPrice  float64       `json:"proposed_price"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	Notes          string        `json:"notes,omitempty"`
	Status         RideStatus    `json:"status"`
	DriverID       string        `json:"driver_id,omitempty"`
	FinalPrice     *float64      `json:"final_price,omitempty"`
	AcceptedOffer  string        `json:"accepted_offer_id,omitempty"`
	SearchRadiusKm float64       `json:"search_radius_km"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`

	// NotifiedDrivers is filled by fan-out on the response path only.
	NotifiedDrivers int `json:"notified_drivers"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

type Offer struct {
	ID        string      `json:"id"`
	RideID    string      `json:"ride_id"`
	DriverID  string      `json:"driver_id"`
	Price     float64     `json:"price"`
	Message   string      `json:"message,omitempty"`
	Status    OfferStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// IsExpired reports whether now is past the offer's expires_at. The
// expires_at instant itself still belongs to the offer's window.
func (o *Offer) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Effective returns the status the offer has for decision purposes: a
// pending offer past its TTL counts as expired even if storage still says
// pending.
func (o *Offer) Effective(now time.Time) OfferStatus {
	if o.Status == OfferPending && o.IsExpired(now) {
		return OfferExpired
	}
	return o.Status
}

// Driver is a location ping from the driver app.
type Driver struct {
	ID           string       `json:"id"`
	Loc          Coord        `json:"loc"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Rating       float64      `json:"rating"` // 0..5
	Online       bool         `json:"online"`
	Updated      time.Time    `json:"updated"`
}

// Candidate is one entry of a fan-out candidate set.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	Loc        Coord   `json:"loc"`
	DistanceKm float64 `json:"distance_km"`
}

type EventType string

const (
	EventNewRideRequest EventType = "new_ride_request"
	EventNewOffer       EventType = "new_offer"
	EventOfferAccepted  EventType = "offer_accepted"
	EventOfferRejected  EventType = "offer_rejected"
	EventOfferWithdrawn EventType = "offer_withdrawn"
	EventOfferExpired   EventType = "offer_expired"
	EventRideCancelled  EventType = "ride_cancelled"
	EventRideAccepted   EventType = "ride_accepted"
	EventRideCompleted  EventType = "ride_completed"
)

// Notification is one user-facing message handed to the notifier.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// RideEvent is pushed on a ride's live channel whenever the ride or one of
// its offers changes state.
type RideEvent struct {
	RideID string     `json:"ride_id"`
	Type   EventType  `json:"type"`
	Status RideStatus `json:"ride_status,omitempty"`
	Offer  *Offer     `json:"offer,omitempty"`
	At     time.Time  `json:"at"`
}
