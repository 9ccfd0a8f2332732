package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-negotiation/internal/auth"
	"github.com/example/ride-negotiation/internal/dispatch"
	"github.com/example/ride-negotiation/internal/geo"
	"github.com/example/ride-negotiation/internal/live"
	"github.com/example/ride-negotiation/internal/models"
	"github.com/example/ride-negotiation/internal/negotiation"
	"github.com/example/ride-negotiation/internal/observability"
)

// LocationPublisher forwards driver pings to the ingest pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Options struct {
	Engine    *negotiation.Engine
	Geo       geo.Geo
	Locations LocationPublisher // optional; pings go straight to Geo without it
	WSReg     *dispatch.WSRegistry
	Live      *live.Hub
	Tokens    *auth.Tokens
	Logger    *slog.Logger
}

type Server struct {
	Engine    *negotiation.Engine
	Geo       geo.Geo
	Locations LocationPublisher
	WSReg     *dispatch.WSRegistry
	Live      *live.Hub
	Tokens    *auth.Tokens
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(o Options) *Server {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine:    o.Engine,
		Geo:       o.Geo,
		Locations: o.Locations,
		WSReg:     o.WSReg,
		Live:      o.Live,
		Tokens:    o.Tokens,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/widen", s.handleWidenSearch).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleCompleteRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/offers", s.handleListOffers).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/offers", s.handleMakeOffer).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/offers/{offer_id}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/offers/{offer_id}", s.handleGetOffer).Methods("GET")
	api.HandleFunc("/offers/{offer_id}/withdraw", s.handleWithdrawOffer).Methods("POST")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("/notifications", s.handleNotificationsWS)
	ws.HandleFunc("/rides/{ride_id}", s.handleRideWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type locationPing struct {
	ID           string              `json:"id"`
	Loc          models.Coord        `json:"loc"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Rating       float64             `json:"rating"`
	Online       *bool               `json:"online"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p locationPing
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		badRequest(w, "body", err.Error())
		return
	}
	if p.ID == "" || !p.Loc.Valid() || !p.VehicleClass.Valid() {
		badRequest(w, "driver", "id, valid loc and vehicle_class are required")
		return
	}
	d := models.Driver{ID: p.ID, Loc: p.Loc, VehicleClass: p.VehicleClass, Rating: p.Rating, Online: true, Updated: time.Now().UTC()}
	if p.Online != nil {
		d.Online = *p.Online
	}
	// publish to kafka if configured, otherwise update the index in place
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("location publish failed", "driver_id", d.ID, "err", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "location pipeline unavailable"})
			return
		}
		observability.LocationPings.WithLabelValues("kafka").Inc()
	} else {
		if err := s.Geo.Upsert(r.Context(), d); err != nil {
			s.logger.Warn("geo upsert failed", "driver_id", d.ID, "err", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "geo index unavailable"})
			return
		}
		observability.LocationPings.WithLabelValues("geo").Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

type rideRequestBody struct {
	Pickup        models.Place         `json:"pickup"`
	Dropoff       models.Place         `json:"dropoff"`
	VehicleClass  models.VehicleClass  `json:"vehicle_class"`
	ProposedPrice float64              `json:"proposed_price"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	Notes         string               `json:"notes"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireRole(w, r, auth.RoleRider)
	if !ok {
		return
	}
	var body rideRequestBody
	if !decode(w, r, &body) {
		return
	}
	ride, err := s.Engine.RequestRide(r.Context(), negotiation.RideRequest{
		RequesterID:    c.UserID(),
		Pickup:         body.Pickup,
		Dropoff:        body.Dropoff,
		VehicleClass:   body.VehicleClass,
		ProposedPrice:  body.ProposedPrice,
		PaymentMethod:  body.PaymentMethod,
		Notes:          body.Notes,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	ride, err := s.Engine.GetRide(r.Context(), mux.Vars(r)["ride_id"], c.UserID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleWidenSearch(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireRole(w, r, auth.RoleRider)
	if !ok {
		return
	}
	var body struct {
		RadiusKm float64 `json:"radius_km"`
	}
	if !decode(w, r, &body) {
		return
	}
	ride, err := s.Engine.WidenSearch(r.Context(), mux.Vars(r)["ride_id"], c.UserID(), body.RadiusKm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireRole(w, r, auth.RoleRider)
	if !ok {
		return
	}
	ride, err := s.Engine.CancelRide(r.Context(), mux.Vars(r)["ride_id"], c.UserID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireRole(w, r, auth.RoleDriver)
	if !ok {
		return
	}
	ride, err := s.Engine.CompleteRide(r.Context(), mux.Vars(r)["ride_id"], c.UserID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	offers, err := s.Engine.ListOffers(r.Context(), mux.Vars(r)["ride_id"], c.UserID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

type offerBody struct {
	Price   float64 `json:"price"`
	Message string  `json:"message"`
}

func (s *Server) handleMakeOffer(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireRole(w, r, auth.RoleDriver)
	if !ok {
		return
	}
	var body offerBody
	if !decode(w, r, &body) {
		return
	}
	offer, err := s.Engine.MakeOffer(r.Context(), negotiation.OfferRequest{
		RideID:         mux.Vars(r)["ride_id"],
		DriverID:       c.UserID(),
		Price:          body.Price,
		Message:        body.Message,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireRole(w, r, auth.RoleRider)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	ride, err := s.Engine.AcceptOffer(r.Context(), vars["ride_id"], vars["offer_id"], c.UserID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	offer, err := s.Engine.GetOffer(r.Context(), mux.Vars(r)["offer_id"], c.UserID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleWithdrawOffer(w http.ResponseWriter, r *http.Request) {
	c, ok := s.requireRole(w, r, auth.RoleDriver)
	if !ok {
		return
	}
	offer, err := s.Engine.WithdrawOffer(r.Context(), mux.Vars(r)["offer_id"], c.UserID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "body", err.Error())
		return false
	}
	return true
}
