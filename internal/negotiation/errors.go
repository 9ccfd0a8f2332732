package negotiation

import (
	"errors"
	"fmt"

	"github.com/example/ride-negotiation/internal/observability"
	"github.com/example/ride-negotiation/internal/storage"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuth
	KindConflict
	KindNotFound
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// Conflict reasons. These strings are part of the API contract.
const (
	ReasonActiveRideExists      = "active_ride_exists"
	ReasonRideNotNegotiating    = "ride_not_negotiating"
	ReasonRideAlreadyAccepted   = "ride_already_accepted"
	ReasonDuplicatePendingOffer = "duplicate_pending_offer"
	ReasonOfferExpired          = "offer_expired"
	ReasonOfferNotPending       = "offer_not_pending"
	ReasonRideNotAccepted       = "ride_not_accepted"
	ReasonSearchRadiusChanged   = "search_radius_changed"
)

var errRideDecided = errors.New("ride no longer available")

// Error is returned by every Engine operation that fails.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

// Sentinels for errors.Is checks by kind.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrAuth        = &Error{Kind: KindAuth}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrUnavailable = &Error{Kind: KindUnavailable}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels, so errors.Is(err, ErrConflict) holds for any
// conflict regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ReasonOf returns the reason carried by err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func invalid(op, field, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Reason: field, Err: fmt.Errorf(format, args...)}
}

func unauthorized(op, msg string) error {
	return &Error{Kind: KindAuth, Op: op, Err: errors.New(msg)}
}

func notFound(op, what string) error {
	return &Error{Kind: KindNotFound, Op: op, Err: errors.New(what + " not found")}
}

func conflict(op, reason string, err error) error {
	observability.ConflictsTotal.WithLabelValues(reason).Inc()
	return &Error{Kind: KindConflict, Op: op, Reason: reason, Err: err}
}

// fromStore translates a storage outcome into an engine error. what names
// the record a NotFound refers to.
func fromStore(op, what string, err error) error {
	var e *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return notFound(op, what)
	case errors.Is(err, storage.ErrActiveRideExists):
		return conflict(op, ReasonActiveRideExists, errors.New("you already have an active ride"))
	case errors.Is(err, storage.ErrRideNotNegotiating):
		return conflict(op, ReasonRideNotNegotiating, errRideDecided)
	case errors.Is(err, storage.ErrRideNotAccepted):
		return conflict(op, ReasonRideNotAccepted, errors.New("ride is not accepted by this driver"))
	case errors.Is(err, storage.ErrDuplicatePendingOffer):
		return conflict(op, ReasonDuplicatePendingOffer, errors.New("driver already has a pending offer on this ride"))
	case errors.Is(err, storage.ErrOfferNotPending):
		return conflict(op, ReasonOfferNotPending, errors.New("offer already decided"))
	case errors.Is(err, storage.ErrOfferExpired):
		return conflict(op, ReasonOfferExpired, errors.New("offer expired"))
	case errors.Is(err, storage.ErrRadiusNotWider):
		return conflict(op, ReasonSearchRadiusChanged, errors.New("search radius was widened concurrently"))
	}
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}
