package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/example/ride-negotiation/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type dialect struct {
	numbered  bool   // $1-style placeholders
	forUpdate string // row lock taken before a compare-and-set
	forShare  string // row lock that blocks a concurrent compare-and-set
}

var dialects = map[string]dialect{
	"postgres": {numbered: true, forUpdate: " FOR UPDATE", forShare: " FOR SHARE"},
	"pgx":      {numbered: true, forUpdate: " FOR UPDATE", forShare: " FOR SHARE"},
	// sqlite serializes writers; the store pins one connection and opens
	// transactions with BEGIN IMMEDIATE.
	"sqlite3": {},
}

// SQLStore implements Store on database/sql. Postgres is reached through
// lib/pq ("postgres") or pgx ("pgx"); "sqlite3" backs single-node and test
// deployments.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, d: d}, nil
}

// SQLiteDSN returns the connection string SQLStore expects for a sqlite file.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
}

// Migrate applies the embedded schema. It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		for _, stmt := range strings.Split(string(b), ";") {
			if strings.TrimSpace(stripComments(stmt)) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const rideColumns = `id, request_key, requester_id, pickup_lat, pickup_lon, pickup_address,
	dropoff_lat, dropoff_lon, dropoff_address, vehicle_class, proposed_price_cents, payment_method,
	notes, status, driver_id, final_price_cents, accepted_offer_id, search_radius_km, created_at, updated_at`

const offerColumns = `id, ride_id, driver_id, price_cents, message, status, created_at, expires_at, updated_at`

func (s *SQLStore) CreateRide(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	if existing, err := s.rideByKey(ctx, r.RequestKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO rides (`+rideColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?, ?)`),
		r.ID, r.RequestKey, r.RequesterID,
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lon, r.Dropoff.Address,
		string(r.VehicleClass), toCents(r.ProposedPrice), string(r.PaymentMethod),
		r.Notes, string(models.RideNegotiating), r.SearchRadiusKm,
		millis(r.CreatedAt), millis(r.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Either a concurrent retry under the same key won, or the
			// active-ride index rejected a second ride.
			if existing, kerr := s.rideByKey(ctx, r.RequestKey); kerr == nil {
				return existing, nil
			}
			return nil, ErrActiveRideExists
		}
		return nil, fmt.Errorf("create ride: %w", err)
	}
	return s.GetRide(ctx, r.ID)
}

func (s *SQLStore) rideByKey(ctx context.Context, key string) (*models.Ride, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+rideColumns+` FROM rides WHERE request_key = ?`), key)
	return scanRide(row)
}

func (s *SQLStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+rideColumns+` FROM rides WHERE id = ?`), id)
	return scanRide(row)
}

func (s *SQLStore) SetSearchRadius(ctx context.Context, rideID string, radiusKm float64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE rides SET search_radius_km = ?, updated_at = ?
		WHERE id = ? AND status = ? AND search_radius_km < ?`),
		radiusKm, millis(now), rideID, string(models.RideNegotiating), radiusKm)
	if err != nil {
		return fmt.Errorf("set search radius: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	r, err := s.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != models.RideNegotiating {
		return ErrRideNotNegotiating
	}
	return ErrRadiusNotWider
}

func (s *SQLStore) MarkNotified(ctx context.Context, rideID string, driverIDs []string, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	fresh := make([]string, 0, len(driverIDs))
	for _, id := range driverIDs {
		res, err := tx.ExecContext(ctx, s.q(`INSERT INTO ride_candidates (ride_id, driver_id, notified_at)
			VALUES (?, ?, ?) ON CONFLICT (ride_id, driver_id) DO NOTHING`), rideID, id, millis(now))
		if err != nil {
			return nil, fmt.Errorf("mark notified: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			fresh = append(fresh, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark notified: %w", err)
	}
	return fresh, nil
}

func (s *SQLStore) CreateOffer(ctx context.Context, o *models.Offer) (*models.Offer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := scanOffer(tx.QueryRowContext(ctx, s.q(`SELECT `+offerColumns+` FROM offers WHERE id = ?`), o.ID))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	// Holding the ride row keeps a concurrent award or cancel from
	// committing between the status check and the insert.
	var status string
	err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM rides WHERE id = ?`+s.d.forShare), o.RideID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if models.RideStatus(status) != models.RideNegotiating {
		return nil, ErrRideNotNegotiating
	}

	if _, err := tx.ExecContext(ctx, s.q(`UPDATE offers SET status = ?, updated_at = ?
		WHERE ride_id = ? AND driver_id = ? AND status = ? AND expires_at < ?`),
		string(models.OfferExpired), millis(o.CreatedAt), o.RideID, o.DriverID,
		string(models.OfferPending), millis(o.CreatedAt)); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO offers (`+offerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.ID, o.RideID, o.DriverID, toCents(o.Price), o.Message, string(models.OfferPending),
		millis(o.CreatedAt), millis(o.ExpiresAt), millis(o.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicatePendingOffer
		}
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return s.GetOffer(ctx, o.ID)
}

func (s *SQLStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	return scanOffer(s.db.QueryRowContext(ctx, s.q(`SELECT `+offerColumns+` FROM offers WHERE id = ?`), id))
}

func (s *SQLStore) ListOffers(ctx context.Context, rideID string) ([]models.Offer, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+offerColumns+` FROM offers
		WHERE ride_id = ? ORDER BY created_at, id`), rideID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return collectOffers(rows)
}

func (s *SQLStore) TransitionOffer(ctx context.Context, offerID string, from, to models.OfferStatus, now time.Time) (*models.Offer, error) {
	query := `UPDATE offers SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	args := []any{string(to), millis(now), offerID, string(from)}
	if from == models.OfferPending && to != models.OfferExpired {
		query += ` AND expires_at >= ?`
		args = append(args, millis(now))
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("transition offer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return s.GetOffer(ctx, offerID)
	}
	o, err := s.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.Status != from {
		return nil, ErrOfferNotPending
	}
	return nil, ErrOfferExpired
}

func (s *SQLStore) ExpireOffers(ctx context.Context, rideID string, now time.Time) ([]models.Offer, error) {
	query := `UPDATE offers SET status = ?, updated_at = ? WHERE status = ? AND expires_at < ?`
	args := []any{string(models.OfferExpired), millis(now), string(models.OfferPending), millis(now)}
	if rideID != "" {
		query += ` AND ride_id = ?`
		args = append(args, rideID)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query+` RETURNING `+offerColumns), args...)
	if err != nil {
		return nil, fmt.Errorf("expire offers: %w", err)
	}
	return collectOffers(rows)
}

func (s *SQLStore) RejectPendingOffers(ctx context.Context, rideID, exceptOfferID string, now time.Time) ([]models.Offer, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`UPDATE offers SET status = ?, updated_at = ?
		WHERE ride_id = ? AND status = ? AND id <> ? RETURNING `+offerColumns),
		string(models.OfferRejected), millis(now), rideID, string(models.OfferPending), exceptOfferID)
	if err != nil {
		return nil, fmt.Errorf("reject pending offers: %w", err)
	}
	return collectOffers(rows)
}

func (s *SQLStore) RejectOrphanedOffers(ctx context.Context, now time.Time) ([]models.Offer, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`UPDATE offers SET status = ?, updated_at = ?
		WHERE status = ? AND ride_id IN (SELECT id FROM rides WHERE status <> ?) RETURNING `+offerColumns),
		string(models.OfferRejected), millis(now), string(models.OfferPending), string(models.RideNegotiating))
	if err != nil {
		return nil, fmt.Errorf("reject orphaned offers: %w", err)
	}
	return collectOffers(rows)
}

func (s *SQLStore) AwardOffer(ctx context.Context, rideID, offerID string, now time.Time) (*models.Ride, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Lock order is ride then offer everywhere, so award and cancel queue
	// behind each other instead of deadlocking.
	var status string
	err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM rides WHERE id = ?`+s.d.forUpdate), rideID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("award offer: %w", err)
	}
	o, err := scanOffer(tx.QueryRowContext(ctx, s.q(`SELECT `+offerColumns+` FROM offers WHERE id = ?`+s.d.forUpdate), offerID))
	if err != nil {
		return nil, err
	}
	if o.RideID != rideID {
		return nil, ErrNotFound
	}

	res, err := tx.ExecContext(ctx, s.q(`UPDATE rides
		SET status = ?, driver_id = ?, final_price_cents = ?, accepted_offer_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.RideAccepted), o.DriverID, toCents(o.Price), o.ID, millis(now),
		rideID, string(models.RideNegotiating))
	if err != nil {
		return nil, fmt.Errorf("award offer: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrRideNotNegotiating
	}

	res, err = tx.ExecContext(ctx, s.q(`UPDATE offers SET status = ?, updated_at = ?
		WHERE id = ? AND ride_id = ? AND status = ? AND expires_at >= ?`),
		string(models.OfferAccepted), millis(now), offerID, rideID, string(models.OfferPending), millis(now))
	if err != nil {
		return nil, fmt.Errorf("award offer: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		if o.Status != models.OfferPending {
			return nil, ErrOfferNotPending
		}
		return nil, ErrOfferExpired
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("award offer: %w", err)
	}
	return s.GetRide(ctx, rideID)
}

func (s *SQLStore) CancelRide(ctx context.Context, rideID string, now time.Time) (*models.Ride, []models.Offer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, s.q(`SELECT status FROM rides WHERE id = ?`+s.d.forUpdate), rideID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("cancel ride: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE rides SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(models.RideCancelled), millis(now), rideID, string(models.RideNegotiating))
	if err != nil {
		return nil, nil, fmt.Errorf("cancel ride: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil, ErrRideNotNegotiating
	}
	rows, err := tx.QueryContext(ctx, s.q(`UPDATE offers SET status = ?, updated_at = ?
		WHERE ride_id = ? AND status = ? RETURNING `+offerColumns),
		string(models.OfferRejected), millis(now), rideID, string(models.OfferPending))
	if err != nil {
		return nil, nil, fmt.Errorf("cancel ride: %w", err)
	}
	rejected, err := collectOffers(rows)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("cancel ride: %w", err)
	}
	r, err := s.GetRide(ctx, rideID)
	if err != nil {
		return nil, nil, err
	}
	return r, rejected, nil
}

func (s *SQLStore) CompleteRide(ctx context.Context, rideID, driverID string, now time.Time) (*models.Ride, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE rides SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND driver_id = ?`),
		string(models.RideCompleted), millis(now), rideID, string(models.RideAccepted), driverID)
	if err != nil {
		return nil, fmt.Errorf("complete ride: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		if _, err := s.GetRide(ctx, rideID); err != nil {
			return nil, err
		}
		return nil, ErrRideNotAccepted
	}
	return s.GetRide(ctx, rideID)
}

func (s *SQLStore) ListStaleRides(ctx context.Context, createdBefore time.Time, limit int) ([]models.Ride, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+rideColumns+` FROM rides
		WHERE status = ? AND created_at < ? ORDER BY created_at LIMIT ?`),
		string(models.RideNegotiating), millis(createdBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale rides: %w", err)
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(sc scanner) (*models.Ride, error) {
	var (
		r                        models.Ride
		vehicle, payment, status string
		proposed                 int64
		driver, accepted         sql.NullString
		final                    sql.NullInt64
		created, updated         int64
	)
	err := sc.Scan(&r.ID, &r.RequestKey, &r.RequesterID,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.Dropoff.Address,
		&vehicle, &proposed, &payment, &r.Notes, &status,
		&driver, &final, &accepted, &r.SearchRadiusKm, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.VehicleClass = models.VehicleClass(vehicle)
	r.ProposedPrice = fromCents(proposed)
	r.PaymentMethod = models.PaymentMethod(payment)
	r.Status = models.RideStatus(status)
	r.DriverID = driver.String
	r.AcceptedOffer = accepted.String
	if final.Valid {
		p := fromCents(final.Int64)
		r.FinalPrice = &p
	}
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

func scanOffer(sc scanner) (*models.Offer, error) {
	var (
		o                         models.Offer
		price                     int64
		status                    string
		created, expires, updated int64
	)
	err := sc.Scan(&o.ID, &o.RideID, &o.DriverID, &price, &o.Message, &status, &created, &expires, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Price = fromCents(price)
	o.Status = models.OfferStatus(status)
	o.CreatedAt = fromMillis(created)
	o.ExpiresAt = fromMillis(expires)
	o.UpdatedAt = fromMillis(updated)
	return &o, nil
}

func collectOffers(rows *sql.Rows) ([]models.Offer, error) {
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortOffers(out)
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "--") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
