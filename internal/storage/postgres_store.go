package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/campus-ride-matching/internal/models"
)

const (
	uniqueViolation    = "23505"
	activeRequestIndex = "ride_requests_one_active_idx"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }

const userColumns = `id, name, email, password_hash, role, capacity, available_seats, last_lat, last_lon, last_located_at, is_online, last_seen, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u        models.User
		email    sql.NullString
		lat, lon sql.NullFloat64
		located  sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Name, &email, &u.PasswordHash, &u.Role, &u.Capacity, &u.AvailableSeats,
		&lat, &lon, &located, &u.IsOnline, &u.LastSeen, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Email = email.String
	if lat.Valid && lon.Valid && located.Valid {
		u.LastLocation = &models.Location{Coord: models.Coord{Lat: lat.Float64, Lon: lon.Float64}, UpdatedAt: located.Time}
	}
	return &u, nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return u, err
}

func (p *PostgresStore) FindUsers(ctx context.Context, f UserFilter) ([]*models.User, error) {
	var (
		where []string
		args  []any
	)
	if f.Role != "" {
		args = append(args, f.Role)
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	if f.OnlineOnly {
		where = append(where, "is_online")
	}
	if !f.LocatedSince.IsZero() {
		args = append(args, f.LocatedSince)
		where = append(where, fmt.Sprintf("last_located_at >= $%d", len(args)))
	}
	q := `SELECT ` + userColumns + ` FROM users`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertUser(ctx context.Context, u *models.User) error {
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, capacity, available_seats, is_online, last_seen, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, role = EXCLUDED.role, email = COALESCE(EXCLUDED.email, users.email)`,
		u.ID, u.Name, u.Email, u.PasswordHash, u.Role, u.Capacity, u.AvailableSeats, u.IsOnline, u.LastSeen, createdAt)
	return err
}

func (p *PostgresStore) SetPresence(ctx context.Context, id string, online bool, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1`, id, online, at)
	return expectRow(res, err, "user "+id)
}

func (p *PostgresStore) SetLocation(ctx context.Context, id string, loc models.Location) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET last_lat = $2, last_lon = $3, last_located_at = $4 WHERE id = $1`,
		id, loc.Lat, loc.Lon, loc.UpdatedAt)
	return expectRow(res, err, "user "+id)
}

func (p *PostgresStore) AdjustSeats(ctx context.Context, driverID string, delta int) (models.DriverCapacity, error) {
	c := models.DriverCapacity{DriverID: driverID}
	err := p.db.QueryRowContext(ctx, `
		UPDATE users SET available_seats = LEAST(available_seats + $2, capacity)
		WHERE id = $1 AND role = 'driver' AND available_seats + $2 >= 0
		RETURNING capacity, available_seats`, driverID, delta).Scan(&c.Capacity, &c.AvailableSeats)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return c, err
	}
	var seats int
	err = p.db.QueryRowContext(ctx, `SELECT available_seats FROM users WHERE id = $1 AND role = 'driver'`, driverID).Scan(&seats)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	if err != nil {
		return c, err
	}
	return c, fmt.Errorf("driver %s has %d seats, needs %d: %w", driverID, seats, -delta, models.ErrInsufficientCapacity)
}

func (p *PostgresStore) SetAvailableSeats(ctx context.Context, driverID string, seats int) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET available_seats = $2 WHERE id = $1 AND role = 'driver'`, driverID, seats)
	return expectRow(res, err, "driver "+driverID)
}

const rideColumns = `id, student_id, point, status, driver_id, request_order, created_at, accepted_at, completed_at`

func scanRide(row rowScanner) (*models.RideRequest, error) {
	var (
		r                   models.RideRequest
		driver              sql.NullString
		accepted, completed sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.StudentID, &r.Point, &r.Status, &driver, &r.RequestOrder, &r.CreatedAt, &accepted, &completed); err != nil {
		return nil, err
	}
	r.DriverID = driver.String
	if accepted.Valid {
		r.AcceptedAt = &accepted.Time
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return &r, nil
}

func (p *PostgresStore) InsertRideRequest(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests (`+rideColumns+`) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
		r.ID, r.StudentID, r.Point, r.Status, r.DriverID, r.RequestOrder, r.CreatedAt, r.AcceptedAt, r.CompletedAt)
	if !activeRequestConflict(err) {
		return err
	}
	active := &models.ActiveRequestError{}
	lookup := p.db.QueryRowContext(ctx, `SELECT point, status FROM ride_requests WHERE student_id = $1 AND status IN ('pending', 'accepted')`, r.StudentID).
		Scan(&active.Point, &active.Status)
	if lookup != nil && !errors.Is(lookup, sql.ErrNoRows) {
		return fmt.Errorf("load conflicting request for %s: %w", r.StudentID, errors.Join(lookup, active))
	}
	return active
}

// activeRequestConflict reports whether err is the one-active-request index
// rejecting an insert. Other unique violations are ordinary failures.
func activeRequestConflict(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == activeRequestIndex
}

func (p *PostgresStore) GetRideRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride request %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

func rideWhere(f RideFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.StudentID != "" {
		add("student_id = $%d", f.StudentID)
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	if f.Point != "" {
		add("point = $%d", f.Point)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (p *PostgresStore) FindRideRequests(ctx context.Context, f RideFilter) ([]*models.RideRequest, error) {
	where, args := rideWhere(f)
	q := `SELECT ` + rideColumns + ` FROM ride_requests` + where + ` ORDER BY request_order ASC, created_at ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountRideRequests(ctx context.Context, f RideFilter) (int, error) {
	where, args := rideWhere(f)
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM ride_requests`+where, args...).Scan(&n)
	return n, err
}

func (p *PostgresStore) UpdateRideRequests(ctx context.Context, ids []string, from models.RideStatus, u RideUpdate) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{u.Status, pq.Array(ids), from}
	set := []string{"status = $1"}
	if u.DriverID != nil {
		args = append(args, *u.DriverID)
		set = append(set, fmt.Sprintf("driver_id = NULLIF($%d, '')", len(args)))
	}
	if u.AcceptedAt != nil {
		args = append(args, nullTime(*u.AcceptedAt))
		set = append(set, fmt.Sprintf("accepted_at = $%d", len(args)))
	}
	if u.CompletedAt != nil {
		args = append(args, nullTime(*u.CompletedAt))
		set = append(set, fmt.Sprintf("completed_at = $%d", len(args)))
	}
	res, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET `+strings.Join(set, ", ")+` WHERE id = ANY($2) AND status = $3`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) DeleteRideRequest(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM ride_requests WHERE id = $1`, id)
	return expectRow(res, err, "ride request "+id)
}

func (p *PostgresStore) MaxRequestOrder(ctx context.Context, point string) (int64, error) {
	var top int64
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(request_order), 0) FROM ride_requests WHERE point = $1`, point).Scan(&top)
	return top, err
}

func expectRow(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, models.ErrNotFound)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
