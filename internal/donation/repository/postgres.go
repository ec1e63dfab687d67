package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/bloodlink/internal/donation/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS donors (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL DEFAULT '',
	age          INT NOT NULL DEFAULT 0,
	blood_type   TEXT NOT NULL,
	city         TEXT NOT NULL,
	state        TEXT NOT NULL,
	is_available BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE donors ADD COLUMN IF NOT EXISTS phone TEXT NOT NULL DEFAULT '',
	ADD COLUMN IF NOT EXISTS email TEXT NOT NULL DEFAULT '',
	ADD COLUMN IF NOT EXISTS age INT NOT NULL DEFAULT 0;
CREATE UNIQUE INDEX IF NOT EXISTS donors_email_idx ON donors (lower(email)) WHERE email <> '';
CREATE TABLE IF NOT EXISTS blood_requests (
	id                TEXT PRIMARY KEY,
	requester_name    TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	patient_name      TEXT NOT NULL DEFAULT '',
	hospital_name     TEXT NOT NULL DEFAULT '',
	blood_type_needed TEXT NOT NULL,
	units_needed      INT NOT NULL DEFAULT 1,
	urgency           TEXT NOT NULL,
	city              TEXT NOT NULL,
	state             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'Active',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
ALTER TABLE blood_requests ADD COLUMN IF NOT EXISTS requester_name TEXT NOT NULL DEFAULT '',
	ADD COLUMN IF NOT EXISTS phone TEXT NOT NULL DEFAULT '',
	ADD COLUMN IF NOT EXISTS email TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS blood_requests_active_idx ON blood_requests (created_at DESC) WHERE status = 'Active';
CREATE TABLE IF NOT EXISTS alerts (
	id               TEXT PRIMARY KEY,
	blood_request_id TEXT NOT NULL,
	alert_type       TEXT NOT NULL,
	urgency          TEXT NOT NULL,
	donors_notified  INT NOT NULL,
	total_compatible INT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_created_at_idx ON alerts (created_at DESC);
CREATE TABLE IF NOT EXISTS alert_outbox (
	id         BIGSERIAL PRIMARY KEY,
	subject    TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	published  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore implements the donor, request and alert stores on
// database/sql with the pgx driver. Alert records are written together with
// an outbox row so the relay can publish them.
type PostgresStore struct {
	db           *sql.DB
	alertSubject string
}

func NewPostgresStore(db *sql.DB, alertSubject string) *PostgresStore {
	if alertSubject == "" {
		alertSubject = "alerts.dispatched"
	}
	return &PostgresStore{db: db, alertSubject: alertSubject}
}

// EnsureSchema creates the tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

// CreateDonor inserts a new donor. A clash on the email index yields
// ErrDuplicateDonor.
func (s *PostgresStore) CreateDonor(ctx context.Context, d domain.Donor) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO donors (`+donorColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, donorArgs(d)...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "donors_email_idx" {
		return fmt.Errorf("create donor: %w", domain.ErrDuplicateDonor)
	}
	if err != nil {
		return fmt.Errorf("create donor: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, r domain.BloodRequest) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO blood_requests (`+requestColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, requestArgs(r)...)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

const donorColumns = `id, name, phone, email, age, blood_type, city, state, is_available, created_at`

func donorArgs(d domain.Donor) []any {
	return []any{d.ID, d.Name, d.Phone, domain.NormalizeEmail(d.Email), d.Age, string(d.BloodType),
		d.City, d.State, d.Available, d.CreatedAt}
}

func scanDonor(row interface{ Scan(...any) error }) (domain.Donor, error) {
	var (
		d  domain.Donor
		bt string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Email, &d.Age, &bt, &d.City, &d.State, &d.Available, &d.CreatedAt); err != nil {
		return domain.Donor{}, err
	}
	d.BloodType = domain.BloodType(bt)
	return d, nil
}

const requestColumns = `id, requester_name, phone, email, patient_name, hospital_name, blood_type_needed, units_needed,
	urgency, city, state, description, status, created_at`

func requestArgs(r domain.BloodRequest) []any {
	return []any{r.ID, r.RequesterName, r.Phone, r.Email, r.PatientName, r.HospitalName, string(r.BloodTypeNeeded),
		r.UnitsNeeded, string(r.Urgency), r.City, r.State, r.Description, string(r.Status), r.CreatedAt}
}

func scanRequest(row interface{ Scan(...any) error }) (domain.BloodRequest, error) {
	var (
		r                   domain.BloodRequest
		bt, urgency, status string
	)
	if err := row.Scan(&r.ID, &r.RequesterName, &r.Phone, &r.Email, &r.PatientName, &r.HospitalName, &bt,
		&r.UnitsNeeded, &urgency, &r.City, &r.State, &r.Description, &status, &r.CreatedAt); err != nil {
		return domain.BloodRequest{}, err
	}
	r.BloodTypeNeeded = domain.BloodType(bt)
	r.Urgency = domain.Urgency(urgency)
	r.Status = domain.RequestStatus(status)
	return r, nil
}

func (s *PostgresStore) ListAvailable(ctx context.Context) ([]domain.Donor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+donorColumns+` FROM donors WHERE is_available ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("select donors: %w", err)
	}
	defer rows.Close()
	var out []domain.Donor
	for rows.Next() {
		d, err := scanDonor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan donor: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate donors: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetDonor(ctx context.Context, id string) (domain.Donor, error) {
	d, err := scanDonor(s.db.QueryRowContext(ctx, `SELECT `+donorColumns+` FROM donors WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Donor{}, fmt.Errorf("donor %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Donor{}, fmt.Errorf("select donor: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) CountAvailable(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM donors WHERE is_available`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count donors: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountAvailableByBloodType(ctx context.Context) (map[domain.BloodType]int, error) {
	return s.countByType(ctx, `SELECT blood_type, count(*) FROM donors WHERE is_available GROUP BY blood_type`)
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (domain.BloodRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM blood_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BloodRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.BloodRequest{}, fmt.Errorf("select request: %w", err)
	}
	return r, nil
}

// ListActive returns active requests newest first.
func (s *PostgresStore) ListActive(ctx context.Context) ([]domain.BloodRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM blood_requests
WHERE status = 'Active' ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("select requests: %w", err)
	}
	defer rows.Close()
	var out []domain.BloodRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM blood_requests WHERE status = 'Active'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountActiveByBloodType(ctx context.Context) (map[domain.BloodType]int, error) {
	return s.countByType(ctx, `SELECT blood_type_needed, count(*) FROM blood_requests WHERE status = 'Active' GROUP BY blood_type_needed`)
}

func (s *PostgresStore) countByType(ctx context.Context, query string) (map[domain.BloodType]int, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by blood type: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.BloodType]int)
	for rows.Next() {
		var (
			bt string
			n  int
		)
		if err := rows.Scan(&bt, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[domain.BloodType(bt)] = n
	}
	return out, rows.Err()
}

// Record stores the alert and queues it for publication in one transaction.
func (s *PostgresStore) Record(ctx context.Context, rec domain.AlertRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `INSERT INTO alerts (id, blood_request_id, alert_type, urgency, donors_notified, total_compatible, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.RequestID, string(rec.Kind), string(rec.Urgency), rec.DonorsNotified, rec.TotalCompatible, rec.CreatedAt); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO alert_outbox (subject, payload) VALUES ($1, $2)`, s.alertSubject, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]domain.AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, blood_request_id, alert_type, urgency, donors_notified, total_compatible, created_at
FROM alerts ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select alerts: %w", err)
	}
	defer rows.Close()
	out := make([]domain.AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec           domain.AlertRecord
			kind, urgency string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &kind, &urgency, &rec.DonorsNotified, &rec.TotalCompatible, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		rec.Kind = domain.AlertKind(kind)
		rec.Urgency = domain.Urgency(urgency)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}
