package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/fleet-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	var (
		t      models.Trip
		driver sql.NullString
		status string
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, organization_id, driver_id, status, updated_at FROM trips WHERE id=$1`, id,
	).Scan(&t.ID, &t.OrganizationID, &driver, &status, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, models.Errorf(models.ErrNotFound, "trip %s", id)
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("select trip %s: %w", id, err)
	}
	st, ok := models.ParseTripStatus(status)
	if !ok {
		return models.Trip{}, fmt.Errorf("trip %s has unknown status %q", id, status)
	}
	t.DriverID = driver.String
	t.Status = st
	return t, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to models.TripStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE trips SET status=$1, updated_at=now() WHERE id=$2 AND status=$3`, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("update trip %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trip %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	current, err := p.GetTrip(ctx, id)
	if err != nil {
		return err
	}
	return models.Errorf(models.ErrIllegalTransition, "trip %s is %s, not %s", id, current.Status, from)
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }
