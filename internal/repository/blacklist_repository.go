package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// BlacklistStore holds numbers that must never be messaged. Entries are keyed
// by normalized number; appending an existing number keeps the first entry.
type BlacklistStore interface {
	Append(ctx context.Context, entry model.BlacklistEntry) error
	Remove(ctx context.Context, phone string) (bool, error)
	Snapshot(ctx context.Context) (model.PhoneSet, error)
	List(ctx context.Context) ([]model.BlacklistEntry, error)
}

type BlacklistRepository struct {
	DB *sql.DB
}

func (r *BlacklistRepository) Append(ctx context.Context, e model.BlacklistEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO blacklist (phone, reason, source, notes, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (phone) DO NOTHING
    `
	_, err := r.DB.ExecContext(ctx, query, e.Phone, string(e.Reason), string(e.Source), e.Notes, e.CreatedAt)
	return err
}

func (r *BlacklistRepository) Remove(ctx context.Context, phone string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM blacklist WHERE phone=$1`, phone)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *BlacklistRepository) Snapshot(ctx context.Context) (model.PhoneSet, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phone FROM blacklist`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := model.PhoneSet{}
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, err
		}
		set[phone] = struct{}{}
	}
	return set, rows.Err()
}

func (r *BlacklistRepository) List(ctx context.Context) ([]model.BlacklistEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phone, reason, source, notes, created_at FROM blacklist ORDER BY created_at, phone`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.BlacklistEntry{}
	for rows.Next() {
		var e model.BlacklistEntry
		if err := rows.Scan(&e.Phone, &e.Reason, &e.Source, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ BlacklistStore = (*BlacklistRepository)(nil)
