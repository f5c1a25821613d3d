package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/smsleopard-dispatch/internal/errors"
	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	UpdateState(ctx context.Context, id string, state model.CampaignState, winner string) error
	ListCampaigns(ctx context.Context, offset, limit int, state string) ([]*model.Campaign, int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, template, audience, send_at, until_at, allocations, gateway, state, winner, created_at, updated_at, started_at, completed_at`

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.State == "" {
		c.State = model.CampaignDraft
	}
	tpl, err := json.Marshal(c.Template)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	aud, err := json.Marshal(c.Audience)
	if err != nil {
		return fmt.Errorf("encode audience: %w", err)
	}
	allocs, err := json.Marshal(c.Allocations)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}

	query := `
        INSERT INTO campaigns (id, name, template, audience, send_at, until_at, allocations, gateway, state, winner, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `
	_, err = r.DB.ExecContext(ctx, query,
		c.ID, c.Name, tpl, aud, c.Schedule.SendAt, c.Schedule.Until, allocs,
		c.Gateway, c.State, c.Winner, c.CreatedAt,
	)
	return err
}

// UpdateState stamps started_at on the first move to running and completed_at on a final state.
func (r *CampaignRepository) UpdateState(ctx context.Context, id string, state model.CampaignState, winner string) error {
	query := `
        UPDATE campaigns
        SET state=$1,
            winner=$2,
            updated_at=$3,
            started_at=CASE WHEN $1='running' AND started_at IS NULL THEN $3 ELSE started_at END,
            completed_at=CASE WHEN $1 IN ('completed', 'cancelled') THEN $3 ELSE completed_at END
        WHERE id=$4
    `
	res, err := r.DB.ExecContext(ctx, query, state, winner, time.Now(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var (
		c                model.Campaign
		tpl, aud, allocs []byte
		sendAt, until    sql.NullTime
		updated, started sql.NullTime
		completed        sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Name, &tpl, &aud, &sendAt, &until, &allocs, &c.Gateway, &c.State, &c.Winner,
		&c.CreatedAt, &updated, &started, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tpl, &c.Template); err != nil {
		return nil, fmt.Errorf("decode template of campaign %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(aud, &c.Audience); err != nil {
		return nil, fmt.Errorf("decode audience of campaign %s: %w", c.ID, err)
	}
	if len(allocs) > 0 {
		if err := json.Unmarshal(allocs, &c.Allocations); err != nil {
			return nil, fmt.Errorf("decode allocations of campaign %s: %w", c.ID, err)
		}
	}
	c.Schedule.SendAt = timePtr(sendAt)
	c.Schedule.Until = timePtr(until)
	c.UpdatedAt = timePtr(updated)
	c.StartedAt = timePtr(started)
	c.CompletedAt = timePtr(completed)
	return &c, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, state string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []any{}
	argPos := 1

	if state != "" {
		query += fmt.Sprintf(" AND state=$%d", argPos)
		args = append(args, state)
		argPos++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	countArgs := []any{}
	if state != "" {
		countQuery += " AND state=$1"
		countArgs = append(countArgs, state)
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
