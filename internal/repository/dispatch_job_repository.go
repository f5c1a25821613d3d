package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// DispatchJobRepository persists jobs and suppressions for reporting and recovery.
type DispatchJobRepository struct {
	DB *sql.DB
}

var jobColumns = []string{
	"id", "campaign_id", "recipient_id", "phone", "body", "variant", "phase", "gateway",
	"seq", "state", "attempts", "cost", "provider_message_id", "last_error", "error_class",
	"next_attempt_at", "last_status_at", "created_at",
}

// SaveJobs bulk-loads new jobs with COPY.
func (r *DispatchJobRepository) SaveJobs(ctx context.Context, jobs []model.DispatchJob) error {
	if len(jobs) == 0 {
		return nil
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("dispatch_jobs", jobColumns...))
		if err != nil {
			return fmt.Errorf("prepare copy: %w", err)
		}
		for _, j := range jobs {
			if _, err := stmt.ExecContext(ctx,
				j.ID, j.CampaignID, j.RecipientID, j.Phone, j.Body, j.Variant, string(j.Phase), j.Gateway,
				j.Seq, string(j.State), j.Attempts, j.Cost, j.ProviderMessageID, j.LastError, string(j.ErrorClass),
				j.NextAttemptAt, j.LastStatusAt, j.CreatedAt,
			); err != nil {
				stmt.Close()
				return fmt.Errorf("copy job %d: %w", j.ID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("flush copy: %w", err)
		}
		return stmt.Close()
	})
}

// UpdateJobs writes the mutable part of each job.
func (r *DispatchJobRepository) UpdateJobs(ctx context.Context, jobs []model.DispatchJob) error {
	if len(jobs) == 0 {
		return nil
	}
	query := `
        UPDATE dispatch_jobs
        SET state=$1, attempts=$2, cost=$3, provider_message_id=$4, last_error=$5,
            error_class=$6, next_attempt_at=$7, last_status_at=$8
        WHERE id=$9
    `
	return r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, j := range jobs {
			if _, err := stmt.ExecContext(ctx,
				string(j.State), j.Attempts, j.Cost, j.ProviderMessageID, j.LastError, string(j.ErrorClass),
				j.NextAttemptAt, j.LastStatusAt, j.ID,
			); err != nil {
				return fmt.Errorf("update job %d: %w", j.ID, err)
			}
		}
		return nil
	})
}

func (r *DispatchJobRepository) SaveSuppressions(ctx context.Context, s []model.Suppression) error {
	if len(s) == 0 {
		return nil
	}
	query := `
        INSERT INTO suppressions (campaign_id, recipient_id, phone, reason, detail, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	return r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, sup := range s {
			if _, err := stmt.ExecContext(ctx, sup.CampaignID, sup.RecipientID, sup.Phone, string(sup.Reason), sup.Detail, sup.CreatedAt); err != nil {
				return fmt.Errorf("insert suppression for %s: %w", sup.RecipientID, err)
			}
		}
		return nil
	})
}

// StatusCounts returns the number of jobs per state for a campaign.
func (r *DispatchJobRepository) StatusCounts(ctx context.Context, campaignID string) (map[string]int, error) {
	query := `SELECT state, COUNT(*) FROM dispatch_jobs WHERE campaign_id=$1 GROUP BY state`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

func (r *DispatchJobRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
