package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/model"
)

const jobColumns = `id, name, description, enabled, payload_type, from_node, to_node, channel_name, channel_key, gateway_node,
	hop_limit, hop_start, want_ack, pki_encrypted, payload_options, period_seconds, next_run_at, last_run_at,
	last_status, last_error_message, interface_id, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (model.PublisherPeriodicJob, error) {
	var (
		j                model.PublisherPeriodicJob
		payloadType      string
		options          string
		nextRun          int64
		lastRun          sql.NullInt64
		lastStatus       string
		ifaceID          sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&j.ID, &j.Name, &j.Description, &j.Enabled, &payloadType, &j.FromNode, &j.ToNode, &j.ChannelName,
		&j.ChannelKey, &j.GatewayNode, &j.HopLimit, &j.HopStart, &j.WantAck, &j.PKIEncrypted, &options, &j.PeriodSeconds,
		&nextRun, &lastRun, &lastStatus, &j.LastErrorMessage, &ifaceID, &created, &updated); err != nil {
		return model.PublisherPeriodicJob{}, err
	}
	j.PayloadType = model.PayloadType(payloadType)
	j.LastStatus = model.JobStatus(lastStatus)
	j.NextRunAt = fromNanos(nextRun)
	j.LastRunAt = fromNullNanos(lastRun)
	j.CreatedAt, j.UpdatedAt = fromNanos(created), fromNanos(updated)
	if ifaceID.Valid {
		id := ifaceID.Int64
		j.InterfaceID = &id
	}
	j.PayloadOptions = map[string]any{}
	if err := json.Unmarshal([]byte(options), &j.PayloadOptions); err != nil {
		return model.PublisherPeriodicJob{}, fmt.Errorf("sqlite: decode job %d options: %w", j.ID, err)
	}
	return j, nil
}

func (s *Store) CreateJob(ctx context.Context, job model.PublisherPeriodicJob) (model.PublisherPeriodicJob, error) {
	now := s.now()
	job.ApplyDefaults(now)
	if err := job.Validate(); err != nil {
		return model.PublisherPeriodicJob{}, err
	}
	options, err := json.Marshal(job.PayloadOptions)
	if err != nil {
		return model.PublisherPeriodicJob{}, fmt.Errorf("sqlite: encode job options: %w", err)
	}
	var ifaceID sql.NullInt64
	if job.InterfaceID != nil {
		ifaceID = sql.NullInt64{Int64: *job.InterfaceID, Valid: true}
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		switch err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE name = ?`, job.Name).Scan(&one); {
		case err == nil:
			return fmt.Errorf("job %q: %w", job.Name, store.ErrConflict)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("sqlite: check job name: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (name, description, enabled, payload_type, from_node, to_node, channel_name, channel_key, gateway_node,
			   hop_limit, hop_start, want_ack, pki_encrypted, payload_options, period_seconds, next_run_at, last_run_at,
			   last_status, last_error_message, interface_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.Name, job.Description, job.Enabled, string(job.PayloadType), job.FromNode, job.ToNode, job.ChannelName,
			job.ChannelKey, job.GatewayNode, job.HopLimit, job.HopStart, job.WantAck, job.PKIEncrypted, string(options),
			job.PeriodSeconds, toNanos(job.NextRunAt), toNullNanos(job.LastRunAt), string(job.LastStatus),
			job.LastErrorMessage, ifaceID, toNanos(now), toNanos(now),
		)
		if err != nil {
			return fmt.Errorf("sqlite: insert job: %w", err)
		}
		job.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return model.PublisherPeriodicJob{}, err
	}
	job.CreatedAt, job.UpdatedAt = now, now
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (model.PublisherPeriodicJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PublisherPeriodicJob{}, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	return j, err
}

func (s *Store) GetJobByName(ctx context.Context, name string) (model.PublisherPeriodicJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PublisherPeriodicJob{}, fmt.Errorf("job %q: %w", name, store.ErrNotFound)
	}
	return j, err
}

func (s *Store) ListJobs(ctx context.Context) ([]model.PublisherPeriodicJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
}

func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]model.PublisherPeriodicJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at, id`,
		toNanos(now),
	)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]model.PublisherPeriodicJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var out []model.PublisherPeriodicJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimJob is a compare-and-set on next_run_at.
func (s *Store) ClaimJob(ctx context.Context, id int64, expected, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET next_run_at = ?, updated_at = ? WHERE id = ? AND enabled = 1 AND next_run_at = ?`,
		toNanos(next), toNanos(s.now()), id, toNanos(expected),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: claim job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) RecordJobResult(ctx context.Context, id int64, res model.JobResult) error {
	out, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_status = ?, last_error_message = ?, last_run_at = COALESCE(?, last_run_at), updated_at = ? WHERE id = ?`,
		string(res.Status), res.Message, toNullNanos(res.RunAt), toNanos(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: record job %d result: %w", id, err)
	}
	return expectOneRow(out, fmt.Sprintf("job %d", id))
}

// SetJobEnabled toggles a job.
func (s *Store) SetJobEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET enabled = ?, updated_at = ? WHERE id = ?`, enabled, toNanos(s.now()), id)
	if err != nil {
		return fmt.Errorf("sqlite: update job %d: %w", id, err)
	}
	return expectOneRow(res, fmt.Sprintf("job %d", id))
}
