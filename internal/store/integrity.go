package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/perpcore/internal/domain"
)

// InsertIntegrityEvent records one GAP, DUPLICATE, or REPAIR finding.
func (s *Store) InsertIntegrityEvent(ctx context.Context, e domain.IntegrityEvent) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO integrity_events(symbol, timeframe, type, start_ts_ms, end_ts_ms, expected_bars, actual_bars, severity, detected_at_ms, repair_job_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Symbol, string(e.Timeframe), string(e.Type), e.StartTs, e.EndTs, e.ExpectedBars, e.ActualBars, string(e.Severity), e.DetectedAtMs, nullableString(e.RepairJobID))
	if err != nil {
		return 0, fmt.Errorf("insert integrity event: %w", err)
	}
	return res.LastInsertId()
}

// OpenGapEvents returns every GAP event for (symbol, timeframe) that has no
// associated DONE repair job, used by the "scan -> repair -> scan" round
// trip property (spec §8).
func (s *Store) OpenGapEvents(ctx context.Context, symbol string, tf domain.Timeframe) ([]domain.IntegrityEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT ie.id, ie.symbol, ie.timeframe, ie.type, ie.start_ts_ms, ie.end_ts_ms,
		       ie.expected_bars, ie.actual_bars, ie.severity, ie.detected_at_ms, COALESCE(ie.repair_job_id, '')
		FROM integrity_events ie
		WHERE ie.symbol = ? AND ie.timeframe = ? AND ie.type = 'GAP'
		  AND NOT EXISTS (
		      SELECT 1 FROM repair_jobs rj
		      WHERE rj.job_id = ie.repair_job_id AND rj.status = 'DONE'
		  )
		ORDER BY ie.start_ts_ms ASC
	`, symbol, string(tf))
	if err != nil {
		return nil, fmt.Errorf("open gap events: %w", err)
	}
	defer rows.Close()

	var out []domain.IntegrityEvent
	for rows.Next() {
		var e domain.IntegrityEvent
		var tfStr, typ, sev string
		if err := rows.Scan(&e.ID, &e.Symbol, &tfStr, &typ, &e.StartTs, &e.EndTs, &e.ExpectedBars, &e.ActualBars, &sev, &e.DetectedAtMs, &e.RepairJobID); err != nil {
			return nil, err
		}
		e.Timeframe = domain.Timeframe(tfStr)
		e.Type = domain.IntegrityEventType(typ)
		e.Severity = domain.IntegritySeverity(sev)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnqueueRepairJob inserts a PENDING job, failing with ErrDuplicateJob if an
// active (PENDING or RUNNING) job already covers the same key (spec §3: "one
// active job per (symbol, timeframe, range) at a time").
func (s *Store) EnqueueRepairJob(ctx context.Context, job domain.RepairJob) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM repair_jobs
			WHERE symbol = ? AND timeframe = ? AND start_ts_ms = ? AND end_ts_ms = ?
			  AND status IN ('PENDING', 'RUNNING')
		`, job.Symbol, string(job.Timeframe), job.StartTs, job.EndTs).Scan(&count)
		if err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrDuplicateJob
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO repair_jobs(job_id, symbol, timeframe, start_ts_ms, end_ts_ms, status, repaired_bars, message)
			VALUES (?, ?, ?, ?, ?, 'PENDING', 0, '')
		`, job.JobID, job.Symbol, string(job.Timeframe), job.StartTs, job.EndTs)
		return err
	})
}

// DequeuePendingRepairJob claims the oldest PENDING job for (symbol,
// timeframe), marking it RUNNING in the same statement's effect so two
// repair workers never claim the same job (spec §4.4 serialization).
func (s *Store) DequeuePendingRepairJob(ctx context.Context, symbol string, tf domain.Timeframe) (*domain.RepairJob, error) {
	var job domain.RepairJob
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT job_id, symbol, timeframe, start_ts_ms, end_ts_ms, status, repaired_bars, message
			FROM repair_jobs WHERE symbol = ? AND timeframe = ? AND status = 'PENDING'
			ORDER BY start_ts_ms ASC LIMIT 1
		`, symbol, string(tf))
		var tfStr, status string
		if err := row.Scan(&job.JobID, &job.Symbol, &tfStr, &job.StartTs, &job.EndTs, &status, &job.RepairedBars, &job.Message); err != nil {
			if err == sql.ErrNoRows {
				return domain.ErrNotFound
			}
			return err
		}
		job.Timeframe = domain.Timeframe(tfStr)
		job.Status = domain.RepairPending
		_, err := tx.ExecContext(ctx, `UPDATE repair_jobs SET status = 'RUNNING' WHERE job_id = ?`, job.JobID)
		if err != nil {
			return err
		}
		job.Status = domain.RepairRunning
		return nil
	})
	if err != nil {
		if err == domain.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// UpdateRepairJob persists a job's terminal state (spec §4.4).
func (s *Store) UpdateRepairJob(ctx context.Context, job domain.RepairJob) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE repair_jobs SET status = ?, repaired_bars = ?, message = ? WHERE job_id = ?
	`, string(job.Status), job.RepairedBars, job.Message, job.JobID)
	return err
}
