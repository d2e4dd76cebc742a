package storage

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// Job types processed by background workers.
const (
	JobIndexMemory = "memory_index"
)

// EnqueueJob adds a pending job. A zero RunAfter makes it claimable at once;
// a zero MaxAttempts means 3.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob claims the oldest runnable pending job of one of types. It
// returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	jobs, err := s.ClaimJobs(types, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// ClaimJobs atomically moves up to limit runnable pending jobs of one of
// types to running, oldest first.
func (s *Store) ClaimJobs(types []string, limit int) ([]*Job, error) {
	if len(types) == 0 || limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC().Truncate(time.Second)
	stamp := now.Format(time.RFC3339)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT ?`
	args := make([]any, 0, len(types)+2)
	args = append(args, stamp)
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, limit)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	// Rows must be drained before the updates run on the single connection.
	candidates, err := scanJobs(tx.Query(query, args...))
	if err != nil {
		return nil, fmt.Errorf("selecting runnable jobs: %w", err)
	}

	claimed := make([]*Job, 0, len(candidates))
	for _, j := range candidates {
		res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, stamp, j.ID)
		if err != nil {
			return nil, fmt.Errorf("updating job %s status: %w", j.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("checking updated job rows: %w", err)
		} else if n != 1 {
			continue
		}
		j.Status = "running"
		j.UpdatedAt = now
		claimed = append(claimed, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

func scanJobs(rows *sql.Rows, err error) ([]*Job, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		var runAfter, createdAt string
		var lastError sql.NullString
		if err := rows.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
			&runAfter, &createdAt, &lastError); err != nil {
			return nil, err
		}
		j.LastError = lastError.String
		if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
			return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
		}
		if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is retried with exponential
// backoff until it runs out of attempts, then marked failed.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// JobCounts returns the number of jobs in each status.
func (s *Store) JobCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
