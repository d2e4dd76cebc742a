package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
)

// AddEdge stores e, replacing the label and strength of an existing edge
// with the same endpoints and relation.
func (s *Store) AddEdge(ctx context.Context, e memory.Edge) error {
	if e.From == "" || e.To == "" {
		return fmt.Errorf("edge endpoints: %w", kerr.ErrInputNull)
	}
	if e.Strength < 0 || e.Strength > 1 {
		return fmt.Errorf("edge strength %.2f outside [0,1]: %w", e.Strength, kerr.ErrInputRange)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_edges (from_id, to_id, relation, label, strength, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, relation) DO UPDATE SET
			label = excluded.label, strength = excluded.strength`,
		e.From, e.To, int(e.Relation), e.Label, e.Strength, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting edge %s -> %s: %w", e.From, e.To, err)
	}
	return nil
}

// Related returns the outgoing edges of recordID with relation rel, strongest
// first. A zero rel matches every relation.
func (s *Store) Related(ctx context.Context, recordID string, rel memory.Relation) ([]memory.Edge, error) {
	query := `SELECT from_id, to_id, relation, label, strength, created_at FROM memory_edges WHERE from_id = ?`
	args := []any{recordID}
	if rel != 0 {
		query += ` AND relation = ?`
		args = append(args, int(rel))
	}
	query += ` ORDER BY strength DESC, to_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges of %s: %w", recordID, err)
	}
	defer rows.Close()

	var out []memory.Edge
	for rows.Next() {
		var e memory.Edge
		var relation int
		var createdAt string
		if err := rows.Scan(&e.From, &e.To, &relation, &e.Label, &e.Strength, &createdAt); err != nil {
			return nil, err
		}
		e.Relation = memory.Relation(relation)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing edge created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
