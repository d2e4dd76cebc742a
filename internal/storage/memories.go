package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/katra-memory/katra/internal/memory"
)

const memoryColumns = `record_id, ci_id, session_id, timestamp, type, importance, content, response, context,
	component, tier, archived, last_accessed, access_count, emotion_intensity, emotion_type,
	marked_important, marked_forgettable`

// SaveMemory stores rec. Missing ID, Timestamp, Type and Tier are filled in;
// the stored record is returned.
func (s *Store) SaveMemory(ctx context.Context, rec memory.Record) (memory.Record, error) {
	if err := rec.Validate(); err != nil {
		return memory.Record{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.Type == 0 {
		rec.Type = memory.TypeExperience
	}
	if rec.Tier == 0 {
		rec.Tier = memory.Tier1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CIID, rec.SessionID, formatTime(rec.Timestamp), int(rec.Type), rec.Importance,
		rec.Content, rec.Response, rec.Context, rec.Component, int(rec.Tier), rec.Archived,
		formatTime(rec.LastAccessed), rec.AccessCount, rec.EmotionIntensity, rec.EmotionType,
		rec.MarkedImportant, rec.MarkedForgettable,
	)
	if err != nil {
		return memory.Record{}, fmt.Errorf("inserting memory %s: %w", rec.ID, err)
	}
	return rec, nil
}

func (s *Store) GetMemory(ctx context.Context, id string) (memory.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE record_id = ?`, id)
	rec, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return memory.Record{}, ErrNotFound
	}
	return rec, err
}

// GetMemories loads the records with the given ids. Unknown ids are skipped.
func (s *Store) GetMemories(ctx context.Context, ids []string) ([]memory.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE record_id IN (?`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemories(rows)
}

// QueryMemories runs a structured tier-1 query, newest first.
func (s *Store) QueryMemories(ctx context.Context, q memory.Query) ([]memory.Record, error) {
	var (
		where = []string{"ci_id = ?", "archived = 0"}
		args  = []any{q.CIID}
	)
	if !q.Start.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(q.Start))
	}
	if !q.End.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(q.End))
	}
	if q.Type != 0 {
		where = append(where, "type = ?")
		args = append(args, int(q.Type))
	}
	if q.MinImportance > 0 {
		where = append(where, "importance >= ?")
		args = append(args, q.MinImportance)
	}
	if q.Tier != 0 {
		where = append(where, "tier = ?")
		args = append(args, int(q.Tier))
	}
	args = append(args, q.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE `+strings.Join(where, " AND ")+
			` ORDER BY timestamp DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memories for %s: %w", q.CIID, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// RecallAbout returns the content of recent tier-1 memories that mention
// topic, ignoring case, newest first.
func (s *Store) RecallAbout(ctx context.Context, ciID, topic string) ([]string, error) {
	q := memory.Query{CIID: ciID, Tier: memory.Tier1, Limit: s.maxTopicRecall}
	if q.Limit <= 0 {
		q.Limit = math.MaxInt32
	}
	if s.maxContextAge > 0 {
		q.Start = time.Now().Add(-s.maxContextAge)
	}
	recs, err := s.QueryMemories(ctx, q)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(topic)
	var out []string
	for _, r := range recs {
		if strings.Contains(strings.ToLower(r.Content), needle) {
			out = append(out, r.Content)
		}
	}
	return out, nil
}

// PreviousMemoryID returns the id of the memory recorded for rec.CIID just
// before rec, or "" if rec is the first.
func (s *Store) PreviousMemoryID(ctx context.Context, rec memory.Record) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT record_id FROM memories
		WHERE ci_id = ? AND record_id != ? AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT 1`,
		rec.CIID, rec.ID, formatTime(rec.Timestamp),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// CountMemories returns how many memories ciID has stored.
func (s *Store) CountMemories(ctx context.Context, ciID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE ci_id = ?`, ciID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (memory.Record, error) {
	var (
		r                  memory.Record
		ts, lastAccessed   string
		typ, tier          int
		archived           bool
		important, forgets bool
	)
	err := row.Scan(&r.ID, &r.CIID, &r.SessionID, &ts, &typ, &r.Importance, &r.Content, &r.Response,
		&r.Context, &r.Component, &tier, &archived, &lastAccessed, &r.AccessCount, &r.EmotionIntensity,
		&r.EmotionType, &important, &forgets)
	if err != nil {
		return memory.Record{}, err
	}
	r.Type = memory.Type(typ)
	r.Tier = memory.Tier(tier)
	r.Archived = archived
	r.MarkedImportant = important
	r.MarkedForgettable = forgets
	if r.Timestamp, err = parseTime(ts); err != nil {
		return memory.Record{}, fmt.Errorf("parsing timestamp for %s: %w", r.ID, err)
	}
	if r.LastAccessed, err = parseTime(lastAccessed); err != nil {
		return memory.Record{}, fmt.Errorf("parsing last_accessed for %s: %w", r.ID, err)
	}
	return r, nil
}

func scanMemories(rows *sql.Rows) ([]memory.Record, error) {
	var out []memory.Record
	for rows.Next() {
		r, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
