// Package working holds each CI's working memory: a handful of recently
// touched records with attention scores, consulted by synthesized recall.
package working

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/dgraph-io/ristretto"

	"github.com/katra-memory/katra/internal/kerr"
	"github.com/katra-memory/katra/internal/memory"
	"github.com/katra-memory/katra/internal/synthesis"
)

// Capacity bounds per CI.
const (
	MinCapacity     = 5
	DefaultCapacity = 7
	MaxCapacity     = 9
)

// item is the cached payload for one record.
type item struct {
	content   string
	timestamp time.Time
}

// slots tracks attention for the records one CI currently holds.
type slots struct {
	attention map[string]float64
}

// Memory is the working-memory store. Record payloads live in a ristretto
// cache; attention scores and per-CI membership are kept alongside it.
type Memory struct {
	capacity int
	cache    *ristretto.Cache
	logger   *slog.Logger

	mu  sync.Mutex
	cis map[string]*slots
}

// New creates a Memory holding up to capacity records per CI. capacity is
// clamped to [MinCapacity, MaxCapacity]; zero means DefaultCapacity.
func New(capacity int) (*Memory, error) {
	switch {
	case capacity == 0:
		capacity = DefaultCapacity
	case capacity < MinCapacity:
		capacity = MinCapacity
	case capacity > MaxCapacity:
		capacity = MaxCapacity
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating working memory cache: %w", err)
	}
	return &Memory{
		capacity: capacity,
		cache:    cache,
		logger:   slog.Default(),
		cis:      make(map[string]*slots),
	}, nil
}

// Capacity returns the per-CI record limit.
func (m *Memory) Capacity() int { return m.capacity }

func cacheKey(ciID, recordID string) string {
	return ciID + "\x00" + recordID
}

// Touch brings rec into its CI's working memory. A record already held has
// its attention raised by attention, capped at 1; a new record starts at
// attention and, when the CI is full, displaces the lowest-attention record.
func (m *Memory) Touch(rec memory.Record, attention float64) error {
	if rec.CIID == "" || rec.ID == "" {
		return fmt.Errorf("working memory touch: %w", kerr.ErrInputNull)
	}
	attention = clamp01(attention)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.cis[rec.CIID]
	if !ok {
		s = &slots{attention: make(map[string]float64)}
		m.cis[rec.CIID] = s
	}
	if cur, held := s.attention[rec.ID]; held {
		s.attention[rec.ID] = clamp01(cur + attention)
	} else {
		if len(s.attention) >= m.capacity {
			m.evictLowestLocked(rec.CIID, s)
		}
		s.attention[rec.ID] = attention
	}

	m.cache.Set(cacheKey(rec.CIID, rec.ID), item{content: rec.Content, timestamp: rec.Timestamp}, int64(len(rec.Content))+1)
	m.cache.Wait()
	return nil
}

func (m *Memory) evictLowestLocked(ciID string, s *slots) {
	var (
		lowestID string
		lowest   = 2.0
	)
	for id, a := range s.attention {
		if a < lowest || (a == lowest && id < lowestID) {
			lowestID, lowest = id, a
		}
	}
	delete(s.attention, lowestID)
	m.cache.Del(cacheKey(ciID, lowestID))
	m.logger.Debug("working memory eviction", "ci_id", ciID, "record_id", lowestID, "attention", lowest)
}

// Decay multiplies every attention score of ciID by 1-rate.
func (m *Memory) Decay(ciID string, rate float64) {
	rate = clamp01(rate)
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.cis[ciID]; ok {
		for id, a := range s.attention {
			s.attention[id] = a * (1 - rate)
		}
	}
}

// Clear empties ciID's working memory.
func (m *Memory) Clear(ciID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.cis[ciID]; ok {
		for id := range s.attention {
			m.cache.Del(cacheKey(ciID, id))
		}
		delete(m.cis, ciID)
	}
}

// Len returns how many records ciID currently holds.
func (m *Memory) Len(ciID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.cis[ciID]; ok {
		return len(s.attention)
	}
	return 0
}

// Attention returns the held records of ciID whose content shares a word
// with query, highest attention first. An empty query matches everything.
func (m *Memory) Attention(ctx context.Context, ciID, query string) ([]synthesis.WorkingMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := tokenize(query)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.cis[ciID]
	if !ok {
		return nil, nil
	}

	var out []synthesis.WorkingMatch
	for id, a := range s.attention {
		v, found := m.cache.Get(cacheKey(ciID, id))
		if !found {
			// The cache dropped the payload; forget the slot too.
			delete(s.attention, id)
			continue
		}
		it := v.(item)
		if !mentionsAny(it.content, words) {
			continue
		}
		out = append(out, synthesis.WorkingMatch{
			RecordID:  id,
			Content:   it.content,
			Attention: a,
			Timestamp: it.timestamp,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attention != out[j].Attention {
			return out[i].Attention > out[j].Attention
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out, nil
}

// Close releases the cache.
func (m *Memory) Close() {
	m.cache.Close()
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func mentionsAny(content string, words []string) bool {
	if len(words) == 0 {
		return true
	}
	lc := strings.ToLower(content)
	for _, w := range words {
		if strings.Contains(lc, w) {
			return true
		}
	}
	return false
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
