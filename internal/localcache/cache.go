// Package localcache persists answers, navigation and violation counts of
// one attempt so a reload restores in-progress work.
package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runtime/internal/config"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stemsi/exstem-runtime/internal/storage"
)

const opTimeout = 2 * time.Second

// Snapshot is what a previous run left behind for this attempt.
type Snapshot struct {
	Answers    model.AnswerMap
	Navigation *model.Navigation
	Violations int
}

// Cache reads and writes a single (examId, attemptId) scope.
type Cache struct {
	store         storage.Store
	answersKey    string
	navigationKey string
	warningsKey   string
	log           zerolog.Logger
}

// New creates a Cache scoped to one attempt.
func New(store storage.Store, examID, attemptID string, log zerolog.Logger) *Cache {
	return &Cache{
		store:         store,
		answersKey:    config.StorageKey.AnswersKey(examID, attemptID),
		navigationKey: config.StorageKey.NavigationKey(examID, attemptID),
		warningsKey:   config.StorageKey.WarningsKey(examID, attemptID),
		log:           log,
	}
}

// Load reads every channel. Missing or corrupt entries are skipped.
func (c *Cache) Load(ctx context.Context) Snapshot {
	var snap Snapshot

	var answers model.AnswerMap
	if c.read(ctx, c.answersKey, &answers) && answers != nil {
		snap.Answers = answers
	}

	var nav model.Navigation
	if c.read(ctx, c.navigationKey, &nav) {
		if nav.Marked == nil {
			nav.Marked = map[string]bool{}
		}
		if nav.Visited == nil {
			nav.Visited = map[string]bool{}
		}
		snap.Navigation = &nav
	}

	var warnings int
	if c.read(ctx, c.warningsKey, &warnings) && warnings > 0 {
		snap.Violations = warnings
	}

	return snap
}

// WriteAnswers persists the full answer map.
func (c *Cache) WriteAnswers(ctx context.Context, answers model.AnswerMap) error {
	return c.write(ctx, c.answersKey, answers)
}

// WriteNavigation persists the current index and marks.
func (c *Cache) WriteNavigation(ctx context.Context, nav model.Navigation) error {
	return c.write(ctx, c.navigationKey, nav)
}

// WriteViolations persists the violation count.
func (c *Cache) WriteViolations(ctx context.Context, count int) error {
	return c.write(ctx, c.warningsKey, count)
}

// Clear removes the whole scope.
func (c *Cache) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.store.Delete(ctx, c.answersKey, c.navigationKey, c.warningsKey); err != nil {
		c.log.Warn().Err(err).Msg("Failed to clear local exam cache")
		return err
	}
	return nil
}

func (c *Cache) read(ctx context.Context, key string, dst any) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := storage.MustGet(ctx, c.store, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to read local exam cache")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Ignoring corrupt local cache entry")
		return false
	}
	return true
}

func (c *Cache) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to encode local cache entry")
		return fmt.Errorf("encode %s: %w", key, err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.store.Set(ctx, key, raw); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Local cache write failed, continuing in memory")
		return err
	}
	return nil
}
