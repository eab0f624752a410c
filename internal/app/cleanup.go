package app

import (
	"context"
	"time"

	"aimable/api/internal/store"
)

// CleanupResult is the aggregate outcome of one cleanup run.
type CleanupResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// CleanupArchivedSpaces tombstones archived spaces whose retention
// window has elapsed. Candidates are processed in fixed-size batches,
// sequentially within a batch; each item carries its own timeout and a
// failing item never aborts its siblings. The returned counts are the
// only signal — per-item failures are logged, not raised.
func (s *Service) CleanupArchivedSpaces(ctx context.Context) (CleanupResult, error) {
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)

	candidates, err := s.store.GetSpacesForCleanup(ctx, cutoff)
	if err != nil {
		return CleanupResult{}, err
	}

	s.logger.Info().
		Int("candidates", len(candidates)).
		Time("cutoff", cutoff).
		Msg("cleanup run started")

	var result CleanupResult
	batchSize := s.cfg.CleanupBatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		for _, space := range candidates[start:end] {
			if err := s.tombstoneExpired(ctx, space); err != nil {
				result.Errors++
				s.logger.Error().Err(err).Str("space_id", space.ID).Msg("cleanup tombstone failed")
				continue
			}
			result.Processed++
		}

		if end < len(candidates) && s.cfg.CleanupBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(s.cfg.CleanupBatchDelay):
			}
		}
	}

	s.logger.Info().
		Int("processed", result.Processed).
		Int("errors", result.Errors).
		Msg("cleanup run finished")
	return result, nil
}

func (s *Service) tombstoneExpired(ctx context.Context, space store.Space) error {
	itemCtx := ctx
	if s.cfg.CleanupItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, s.cfg.CleanupItemTimeout)
		defer cancel()
	}
	_, err := s.store.TombstoneSpace(itemCtx, space.ID, store.SystemActor)
	return err
}
