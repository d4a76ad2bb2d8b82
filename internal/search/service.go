package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS, logger zerolog.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, logger: logger}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.logger.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexChange indexes a change (fire-and-forget to Meilisearch).
func (s *Service) IndexChange(record ChangeRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexChange(record); err != nil {
			s.logger.Warn().Err(err).Str("change", record.ID).Msg("index change failed")
		}
	}()
}

// IndexChanges bulk-indexes the changes of a fresh comparison.
func (s *Service) IndexChanges(records []ChangeRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexChanges(records); err != nil {
			s.logger.Warn().Err(err).Int("count", len(records)).Msg("index changes failed")
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(record CommentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComment(record); err != nil {
			s.logger.Warn().Err(err).Str("comment", record.ID).Msg("index comment failed")
		}
	}()
}

// DeleteComment removes a comment from the search index (fire-and-forget).
func (s *Service) DeleteComment(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteComment(id); err != nil {
			s.logger.Warn().Err(err).Str("comment", id).Msg("delete comment from index failed")
		}
	}()
}

// ReindexAllFromPG reads every searchable record from PostgreSQL and pushes
// it into Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	changes, comments, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexChanges(changes); err != nil {
		s.logger.Warn().Err(err).Msg("reindex changes failed")
	}
	for _, comment := range comments {
		if err := s.meili.IndexComment(comment); err != nil {
			s.logger.Warn().Err(err).Str("comment", comment.ID).Msg("reindex comment failed")
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
