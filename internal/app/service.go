package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"redline/api/internal/collab"
	"redline/api/internal/config"
	"redline/api/internal/diff"
	"redline/api/internal/export"
	"redline/api/internal/notify"
	"redline/api/internal/objstore"
	"redline/api/internal/presence"
	"redline/api/internal/search"
	"redline/api/internal/store"
	"redline/api/internal/util"
)

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(context.Context, string) (store.User, error)
	InsertContract(context.Context, store.Contract) error
	GetContract(context.Context, string) (store.Contract, error)
	ListContracts(context.Context) ([]store.Contract, error)
	InsertVersion(context.Context, store.DocumentVersion) (store.DocumentVersion, error)
	GetVersion(context.Context, string) (store.DocumentVersion, error)
	ListVersions(context.Context, string, string) ([]store.DocumentVersion, error)
	GetComparisonByPair(context.Context, string, string) (store.DocumentComparison, error)
	GetComparison(context.Context, string) (store.DocumentComparison, error)
	InsertComparison(context.Context, store.DocumentComparison, []store.DocumentChange) (store.DocumentComparison, bool, error)
	ListChanges(context.Context, string, store.ChangeFilter) ([]store.DocumentChange, error)
	GetChange(context.Context, string) (store.DocumentChange, error)
	ReviewChange(context.Context, string, string, string, string) (store.DocumentChange, error)
	ReviewStats(context.Context, string) (store.ReviewStats, error)
	InsertComment(context.Context, store.DocumentComment) error
	GetComment(context.Context, string) (store.DocumentComment, error)
	UpdateComment(context.Context, string, string, int, int) (store.DocumentComment, error)
	ResolveComment(context.Context, string, string) (store.DocumentComment, error)
	SoftDeleteComment(context.Context, string) error
	ListComments(context.Context, string) ([]store.DocumentComment, error)
	InsertSession(context.Context, store.RedlineSession) error
	GetSession(context.Context, string) (store.RedlineSession, error)
	ListSessions(context.Context, string) ([]store.RedlineSession, error)
	FinishSession(context.Context, string, string, *string) (bool, error)
	SessionStats(context.Context) (store.SessionStats, error)
	InsertParticipant(context.Context, store.RedlineParticipant) error
	GetParticipantByName(context.Context, string, string) (store.RedlineParticipant, error)
	ListParticipants(context.Context, string) ([]store.RedlineParticipant, error)
	InsertOperation(context.Context, store.EditingOperation) error
	ListOperations(context.Context, string, int64) ([]store.EditingOperation, error)
}

type presenceTracker interface {
	Heartbeat(ctx context.Context, sessionID string, entry presence.Entry) error
	Active(ctx context.Context, sessionID string) ([]presence.Entry, error)
	Leave(ctx context.Context, sessionID, participantID string) error
	ClearSession(ctx context.Context, sessionID string) error
}

// CommentThread is a root comment with its replies in creation order.
type CommentThread struct {
	Comment      store.DocumentComment
	Replies      []store.DocumentComment
	Participants []string
}

// Participant pairs the registered row with its live presence state.
type Participant struct {
	store.RedlineParticipant
	Live     bool
	Position int
	LastSeen *time.Time
}

// OperationInput is a client-submitted editing operation before sequencing.
type OperationInput struct {
	Author      string
	Kind        string
	Position    int
	Length      int
	Text        string
	Attributes  map[string]string
	ParentSeq   int64
	ClientSeq   int64
	LogicalTime int64
}

type Service struct {
	cfg      config.Config
	store    dataStore
	blobs    objstore.Store
	sessions *collab.Manager
	presence presenceTracker
	notifier notify.Notifier
	search   *search.Service
	logger   zerolog.Logger
}

func New(
	cfg config.Config,
	dataStore *store.PostgresStore,
	blobs objstore.Store,
	sessions *collab.Manager,
	tracker presenceTracker,
	notifier notify.Notifier,
	searcher *search.Service,
	logger zerolog.Logger,
) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		blobs:    blobs,
		sessions: sessions,
		presence: tracker,
		notifier: notifier,
		search:   searcher,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Contracts

// ensureActor validates the caller identity and upserts their user row.
func (s *Service) ensureActor(ctx context.Context, actor string) error {
	if strings.TrimSpace(actor) == "" {
		return validationError("actor is required")
	}
	if _, err := s.store.EnsureUserByName(ctx, actor); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (s *Service) CreateContract(ctx context.Context, title, actor string) (store.Contract, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Contract{}, validationError("title is required")
	}
	if err := s.ensureActor(ctx, actor); err != nil {
		return store.Contract{}, err
	}

	item := store.Contract{
		ID:        util.NewID("ctr"),
		Title:     title,
		CreatedBy: actor,
	}
	if err := s.store.InsertContract(ctx, item); err != nil {
		return store.Contract{}, err
	}
	return item, nil
}

func (s *Service) GetContract(ctx context.Context, contractID string) (store.Contract, error) {
	item, err := s.store.GetContract(ctx, contractID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Contract{}, notFound("contract not found")
	}
	return item, err
}

func (s *Service) ListContracts(ctx context.Context) ([]store.Contract, error) {
	return s.store.ListContracts(ctx)
}

// Versions

var validVersionTypes = map[string]struct{}{
	store.VersionOriginal: {},
	store.VersionRedline:  {},
	store.VersionFinal:    {},
}

func (s *Service) CreateVersion(ctx context.Context, contractID, content, versionType, actor string) (store.DocumentVersion, error) {
	if err := s.ensureActor(ctx, actor); err != nil {
		return store.DocumentVersion{}, err
	}
	if content == "" {
		return store.DocumentVersion{}, validationError("content is required")
	}
	if !utf8.ValidString(content) {
		return store.DocumentVersion{}, validationError("content must be valid UTF-8")
	}
	if versionType == "" {
		versionType = store.VersionRedline
	}
	if _, ok := validVersionTypes[versionType]; !ok {
		return store.DocumentVersion{}, validationError("version type must be original, redline, or final")
	}

	if _, err := s.GetContract(ctx, contractID); err != nil {
		return store.DocumentVersion{}, err
	}

	ref, err := s.blobs.Put(ctx, content)
	if err != nil {
		return store.DocumentVersion{}, fmt.Errorf("store version content: %w", err)
	}

	item, err := s.store.InsertVersion(ctx, store.DocumentVersion{
		ID:          util.NewID("ver"),
		ContractID:  contractID,
		VersionType: versionType,
		ContentRef:  ref,
		ContentSize: int64(len(content)),
		Author:      actor,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentVersion{}, notFound("contract not found")
	}
	return item, err
}

func (s *Service) GetVersion(ctx context.Context, versionID string) (store.DocumentVersion, error) {
	item, err := s.store.GetVersion(ctx, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentVersion{}, notFound("version not found")
	}
	return item, err
}

// VersionContent loads the version row together with its content blob.
func (s *Service) VersionContent(ctx context.Context, versionID string) (store.DocumentVersion, string, error) {
	item, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return store.DocumentVersion{}, "", err
	}
	content, err := s.blobs.Get(ctx, item.ContentRef)
	if err != nil {
		return store.DocumentVersion{}, "", fmt.Errorf("load version content: %w", err)
	}
	return item, content, nil
}

func (s *Service) ListVersions(ctx context.Context, contractID, versionType string) ([]store.DocumentVersion, error) {
	if versionType != "" {
		if _, ok := validVersionTypes[versionType]; !ok {
			return nil, validationError("version type must be original, redline, or final")
		}
	}
	if _, err := s.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, contractID, versionType)
}

// Comparisons

func (s *Service) Compare(ctx context.Context, sourceID, targetID, actor string) (store.DocumentComparison, []store.DocumentChange, bool, error) {
	if sourceID == targetID {
		return store.DocumentComparison{}, nil, false, validationError("source and target must differ")
	}

	source, err := s.GetVersion(ctx, sourceID)
	if err != nil {
		return store.DocumentComparison{}, nil, false, err
	}
	target, err := s.GetVersion(ctx, targetID)
	if err != nil {
		return store.DocumentComparison{}, nil, false, err
	}
	if source.ContractID != target.ContractID {
		return store.DocumentComparison{}, nil, false, validationError("versions belong to different contracts")
	}

	// The pair is unique; an existing comparison is returned as-is so repeat
	// requests never recompute or duplicate review state.
	existing, err := s.store.GetComparisonByPair(ctx, sourceID, targetID)
	if err == nil {
		changes, err := s.store.ListChanges(ctx, existing.ID, store.ChangeFilter{})
		if err != nil {
			return store.DocumentComparison{}, nil, false, err
		}
		return existing, changes, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return store.DocumentComparison{}, nil, false, err
	}

	sourceContent, err := s.blobs.Get(ctx, source.ContentRef)
	if err != nil {
		return store.DocumentComparison{}, nil, false, fmt.Errorf("load source content: %w", err)
	}
	targetContent, err := s.blobs.Get(ctx, target.ContentRef)
	if err != nil {
		return store.DocumentComparison{}, nil, false, fmt.Errorf("load target content: %w", err)
	}

	result, err := diff.Compare(sourceContent, targetContent)
	if err != nil {
		return store.DocumentComparison{}, nil, false, diffFailed(err.Error())
	}

	comparison := store.DocumentComparison{
		ID:              util.NewID("cmp"),
		SourceVersionID: sourceID,
		TargetVersionID: targetID,
		SimilarityScore: result.Similarity,
		ChangeCount:     len(result.Changes),
		CreatedBy:       actor,
	}

	changes := make([]store.DocumentChange, 0, len(result.Changes))
	for _, change := range result.Changes {
		switch change.Type {
		case diff.Insert:
			comparison.InsertCount++
		case diff.Delete:
			comparison.DeleteCount++
		case diff.Modify:
			comparison.ModifyCount++
		case diff.Move:
			comparison.MoveCount++
		}
		changes = append(changes, store.DocumentChange{
			ID:            util.NewID("chg"),
			ComparisonID:  comparison.ID,
			ChangeType:    string(change.Type),
			TargetStart:   change.TargetStart,
			TargetEnd:     change.TargetEnd,
			SourceStart:   change.SourceStart,
			SourceEnd:     change.SourceEnd,
			Category:      string(change.Category),
			BeforeText:    change.Before,
			AfterText:     change.After,
			Significance:  change.Significance,
			IsSignificant: change.Significance >= diff.SignificanceThreshold,
			Status:        store.ReviewPending,
		})
	}

	saved, created, err := s.store.InsertComparison(ctx, comparison, changes)
	if err != nil {
		return store.DocumentComparison{}, nil, false, err
	}
	if !created {
		// Lost the race; serve the winner's rows.
		changes, err = s.store.ListChanges(ctx, saved.ID, store.ChangeFilter{})
		if err != nil {
			return store.DocumentComparison{}, nil, false, err
		}
		return saved, changes, false, nil
	}

	s.indexChanges(saved, changes, target.ContractID)
	return saved, changes, true, nil
}

func (s *Service) indexChanges(comparison store.DocumentComparison, changes []store.DocumentChange, contractID string) {
	if s.search == nil {
		return
	}
	records := make([]search.ChangeRecord, 0, len(changes))
	for _, change := range changes {
		records = append(records, search.ChangeRecord{
			ID:         change.ID,
			ChangeType: change.ChangeType,
			Category:   change.Category,
			Status:     change.Status,
			BeforeText: change.BeforeText,
			AfterText:  change.AfterText,
			ContractID: contractID,
		})
	}
	s.search.IndexChanges(records)
}

func (s *Service) GetComparison(ctx context.Context, comparisonID string) (store.DocumentComparison, error) {
	item, err := s.store.GetComparison(ctx, comparisonID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentComparison{}, notFound("comparison not found")
	}
	return item, err
}

var validChangeTypes = map[string]struct{}{
	store.ChangeInsert: {},
	store.ChangeDelete: {},
	store.ChangeModify: {},
	store.ChangeMove:   {},
}

var validReviewStatuses = map[string]struct{}{
	store.ReviewPending:  {},
	store.ReviewAccepted: {},
	store.ReviewRejected: {},
}

func (s *Service) ListChanges(ctx context.Context, comparisonID string, filter store.ChangeFilter) ([]store.DocumentChange, error) {
	if filter.ChangeType != "" {
		if _, ok := validChangeTypes[filter.ChangeType]; !ok {
			return nil, validationError("unknown change type filter")
		}
	}
	if filter.Status != "" {
		if _, ok := validReviewStatuses[filter.Status]; !ok {
			return nil, validationError("unknown status filter")
		}
	}
	if _, err := s.GetComparison(ctx, comparisonID); err != nil {
		return nil, err
	}
	return s.store.ListChanges(ctx, comparisonID, filter)
}

func (s *Service) GetChange(ctx context.Context, changeID string) (store.DocumentChange, error) {
	item, err := s.store.GetChange(ctx, changeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentChange{}, notFound("change not found")
	}
	return item, err
}

// ReviewChange records a decision on one change. Decisions are last write
// wins: a reviewer can overturn an earlier accept or reject.
func (s *Service) ReviewChange(ctx context.Context, changeID, decision, comment, actor string) (store.DocumentChange, error) {
	if err := s.ensureActor(ctx, actor); err != nil {
		return store.DocumentChange{}, err
	}
	if decision != store.ReviewAccepted && decision != store.ReviewRejected {
		return store.DocumentChange{}, validationError("decision must be accepted or rejected")
	}

	reviewed, err := s.store.ReviewChange(ctx, changeID, decision, actor, comment)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentChange{}, notFound("change not found")
	}
	if err != nil {
		return store.DocumentChange{}, err
	}

	if reviewed.IsSignificant {
		s.notify(ctx, notify.Event{
			Kind:    notify.EventChangeReviewed,
			Actor:   actor,
			Subject: fmt.Sprintf("Change %s %s", reviewed.ID, decision),
			Body: fmt.Sprintf("%s %s a %s change: %q -> %q",
				actor, decision, reviewed.Category, truncate(reviewed.BeforeText, 120), truncate(reviewed.AfterText, 120)),
		})
	}
	if s.search != nil {
		s.search.IndexChange(search.ChangeRecord{
			ID:         reviewed.ID,
			ChangeType: reviewed.ChangeType,
			Category:   reviewed.Category,
			Status:     reviewed.Status,
			BeforeText: reviewed.BeforeText,
			AfterText:  reviewed.AfterText,
		})
	}
	return reviewed, nil
}

// BulkReviewResult is the per-change outcome of a bulk review request.
type BulkReviewResult struct {
	ChangeID string
	Status   string
	Err      string
}

// BulkReview applies one decision to each listed change. Outcomes are
// per-change; a failure on one id never rolls back the others.
func (s *Service) BulkReview(ctx context.Context, changeIDs []string, decision, comment, actor string) ([]BulkReviewResult, error) {
	if err := s.ensureActor(ctx, actor); err != nil {
		return nil, err
	}
	if decision != store.ReviewAccepted && decision != store.ReviewRejected {
		return nil, validationError("decision must be accepted or rejected")
	}
	if len(changeIDs) == 0 {
		return nil, validationError("changeIds is required")
	}

	results := make([]BulkReviewResult, 0, len(changeIDs))
	for _, changeID := range changeIDs {
		reviewed, err := s.ReviewChange(ctx, changeID, decision, comment, actor)
		if err != nil {
			results = append(results, BulkReviewResult{ChangeID: changeID, Err: errMessage(err)})
			continue
		}
		results = append(results, BulkReviewResult{ChangeID: changeID, Status: reviewed.Status})
	}
	return results, nil
}

func errMessage(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return "server error"
}

func (s *Service) ReviewStats(ctx context.Context, comparisonID string) (store.ReviewStats, error) {
	if _, err := s.GetComparison(ctx, comparisonID); err != nil {
		return store.ReviewStats{}, err
	}
	return s.store.ReviewStats(ctx, comparisonID)
}

// ApplyAccepted builds the document that results from keeping only the
// accepted changes of a comparison.
func (s *Service) ApplyAccepted(ctx context.Context, comparisonID string) (string, error) {
	comparison, err := s.GetComparison(ctx, comparisonID)
	if err != nil {
		return "", err
	}
	// The full change list anchors the replay; rejected and pending rows
	// keep the source text instead of being dropped from the walk.
	rows, err := s.store.ListChanges(ctx, comparisonID, store.ChangeFilter{})
	if err != nil {
		return "", err
	}

	source, err := s.GetVersion(ctx, comparison.SourceVersionID)
	if err != nil {
		return "", err
	}
	content, err := s.blobs.Get(ctx, source.ContentRef)
	if err != nil {
		return "", fmt.Errorf("load source content: %w", err)
	}

	diffChanges := make([]diff.Change, 0, len(rows))
	for _, change := range rows {
		diffChanges = append(diffChanges, diff.Change{
			Type:        diff.ChangeType(change.ChangeType),
			SourceStart: change.SourceStart,
			SourceEnd:   change.SourceEnd,
			TargetStart: change.TargetStart,
			TargetEnd:   change.TargetEnd,
			Before:      change.BeforeText,
			After:       change.AfterText,
		})
	}

	merged, err := diff.ApplySelected(content, diffChanges, func(i int) bool {
		return rows[i].Status == store.ReviewAccepted
	})
	if err != nil {
		return "", diffFailed(err.Error())
	}
	return merged, nil
}

// ExportComparison renders the comparison's redline report as a downloadable
// file in the requested format.
func (s *Service) ExportComparison(ctx context.Context, comparisonID string, format export.Format) (*export.Result, error) {
	comparison, err := s.GetComparison(ctx, comparisonID)
	if err != nil {
		return nil, err
	}
	source, err := s.GetVersion(ctx, comparison.SourceVersionID)
	if err != nil {
		return nil, err
	}
	target, err := s.GetVersion(ctx, comparison.TargetVersionID)
	if err != nil {
		return nil, err
	}
	contract, err := s.GetContract(ctx, source.ContractID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListChanges(ctx, comparisonID, store.ChangeFilter{})
	if err != nil {
		return nil, err
	}
	stats, err := s.store.ReviewStats(ctx, comparisonID)
	if err != nil {
		return nil, err
	}

	report := export.Report{
		ContractTitle: contract.Title,
		SourceLabel:   versionLabel(source),
		TargetLabel:   versionLabel(target),
		Similarity:    comparison.SimilarityScore,
		GeneratedAt:   time.Now().UTC(),
		Review: export.ReviewSummary{
			Total:           stats.Total,
			Reviewed:        stats.Reviewed,
			Accepted:        stats.Accepted,
			Rejected:        stats.Rejected,
			PercentReviewed: stats.PercentReviewed,
		},
		Changes: make([]export.ChangeRow, 0, len(rows)),
	}
	for _, row := range rows {
		report.Changes = append(report.Changes, export.ChangeRow{
			Type:         row.ChangeType,
			Category:     row.Category,
			Status:       row.Status,
			Significant:  row.IsSignificant,
			Significance: row.Significance,
			Before:       row.BeforeText,
			After:        row.AfterText,
		})
	}

	result, err := export.Render(report, format)
	if errors.Is(err, export.ErrUnsupportedFormat) {
		return nil, validationError("format must be 'pdf' or 'docx'")
	}
	return result, err
}

func versionLabel(v store.DocumentVersion) string {
	return fmt.Sprintf("v%d (%s)", v.VersionNumber, v.VersionType)
}

// Comments

func (s *Service) CreateComment(ctx context.Context, versionID, author, body string, parentID *string, anchorStart, anchorEnd int) (store.DocumentComment, error) {
	if err := s.ensureActor(ctx, author); err != nil {
		return store.DocumentComment{}, err
	}
	if strings.TrimSpace(body) == "" {
		return store.DocumentComment{}, validationError("comment body is required")
	}
	if anchorStart < 0 || anchorEnd < anchorStart {
		return store.DocumentComment{}, validationError("anchor range is invalid")
	}

	version, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return store.DocumentComment{}, err
	}
	if parentID == nil && anchorEnd > 0 {
		content, err := s.blobs.Get(ctx, version.ContentRef)
		if err != nil {
			return store.DocumentComment{}, fmt.Errorf("load version content: %w", err)
		}
		if anchorEnd > utf8.RuneCountInString(content) {
			return store.DocumentComment{}, validationError("anchor exceeds document length")
		}
	}

	if parentID != nil {
		parent, err := s.store.GetComment(ctx, *parentID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.DocumentComment{}, notFound("parent comment not found")
		}
		if err != nil {
			return store.DocumentComment{}, err
		}
		if parent.VersionID != versionID {
			return store.DocumentComment{}, validationError("parent comment belongs to a different version")
		}
		if parent.ParentID != nil {
			return store.DocumentComment{}, validationError("replies cannot be nested; reply to the root comment")
		}
		if parent.Status == store.CommentDeleted {
			return store.DocumentComment{}, invalidState("cannot reply to a deleted comment")
		}
		// Replies carry no anchor of their own.
		anchorStart, anchorEnd = 0, 0
	}

	item := store.DocumentComment{
		ID:          util.NewID("cmt"),
		VersionID:   versionID,
		Author:      author,
		ParentID:    parentID,
		Text:        body,
		AnchorStart: anchorStart,
		AnchorEnd:   anchorEnd,
		Status:      store.CommentActive,
	}
	if err := s.store.InsertComment(ctx, item); err != nil {
		return store.DocumentComment{}, err
	}

	saved, err := s.store.GetComment(ctx, item.ID)
	if err != nil {
		return store.DocumentComment{}, err
	}
	s.indexComment(ctx, saved)
	return saved, nil
}

func (s *Service) indexComment(ctx context.Context, comment store.DocumentComment) {
	if s.search == nil {
		return
	}
	version, err := s.store.GetVersion(ctx, comment.VersionID)
	if err != nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:         comment.ID,
		Author:     comment.Author,
		Body:       comment.Text,
		Status:     comment.Status,
		ContractID: version.ContractID,
	})
}

func (s *Service) UpdateComment(ctx context.Context, commentID, actor, body string, anchorStart, anchorEnd int) (store.DocumentComment, error) {
	if strings.TrimSpace(body) == "" {
		return store.DocumentComment{}, validationError("comment body is required")
	}
	if anchorStart < 0 || anchorEnd < anchorStart {
		return store.DocumentComment{}, validationError("anchor range is invalid")
	}

	comment, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentComment{}, notFound("comment not found")
	}
	if err != nil {
		return store.DocumentComment{}, err
	}
	if comment.Author != actor {
		return store.DocumentComment{}, permissionDenied("only the author can edit a comment")
	}
	if comment.Status != store.CommentActive {
		return store.DocumentComment{}, invalidState("only active comments can be edited")
	}

	updated, err := s.store.UpdateComment(ctx, commentID, body, anchorStart, anchorEnd)
	if err != nil {
		return store.DocumentComment{}, err
	}
	s.indexComment(ctx, updated)
	return updated, nil
}

func (s *Service) ResolveComment(ctx context.Context, commentID, actor string) (store.DocumentComment, error) {
	if err := s.ensureActor(ctx, actor); err != nil {
		return store.DocumentComment{}, err
	}

	comment, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.DocumentComment{}, notFound("comment not found")
	}
	if err != nil {
		return store.DocumentComment{}, err
	}
	if comment.ParentID != nil {
		return store.DocumentComment{}, validationError("only root comments can be resolved")
	}
	if comment.Status != store.CommentActive {
		return store.DocumentComment{}, invalidState("comment is not active")
	}

	resolved, err := s.store.ResolveComment(ctx, commentID, actor)
	if err != nil {
		return store.DocumentComment{}, err
	}

	if resolved.Author != actor {
		s.notify(ctx, notify.Event{
			Kind:    notify.EventCommentResolved,
			Actor:   actor,
			Subject: "Comment resolved",
			Body:    fmt.Sprintf("%s resolved a comment by %s: %q", actor, resolved.Author, truncate(resolved.Text, 120)),
		})
	}
	s.indexComment(ctx, resolved)
	return resolved, nil
}

func (s *Service) DeleteComment(ctx context.Context, commentID, actor string) error {
	comment, err := s.store.GetComment(ctx, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("comment not found")
	}
	if err != nil {
		return err
	}
	if comment.Author != actor {
		return permissionDenied("only the author can delete a comment")
	}
	if comment.Status == store.CommentDeleted {
		return invalidState("comment is already deleted")
	}

	if err := s.store.SoftDeleteComment(ctx, commentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("comment not found")
		}
		return err
	}
	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	return nil
}

// CommentThreads returns the version's comments grouped as root threads with
// replies, ordered by creation time.
func (s *Service) CommentThreads(ctx context.Context, versionID string) ([]CommentThread, error) {
	if _, err := s.GetVersion(ctx, versionID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, versionID)
	if err != nil {
		return nil, err
	}

	threads := make([]CommentThread, 0)
	index := make(map[string]int)
	for _, comment := range comments {
		if comment.ParentID == nil {
			index[comment.ID] = len(threads)
			threads = append(threads, CommentThread{Comment: comment, Replies: []store.DocumentComment{}})
		}
	}
	for _, comment := range comments {
		if comment.ParentID == nil {
			continue
		}
		if i, ok := index[*comment.ParentID]; ok {
			threads[i].Replies = append(threads[i].Replies, comment)
		}
	}
	for i := range threads {
		seen := map[string]struct{}{threads[i].Comment.Author: {}}
		participants := []string{threads[i].Comment.Author}
		for _, reply := range threads[i].Replies {
			if _, ok := seen[reply.Author]; ok {
				continue
			}
			seen[reply.Author] = struct{}{}
			participants = append(participants, reply.Author)
		}
		threads[i].Participants = participants
	}
	return threads, nil
}

// Sessions

func (s *Service) StartSession(ctx context.Context, contractID, sourceVersionID, actor string) (store.RedlineSession, store.RedlineParticipant, error) {
	if err := s.ensureActor(ctx, actor); err != nil {
		return store.RedlineSession{}, store.RedlineParticipant{}, err
	}
	if _, err := s.GetContract(ctx, contractID); err != nil {
		return store.RedlineSession{}, store.RedlineParticipant{}, err
	}
	version, err := s.GetVersion(ctx, sourceVersionID)
	if err != nil {
		return store.RedlineSession{}, store.RedlineParticipant{}, err
	}
	if version.ContractID != contractID {
		return store.RedlineSession{}, store.RedlineParticipant{}, validationError("version belongs to a different contract")
	}

	content, err := s.blobs.Get(ctx, version.ContentRef)
	if err != nil {
		return store.RedlineSession{}, store.RedlineParticipant{}, fmt.Errorf("load source content: %w", err)
	}

	session := store.RedlineSession{
		ID:              util.NewID("ses"),
		ContractID:      contractID,
		SourceVersionID: sourceVersionID,
		Status:          store.SessionActive,
		CreatedBy:       actor,
	}
	if err := s.store.InsertSession(ctx, session); err != nil {
		return store.RedlineSession{}, store.RedlineParticipant{}, err
	}

	owner := store.RedlineParticipant{
		ID:          util.NewID("prt"),
		SessionID:   session.ID,
		DisplayName: actor,
		Role:        store.RoleOwner,
		CanEdit:     true,
		CanComment:  true,
		CanApprove:  true,
		CanInvite:   true,
	}
	if err := s.store.InsertParticipant(ctx, owner); err != nil {
		return store.RedlineSession{}, store.RedlineParticipant{}, err
	}

	s.sessions.Open(session.ID, content)
	return session, owner, nil
}

func rolePermissions(role string) (canEdit, canComment, canApprove, canInvite bool, err error) {
	switch role {
	case store.RoleOwner:
		return true, true, true, true, nil
	case store.RoleEditor:
		return true, true, false, false, nil
	case store.RoleReviewer:
		return false, true, true, false, nil
	case store.RoleViewer:
		return false, false, false, false, nil
	default:
		return false, false, false, false, validationError("role must be owner, editor, reviewer, or viewer")
	}
}

func (s *Service) AddParticipant(ctx context.Context, sessionID, displayName, role, guestEmail, invitedBy string) (store.RedlineParticipant, error) {
	if strings.TrimSpace(displayName) == "" {
		return store.RedlineParticipant{}, validationError("display name is required")
	}
	canEdit, canComment, canApprove, canInvite, err := rolePermissions(role)
	if err != nil {
		return store.RedlineParticipant{}, err
	}

	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return store.RedlineParticipant{}, err
	}
	if session.Status != store.SessionActive {
		return store.RedlineParticipant{}, sessionClosed("session is no longer active")
	}

	if strings.TrimSpace(invitedBy) == "" {
		return store.RedlineParticipant{}, validationError("actor is required")
	}
	inviter, err := s.store.GetParticipantByName(ctx, sessionID, invitedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RedlineParticipant{}, permissionDenied("inviter is not a session participant")
	}
	if err != nil {
		return store.RedlineParticipant{}, err
	}
	if !inviter.CanInvite {
		return store.RedlineParticipant{}, permissionDenied("participant cannot invite others")
	}

	if _, err := s.store.GetParticipantByName(ctx, sessionID, displayName); err == nil {
		return store.RedlineParticipant{}, conflict("display name already taken in this session", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.RedlineParticipant{}, err
	}

	item := store.RedlineParticipant{
		ID:          util.NewID("prt"),
		SessionID:   sessionID,
		GuestEmail:  guestEmail,
		DisplayName: displayName,
		Role:        role,
		CanEdit:     canEdit,
		CanComment:  canComment,
		CanApprove:  canApprove,
		CanInvite:   canInvite,
		InvitedBy:   invitedBy,
	}
	if err := s.store.InsertParticipant(ctx, item); err != nil {
		return store.RedlineParticipant{}, err
	}
	return item, nil
}

func (s *Service) getSession(ctx context.Context, sessionID string) (store.RedlineSession, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RedlineSession{}, notFound("session not found")
	}
	return session, err
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (store.RedlineSession, error) {
	return s.getSession(ctx, sessionID)
}

func (s *Service) ListSessions(ctx context.Context, contractID string) ([]store.RedlineSession, error) {
	return s.store.ListSessions(ctx, contractID)
}

// Participants lists the session roster merged with live presence.
func (s *Service) Participants(ctx context.Context, sessionID string) ([]Participant, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	roster, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	live := map[string]presence.Entry{}
	if s.presence != nil {
		entries, err := s.presence.Active(ctx, sessionID)
		if err != nil {
			s.logger.Warn().Err(err).Str("session", sessionID).Msg("presence lookup failed")
		} else {
			for _, entry := range entries {
				live[entry.ParticipantID] = entry
			}
		}
	}

	items := make([]Participant, 0, len(roster))
	for _, row := range roster {
		item := Participant{RedlineParticipant: row}
		if entry, ok := live[row.ID]; ok {
			item.Live = true
			item.Position = entry.Position
			seen := entry.LastSeen
			item.LastSeen = &seen
		}
		items = append(items, item)
	}
	return items, nil
}

// Heartbeat refreshes the participant's presence entry. Position is their
// current cursor offset, carried to other participants via the roster.
func (s *Service) Heartbeat(ctx context.Context, sessionID, displayName string, position int) error {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != store.SessionActive {
		return sessionClosed("session is no longer active")
	}
	participant, err := s.store.GetParticipantByName(ctx, sessionID, displayName)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("participant not found")
	}
	if err != nil {
		return err
	}
	if s.presence == nil {
		return nil
	}
	return s.presence.Heartbeat(ctx, sessionID, presence.Entry{
		ParticipantID: participant.ID,
		DisplayName:   participant.DisplayName,
		Role:          participant.Role,
		Position:      position,
	})
}

// LeaveSession drops the participant's live presence. The roster entry
// remains; they can rejoin by heartbeating again.
func (s *Service) LeaveSession(ctx context.Context, sessionID, displayName string) error {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return err
	}
	participant, err := s.store.GetParticipantByName(ctx, sessionID, displayName)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("participant not found")
	}
	if err != nil {
		return err
	}
	if s.presence == nil {
		return nil
	}
	return s.presence.Leave(ctx, sessionID, participant.ID)
}

// ensureSessionLoaded rebuilds the in-memory session after a restart by
// replaying the persisted operation log over the source content.
func (s *Service) ensureSessionLoaded(ctx context.Context, session store.RedlineSession) error {
	if _, _, err := s.sessions.Snapshot(session.ID); !errors.Is(err, collab.ErrSessionUnknown) {
		return err
	}

	version, err := s.GetVersion(ctx, session.SourceVersionID)
	if err != nil {
		return err
	}
	content, err := s.blobs.Get(ctx, version.ContentRef)
	if err != nil {
		return fmt.Errorf("load source content: %w", err)
	}
	logged, err := s.store.ListOperations(ctx, session.ID, 0)
	if err != nil {
		return err
	}

	ops := make([]collab.Operation, 0, len(logged))
	for _, row := range logged {
		ops = append(ops, collab.Operation{
			ID:          row.ID,
			Author:      row.Author,
			Kind:        row.Kind,
			Position:    row.Position,
			Length:      row.Length,
			Text:        row.Text,
			Attributes:  row.Attributes,
			ParentSeq:   row.ParentSeq,
			ClientSeq:   row.ClientSeq,
			LogicalTime: row.LogicalTime,
		})
	}
	return s.sessions.Replay(session.ID, content, ops)
}

// SubmitOperation sequences one editing operation into the session log. The
// returned slice includes buffered operations released by this delivery.
func (s *Service) SubmitOperation(ctx context.Context, sessionID string, input OperationInput) ([]store.EditingOperation, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != store.SessionActive {
		return nil, sessionClosed("session is no longer active")
	}

	participant, err := s.store.GetParticipantByName(ctx, sessionID, input.Author)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, permissionDenied("author is not a session participant")
	}
	if err != nil {
		return nil, err
	}
	if !participant.CanEdit {
		return nil, permissionDenied("participant cannot edit")
	}

	if err := s.ensureSessionLoaded(ctx, session); err != nil {
		return nil, err
	}

	op := collab.Operation{
		ID:          uuid.NewString(),
		Author:      input.Author,
		Kind:        input.Kind,
		Position:    input.Position,
		Length:      input.Length,
		Text:        input.Text,
		Attributes:  input.Attributes,
		ParentSeq:   input.ParentSeq,
		ClientSeq:   input.ClientSeq,
		LogicalTime: input.LogicalTime,
	}
	if op.LogicalTime == 0 {
		op.LogicalTime = time.Now().UnixNano()
	}

	applied, err := s.sessions.Submit(ctx, sessionID, op)
	if err != nil {
		return nil, mapCollabError(err)
	}

	persisted := make([]store.EditingOperation, 0, len(applied))
	for _, entry := range applied {
		// Persist the client's original fields, not the transformed ones, so
		// replaying the log reproduces the same transforms deterministically.
		row := store.EditingOperation{
			ID:          entry.ID,
			SessionID:   sessionID,
			Seq:         entry.Seq,
			Author:      entry.Author,
			ParentSeq:   entry.ParentSeq,
			ClientSeq:   entry.ClientSeq,
			Kind:        entry.Kind,
			Position:    entry.Operation.Position,
			Length:      entry.Operation.Length,
			Text:        entry.Operation.Text,
			Attributes:  entry.Attributes,
			LogicalTime: entry.LogicalTime,
		}
		if err := s.store.InsertOperation(ctx, row); err != nil {
			return persisted, err
		}
		persisted = append(persisted, row)
	}
	return persisted, nil
}

func mapCollabError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, collab.ErrSessionClosed):
		return sessionClosed("session is no longer active")
	case errors.Is(err, collab.ErrSessionUnknown):
		return notFound("session not found")
	case errors.Is(err, collab.ErrOutOfOrder):
		return outOfOrder("operation references a future state; resynchronize from the latest snapshot")
	case errors.Is(err, collab.ErrStaleOperation):
		return conflict("operation was already applied", nil)
	case errors.Is(err, collab.ErrInvalidOperation):
		return validationError("operation payload is invalid")
	default:
		return err
	}
}

func (s *Service) Operations(ctx context.Context, sessionID string, afterSeq int64) ([]store.EditingOperation, error) {
	if _, err := s.getSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListOperations(ctx, sessionID, afterSeq)
}

// SessionSnapshot returns the merged in-memory document and the sequence it
// reflects.
func (s *Service) SessionSnapshot(ctx context.Context, sessionID string) (string, int64, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return "", 0, err
	}
	if session.Status != store.SessionActive {
		return "", 0, sessionClosed("session is no longer active")
	}
	if err := s.ensureSessionLoaded(ctx, session); err != nil {
		return "", 0, err
	}
	return s.sessions.Snapshot(sessionID)
}

// FormatAt reports the formatting attributes effective at one document
// position of the live session.
func (s *Service) FormatAt(ctx context.Context, sessionID string, position int) (map[string]string, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != store.SessionActive {
		return nil, sessionClosed("session is no longer active")
	}
	if err := s.ensureSessionLoaded(ctx, session); err != nil {
		return nil, err
	}
	attrs, err := s.sessions.AttributesAt(sessionID, position)
	if err != nil {
		return nil, mapCollabError(err)
	}
	return attrs, nil
}

// CompleteSession freezes the session, snapshots the merged document as a new
// redline version, and records it as the session result.
func (s *Service) CompleteSession(ctx context.Context, sessionID, actor string) (store.RedlineSession, store.DocumentVersion, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return store.RedlineSession{}, store.DocumentVersion{}, err
	}
	if session.Status != store.SessionActive {
		return store.RedlineSession{}, store.DocumentVersion{}, invalidState("session is already closed")
	}

	participant, err := s.store.GetParticipantByName(ctx, sessionID, actor)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RedlineSession{}, store.DocumentVersion{}, permissionDenied("actor is not a session participant")
	}
	if err != nil {
		return store.RedlineSession{}, store.DocumentVersion{}, err
	}
	if !participant.CanApprove {
		return store.RedlineSession{}, store.DocumentVersion{}, permissionDenied("participant cannot complete the session")
	}

	if err := s.ensureSessionLoaded(ctx, session); err != nil {
		return store.RedlineSession{}, store.DocumentVersion{}, err
	}
	final, err := s.sessions.Close(sessionID)
	if errors.Is(err, collab.ErrSessionClosed) {
		return store.RedlineSession{}, store.DocumentVersion{}, invalidState("session is already closed")
	}
	if err != nil {
		return store.RedlineSession{}, store.DocumentVersion{}, mapCollabError(err)
	}

	ref, err := s.blobs.Put(ctx, final)
	if err != nil {
		return store.RedlineSession{}, store.DocumentVersion{}, fmt.Errorf("store merged content: %w", err)
	}
	version, err := s.store.InsertVersion(ctx, store.DocumentVersion{
		ID:          util.NewID("ver"),
		ContractID:  session.ContractID,
		VersionType: store.VersionRedline,
		ContentRef:  ref,
		ContentSize: int64(len(final)),
		Author:      actor,
	})
	if err != nil {
		return store.RedlineSession{}, store.DocumentVersion{}, err
	}

	ok, err := s.store.FinishSession(ctx, sessionID, store.SessionCompleted, &version.ID)
	if err != nil {
		return store.RedlineSession{}, store.DocumentVersion{}, err
	}
	if !ok {
		return store.RedlineSession{}, store.DocumentVersion{}, invalidState("session is already closed")
	}

	s.sessions.Discard(sessionID)
	s.clearPresence(ctx, sessionID)
	s.notify(ctx, notify.Event{
		Kind:       notify.EventSessionFinished,
		ContractID: session.ContractID,
		Actor:      actor,
		Subject:    "Redline session completed",
		Body:       fmt.Sprintf("%s completed session %s; version %d was created.", actor, sessionID, version.VersionNumber),
		Recipients: s.participantEmails(ctx, sessionID),
	})

	updated, err := s.getSession(ctx, sessionID)
	if err != nil {
		return store.RedlineSession{}, store.DocumentVersion{}, err
	}
	return updated, version, nil
}

// CancelSession abandons the session; no result version is produced.
func (s *Service) CancelSession(ctx context.Context, sessionID, actor string) (store.RedlineSession, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return store.RedlineSession{}, err
	}
	if session.Status != store.SessionActive {
		return store.RedlineSession{}, invalidState("session is already closed")
	}

	participant, err := s.store.GetParticipantByName(ctx, sessionID, actor)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RedlineSession{}, permissionDenied("actor is not a session participant")
	}
	if err != nil {
		return store.RedlineSession{}, err
	}
	if !participant.CanApprove && session.CreatedBy != actor {
		return store.RedlineSession{}, permissionDenied("participant cannot cancel the session")
	}

	ok, err := s.store.FinishSession(ctx, sessionID, store.SessionCancelled, nil)
	if err != nil {
		return store.RedlineSession{}, err
	}
	if !ok {
		return store.RedlineSession{}, invalidState("session is already closed")
	}

	s.sessions.Discard(sessionID)
	s.clearPresence(ctx, sessionID)

	return s.getSession(ctx, sessionID)
}

func (s *Service) SessionStats(ctx context.Context) (store.SessionStats, error) {
	return s.store.SessionStats(ctx)
}

func (s *Service) clearPresence(ctx context.Context, sessionID string) {
	if s.presence == nil {
		return
	}
	if err := s.presence.ClearSession(ctx, sessionID); err != nil {
		s.logger.Warn().Err(err).Str("session", sessionID).Msg("clear presence failed")
	}
}

func (s *Service) participantEmails(ctx context.Context, sessionID string) []string {
	roster, err := s.store.ListParticipants(ctx, sessionID)
	if err != nil {
		return nil
	}
	emails := make([]string, 0, len(roster))
	for _, row := range roster {
		if row.GuestEmail != "" {
			emails = append(emails, row.GuestEmail)
		}
	}
	return emails
}

func (s *Service) notify(ctx context.Context, event notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("kind", event.Kind).Msg("notification delivery failed")
	}
}

// Search

func (s *Service) Search(ctx context.Context, text, filterType, contractID string, limit, offset int) (search.Response, error) {
	switch search.ResultType(filterType) {
	case "", search.ResultChange, search.ResultComment:
	default:
		return search.Response{}, validationError("type must be change or comment")
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:             text,
		FilterType:       search.ResultType(filterType),
		FilterContractID: contractID,
		Limit:            limit,
		Offset:           offset,
	}), nil
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
