package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"redline/api/internal/collab"
	"redline/api/internal/config"
	"redline/api/internal/notify"
	"redline/api/internal/objstore"
	"redline/api/internal/presence"
	"redline/api/internal/store"
)

type fakeStore struct {
	ensureUserByNameFn     func(context.Context, string) (store.User, error)
	insertContractFn       func(context.Context, store.Contract) error
	getContractFn          func(context.Context, string) (store.Contract, error)
	listContractsFn        func(context.Context) ([]store.Contract, error)
	insertVersionFn        func(context.Context, store.DocumentVersion) (store.DocumentVersion, error)
	getVersionFn           func(context.Context, string) (store.DocumentVersion, error)
	listVersionsFn         func(context.Context, string, string) ([]store.DocumentVersion, error)
	getComparisonByPairFn  func(context.Context, string, string) (store.DocumentComparison, error)
	getComparisonFn        func(context.Context, string) (store.DocumentComparison, error)
	insertComparisonFn     func(context.Context, store.DocumentComparison, []store.DocumentChange) (store.DocumentComparison, bool, error)
	listChangesFn          func(context.Context, string, store.ChangeFilter) ([]store.DocumentChange, error)
	getChangeFn            func(context.Context, string) (store.DocumentChange, error)
	reviewChangeFn         func(context.Context, string, string, string, string) (store.DocumentChange, error)
	reviewStatsFn          func(context.Context, string) (store.ReviewStats, error)
	insertCommentFn        func(context.Context, store.DocumentComment) error
	getCommentFn           func(context.Context, string) (store.DocumentComment, error)
	updateCommentFn        func(context.Context, string, string, int, int) (store.DocumentComment, error)
	resolveCommentFn       func(context.Context, string, string) (store.DocumentComment, error)
	softDeleteCommentFn    func(context.Context, string) error
	listCommentsFn         func(context.Context, string) ([]store.DocumentComment, error)
	insertSessionFn        func(context.Context, store.RedlineSession) error
	getSessionFn           func(context.Context, string) (store.RedlineSession, error)
	listSessionsFn         func(context.Context, string) ([]store.RedlineSession, error)
	finishSessionFn        func(context.Context, string, string, *string) (bool, error)
	sessionStatsFn         func(context.Context) (store.SessionStats, error)
	insertParticipantFn    func(context.Context, store.RedlineParticipant) error
	getParticipantByNameFn func(context.Context, string, string) (store.RedlineParticipant, error)
	listParticipantsFn     func(context.Context, string) ([]store.RedlineParticipant, error)
	insertOperationFn      func(context.Context, store.EditingOperation) error
	listOperationsFn       func(context.Context, string, int64) ([]store.EditingOperation, error)
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	return store.User{DisplayName: name}, nil
}

func (f *fakeStore) InsertContract(ctx context.Context, item store.Contract) error {
	if f.insertContractFn != nil {
		return f.insertContractFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) GetContract(ctx context.Context, contractID string) (store.Contract, error) {
	if f.getContractFn != nil {
		return f.getContractFn(ctx, contractID)
	}
	return store.Contract{ID: contractID}, nil
}

func (f *fakeStore) ListContracts(ctx context.Context) ([]store.Contract, error) {
	if f.listContractsFn != nil {
		return f.listContractsFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) InsertVersion(ctx context.Context, item store.DocumentVersion) (store.DocumentVersion, error) {
	if f.insertVersionFn != nil {
		return f.insertVersionFn(ctx, item)
	}
	item.VersionNumber = 1
	return item, nil
}

func (f *fakeStore) GetVersion(ctx context.Context, versionID string) (store.DocumentVersion, error) {
	if f.getVersionFn != nil {
		return f.getVersionFn(ctx, versionID)
	}
	return store.DocumentVersion{}, sql.ErrNoRows
}

func (f *fakeStore) ListVersions(ctx context.Context, contractID, versionType string) ([]store.DocumentVersion, error) {
	if f.listVersionsFn != nil {
		return f.listVersionsFn(ctx, contractID, versionType)
	}
	return nil, nil
}

func (f *fakeStore) GetComparisonByPair(ctx context.Context, sourceID, targetID string) (store.DocumentComparison, error) {
	if f.getComparisonByPairFn != nil {
		return f.getComparisonByPairFn(ctx, sourceID, targetID)
	}
	return store.DocumentComparison{}, sql.ErrNoRows
}

func (f *fakeStore) GetComparison(ctx context.Context, comparisonID string) (store.DocumentComparison, error) {
	if f.getComparisonFn != nil {
		return f.getComparisonFn(ctx, comparisonID)
	}
	return store.DocumentComparison{ID: comparisonID}, nil
}

func (f *fakeStore) InsertComparison(ctx context.Context, item store.DocumentComparison, changes []store.DocumentChange) (store.DocumentComparison, bool, error) {
	if f.insertComparisonFn != nil {
		return f.insertComparisonFn(ctx, item, changes)
	}
	return item, true, nil
}

func (f *fakeStore) ListChanges(ctx context.Context, comparisonID string, filter store.ChangeFilter) ([]store.DocumentChange, error) {
	if f.listChangesFn != nil {
		return f.listChangesFn(ctx, comparisonID, filter)
	}
	return nil, nil
}

func (f *fakeStore) GetChange(ctx context.Context, changeID string) (store.DocumentChange, error) {
	if f.getChangeFn != nil {
		return f.getChangeFn(ctx, changeID)
	}
	return store.DocumentChange{}, sql.ErrNoRows
}

func (f *fakeStore) ReviewChange(ctx context.Context, changeID, status, reviewer, comment string) (store.DocumentChange, error) {
	if f.reviewChangeFn != nil {
		return f.reviewChangeFn(ctx, changeID, status, reviewer, comment)
	}
	return store.DocumentChange{ID: changeID, Status: status, ReviewedBy: reviewer}, nil
}

func (f *fakeStore) ReviewStats(ctx context.Context, comparisonID string) (store.ReviewStats, error) {
	if f.reviewStatsFn != nil {
		return f.reviewStatsFn(ctx, comparisonID)
	}
	return store.ReviewStats{}, nil
}

func (f *fakeStore) InsertComment(ctx context.Context, item store.DocumentComment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) GetComment(ctx context.Context, commentID string) (store.DocumentComment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, commentID)
	}
	return store.DocumentComment{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateComment(ctx context.Context, commentID, body string, anchorStart, anchorEnd int) (store.DocumentComment, error) {
	if f.updateCommentFn != nil {
		return f.updateCommentFn(ctx, commentID, body, anchorStart, anchorEnd)
	}
	return store.DocumentComment{ID: commentID, Text: body}, nil
}

func (f *fakeStore) ResolveComment(ctx context.Context, commentID, resolvedBy string) (store.DocumentComment, error) {
	if f.resolveCommentFn != nil {
		return f.resolveCommentFn(ctx, commentID, resolvedBy)
	}
	return store.DocumentComment{ID: commentID, Status: store.CommentResolved, ResolvedBy: resolvedBy}, nil
}

func (f *fakeStore) SoftDeleteComment(ctx context.Context, commentID string) error {
	if f.softDeleteCommentFn != nil {
		return f.softDeleteCommentFn(ctx, commentID)
	}
	return nil
}

func (f *fakeStore) ListComments(ctx context.Context, versionID string) ([]store.DocumentComment, error) {
	if f.listCommentsFn != nil {
		return f.listCommentsFn(ctx, versionID)
	}
	return nil, nil
}

func (f *fakeStore) InsertSession(ctx context.Context, item store.RedlineSession) error {
	if f.insertSessionFn != nil {
		return f.insertSessionFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, sessionID string) (store.RedlineSession, error) {
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx, sessionID)
	}
	return store.RedlineSession{}, sql.ErrNoRows
}

func (f *fakeStore) ListSessions(ctx context.Context, contractID string) ([]store.RedlineSession, error) {
	if f.listSessionsFn != nil {
		return f.listSessionsFn(ctx, contractID)
	}
	return nil, nil
}

func (f *fakeStore) FinishSession(ctx context.Context, sessionID, status string, resultVersionID *string) (bool, error) {
	if f.finishSessionFn != nil {
		return f.finishSessionFn(ctx, sessionID, status, resultVersionID)
	}
	return true, nil
}

func (f *fakeStore) SessionStats(ctx context.Context) (store.SessionStats, error) {
	if f.sessionStatsFn != nil {
		return f.sessionStatsFn(ctx)
	}
	return store.SessionStats{}, nil
}

func (f *fakeStore) InsertParticipant(ctx context.Context, item store.RedlineParticipant) error {
	if f.insertParticipantFn != nil {
		return f.insertParticipantFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) GetParticipantByName(ctx context.Context, sessionID, displayName string) (store.RedlineParticipant, error) {
	if f.getParticipantByNameFn != nil {
		return f.getParticipantByNameFn(ctx, sessionID, displayName)
	}
	return store.RedlineParticipant{}, sql.ErrNoRows
}

func (f *fakeStore) ListParticipants(ctx context.Context, sessionID string) ([]store.RedlineParticipant, error) {
	if f.listParticipantsFn != nil {
		return f.listParticipantsFn(ctx, sessionID)
	}
	return nil, nil
}

func (f *fakeStore) InsertOperation(ctx context.Context, item store.EditingOperation) error {
	if f.insertOperationFn != nil {
		return f.insertOperationFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) ListOperations(ctx context.Context, sessionID string, afterSeq int64) ([]store.EditingOperation, error) {
	if f.listOperationsFn != nil {
		return f.listOperationsFn(ctx, sessionID, afterSeq)
	}
	return nil, nil
}

type fakeNotifier struct {
	events []notify.Event
}

func (f *fakeNotifier) Notify(_ context.Context, event notify.Event) error {
	f.events = append(f.events, event)
	return nil
}

type fakePresence struct {
	heartbeatFn    func(context.Context, string, presence.Entry) error
	activeFn       func(context.Context, string) ([]presence.Entry, error)
	leaveFn        func(context.Context, string, string) error
	clearSessionFn func(context.Context, string) error
}

func (f *fakePresence) Heartbeat(ctx context.Context, sessionID string, entry presence.Entry) error {
	if f.heartbeatFn != nil {
		return f.heartbeatFn(ctx, sessionID, entry)
	}
	return nil
}

func (f *fakePresence) Active(ctx context.Context, sessionID string) ([]presence.Entry, error) {
	if f.activeFn != nil {
		return f.activeFn(ctx, sessionID)
	}
	return nil, nil
}

func (f *fakePresence) Leave(ctx context.Context, sessionID, participantID string) error {
	if f.leaveFn != nil {
		return f.leaveFn(ctx, sessionID, participantID)
	}
	return nil
}

func (f *fakePresence) ClearSession(ctx context.Context, sessionID string) error {
	if f.clearSessionFn != nil {
		return f.clearSessionFn(ctx, sessionID)
	}
	return nil
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      config.Config{},
		store:    fs,
		blobs:    objstore.NewMemoryStore(),
		sessions: collab.NewManager(collab.NopBroadcaster{}, zerolog.Nop()),
		logger:   zerolog.Nop(),
	}
}

func requireDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}

func TestCreateContractRequiresTitle(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateContract(context.Background(), "   ", "alice")
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCreateVersionRejectsUnknownType(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.CreateVersion(context.Background(), "ctr_1", "content", "draft", "alice")
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCreateVersionStoresContent(t *testing.T) {
	var inserted store.DocumentVersion
	fs := &fakeStore{
		insertVersionFn: func(_ context.Context, item store.DocumentVersion) (store.DocumentVersion, error) {
			inserted = item
			item.VersionNumber = 3
			return item, nil
		},
	}
	svc := newTestService(fs)

	item, err := svc.CreateVersion(context.Background(), "ctr_1", "Section 1. Payment terms.", store.VersionRedline, "alice")
	if err != nil {
		t.Fatalf("CreateVersion: %v", err)
	}
	if item.VersionNumber != 3 {
		t.Fatalf("expected version number 3, got %d", item.VersionNumber)
	}
	if inserted.ContentRef == "" {
		t.Fatal("expected a content ref")
	}
	content, err := svc.blobs.Get(context.Background(), inserted.ContentRef)
	if err != nil {
		t.Fatalf("blob get: %v", err)
	}
	if content != "Section 1. Payment terms." {
		t.Fatalf("unexpected stored content %q", content)
	}
}

func TestCompareSameVersionRejected(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, _, _, err := svc.Compare(context.Background(), "ver_1", "ver_1", "alice")
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCompareRejectsCrossContractVersions(t *testing.T) {
	fs := &fakeStore{
		getVersionFn: func(_ context.Context, versionID string) (store.DocumentVersion, error) {
			if versionID == "ver_1" {
				return store.DocumentVersion{ID: versionID, ContractID: "ctr_a"}, nil
			}
			return store.DocumentVersion{ID: versionID, ContractID: "ctr_b"}, nil
		},
	}
	svc := newTestService(fs)

	_, _, _, err := svc.Compare(context.Background(), "ver_1", "ver_2", "alice")
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCompareProducesPendingChanges(t *testing.T) {
	svc := newTestService(nil)

	sourceRef, err := svc.blobs.Put(context.Background(), "Payment is due within 30 days of invoice.\nThe term is five years.\n")
	if err != nil {
		t.Fatalf("put source: %v", err)
	}
	targetRef, err := svc.blobs.Put(context.Background(), "Payment is due within 45 days of invoice.\nThe term is five years.\n")
	if err != nil {
		t.Fatalf("put target: %v", err)
	}

	var insertedChanges []store.DocumentChange
	fs := &fakeStore{
		getVersionFn: func(_ context.Context, versionID string) (store.DocumentVersion, error) {
			if versionID == "ver_1" {
				return store.DocumentVersion{ID: versionID, ContractID: "ctr_1", ContentRef: sourceRef}, nil
			}
			return store.DocumentVersion{ID: versionID, ContractID: "ctr_1", ContentRef: targetRef}, nil
		},
		insertComparisonFn: func(_ context.Context, item store.DocumentComparison, changes []store.DocumentChange) (store.DocumentComparison, bool, error) {
			insertedChanges = changes
			return item, true, nil
		},
	}
	svc.store = fs

	comparison, changes, created, err := svc.Compare(context.Background(), "ver_1", "ver_2", "alice")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !created {
		t.Fatal("expected a new comparison")
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].ChangeType != store.ChangeModify {
		t.Fatalf("expected modify, got %s", changes[0].ChangeType)
	}
	if changes[0].Status != store.ReviewPending {
		t.Fatalf("expected pending status, got %s", changes[0].Status)
	}
	if changes[0].Category != "financial" {
		t.Fatalf("expected financial category, got %s", changes[0].Category)
	}
	if comparison.ModifyCount != 1 || comparison.ChangeCount != 1 {
		t.Fatalf("unexpected counts: %+v", comparison)
	}
	if len(insertedChanges) != 1 {
		t.Fatalf("expected persisted changes, got %d", len(insertedChanges))
	}
	if comparison.SimilarityScore <= 0 || comparison.SimilarityScore >= 1 {
		t.Fatalf("unexpected similarity %f", comparison.SimilarityScore)
	}
}

func TestCompareReturnsExistingPair(t *testing.T) {
	fs := &fakeStore{
		getVersionFn: func(_ context.Context, versionID string) (store.DocumentVersion, error) {
			return store.DocumentVersion{ID: versionID, ContractID: "ctr_1"}, nil
		},
		getComparisonByPairFn: func(context.Context, string, string) (store.DocumentComparison, error) {
			return store.DocumentComparison{ID: "cmp_existing"}, nil
		},
	}
	svc := newTestService(fs)

	comparison, _, created, err := svc.Compare(context.Background(), "ver_1", "ver_2", "alice")
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if created {
		t.Fatal("expected existing comparison to be reused")
	}
	if comparison.ID != "cmp_existing" {
		t.Fatalf("unexpected comparison %s", comparison.ID)
	}
}

func TestReviewChangeValidatesDecision(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.ReviewChange(context.Background(), "chg_1", "maybe", "", "alice")
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestReviewChangeNotifiesOnSignificantChange(t *testing.T) {
	fs := &fakeStore{
		reviewChangeFn: func(_ context.Context, changeID, status, reviewer, _ string) (store.DocumentChange, error) {
			return store.DocumentChange{
				ID:            changeID,
				Status:        status,
				ReviewedBy:    reviewer,
				Category:      "financial",
				IsSignificant: true,
			}, nil
		},
	}
	svc := newTestService(fs)
	notifier := &fakeNotifier{}
	svc.notifier = notifier

	reviewed, err := svc.ReviewChange(context.Background(), "chg_1", store.ReviewAccepted, "looks right", "alice")
	if err != nil {
		t.Fatalf("ReviewChange: %v", err)
	}
	if reviewed.Status != store.ReviewAccepted {
		t.Fatalf("unexpected status %s", reviewed.Status)
	}
	if len(notifier.events) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.events))
	}
	if notifier.events[0].Kind != notify.EventChangeReviewed {
		t.Fatalf("unexpected event kind %s", notifier.events[0].Kind)
	}
}

func TestReviewChangeAllowsOverturningDecision(t *testing.T) {
	var gotStatus string
	fs := &fakeStore{
		reviewChangeFn: func(_ context.Context, changeID, status, reviewer, _ string) (store.DocumentChange, error) {
			gotStatus = status
			return store.DocumentChange{ID: changeID, Status: status, ReviewedBy: reviewer}, nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.ReviewChange(context.Background(), "chg_1", store.ReviewRejected, "", "bob"); err != nil {
		t.Fatalf("ReviewChange: %v", err)
	}
	if gotStatus != store.ReviewRejected {
		t.Fatalf("expected rejected, got %s", gotStatus)
	}
}

func TestBulkReviewReportsPerChangeOutcomes(t *testing.T) {
	fs := &fakeStore{
		reviewChangeFn: func(_ context.Context, changeID, status, reviewer, _ string) (store.DocumentChange, error) {
			if changeID == "chg_missing" {
				return store.DocumentChange{}, sql.ErrNoRows
			}
			return store.DocumentChange{ID: changeID, Status: status, ReviewedBy: reviewer}, nil
		},
	}
	svc := newTestService(fs)

	results, err := svc.BulkReview(context.Background(), []string{"chg_1", "chg_missing", "chg_2"}, store.ReviewAccepted, "", "alice")
	if err != nil {
		t.Fatalf("BulkReview: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Status != store.ReviewAccepted || results[0].Err != "" {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Err == "" {
		t.Fatalf("expected failure for missing change, got %+v", results[1])
	}
	if results[2].Status != store.ReviewAccepted {
		t.Fatalf("unexpected last result %+v", results[2])
	}
}

func TestApplyAcceptedKeepsSourceTextForUnacceptedChanges(t *testing.T) {
	var gotFilter store.ChangeFilter
	fs := &fakeStore{
		getComparisonFn: func(_ context.Context, comparisonID string) (store.DocumentComparison, error) {
			return store.DocumentComparison{ID: comparisonID, SourceVersionID: "ver_src"}, nil
		},
		listChangesFn: func(_ context.Context, _ string, filter store.ChangeFilter) ([]store.DocumentChange, error) {
			gotFilter = filter
			return []store.DocumentChange{
				{ID: "chg_ins", ChangeType: store.ChangeInsert, SourceStart: 0, SourceEnd: 0,
					TargetStart: 0, TargetEnd: 2, AfterText: "X ", Status: store.ReviewPending},
				{ID: "chg_mod", ChangeType: store.ChangeModify, SourceStart: 6, SourceEnd: 11,
					TargetStart: 8, TargetEnd: 14, BeforeText: "world", AfterText: "planet", Status: store.ReviewAccepted},
			}, nil
		},
	}
	svc := newTestService(fs)
	ref, err := svc.blobs.Put(context.Background(), "Hello world")
	if err != nil {
		t.Fatalf("blob put: %v", err)
	}
	fs.getVersionFn = func(_ context.Context, versionID string) (store.DocumentVersion, error) {
		return store.DocumentVersion{ID: versionID, ContentRef: ref}, nil
	}

	merged, err := svc.ApplyAccepted(context.Background(), "cmp_1")
	if err != nil {
		t.Fatalf("ApplyAccepted: %v", err)
	}
	if merged != "Hello planet" {
		t.Fatalf("got %q, want %q", merged, "Hello planet")
	}
	if gotFilter != (store.ChangeFilter{}) {
		t.Fatalf("preview must load every change row, got filter %+v", gotFilter)
	}
}

func TestBulkReviewRequiresIDs(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.BulkReview(context.Background(), nil, store.ReviewAccepted, "", "alice")
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func versionForComments(versionID string) func(context.Context, string) (store.DocumentVersion, error) {
	return func(_ context.Context, id string) (store.DocumentVersion, error) {
		if id == versionID {
			return store.DocumentVersion{ID: id, ContractID: "ctr_1"}, nil
		}
		return store.DocumentVersion{}, sql.ErrNoRows
	}
}

func TestCreateCommentRejectsNestedReplies(t *testing.T) {
	parentOfParent := "cmt_root"
	fs := &fakeStore{
		getVersionFn: versionForComments("ver_1"),
		getCommentFn: func(_ context.Context, commentID string) (store.DocumentComment, error) {
			return store.DocumentComment{
				ID:        commentID,
				VersionID: "ver_1",
				ParentID:  &parentOfParent,
				Status:    store.CommentActive,
			}, nil
		},
	}
	svc := newTestService(fs)

	parentID := "cmt_reply"
	_, err := svc.CreateComment(context.Background(), "ver_1", "bob", "agreed", &parentID, 0, 0)
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCreateCommentRejectsParentFromOtherVersion(t *testing.T) {
	fs := &fakeStore{
		getVersionFn: versionForComments("ver_1"),
		getCommentFn: func(_ context.Context, commentID string) (store.DocumentComment, error) {
			return store.DocumentComment{ID: commentID, VersionID: "ver_2", Status: store.CommentActive}, nil
		},
	}
	svc := newTestService(fs)

	parentID := "cmt_other"
	_, err := svc.CreateComment(context.Background(), "ver_1", "bob", "agreed", &parentID, 0, 0)
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestCreateCommentClearsReplyAnchor(t *testing.T) {
	var inserted store.DocumentComment
	fs := &fakeStore{
		getVersionFn: versionForComments("ver_1"),
		getCommentFn: func(_ context.Context, commentID string) (store.DocumentComment, error) {
			if strings.HasPrefix(commentID, "cmt_") && commentID != "cmt_root" {
				return inserted, nil
			}
			return store.DocumentComment{ID: commentID, VersionID: "ver_1", Status: store.CommentActive}, nil
		},
		insertCommentFn: func(_ context.Context, item store.DocumentComment) error {
			inserted = item
			return nil
		},
	}
	svc := newTestService(fs)

	parentID := "cmt_root"
	_, err := svc.CreateComment(context.Background(), "ver_1", "bob", "agreed", &parentID, 40, 55)
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if inserted.AnchorStart != 0 || inserted.AnchorEnd != 0 {
		t.Fatalf("expected reply anchor cleared, got [%d,%d)", inserted.AnchorStart, inserted.AnchorEnd)
	}
}

func TestUpdateCommentRequiresAuthor(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.DocumentComment, error) {
			return store.DocumentComment{ID: commentID, Author: "alice", Status: store.CommentActive}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateComment(context.Background(), "cmt_1", "bob", "edited", 0, 4)
	requireDomainCode(t, err, "PERMISSION_DENIED")
}

func TestResolveCommentRejectsReplies(t *testing.T) {
	rootID := "cmt_root"
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.DocumentComment, error) {
			return store.DocumentComment{ID: commentID, ParentID: &rootID, Status: store.CommentActive}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.ResolveComment(context.Background(), "cmt_reply", "alice")
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestDeleteCommentTwiceRejected(t *testing.T) {
	fs := &fakeStore{
		getCommentFn: func(_ context.Context, commentID string) (store.DocumentComment, error) {
			return store.DocumentComment{ID: commentID, Author: "alice", Status: store.CommentDeleted}, nil
		},
	}
	svc := newTestService(fs)

	err := svc.DeleteComment(context.Background(), "cmt_1", "alice")
	requireDomainCode(t, err, "INVALID_STATE")
}

func TestCommentThreadsGroupReplies(t *testing.T) {
	rootID := "cmt_root"
	fs := &fakeStore{
		getVersionFn: versionForComments("ver_1"),
		listCommentsFn: func(context.Context, string) ([]store.DocumentComment, error) {
			return []store.DocumentComment{
				{ID: "cmt_root", VersionID: "ver_1", Author: "alice", Text: "too vague"},
				{ID: "cmt_reply", VersionID: "ver_1", Author: "bob", Text: "agreed", ParentID: &rootID},
			}, nil
		},
	}
	svc := newTestService(fs)

	threads, err := svc.CommentThreads(context.Background(), "ver_1")
	if err != nil {
		t.Fatalf("CommentThreads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %d", len(threads))
	}
	if len(threads[0].Replies) != 1 || threads[0].Replies[0].ID != "cmt_reply" {
		t.Fatalf("unexpected replies %+v", threads[0].Replies)
	}
	if len(threads[0].Participants) != 2 || threads[0].Participants[0] != "alice" || threads[0].Participants[1] != "bob" {
		t.Fatalf("unexpected participants %v", threads[0].Participants)
	}
}

func TestCreateCommentRejectsAnchorPastDocumentEnd(t *testing.T) {
	svc := newTestService(nil)
	ref, err := svc.blobs.Put(context.Background(), "short document")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	svc.store = &fakeStore{
		getVersionFn: func(_ context.Context, versionID string) (store.DocumentVersion, error) {
			return store.DocumentVersion{ID: versionID, ContractID: "ctr_1", ContentRef: ref}, nil
		},
	}

	_, err = svc.CreateComment(context.Background(), "ver_1", "alice", "way out there", nil, 10, 500)
	requireDomainCode(t, err, "VALIDATION_ERROR")
}

func TestStartSessionCreatesOwnerWithFullPermissions(t *testing.T) {
	svc := newTestService(nil)
	ref, err := svc.blobs.Put(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	var owner store.RedlineParticipant
	fs := &fakeStore{
		getVersionFn: func(_ context.Context, versionID string) (store.DocumentVersion, error) {
			return store.DocumentVersion{ID: versionID, ContractID: "ctr_1", ContentRef: ref}, nil
		},
		insertParticipantFn: func(_ context.Context, item store.RedlineParticipant) error {
			owner = item
			return nil
		},
	}
	svc.store = fs

	session, participant, err := svc.StartSession(context.Background(), "ctr_1", "ver_1", "alice")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if participant.Role != store.RoleOwner {
		t.Fatalf("expected owner role, got %s", participant.Role)
	}
	if !owner.CanEdit || !owner.CanComment || !owner.CanApprove || !owner.CanInvite {
		t.Fatalf("owner should hold every permission: %+v", owner)
	}

	content, seq, err := svc.sessions.Snapshot(session.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if content != "hello world" || seq != 0 {
		t.Fatalf("unexpected snapshot %q at seq %d", content, seq)
	}
}

func TestAddParticipantRejectsDuplicateName(t *testing.T) {
	fs := &fakeStore{
		getSessionFn: func(_ context.Context, sessionID string) (store.RedlineSession, error) {
			return store.RedlineSession{ID: sessionID, Status: store.SessionActive}, nil
		},
		getParticipantByNameFn: func(_ context.Context, _, displayName string) (store.RedlineParticipant, error) {
			switch displayName {
			case "alice":
				return store.RedlineParticipant{ID: "prt_a", DisplayName: "alice", CanInvite: true}, nil
			case "bob":
				return store.RedlineParticipant{ID: "prt_1", DisplayName: "bob"}, nil
			}
			return store.RedlineParticipant{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	_, err := svc.AddParticipant(context.Background(), "ses_1", "bob", store.RoleEditor, "", "alice")
	requireDomainCode(t, err, "CONFLICT")
}

func TestAddParticipantRequiresInvitePermission(t *testing.T) {
	fs := &fakeStore{
		getSessionFn: func(_ context.Context, sessionID string) (store.RedlineSession, error) {
			return store.RedlineSession{ID: sessionID, Status: store.SessionActive}, nil
		},
		getParticipantByNameFn: func(_ context.Context, _, displayName string) (store.RedlineParticipant, error) {
			if displayName == "viewer" {
				return store.RedlineParticipant{ID: "prt_v", DisplayName: "viewer", CanInvite: false}, nil
			}
			return store.RedlineParticipant{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	_, err := svc.AddParticipant(context.Background(), "ses_1", "carol", store.RoleEditor, "", "viewer")
	requireDomainCode(t, err, "PERMISSION_DENIED")
}

func sessionFixture(t *testing.T, svc *Service, content string) (*fakeStore, string) {
	t.Helper()
	ref, err := svc.blobs.Put(context.Background(), content)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	fs := &fakeStore{
		getSessionFn: func(_ context.Context, sessionID string) (store.RedlineSession, error) {
			return store.RedlineSession{
				ID:              sessionID,
				ContractID:      "ctr_1",
				SourceVersionID: "ver_1",
				Status:          store.SessionActive,
				CreatedBy:       "alice",
			}, nil
		},
		getVersionFn: func(_ context.Context, versionID string) (store.DocumentVersion, error) {
			return store.DocumentVersion{ID: versionID, ContractID: "ctr_1", ContentRef: ref}, nil
		},
		getParticipantByNameFn: func(_ context.Context, sessionID, displayName string) (store.RedlineParticipant, error) {
			switch displayName {
			case "alice":
				return store.RedlineParticipant{ID: "prt_a", SessionID: sessionID, DisplayName: "alice", Role: store.RoleOwner, CanEdit: true, CanComment: true, CanApprove: true, CanInvite: true}, nil
			case "viewer":
				return store.RedlineParticipant{ID: "prt_v", SessionID: sessionID, DisplayName: "viewer", Role: store.RoleViewer}, nil
			}
			return store.RedlineParticipant{}, sql.ErrNoRows
		},
	}
	svc.store = fs
	return fs, "ses_1"
}

func TestSubmitOperationAppliesEditAndPersistsLog(t *testing.T) {
	svc := newTestService(nil)
	fs, sessionID := sessionFixture(t, svc, "hello world")

	var persisted []store.EditingOperation
	fs.insertOperationFn = func(_ context.Context, item store.EditingOperation) error {
		persisted = append(persisted, item)
		return nil
	}

	applied, err := svc.SubmitOperation(context.Background(), sessionID, OperationInput{
		Author:    "alice",
		Kind:      store.OpInsert,
		Position:  5,
		Text:      ", dear",
		ParentSeq: 0,
		ClientSeq: 1,
	})
	if err != nil {
		t.Fatalf("SubmitOperation: %v", err)
	}
	if len(applied) != 1 || applied[0].Seq != 1 {
		t.Fatalf("unexpected applied ops %+v", applied)
	}
	if len(persisted) != 1 || persisted[0].Kind != store.OpInsert || persisted[0].Position != 5 {
		t.Fatalf("unexpected persisted log %+v", persisted)
	}

	content, seq, err := svc.SessionSnapshot(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("SessionSnapshot: %v", err)
	}
	if content != "hello, dear world" || seq != 1 {
		t.Fatalf("unexpected document %q at seq %d", content, seq)
	}
}

func TestSubmitOperationRejectsViewers(t *testing.T) {
	svc := newTestService(nil)
	_, sessionID := sessionFixture(t, svc, "hello world")

	_, err := svc.SubmitOperation(context.Background(), sessionID, OperationInput{
		Author:    "viewer",
		Kind:      store.OpInsert,
		Position:  0,
		Text:      "x",
		ClientSeq: 1,
	})
	requireDomainCode(t, err, "PERMISSION_DENIED")
}

func TestSubmitOperationRejectsFutureParentSeq(t *testing.T) {
	svc := newTestService(nil)
	_, sessionID := sessionFixture(t, svc, "hello world")

	_, err := svc.SubmitOperation(context.Background(), sessionID, OperationInput{
		Author:    "alice",
		Kind:      store.OpInsert,
		Position:  0,
		Text:      "x",
		ParentSeq: 7,
		ClientSeq: 1,
	})
	requireDomainCode(t, err, "OUT_OF_ORDER_OPERATION")
}

func TestSubmitOperationRehydratesFromLog(t *testing.T) {
	svc := newTestService(nil)
	fs, sessionID := sessionFixture(t, svc, "hello world")

	// Simulate a restart: nothing in memory, one operation in the log.
	fs.listOperationsFn = func(context.Context, string, int64) ([]store.EditingOperation, error) {
		return []store.EditingOperation{
			{ID: "op_1", SessionID: sessionID, Seq: 1, Author: "alice", ClientSeq: 1, Kind: store.OpInsert, Position: 11, Text: "!"},
		}, nil
	}

	content, seq, err := svc.SessionSnapshot(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("SessionSnapshot: %v", err)
	}
	if content != "hello world!" || seq != 1 {
		t.Fatalf("unexpected rehydrated document %q at seq %d", content, seq)
	}
}

func TestCompleteSessionCreatesResultVersion(t *testing.T) {
	svc := newTestService(nil)
	fs, sessionID := sessionFixture(t, svc, "hello world")

	var insertedVersion store.DocumentVersion
	var finishedStatus string
	var finishedResult *string
	sessionStatus := store.SessionActive
	fs.getSessionFn = func(_ context.Context, id string) (store.RedlineSession, error) {
		return store.RedlineSession{
			ID:              id,
			ContractID:      "ctr_1",
			SourceVersionID: "ver_1",
			Status:          sessionStatus,
			CreatedBy:       "alice",
		}, nil
	}
	fs.insertVersionFn = func(_ context.Context, item store.DocumentVersion) (store.DocumentVersion, error) {
		insertedVersion = item
		item.VersionNumber = 2
		return item, nil
	}
	fs.finishSessionFn = func(_ context.Context, _, status string, resultVersionID *string) (bool, error) {
		finishedStatus = status
		finishedResult = resultVersionID
		sessionStatus = status
		return true, nil
	}

	if _, err := svc.SubmitOperation(context.Background(), sessionID, OperationInput{
		Author: "alice", Kind: store.OpInsert, Position: 11, Text: "!", ClientSeq: 1,
	}); err != nil {
		t.Fatalf("SubmitOperation: %v", err)
	}

	_, version, err := svc.CompleteSession(context.Background(), sessionID, "alice")
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if version.VersionNumber != 2 || version.VersionType != store.VersionRedline {
		t.Fatalf("unexpected result version %+v", version)
	}
	if finishedStatus != store.SessionCompleted {
		t.Fatalf("expected completed status, got %s", finishedStatus)
	}
	if finishedResult == nil || *finishedResult != insertedVersion.ID {
		t.Fatalf("expected result version id recorded, got %v", finishedResult)
	}

	content, err := svc.blobs.Get(context.Background(), insertedVersion.ContentRef)
	if err != nil {
		t.Fatalf("blob get: %v", err)
	}
	if content != "hello world!" {
		t.Fatalf("unexpected merged content %q", content)
	}

	// The in-memory session is gone; further submits must fail.
	_, err = svc.SubmitOperation(context.Background(), sessionID, OperationInput{
		Author: "alice", Kind: store.OpInsert, Position: 0, Text: "x", ClientSeq: 2,
	})
	if err == nil {
		t.Fatal("expected submit after completion to fail")
	}
}

func TestCompleteSessionRequiresApprovePermission(t *testing.T) {
	svc := newTestService(nil)
	fs, sessionID := sessionFixture(t, svc, "hello world")
	fs.getParticipantByNameFn = func(_ context.Context, sessionID, displayName string) (store.RedlineParticipant, error) {
		return store.RedlineParticipant{ID: "prt_e", SessionID: sessionID, DisplayName: displayName, Role: store.RoleEditor, CanEdit: true, CanComment: true}, nil
	}

	_, _, err := svc.CompleteSession(context.Background(), sessionID, "bob")
	requireDomainCode(t, err, "PERMISSION_DENIED")
}

func TestCancelSessionLosesConcurrentClose(t *testing.T) {
	svc := newTestService(nil)
	fs, sessionID := sessionFixture(t, svc, "hello world")
	fs.finishSessionFn = func(context.Context, string, string, *string) (bool, error) {
		return false, nil
	}

	_, err := svc.CancelSession(context.Background(), sessionID, "alice")
	requireDomainCode(t, err, "INVALID_STATE")
}

func TestHeartbeatRecordsPresence(t *testing.T) {
	svc := newTestService(nil)
	_, sessionID := sessionFixture(t, svc, "hello world")

	var recorded presence.Entry
	svc.presence = &fakePresence{
		heartbeatFn: func(_ context.Context, _ string, entry presence.Entry) error {
			recorded = entry
			return nil
		},
	}

	if err := svc.Heartbeat(context.Background(), sessionID, "alice", 42); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if recorded.ParticipantID != "prt_a" || recorded.Role != store.RoleOwner || recorded.Position != 42 {
		t.Fatalf("unexpected presence entry %+v", recorded)
	}
}

func TestParticipantsMergeLivePresence(t *testing.T) {
	svc := newTestService(nil)
	fs, sessionID := sessionFixture(t, svc, "hello world")
	fs.listParticipantsFn = func(context.Context, string) ([]store.RedlineParticipant, error) {
		return []store.RedlineParticipant{
			{ID: "prt_a", DisplayName: "alice"},
			{ID: "prt_b", DisplayName: "bob"},
		}, nil
	}
	svc.presence = &fakePresence{
		activeFn: func(context.Context, string) ([]presence.Entry, error) {
			return []presence.Entry{{ParticipantID: "prt_a", DisplayName: "alice"}}, nil
		},
	}

	items, err := svc.Participants(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(items))
	}
	if !items[0].Live || items[1].Live {
		t.Fatalf("expected only alice live: %+v", items)
	}
}

func TestSessionClosedForSubmitsAfterStoreClose(t *testing.T) {
	svc := newTestService(nil)
	fs, sessionID := sessionFixture(t, svc, "hello world")
	fs.getSessionFn = func(_ context.Context, id string) (store.RedlineSession, error) {
		return store.RedlineSession{ID: id, Status: store.SessionCompleted}, nil
	}

	_, err := svc.SubmitOperation(context.Background(), sessionID, OperationInput{
		Author: "alice", Kind: store.OpInsert, Text: "x", ClientSeq: 1,
	})
	requireDomainCode(t, err, "SESSION_CLOSED")
}
