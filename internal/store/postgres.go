package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"redline/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.redline.dev'))
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, email
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) InsertContract(ctx context.Context, item Contract) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (id, title, created_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContract(ctx context.Context, contractID string) (Contract, error) {
	var item Contract
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_by, created_at FROM contracts WHERE id=$1
	`, contractID).Scan(&item.ID, &item.Title, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Contract{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListContracts(ctx context.Context) ([]Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_by, created_at FROM contracts ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	items := make([]Contract, 0)
	for rows.Next() {
		var item Contract
		if err := rows.Scan(&item.ID, &item.Title, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	return items, nil
}

// InsertVersion assigns the next version_number and swaps the is_current flag
// in one transaction. The contract row is locked so concurrent creations for
// the same contract serialize and the numbering stays dense.
func (s *PostgresStore) InsertVersion(ctx context.Context, item DocumentVersion) (DocumentVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("begin version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var contractID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM contracts WHERE id=$1 FOR UPDATE`, item.ContractID).Scan(&contractID)
	if err != nil {
		return DocumentVersion{}, err
	}

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) + 1 FROM document_versions WHERE contract_id=$1
	`, item.ContractID).Scan(&next)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("next version number: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE document_versions SET is_current=FALSE WHERE contract_id=$1 AND is_current
	`, item.ContractID); err != nil {
		return DocumentVersion{}, fmt.Errorf("clear current version: %w", err)
	}

	item.VersionNumber = next
	item.IsCurrent = true
	err = tx.QueryRowContext(ctx, `
		INSERT INTO document_versions (id, contract_id, version_number, version_type, content_ref, content_size, is_current, author)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		RETURNING created_at
	`, item.ID, item.ContractID, item.VersionNumber, item.VersionType, item.ContentRef, item.ContentSize, item.Author).Scan(&item.CreatedAt)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DocumentVersion{}, fmt.Errorf("commit version tx: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (DocumentVersion, error) {
	var item DocumentVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, contract_id, version_number, version_type, content_ref, content_size, is_current, author, created_at
		FROM document_versions WHERE id=$1
	`, versionID).Scan(&item.ID, &item.ContractID, &item.VersionNumber, &item.VersionType,
		&item.ContentRef, &item.ContentSize, &item.IsCurrent, &item.Author, &item.CreatedAt)
	if err != nil {
		return DocumentVersion{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, contractID, versionType string) ([]DocumentVersion, error) {
	query := `
		SELECT id, contract_id, version_number, version_type, content_ref, content_size, is_current, author, created_at
		FROM document_versions WHERE contract_id=$1
	`
	args := []any{contractID}
	if versionType != "" {
		query += ` AND version_type=$2`
		args = append(args, versionType)
	}
	query += ` ORDER BY version_number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentVersion, 0)
	for rows.Next() {
		var item DocumentVersion
		if err := rows.Scan(&item.ID, &item.ContractID, &item.VersionNumber, &item.VersionType,
			&item.ContentRef, &item.ContentSize, &item.IsCurrent, &item.Author, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetComparisonByPair(ctx context.Context, sourceID, targetID string) (DocumentComparison, error) {
	return s.scanComparison(s.db.QueryRowContext(ctx, comparisonColumns+` WHERE source_version_id=$1 AND target_version_id=$2`, sourceID, targetID))
}

func (s *PostgresStore) GetComparison(ctx context.Context, comparisonID string) (DocumentComparison, error) {
	return s.scanComparison(s.db.QueryRowContext(ctx, comparisonColumns+` WHERE id=$1`, comparisonID))
}

const comparisonColumns = `
	SELECT id, source_version_id, target_version_id, similarity_score,
		change_count, insert_count, delete_count, modify_count, move_count, created_by, created_at
	FROM document_comparisons
`

func (s *PostgresStore) scanComparison(row *sql.Row) (DocumentComparison, error) {
	var item DocumentComparison
	err := row.Scan(&item.ID, &item.SourceVersionID, &item.TargetVersionID, &item.SimilarityScore,
		&item.ChangeCount, &item.InsertCount, &item.DeleteCount, &item.ModifyCount, &item.MoveCount,
		&item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return DocumentComparison{}, err
	}
	return item, nil
}

// InsertComparison persists a fully computed comparison together with its
// change rows. The unique (source, target) index makes it idempotent: when a
// concurrent caller won the race, the existing row is returned and the
// freshly computed changes are discarded.
func (s *PostgresStore) InsertComparison(ctx context.Context, item DocumentComparison, changes []DocumentChange) (DocumentComparison, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentComparison{}, false, fmt.Errorf("begin comparison tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO document_comparisons
			(id, source_version_id, target_version_id, similarity_score,
			 change_count, insert_count, delete_count, modify_count, move_count, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_version_id, target_version_id) DO NOTHING
	`, item.ID, item.SourceVersionID, item.TargetVersionID, item.SimilarityScore,
		item.ChangeCount, item.InsertCount, item.DeleteCount, item.ModifyCount, item.MoveCount, item.CreatedBy)
	if err != nil {
		return DocumentComparison{}, false, fmt.Errorf("insert comparison: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return DocumentComparison{}, false, fmt.Errorf("comparison rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := s.GetComparisonByPair(ctx, item.SourceVersionID, item.TargetVersionID)
		if err != nil {
			return DocumentComparison{}, false, fmt.Errorf("load existing comparison: %w", err)
		}
		return existing, false, nil
	}

	for _, change := range changes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_changes
				(id, comparison_id, change_type, target_start, target_end, source_start, source_end,
				 category, before_text, after_text, significance, is_significant)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, change.ID, item.ID, change.ChangeType, change.TargetStart, change.TargetEnd,
			change.SourceStart, change.SourceEnd, change.Category, change.BeforeText, change.AfterText,
			change.Significance, change.IsSignificant); err != nil {
			return DocumentComparison{}, false, fmt.Errorf("insert change: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return DocumentComparison{}, false, fmt.Errorf("commit comparison tx: %w", err)
	}
	return item, true, nil
}

func (s *PostgresStore) ListChanges(ctx context.Context, comparisonID string, filter ChangeFilter) ([]DocumentChange, error) {
	query := `
		SELECT id, comparison_id, change_type, target_start, target_end, source_start, source_end,
			category, before_text, after_text, significance, is_significant,
			status, reviewed_by, reviewed_at, review_comments, created_at
		FROM document_changes WHERE comparison_id=$1
	`
	args := []any{comparisonID}
	if filter.ChangeType != "" {
		args = append(args, filter.ChangeType)
		query += fmt.Sprintf(" AND change_type=$%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND category=$%d", len(args))
	}
	if filter.SignificantOnly {
		query += " AND is_significant"
	}
	query += " ORDER BY target_start, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentChange, 0)
	for rows.Next() {
		item, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (DocumentChange, error) {
	var item DocumentChange
	var reviewedAt sql.NullTime
	err := row.Scan(&item.ID, &item.ComparisonID, &item.ChangeType, &item.TargetStart, &item.TargetEnd,
		&item.SourceStart, &item.SourceEnd, &item.Category, &item.BeforeText, &item.AfterText,
		&item.Significance, &item.IsSignificant, &item.Status, &item.ReviewedBy, &reviewedAt,
		&item.ReviewComments, &item.CreatedAt)
	if err != nil {
		return DocumentChange{}, err
	}
	if reviewedAt.Valid {
		item.ReviewedAt = &reviewedAt.Time
	}
	return item, nil
}

func (s *PostgresStore) GetChange(ctx context.Context, changeID string) (DocumentChange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, comparison_id, change_type, target_start, target_end, source_start, source_end,
			category, before_text, after_text, significance, is_significant,
			status, reviewed_by, reviewed_at, review_comments, created_at
		FROM document_changes WHERE id=$1
	`, changeID)
	item, err := scanChange(row)
	if err != nil {
		return DocumentChange{}, err
	}
	return item, nil
}

// ReviewChange overwrites any prior decision; last write wins.
func (s *PostgresStore) ReviewChange(ctx context.Context, changeID, status, reviewer, comment string) (DocumentChange, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE document_changes
		SET status=$2, reviewed_by=$3, reviewed_at=NOW(), review_comments=$4
		WHERE id=$1
		RETURNING id, comparison_id, change_type, target_start, target_end, source_start, source_end,
			category, before_text, after_text, significance, is_significant,
			status, reviewed_by, reviewed_at, review_comments, created_at
	`, changeID, status, reviewer, comment)
	item, err := scanChange(row)
	if err != nil {
		return DocumentChange{}, err
	}
	return item, nil
}

func (s *PostgresStore) ReviewStats(ctx context.Context, comparisonID string) (ReviewStats, error) {
	stats := ReviewStats{ByReviewer: map[string]int{}}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status <> 'pending'),
			COUNT(*) FILTER (WHERE status = 'accepted'),
			COUNT(*) FILTER (WHERE status = 'rejected')
		FROM document_changes WHERE comparison_id=$1
	`, comparisonID).Scan(&stats.Total, &stats.Reviewed, &stats.Accepted, &stats.Rejected)
	if err != nil {
		return ReviewStats{}, fmt.Errorf("review stats: %w", err)
	}

	if stats.Total > 0 {
		stats.PercentReviewed = float64(stats.Reviewed) / float64(stats.Total) * 100
	}
	if stats.Reviewed > 0 {
		stats.AcceptanceRate = float64(stats.Accepted) / float64(stats.Reviewed)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT reviewed_by, COUNT(*) FROM document_changes
		WHERE comparison_id=$1 AND status <> 'pending'
		GROUP BY reviewed_by
	`, comparisonID)
	if err != nil {
		return ReviewStats{}, fmt.Errorf("reviewer counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reviewer string
		var count int
		if err := rows.Scan(&reviewer, &count); err != nil {
			return ReviewStats{}, fmt.Errorf("scan reviewer count: %w", err)
		}
		stats.ByReviewer[reviewer] = count
	}
	if err := rows.Err(); err != nil {
		return ReviewStats{}, fmt.Errorf("iterate reviewer counts: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item DocumentComment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_comments (id, version_id, author, parent_id, body, anchor_start, anchor_end, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active')
	`, item.ID, item.VersionID, item.Author, item.ParentID, item.Text, item.AnchorStart, item.AnchorEnd)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

const commentColumns = `
	SELECT id, version_id, author, parent_id, body, anchor_start, anchor_end,
		status, resolved_by, resolved_at, created_at, updated_at
	FROM document_comments
`

func scanComment(row rowScanner) (DocumentComment, error) {
	var item DocumentComment
	var parentID sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&item.ID, &item.VersionID, &item.Author, &parentID, &item.Text,
		&item.AnchorStart, &item.AnchorEnd, &item.Status, &item.ResolvedBy, &resolvedAt,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return DocumentComment{}, err
	}
	if parentID.Valid {
		item.ParentID = &parentID.String
	}
	if resolvedAt.Valid {
		item.ResolvedAt = &resolvedAt.Time
	}
	return item, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (DocumentComment, error) {
	return scanComment(s.db.QueryRowContext(ctx, commentColumns+` WHERE id=$1`, commentID))
}

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID, body string, anchorStart, anchorEnd int) (DocumentComment, error) {
	return scanComment(s.db.QueryRowContext(ctx, `
		UPDATE document_comments
		SET body=$2, anchor_start=$3, anchor_end=$4, updated_at=NOW()
		WHERE id=$1
		RETURNING id, version_id, author, parent_id, body, anchor_start, anchor_end,
			status, resolved_by, resolved_at, created_at, updated_at
	`, commentID, body, anchorStart, anchorEnd))
}

func (s *PostgresStore) ResolveComment(ctx context.Context, commentID, resolvedBy string) (DocumentComment, error) {
	return scanComment(s.db.QueryRowContext(ctx, `
		UPDATE document_comments
		SET status='resolved', resolved_by=$2, resolved_at=NOW(), updated_at=NOW()
		WHERE id=$1
		RETURNING id, version_id, author, parent_id, body, anchor_start, anchor_end,
			status, resolved_by, resolved_at, created_at, updated_at
	`, commentID, resolvedBy))
}

// SoftDeleteComment flips status only; rows are never physically removed.
func (s *PostgresStore) SoftDeleteComment(ctx context.Context, commentID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE document_comments SET status='deleted', updated_at=NOW() WHERE id=$1
	`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete comment rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, versionID string) ([]DocumentComment, error) {
	rows, err := s.db.QueryContext(ctx, commentColumns+`
		WHERE version_id=$1 AND status <> 'deleted'
		ORDER BY created_at, id
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentComment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSession(ctx context.Context, item RedlineSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redline_sessions (id, contract_id, source_version_id, status, created_by)
		VALUES ($1, $2, $3, 'active', $4)
	`, item.ID, item.ContractID, item.SourceVersionID, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `
	SELECT id, contract_id, source_version_id, result_version_id, status, created_by, created_at, completed_at
	FROM redline_sessions
`

func scanSession(row rowScanner) (RedlineSession, error) {
	var item RedlineSession
	var resultID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&item.ID, &item.ContractID, &item.SourceVersionID, &resultID,
		&item.Status, &item.CreatedBy, &item.CreatedAt, &completedAt)
	if err != nil {
		return RedlineSession{}, err
	}
	if resultID.Valid {
		item.ResultVersionID = &resultID.String
	}
	if completedAt.Valid {
		item.CompletedAt = &completedAt.Time
	}
	return item, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (RedlineSession, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionColumns+` WHERE id=$1`, sessionID))
}

func (s *PostgresStore) ListSessions(ctx context.Context, contractID string) ([]RedlineSession, error) {
	query := sessionColumns
	args := []any{}
	if contractID != "" {
		query += ` WHERE contract_id=$1`
		args = append(args, contractID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]RedlineSession, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

// FinishSession moves a session to a terminal status. The WHERE clause is the
// compare-and-set guaranteeing exactly one terminal outcome; it reports false
// when another caller already closed the session.
func (s *PostgresStore) FinishSession(ctx context.Context, sessionID, status string, resultVersionID *string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE redline_sessions
		SET status=$2, result_version_id=$3, completed_at=NOW()
		WHERE id=$1 AND status='active'
	`, sessionID, status, resultVersionID)
	if err != nil {
		return false, fmt.Errorf("finish session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish session rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SessionStats(ctx context.Context) (SessionStats, error) {
	var stats SessionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status='active'),
			COUNT(*) FILTER (WHERE status='completed'),
			COUNT(*) FILTER (WHERE status='cancelled'),
			COALESCE((SELECT AVG(n) FROM (
				SELECT COUNT(*)::float AS n FROM redline_participants GROUP BY session_id
			) counts), 0)
		FROM redline_sessions
	`).Scan(&stats.Total, &stats.Active, &stats.Completed, &stats.Cancelled, &stats.AverageParticipants)
	if err != nil {
		return SessionStats{}, fmt.Errorf("session stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) InsertParticipant(ctx context.Context, item RedlineParticipant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redline_participants
			(id, session_id, user_id, guest_email, display_name, role,
			 can_edit, can_comment, can_approve, can_invite, invited_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.SessionID, item.UserID, item.GuestEmail, item.DisplayName, item.Role,
		item.CanEdit, item.CanComment, item.CanApprove, item.CanInvite, item.InvitedBy)
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

const participantColumns = `
	SELECT id, session_id, user_id, guest_email, display_name, role,
		can_edit, can_comment, can_approve, can_invite, invited_by, created_at
	FROM redline_participants
`

func scanParticipant(row rowScanner) (RedlineParticipant, error) {
	var item RedlineParticipant
	err := row.Scan(&item.ID, &item.SessionID, &item.UserID, &item.GuestEmail, &item.DisplayName,
		&item.Role, &item.CanEdit, &item.CanComment, &item.CanApprove, &item.CanInvite,
		&item.InvitedBy, &item.CreatedAt)
	if err != nil {
		return RedlineParticipant{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetParticipantByName(ctx context.Context, sessionID, displayName string) (RedlineParticipant, error) {
	return scanParticipant(s.db.QueryRowContext(ctx,
		participantColumns+` WHERE session_id=$1 AND display_name=$2`, sessionID, displayName))
}

func (s *PostgresStore) ListParticipants(ctx context.Context, sessionID string) ([]RedlineParticipant, error) {
	rows, err := s.db.QueryContext(ctx, participantColumns+` WHERE session_id=$1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]RedlineParticipant, 0)
	for rows.Next() {
		item, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertOperation(ctx context.Context, item EditingOperation) error {
	attrs, err := json.Marshal(item.Attributes)
	if err != nil {
		return fmt.Errorf("marshal operation attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO editing_operations
			(id, session_id, seq, author, parent_seq, client_seq, kind, position, length, body, attributes, logical_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, item.ID, item.SessionID, item.Seq, item.Author, item.ParentSeq, item.ClientSeq,
		item.Kind, item.Position, item.Length, item.Text, attrs, item.LogicalTime)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOperations(ctx context.Context, sessionID string, afterSeq int64) ([]EditingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, author, parent_seq, client_seq, kind, position, length, body, attributes, logical_time, applied_at
		FROM editing_operations
		WHERE session_id=$1 AND seq > $2
		ORDER BY seq
	`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	items := make([]EditingOperation, 0)
	for rows.Next() {
		var item EditingOperation
		var attrs []byte
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Seq, &item.Author, &item.ParentSeq,
			&item.ClientSeq, &item.Kind, &item.Position, &item.Length, &item.Text, &attrs,
			&item.LogicalTime, &item.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &item.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal operation attributes: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return items, nil
}
