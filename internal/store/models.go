package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Contract struct {
	ID        string
	Title     string
	CreatedBy string
	CreatedAt time.Time
}

// Version types
const (
	VersionOriginal = "original"
	VersionRedline  = "redline"
	VersionFinal    = "final"
)

// DocumentVersion is an immutable content snapshot of a contract document.
// Rows are never updated or deleted after insert; only the is_current flag
// moves, and only inside InsertVersion's transaction.
type DocumentVersion struct {
	ID            string
	ContractID    string
	VersionNumber int
	VersionType   string
	ContentRef    string
	ContentSize   int64
	IsCurrent     bool
	Author        string
	CreatedAt     time.Time
}

type DocumentComparison struct {
	ID              string
	SourceVersionID string
	TargetVersionID string
	SimilarityScore float64
	ChangeCount     int
	InsertCount     int
	DeleteCount     int
	ModifyCount     int
	MoveCount       int
	CreatedBy       string
	CreatedAt       time.Time
}

// Change types and review statuses
const (
	ChangeInsert = "insert"
	ChangeDelete = "delete"
	ChangeModify = "modify"
	ChangeMove   = "move"

	ReviewPending  = "pending"
	ReviewAccepted = "accepted"
	ReviewRejected = "rejected"
)

type DocumentChange struct {
	ID             string
	ComparisonID   string
	ChangeType     string
	TargetStart    int
	TargetEnd      int
	SourceStart    int
	SourceEnd      int
	Category       string
	BeforeText     string
	AfterText      string
	Significance   float64
	IsSignificant  bool
	Status         string
	ReviewedBy     string
	ReviewedAt     *time.Time
	ReviewComments string
	CreatedAt      time.Time
}

type ChangeFilter struct {
	ChangeType      string
	Status          string
	Category        string
	SignificantOnly bool
}

// Comment statuses
const (
	CommentActive   = "active"
	CommentResolved = "resolved"
	CommentDeleted  = "deleted"
)

type DocumentComment struct {
	ID          string
	VersionID   string
	Author      string
	ParentID    *string
	Text        string
	AnchorStart int
	AnchorEnd   int
	Status      string
	ResolvedBy  string
	ResolvedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session statuses
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

type RedlineSession struct {
	ID              string
	ContractID      string
	SourceVersionID string
	ResultVersionID *string
	Status          string
	CreatedBy       string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Participant roles
const (
	RoleOwner    = "owner"
	RoleEditor   = "editor"
	RoleReviewer = "reviewer"
	RoleViewer   = "viewer"
)

// RedlineParticipant is a registered user or a guest identified by email.
// UserID is empty for guests.
type RedlineParticipant struct {
	ID             string
	SessionID      string
	UserID         string
	GuestEmail     string
	DisplayName    string
	Role           string
	CanEdit        bool
	CanComment     bool
	CanApprove     bool
	CanInvite      bool
	InvitedBy      string
	CreatedAt      time.Time
}

// Operation kinds
const (
	OpInsert = "insert"
	OpDelete = "delete"
	OpFormat = "format"
)

// EditingOperation is one applied entry of a session's operation log.
// Seq is server-assigned and dense per session; ParentSeq is the last
// server seq the author had seen when producing the operation.
type EditingOperation struct {
	ID          string
	SessionID   string
	Seq         int64
	Author      string
	ParentSeq   int64
	ClientSeq   int64
	Kind        string
	Position    int
	Length      int
	Text        string
	Attributes  map[string]string
	LogicalTime int64
	AppliedAt   time.Time
}

type ReviewStats struct {
	Total           int
	Reviewed        int
	Accepted        int
	Rejected        int
	PercentReviewed float64
	AcceptanceRate  float64
	ByReviewer      map[string]int
}

type SessionStats struct {
	Total               int
	Active              int
	Completed           int
	Cancelled           int
	AverageParticipants float64
}
