package types

import (
	"time"
)

// EntityType specifies the kind of entity an identifier refers to.
type EntityType string

const (
	EntityCase    EntityType = "case"
	EntityMessage EntityType = "message"
)

// OperationKind enumerates the local mutations the engine tracks.
type OperationKind string

const (
	OpCreateCase  OperationKind = "create_case"
	OpSubmitQuery OperationKind = "submit_query"
	OpUpdateTitle OperationKind = "update_title"
)

// OperationStatus is the lifecycle state of a tracked mutation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
)

// Command is a serializable rollback/retry action. Commands are dispatched
// through a registry by name rather than stored as closures, so ledger
// entries remain inspectable and can survive a persistence round-trip.
type Command struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Operation records one in-flight local mutation and the actions needed to
// undo or re-run it.
type Operation struct {
	ID          string          `json:"id"`
	Kind        OperationKind   `json:"kind"`
	Status      OperationStatus `json:"status"`
	EntityID    string          `json:"entityId"`
	Payload     map[string]any  `json:"payload,omitempty"`
	Rollback    Command         `json:"rollback"`
	Retry       *Command        `json:"retry,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
	Err         string          `json:"error,omitempty"`

	// RolledBack guards the at-most-once rollback invariant.
	RolledBack bool `json:"rolledBack,omitempty"`
}

// IdentifierMapping associates a provisional id with the authoritative id
// assigned by the backend. Immutable once created.
type IdentifierMapping struct {
	ProvisionalID   string     `json:"provisionalId"`
	AuthoritativeID string     `json:"authoritativeId"`
	EntityType      EntityType `json:"entityType"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// ConversationItem is one exchange turn: the user's text and the assistant's
// response, plus the optimistic-rendering flags the UI needs.
type ConversationItem struct {
	ID           string    `json:"id"`
	UserText     string    `json:"userText,omitempty"`
	ResponseText string    `json:"responseText,omitempty"`
	IsError      bool      `json:"isError,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	IsOptimistic bool      `json:"isOptimistic,omitempty"`
	IsFailed     bool      `json:"isFailed,omitempty"`
	IsLoading    bool      `json:"isLoading,omitempty"`
	// OriginalID is the id the item was first created under, kept stable
	// across provisional->authoritative reconciliation.
	OriginalID string `json:"originalId,omitempty"`
}

// Key returns the identity used when merging conversation views: the
// original id when set, otherwise the current id.
func (c ConversationItem) Key() string {
	if c.OriginalID != "" {
		return c.OriginalID
	}
	return c.ID
}

// TitleSource ranks where a case title came from. Higher wins on merge.
type TitleSource string

const (
	TitleSourceUser    TitleSource = "user"
	TitleSourceSystem  TitleSource = "system"
	TitleSourceBackend TitleSource = "backend"
)

// Precedence returns the merge rank of a title source. Unknown sources rank
// below backend so a corrupt provenance entry never beats real data.
func (s TitleSource) Precedence() int {
	switch s {
	case TitleSourceUser:
		return 3
	case TitleSourceSystem:
		return 2
	case TitleSourceBackend:
		return 1
	}
	return 0
}

// Title is a case title plus its provenance.
type Title struct {
	Text      string      `json:"text"`
	Source    TitleSource `json:"source"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// CaseState is the aggregate view of a case the engine merges field-wise.
type CaseState struct {
	Status       string         `json:"status,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
	MessageCount int            `json:"message_count,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// ConflictCategory classifies a detected local/remote divergence.
type ConflictCategory string

const (
	ConflictIDReconciliation ConflictCategory = "id_reconciliation"
	ConflictConcurrentOps    ConflictCategory = "concurrent_operations"
	ConflictCrossTab         ConflictCategory = "cross_tab"
	ConflictDataSync         ConflictCategory = "data_sync"
	ConflictNone             ConflictCategory = "none"
)

// Severity grades how much a conflict threatens data integrity.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ConflictResult is the detector's verdict for one (local, remote) pair.
// Computed on demand, never persisted.
type ConflictResult struct {
	HasConflict             bool             `json:"hasConflict"`
	Category                ConflictCategory `json:"category"`
	ConflictingOperationIDs []string         `json:"conflictingOperationIds,omitempty"`
	Severity                Severity         `json:"severity"`
	AutoResolvable          bool             `json:"autoResolvable"`
}

// ResolutionStrategy tells the caller how a conflict should be resolved.
type ResolutionStrategy string

const (
	StrategyBackupAndRetry   ResolutionStrategy = "backup_and_retry"
	StrategyUserChoice       ResolutionStrategy = "user_choice"
	StrategyManualResolution ResolutionStrategy = "manual_resolution"
	StrategyLatestWins       ResolutionStrategy = "latest_wins"
)

// Backup snapshots both sides of conflicting data before a destructive
// resolution, so the user can restore either view afterwards.
type Backup struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	DataKind  string    `json:"dataKind"`
	EntityID  string    `json:"entityId"`
	Local     any       `json:"local"`
	Remote    any       `json:"remote"`
}

// Confidence grades how trustworthy a merge output is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// MergeResult is the outcome of one merge algorithm: the combined value plus
// enough metadata for the caller to decide between applying silently and
// prompting the user.
type MergeResult[T any] struct {
	Merged            T          `json:"merged"`
	Conflicts         []string   `json:"conflicts,omitempty"`
	Strategy          string     `json:"strategy"`
	Confidence        Confidence `json:"confidence"`
	RequiresUserInput bool       `json:"requiresUserInput"`
}

// RecoveryResult summarizes one recovery pass.
type RecoveryResult struct {
	RecoveredCases         int      `json:"recoveredCases"`
	RecoveredConversations int      `json:"recoveredConversations"`
	Errors                 []string `json:"errors,omitempty"`
	Partial                bool     `json:"partial"`
}

// Message is one backend-held message, as returned by the case history API.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// CaseSummary is the backend's listing view of a case.
type CaseSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// CaseMessages is a case history fetch. Total may exceed len(Messages) when
// the backend truncated the response; callers must treat that as an error
// rather than an empty case.
type CaseMessages struct {
	CaseID    string    `json:"caseId"`
	Total     int       `json:"total"`
	Retrieved int       `json:"retrieved"`
	Messages  []Message `json:"messages"`
}
