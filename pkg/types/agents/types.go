// Package agents defines the shared data model of the agent registry: tiers,
// raw definitions discovered on disk, classified metadata, modification
// records and persistence operations.
package agents

import (
	"io/fs"
	"time"
)

// TierKind labels one level of the precedence hierarchy.
type TierKind string

const (
	TierProject  TierKind = "project"
	TierAncestor TierKind = "ancestor"
	TierUser     TierKind = "user"
	TierSystem   TierKind = "system"
)

// Rank orders tier kinds, lower is higher precedence.
func (k TierKind) Rank() int {
	switch k {
	case TierProject:
		return 0
	case TierAncestor:
		return 1
	case TierUser:
		return 2
	case TierSystem:
		return 3
	default:
		return 4
	}
}

// Valid reports whether k is a known tier kind.
func (k TierKind) Valid() bool {
	return k.Rank() < 4
}

// Tier is a single entry of the resolved precedence list.
type Tier struct {
	Kind     TierKind `json:"kind"`
	Path     string   `json:"path"`
	Level    int      `json:"level"` // index in the precedence list, 0 is highest
	ReadOnly bool     `json:"read_only"`
	Builtin  bool     `json:"builtin,omitempty"`

	// FS is the scan view of the tier. For on-disk tiers it is os.DirFS(Path).
	FS fs.FS `json:"-"`
}

// HigherThan reports whether t takes precedence over other.
func (t Tier) HigherThan(other Tier) bool {
	return t.Level < other.Level
}

// AgentDefinition is a candidate file found under a tier directory.
type AgentDefinition struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Tier    Tier      `json:"tier"`
	Content []byte    `json:"-"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// DeclaredFields holds the header fields lightly parsed from a definition.
type DeclaredFields struct {
	Name            string   `json:"name,omitempty" yaml:"name,omitempty" jsonschema:"description=Agent name; defaults to the file stem"`
	Description     string   `json:"description,omitempty" yaml:"description,omitempty" jsonschema:"description=One line summary used by the orchestrator"`
	Version         string   `json:"version,omitempty" yaml:"version,omitempty"`
	Type            string   `json:"type,omitempty" yaml:"type,omitempty" jsonschema:"description=Core or specialized agent type"`
	Capabilities    []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Specializations []string `json:"specializations,omitempty" yaml:"specializations,omitempty"`
	Frameworks      []string `json:"frameworks,omitempty" yaml:"frameworks,omitempty"`
	Domains         []string `json:"domains,omitempty" yaml:"domains,omitempty"`
	Roles           []string `json:"roles,omitempty" yaml:"roles,omitempty"`
}

// RawRecord is a definition plus its lightly parsed header. Err is set when
// the file could not be read or its header is malformed.
type RawRecord struct {
	Definition AgentDefinition
	Fields     DeclaredFields
	Body       string
	// WellFormed is true when a header was present and parsed.
	WellFormed bool
	Err        error
}

// Valid reports whether the record was read and parsed without error.
func (r *RawRecord) Valid() bool {
	return r.Err == nil
}

// ComplexityLevel buckets the combined capability and specialization count.
type ComplexityLevel string

const (
	ComplexityBasic        ComplexityLevel = "basic"
	ComplexityIntermediate ComplexityLevel = "intermediate"
	ComplexityAdvanced     ComplexityLevel = "advanced"
	ComplexityExpert       ComplexityLevel = "expert"
)

// AgentMetadata is the classified view of one definition in one tier.
type AgentMetadata struct {
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Tier            TierKind        `json:"tier"`
	TierLevel       int             `json:"tier_level"`
	Path            string          `json:"path"`
	Description     string          `json:"description,omitempty"`
	Version         string          `json:"version,omitempty"`
	Capabilities    []string        `json:"capabilities"`
	Specializations []string        `json:"specializations"`
	Frameworks      []string        `json:"frameworks"`
	Domains         []string        `json:"domains"`
	Roles           []string        `json:"roles"`
	ValidationScore float64         `json:"validation_score"`
	IsHybrid        bool            `json:"is_hybrid"`
	HybridTypes     []string        `json:"hybrid_types,omitempty"`
	Complexity      ComplexityLevel `json:"complexity_level"`
	Validated       bool            `json:"validated"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ContentHash     string          `json:"content_hash,omitempty"`
	ModTime         time.Time       `json:"last_modified"`
	Size            int64           `json:"file_size"`
}

// ChangeType is the kind of change a ModificationRecord describes.
type ChangeType string

const (
	ChangeCreate  ChangeType = "create"
	ChangeModify  ChangeType = "modify"
	ChangeDelete  ChangeType = "delete"
	ChangeMove    ChangeType = "move"
	ChangeRestore ChangeType = "restore"
)

// ChangeOrigin tells whether a change was observed on disk or made through the
// lifecycle API.
type ChangeOrigin string

const (
	OriginWatcher   ChangeOrigin = "watcher"
	OriginLifecycle ChangeOrigin = "lifecycle"
)

// ValidationOutcome is the classifier verdict attached to a modification.
type ValidationOutcome struct {
	Score     float64 `json:"score"`
	Validated bool    `json:"validated"`
	Error     string  `json:"error,omitempty"`
}

// ModificationRecord is one append-only entry of an agent's history.
type ModificationRecord struct {
	ID         string            `json:"id"`
	AgentName  string            `json:"agent_name"`
	Type       ChangeType        `json:"type"`
	Tier       TierKind          `json:"tier"`
	Path       string            `json:"path"`
	Timestamp  time.Time         `json:"timestamp"`
	HashBefore string            `json:"hash_before,omitempty"`
	HashAfter  string            `json:"hash_after,omitempty"`
	SizeBefore int64             `json:"size_before"`
	SizeAfter  int64             `json:"size_after"`
	Validation ValidationOutcome `json:"validation"`
	Diff       string            `json:"diff,omitempty"`
	BackupRef  string            `json:"backup_ref,omitempty"`
	Origin     ChangeOrigin      `json:"origin"`
}

// WriteStrategy selects the target tier(s) of a persistence operation.
type WriteStrategy string

const (
	StrategyTierSpecific WriteStrategy = "tier_specific"
	StrategyPreferUser   WriteStrategy = "prefer_user"
	StrategyDistribute   WriteStrategy = "distribute"
)

// ConflictStrategy decides the outcome when the on-disk content diverged from
// the caller's last observed version.
type ConflictStrategy string

const (
	ConflictTierPrecedence ConflictStrategy = "tier_precedence"
	ConflictMostRecent     ConflictStrategy = "most_recent"
	ConflictHighestScore   ConflictStrategy = "highest_score"
	ConflictManual         ConflictStrategy = "manual"
)

// OperationStatus is the state of a PersistenceOperation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusCommitted  OperationStatus = "committed"
	StatusRolledBack OperationStatus = "rolled_back"
	StatusConflicted OperationStatus = "conflicted"
)

// PersistenceOperation describes one write, delete or restore.
type PersistenceOperation struct {
	ID           string           `json:"id"`
	AgentName    string           `json:"agent_name"`
	SourceTier   TierKind         `json:"source_tier,omitempty"`
	TargetTier   TierKind         `json:"target_tier"`
	TargetPaths  []string         `json:"target_paths"`
	Strategy     WriteStrategy    `json:"strategy"`
	Conflict     ConflictStrategy `json:"conflict_strategy"`
	Status       OperationStatus  `json:"status"`
	BackupRef    string           `json:"backup_ref,omitempty"`
	HashBefore   string           `json:"hash_before,omitempty"`
	HashAfter    string           `json:"hash_after,omitempty"`
	ConflictNote string           `json:"conflict_note,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
}

// LifecycleState is the externally visible state of a managed agent.
type LifecycleState string

const (
	StateActive     LifecycleState = "active"
	StateModified   LifecycleState = "modified"
	StateDeleted    LifecycleState = "deleted"
	StateConflicted LifecycleState = "conflicted"
)
