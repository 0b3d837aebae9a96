package reconcile

import (
	"errors"
	"time"
)

// ErrStoreUnavailable means the store could not be enumerated at all, so no
// meaningful result can be produced.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrKeyUnreadable marks a step that could not be planned because the key it
// depends on failed to read. Retrying once the store recovers can succeed.
var ErrKeyUnreadable = errors.New("key could not be read")

// ============================================================================
// Analysis
// ============================================================================

// CorruptionKind says what kind of key a CorruptedKey is.
type CorruptionKind string

const (
	// CorruptIndex is a category index that is not a readable set.
	CorruptIndex CorruptionKind = "index"
	// CorruptRecord is a business record that is not a JSON object.
	CorruptRecord CorruptionKind = "record"
	// CorruptRecordField is one record field with the wrong shape.
	CorruptRecordField CorruptionKind = "record-field"
	// CorruptSideKey is a per-business side key with the wrong type.
	CorruptSideKey CorruptionKind = "side-key"
	// CorruptIndexUnreadable is a category index whose read failed. Its shape
	// is unknown, so it is reported but never deleted.
	CorruptIndexUnreadable CorruptionKind = "index-unreadable"
	// CorruptSideKeyUnreadable is a side key whose read failed.
	CorruptSideKeyUnreadable CorruptionKind = "side-key-unreadable"
)

// CorruptedKey is a key (or record field) that could not be read as the
// expected shape.
type CorruptedKey struct {
	Key    string         `json:"key"`
	Kind   CorruptionKind `json:"kind"`
	Field  string         `json:"field,omitempty"`
	Reason string         `json:"reason"`
}

// Deletable reports whether the reconciler removes the key outright: only
// keys that were read and found to hold the wrong shape. Records are never
// deleted; their field problems are fixed by rewriting.
func (c CorruptedKey) Deletable() bool {
	return c.Kind == CorruptIndex || c.Kind == CorruptSideKey
}

// Unreadable reports whether the key failed to read rather than holding a
// wrong value.
func (c CorruptedKey) Unreadable() bool {
	return c.Kind == CorruptIndexUnreadable || c.Kind == CorruptSideKeyUnreadable
}

// ConsistencyReport is the read-only diff between the categories a business
// claims and the indexes that claim the business.
type ConsistencyReport struct {
	EntityID string `json:"entityId"`
	Found    bool   `json:"found"`

	CanonicalSet  []string `json:"canonicalSet"`
	CanonicalKeys []string `json:"canonicalKeys"`

	CorrectMemberships []string       `json:"correctMemberships"`
	MissingMemberships []string       `json:"missingMemberships"`
	StaleMemberships   []string       `json:"staleMemberships"`
	CorruptedKeys      []CorruptedKey `json:"corruptedKeys"`

	// CountConsistent is false when categoriesCount does not match the
	// canonical set. NeedsNormalization also covers container layout.
	CountConsistent    bool `json:"countConsistent"`
	NeedsNormalization bool `json:"needsNormalization"`

	// InRegistry reports whether the id is in the master registry.
	InRegistry bool `json:"inRegistry"`

	// ProbedKeys is the size of the probe universe.
	ProbedKeys int `json:"probedKeys"`

	// Incomplete is set when the index keyspace could not be listed and only
	// the catalog and the business's own keys were probed.
	Incomplete bool `json:"incomplete,omitempty"`

	AliasVersion string `json:"aliasVersion"`
}

// Consistent reports whether the business needs no reconciliation.
func (r *ConsistencyReport) Consistent() bool {
	return r.Found &&
		len(r.MissingMemberships) == 0 &&
		len(r.StaleMemberships) == 0 &&
		len(r.CorruptedKeys) == 0 &&
		!r.NeedsNormalization
}

// recordCorrupted reports whether the record itself could not be decoded.
func (r *ConsistencyReport) recordCorrupted() bool {
	for _, c := range r.CorruptedKeys {
		if c.Kind == CorruptRecord {
			return true
		}
	}
	return false
}

// ============================================================================
// Mutation steps
// ============================================================================

// Action names one kind of store mutation.
type Action string

const (
	ActionDeleteKey       Action = "delete-key"
	ActionRemoveMember    Action = "remove-member"
	ActionAddMember       Action = "add-member"
	ActionRebuildIndex    Action = "rebuild-index"
	ActionNormalizeRecord Action = "normalize-record"
)

// Step is one independent, individually idempotent mutation and its result.
type Step struct {
	Action   Action `json:"action"`
	Key      string `json:"key"`
	EntityID string `json:"entityId,omitempty"`
	Members  int    `json:"members,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Applied is true when the write went through. Dry runs never apply.
	Applied bool `json:"applied"`

	// Err is the failure, if any. Retryable says whether repeating the same
	// step can succeed.
	Err       error  `json:"-"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Failed reports whether the step was attempted and failed.
func (s Step) Failed() bool {
	return s.Err != nil
}

// Outcome is the result of reconciling one business.
type Outcome struct {
	RunID    string `json:"runId"`
	EntityID string `json:"entityId"`
	Found    bool   `json:"found"`
	DryRun   bool   `json:"dryRun"`

	Steps []Step `json:"steps"`

	// Mutations counts applied steps; zero on an already consistent business.
	Mutations int `json:"mutations"`
	Failures  int `json:"failures"`

	Report *ConsistencyReport `json:"report"`
}

// FailedSteps returns the steps a caller may want to retry.
func (o *Outcome) FailedSteps() []Step {
	var out []Step
	for _, s := range o.Steps {
		if s.Failed() {
			out = append(out, s)
		}
	}
	return out
}

// ============================================================================
// Validation
// ============================================================================

// IssueKind classifies a divergence found by ValidateAll.
type IssueKind string

const (
	IssueCorruptedRecord    IssueKind = "CorruptedRecord"
	IssueCorruptedIndex     IssueKind = "CorruptedIndex"
	IssueInconsistentCount  IssueKind = "InconsistentCount"
	IssueInconsistentMember IssueKind = "InconsistentMember"
	IssueOrphanedMember     IssueKind = "OrphanedMember"
	IssueMissingIndex       IssueKind = "MissingIndex"
	IssueMissingMember      IssueKind = "MissingMember"
	IssueMissingRecord      IssueKind = "MissingRecord"
	IssueUnreadableRecord   IssueKind = "UnreadableRecord"
	IssueMalformedField     IssueKind = "MalformedField"
	IssueNonCanonicalIndex  IssueKind = "NonCanonicalIndex"
	IssueOrphanedIndex      IssueKind = "OrphanedIndex"
)

// Severity ranks issues.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Severity returns the fixed severity of an issue kind.
func (k IssueKind) Severity() Severity {
	switch k {
	case IssueCorruptedRecord, IssueCorruptedIndex:
		return SeverityCritical
	case IssueOrphanedIndex:
		return SeverityInfo
	default:
		return SeverityWarning
	}
}

// breaksValidity reports whether one issue of this kind makes the store
// invalid.
func (k IssueKind) breaksValidity() bool {
	switch k {
	case IssueCorruptedRecord, IssueCorruptedIndex, IssueInconsistentCount, IssueInconsistentMember,
		IssueUnreadableRecord:
		return true
	}
	return false
}

// Issue is one divergence.
type Issue struct {
	Kind        IssueKind      `json:"kind"`
	Severity    Severity       `json:"severity"`
	Key         string         `json:"key,omitempty"`
	EntityID    string         `json:"entityId,omitempty"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

// Summary aggregates counts over a validation pass.
type Summary struct {
	TotalEntities          int `json:"totalEntities"`
	EntitiesWithCategories int `json:"entitiesWithCategories"`
	TotalIndexes           int `json:"totalIndexes"`
	ValidIndexes           int `json:"validIndexes"`
	CorruptedIndexes       int `json:"corruptedIndexes"`
	OrphanedIndexes        int `json:"orphanedIndexes"`
	MissingIndexes         int `json:"missingIndexes"`
	InconsistentEntities   int `json:"inconsistentEntities"`
}

// ValidationResult is the outcome of a store-wide validation.
type ValidationResult struct {
	Valid           bool      `json:"isValid"`
	Summary         Summary   `json:"summary"`
	Issues          []Issue   `json:"issues"`
	Recommendations []string  `json:"recommendations"`
	CheckedAt       time.Time `json:"checkedAt"`

	AliasVersion     string `json:"aliasVersion"`
	AliasFingerprint string `json:"aliasFingerprint"`
}

// IssuesOf returns the issues of the given kind.
func (v *ValidationResult) IssuesOf(kind IssueKind) []Issue {
	var out []Issue
	for _, i := range v.Issues {
		if i.Kind == kind {
			out = append(out, i)
		}
	}
	return out
}

// CountByKind returns how many issues of each kind were found.
func (v *ValidationResult) CountByKind() map[IssueKind]int {
	out := make(map[IssueKind]int)
	for _, i := range v.Issues {
		out[i.Kind]++
	}
	return out
}

// ============================================================================
// Repair
// ============================================================================

// RepairResult is the outcome of a store-wide repair.
type RepairResult struct {
	RunID  string `json:"runId"`
	DryRun bool   `json:"dryRun"`

	// FixedCount is the number of mutations applied (planned, on dry runs).
	FixedCount int `json:"fixedCount"`

	// Rebuilt and Deleted list index keys by what happened to them.
	Rebuilt []string `json:"rebuilt"`
	Deleted []string `json:"deleted"`

	// Normalized lists businesses whose record was rewritten.
	Normalized []string `json:"normalized"`

	// Excluded lists businesses left out of the rebuild because their record
	// is corrupted.
	Excluded []string `json:"excluded"`

	// Held lists businesses whose record could not be read. Their current
	// index memberships are carried into the rebuild unchanged.
	Held []string `json:"held"`

	Steps  []Step   `json:"steps"`
	Errors []string `json:"errors"`

	Validation *ValidationResult `json:"validation,omitempty"`
	Duration   time.Duration     `json:"duration"`
}
