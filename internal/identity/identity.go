// Package identity derives stable per-record identities for an import batch and
// classifies every record against the batch itself and the dataset's existing events.
package identity

import (
	"errors"
	"fmt"
)

// Strategy is the rule for deriving an event's stable key.
type Strategy string

const (
	// StrategyExternal reads the key from a configured id path.
	StrategyExternal Strategy = "external"
	// StrategyComputed hashes record content.
	StrategyComputed Strategy = "computed"
	// StrategyAuto detects an id-like column and falls back to the content hash.
	StrategyAuto Strategy = "auto"
	// StrategyHybrid uses the external id when a row has one, the content hash otherwise.
	StrategyHybrid Strategy = "hybrid"
)

// DuplicateStrategy decides what happens to records whose identity already exists.
type DuplicateStrategy string

const (
	DuplicateSkip    DuplicateStrategy = "skip"
	DuplicateUpdate  DuplicateStrategy = "update"
	DuplicateVersion DuplicateStrategy = "version"
)

// Classification is the dedup verdict for a single record.
type Classification string

const (
	ClassNew               Classification = "new"
	ClassInternalDuplicate Classification = "internal-duplicate"
	ClassExternalDuplicate Classification = "external-duplicate"
	ClassUpdateCandidate   Classification = "update-candidate"
)

const (
	// DefaultAutoDetectThreshold is the populated fraction an id-like column needs
	// before auto detection trusts it.
	DefaultAutoDetectThreshold = 0.8
)

// Sentinel errors for identity resolution.
var (
	ErrUnresolvableIdentity = errors.New("unresolvable identity")
	ErrInvalidConfig        = errors.New("invalid identity config")
)

// Config is the dataset-level identity configuration.
type Config struct {
	Strategy          Strategy          `json:"strategy"`
	ExternalIDPath    string            `json:"externalIdPath,omitempty"`
	ComputedFields    []string          `json:"computedFields,omitempty"`
	DuplicateStrategy DuplicateStrategy `json:"duplicateStrategy"`
	// AutoDetectThreshold is the minimum populated fraction for an id column. Zero
	// means DefaultAutoDetectThreshold.
	AutoDetectThreshold float64 `json:"autoDetectThreshold,omitempty"`
}

// DefaultConfig returns auto detection with the skip duplicate strategy.
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyAuto,
		DuplicateStrategy:   DuplicateSkip,
		AutoDetectThreshold: DefaultAutoDetectThreshold,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyExternal:
		if c.ExternalIDPath == "" {
			return fmt.Errorf("%w: external strategy requires an id path", ErrInvalidConfig)
		}
	case StrategyComputed, StrategyAuto, StrategyHybrid:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}

	switch c.DuplicateStrategy {
	case DuplicateSkip, DuplicateUpdate, DuplicateVersion:
	default:
		return fmt.Errorf("%w: unknown duplicate strategy %q", ErrInvalidConfig, c.DuplicateStrategy)
	}

	if c.AutoDetectThreshold < 0 || c.AutoDetectThreshold > 1 {
		return fmt.Errorf("%w: auto detect threshold must be within [0,1]", ErrInvalidConfig)
	}

	return nil
}

func (c Config) threshold() float64 {
	if c.AutoDetectThreshold == 0 {
		return DefaultAutoDetectThreshold
	}

	return c.AutoDetectThreshold
}

// Resolution is the identity outcome for one record.
type Resolution struct {
	Row            int            `json:"row"`
	UniqueID       string         `json:"uniqueId"`
	SourceID       string         `json:"sourceId,omitempty"`
	ContentHash    string         `json:"contentHash"`
	Classification Classification `json:"classification"`
	// ExistingEventID is set for update candidates and external duplicates.
	ExistingEventID string `json:"existingEventId,omitempty"`
	// DuplicateOf is the first row sharing this identity, for internal duplicates.
	DuplicateOf *int `json:"duplicateOf,omitempty"`
}

// RowError records a row that could not be given a stable identity.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Summary counts classifications over a batch.
type Summary struct {
	Total              int `json:"total"`
	New                int `json:"new"`
	InternalDuplicates int `json:"internalDuplicates"`
	ExternalDuplicates int `json:"externalDuplicates"`
	UpdateCandidates   int `json:"updateCandidates"`
	Unresolved         int `json:"unresolved"`
}

// Result is the output of resolving a batch.
type Result struct {
	Strategy Strategy `json:"strategy"`
	// IDPath is the external id path in effect, empty when identities are hashes.
	IDPath      string       `json:"idPath,omitempty"`
	Resolutions []Resolution `json:"resolutions"`
	Errors      []RowError   `json:"errors,omitempty"`
	Summary     Summary      `json:"summary"`
}

// ByRow indexes resolutions by row number.
func (r *Result) ByRow() map[int]Resolution {
	out := make(map[int]Resolution, len(r.Resolutions))
	for _, res := range r.Resolutions {
		out[res.Row] = res
	}

	return out
}

// Existing is an already-materialized event found by unique ID.
type Existing struct {
	EventID     string
	UniqueID    string
	ContentHash string
}
