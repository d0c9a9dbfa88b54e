package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/geoevents/geoevents/internal/canonicalization"
)

const versionHashPrefix = 12

// Lookup finds already-materialized events of a dataset.
// Implementations return only live (not soft-deleted) events.
type Lookup interface {
	FindByUniqueIDs(ctx context.Context, datasetID string, uniqueIDs []string) (map[string]Existing, error)
	FindByContentHashes(ctx context.Context, datasetID string, hashes []string) (map[string]Existing, error)
}

// Resolver classifies import batches.
type Resolver struct {
	lookup Lookup
	logger *slog.Logger
}

// NewResolver creates a Resolver backed by lookup.
func NewResolver(lookup Lookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{lookup: lookup, logger: logger}
}

type keyed struct {
	row      int
	uniqueID string
	sourceID string
	hash     string
}

// Resolve computes identities for rows and classifies each against the batch and
// the dataset's existing events.
//
// Rows are indexed by their position in rows. A row that cannot be given a stable
// identity is listed in Result.Errors and has no Resolution.
func (r *Resolver) Resolve(ctx context.Context, datasetID string, cfg Config, rows []map[string]any) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	strategy, idPath := EffectiveStrategy(cfg, rows)

	result := &Result{
		Strategy:    strategy,
		IDPath:      idPath,
		Resolutions: make([]Resolution, 0, len(rows)),
	}
	result.Summary.Total = len(rows)

	firstSeen := make(map[string]int, len(rows))
	candidates := make([]keyed, 0, len(rows))

	for i, row := range rows {
		k, err := deriveKey(datasetID, cfg, strategy, idPath, i, row)
		if err != nil {
			result.Errors = append(result.Errors, RowError{Row: i, Message: err.Error()})
			result.Summary.Unresolved++

			continue
		}

		if first, dup := firstSeen[k.uniqueID]; dup {
			result.Resolutions = append(result.Resolutions, Resolution{
				Row:            i,
				UniqueID:       k.uniqueID,
				SourceID:       k.sourceID,
				ContentHash:    k.hash,
				Classification: ClassInternalDuplicate,
				DuplicateOf:    &first,
			})
			result.Summary.InternalDuplicates++

			continue
		}

		firstSeen[k.uniqueID] = i
		candidates = append(candidates, k)
	}

	byUID, byHash, err := r.existing(ctx, datasetID, candidates)
	if err != nil {
		return nil, err
	}

	for _, k := range candidates {
		res := classify(k, cfg.DuplicateStrategy, byUID, byHash)
		result.Resolutions = append(result.Resolutions, res)

		switch res.Classification {
		case ClassNew:
			result.Summary.New++
		case ClassExternalDuplicate:
			result.Summary.ExternalDuplicates++
		case ClassUpdateCandidate:
			result.Summary.UpdateCandidates++
		}
	}

	sort.Slice(result.Resolutions, func(i, j int) bool {
		return result.Resolutions[i].Row < result.Resolutions[j].Row
	})

	r.logger.Debug("Resolved batch identities",
		slog.String("dataset_id", datasetID),
		slog.String("strategy", string(strategy)),
		slog.String("id_path", idPath),
		slog.Int("new", result.Summary.New),
		slog.Int("internal_duplicates", result.Summary.InternalDuplicates),
		slog.Int("external_duplicates", result.Summary.ExternalDuplicates),
		slog.Int("update_candidates", result.Summary.UpdateCandidates),
		slog.Int("unresolved", result.Summary.Unresolved))

	return result, nil
}

func (r *Resolver) existing(
	ctx context.Context,
	datasetID string,
	candidates []keyed,
) (map[string]Existing, map[string]Existing, error) {
	if r.lookup == nil || len(candidates) == 0 {
		return map[string]Existing{}, map[string]Existing{}, nil
	}

	uids := make([]string, 0, len(candidates))
	hashes := make([]string, 0, len(candidates))

	for _, k := range candidates {
		uids = append(uids, k.uniqueID)
		hashes = append(hashes, k.hash)
	}

	byUID, err := r.lookup.FindByUniqueIDs(ctx, datasetID, uids)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup existing unique ids: %w", err)
	}

	byHash, err := r.lookup.FindByContentHashes(ctx, datasetID, hashes)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup existing content hashes: %w", err)
	}

	return byUID, byHash, nil
}

func classify(k keyed, dup DuplicateStrategy, byUID, byHash map[string]Existing) Resolution {
	res := Resolution{
		Row:            k.row,
		UniqueID:       k.uniqueID,
		SourceID:       k.sourceID,
		ContentHash:    k.hash,
		Classification: ClassNew,
	}

	if existing, ok := byUID[k.uniqueID]; ok {
		if existing.ContentHash == k.hash {
			res.Classification = ClassExternalDuplicate
			res.ExistingEventID = existing.EventID

			return res
		}

		switch dup {
		case DuplicateUpdate:
			res.Classification = ClassUpdateCandidate
			res.ExistingEventID = existing.EventID
		case DuplicateVersion:
			if same, seen := byHash[k.hash]; seen {
				res.Classification = ClassExternalDuplicate
				res.ExistingEventID = same.EventID

				return res
			}

			res.UniqueID = k.uniqueID + ":v" + k.hash[:versionHashPrefix]
		default:
			res.Classification = ClassExternalDuplicate
			res.ExistingEventID = existing.EventID
		}

		return res
	}

	// Hash-keyed rows also match events materialized under another strategy.
	if k.sourceID == "" {
		if existing, ok := byHash[k.hash]; ok {
			res.Classification = ClassExternalDuplicate
			res.ExistingEventID = existing.EventID
		}
	}

	return res
}

func deriveKey(datasetID string, cfg Config, strategy Strategy, idPath string, row int, record map[string]any) (keyed, error) {
	hash := canonicalization.ContentHash(record, cfg.ComputedFields...)
	if hash == "" {
		return keyed{}, fmt.Errorf("%w: row has no hashable fields", ErrUnresolvableIdentity)
	}

	k := keyed{row: row, hash: hash}

	if idPath != "" {
		raw, _ := canonicalization.Lookup(record, idPath)
		if id, ok := canonicalization.ScalarString(raw); ok {
			k.sourceID = id
			k.uniqueID = canonicalization.UniqueID(datasetID, canonicalization.KindExternal, id)

			return k, nil
		}

		if strategy == StrategyExternal && cfg.DuplicateStrategy != DuplicateSkip {
			return keyed{}, fmt.Errorf("%w: missing value at %q", ErrUnresolvableIdentity, idPath)
		}
	}

	k.uniqueID = canonicalization.UniqueID(datasetID, canonicalization.KindHash, hash)

	return k, nil
}

// EffectiveStrategy resolves auto detection to the strategy and id path actually used.
//
// An explicitly configured id path wins over detection whenever it is populated in
// at least the threshold fraction of rows. Under the auto strategy an
// under-populated explicit path falls back to detected candidates, then to the
// content hash.
func EffectiveStrategy(cfg Config, rows []map[string]any) (Strategy, string) {
	switch cfg.Strategy {
	case StrategyExternal:
		return StrategyExternal, cfg.ExternalIDPath
	case StrategyComputed:
		return StrategyComputed, ""
	case StrategyHybrid:
		if cfg.ExternalIDPath != "" {
			return StrategyHybrid, cfg.ExternalIDPath
		}

		return StrategyHybrid, DetectIDPath(rows, cfg.threshold())
	}

	if cfg.ExternalIDPath != "" && populatedFraction(rows, cfg.ExternalIDPath) >= cfg.threshold() {
		return StrategyExternal, cfg.ExternalIDPath
	}

	if path := DetectIDPath(rows, cfg.threshold()); path != "" {
		return StrategyExternal, path
	}

	return StrategyComputed, ""
}

// DetectIDPath returns the most id-like top-level column whose populated and
// distinct fractions both reach threshold, or "" when none qualifies.
func DetectIDPath(rows []map[string]any, threshold float64) string {
	if len(rows) == 0 {
		return ""
	}

	type candidate struct {
		path      string
		rank      int
		populated float64
	}

	names := make(map[string]struct{})
	for _, row := range rows {
		for key := range row {
			names[key] = struct{}{}
		}
	}

	var candidates []candidate

	for name := range names {
		rank, ok := idRank(name)
		if !ok {
			continue
		}

		populated, distinct := columnStats(rows, name)
		if populated < threshold || distinct < threshold {
			continue
		}

		candidates = append(candidates, candidate{path: name, rank: rank, populated: populated})
	}

	if len(candidates) == 0 {
		return ""
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}

		if a.populated != b.populated {
			return a.populated > b.populated
		}

		return a.path < b.path
	})

	return candidates[0].path
}

func idRank(name string) (int, bool) {
	normalized := strings.ToLower(strings.NewReplacer("-", "_", " ", "_").Replace(name))

	switch normalized {
	case "id", "uuid", "guid", "uid", "external_id", "externalid":
		return 0, true
	case "event_id", "eventid", "record_id", "recordid", "source_id", "sourceid", "identifier", "reference":
		return 1, true
	}

	if strings.HasSuffix(normalized, "_id") || (len(name) > 2 && strings.HasSuffix(name, "Id")) {
		return 2, true
	}

	return 0, false
}

func populatedFraction(rows []map[string]any, path string) float64 {
	populated, _ := columnStats(rows, path)

	return populated
}

// columnStats returns the populated fraction over all rows and the distinct
// fraction over populated rows.
func columnStats(rows []map[string]any, path string) (float64, float64) {
	if len(rows) == 0 {
		return 0, 0
	}

	seen := make(map[string]struct{}, len(rows))
	populated := 0

	for _, row := range rows {
		raw, _ := canonicalization.Lookup(row, path)

		value, ok := canonicalization.ScalarString(raw)
		if !ok {
			continue
		}

		populated++
		seen[value] = struct{}{}
	}

	if populated == 0 {
		return 0, 0
	}

	return float64(populated) / float64(len(rows)), float64(len(seen)) / float64(populated)
}
