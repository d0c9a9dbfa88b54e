package geocoding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/geoevents/geoevents/internal/canonicalization"
	"github.com/geoevents/geoevents/internal/failure"
)

// Provenance records where an event's coordinates came from.
type Provenance string

const (
	ProvenanceImport   Provenance = "import"
	ProvenanceGeocoded Provenance = "geocoded"
	ProvenanceManual   Provenance = "manual"
	ProvenanceNone     Provenance = "none"
)

// ErrTooManyFailedChunks aborts a batch after consecutive chunks in which every
// lookup failed.
var ErrTooManyFailedChunks = errors.New("too many consecutive failed geocoding chunks")

// RowResult is the resolved location of one row.
type RowResult struct {
	Row               int              `json:"row"`
	Coordinate        *Coordinate      `json:"coordinate,omitempty"`
	Provenance        Provenance       `json:"provenance"`
	Confidence        float64          `json:"confidence"`
	Status            ValidationStatus `json:"status,omitempty"`
	NeedsReview       bool             `json:"needsReview"`
	Provider          string           `json:"provider,omitempty"`
	OriginalAddress   string           `json:"originalAddress,omitempty"`
	NormalizedAddress string           `json:"normalizedAddress,omitempty"`
	FormattedAddress  string           `json:"formattedAddress,omitempty"`
	FromCache         bool             `json:"fromCache"`
	Error             string           `json:"error,omitempty"`
}

// CheckpointFunc is called after each completed chunk with that chunk's results.
// An error aborts the batch.
type CheckpointFunc func(ctx context.Context, chunk int, results []RowResult) error

type providerHandle struct {
	provider Provider
	cfg      ProviderConfig
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
}

type registration struct {
	provider Provider
	cfg      ProviderConfig
}

// Resolver resolves addresses through the location cache and the configured
// provider chain. It is safe for concurrent use.
type Resolver struct {
	cfg     Config
	cache   Cache
	stats   StatsRecorder
	logger  *slog.Logger
	now     func() time.Time
	pending []registration
	handles []*providerHandle

	mu    sync.Mutex
	usage map[string]*ProviderStats
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithProvider registers a provider. Disabled providers are ignored.
func WithProvider(p Provider, pc ProviderConfig) Option {
	return func(r *Resolver) {
		if pc.Name == "" {
			pc.Name = p.Name()
		}

		r.pending = append(r.pending, registration{provider: p, cfg: pc})
	}
}

// WithStatsRecorder persists provider usage on every call.
func WithStatsRecorder(s StatsRecorder) Option {
	return func(r *Resolver) {
		r.stats = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a Resolver over cache. Zero values in cfg take defaults.
func NewResolver(cfg Config, cache Cache, opts ...Option) *Resolver {
	cfg.applyDefaults()

	r := &Resolver{
		cfg:    cfg,
		cache:  cache,
		logger: slog.Default(),
		now:    time.Now,
		usage:  make(map[string]*ProviderStats),
	}

	for _, opt := range opts {
		opt(r)
	}

	for _, reg := range r.pending {
		if !reg.cfg.IsEnabled() {
			continue
		}

		r.handles = append(r.handles, r.newHandle(reg))
	}

	r.pending = nil

	sort.SliceStable(r.handles, func(i, j int) bool {
		if r.handles[i].cfg.Priority != r.handles[j].cfg.Priority {
			return r.handles[i].cfg.Priority < r.handles[j].cfg.Priority
		}

		return r.handles[i].cfg.Name < r.handles[j].cfg.Name
	})

	return r
}

// NewResolverFromConfig builds every enabled provider in cfg. A provider that
// cannot be built (for example a missing API key) is skipped with a warning.
func NewResolverFromConfig(cfg *Config, cache Cache, client *http.Client, opts ...Option) *Resolver {
	providerOpts := make([]Option, 0, len(cfg.Providers)+len(opts))

	for _, pc := range cfg.Providers {
		if !pc.IsEnabled() {
			continue
		}

		p, err := NewProvider(pc, client)
		if err != nil {
			slog.Warn("Skipping geocoding provider",
				slog.String("provider", pc.Name),
				slog.String("error", err.Error()))

			continue
		}

		providerOpts = append(providerOpts, WithProvider(p, pc))
	}

	return NewResolver(*cfg, cache, append(providerOpts, opts...)...)
}

func (r *Resolver) newHandle(reg registration) *providerHandle {
	limit := rate.Inf
	if reg.cfg.RateLimit > 0 {
		limit = rate.Limit(reg.cfg.RateLimit)
	}

	burst := reg.cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	threshold := r.cfg.Breaker.ConsecutiveFailures
	logger := r.logger

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    reg.cfg.Name,
		Timeout: r.cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Geocoding provider circuit changed state",
				slog.String("provider", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &providerHandle{
		provider: reg.provider,
		cfg:      reg.cfg,
		limiter:  rate.NewLimiter(limit, burst),
		breaker:  breaker,
	}
}

// Providers returns the names of the active providers in selection order.
func (r *Resolver) Providers() []string {
	handles := r.selectProviders()
	names := make([]string, 0, len(handles))

	for _, h := range handles {
		names = append(names, h.cfg.Name)
	}

	return names
}

// ChunkSize is the number of rows processed per checkpointed chunk.
func (r *Resolver) ChunkSize() int {
	return r.cfg.ChunkSize
}

// ChunkCount returns how many chunks a batch of n rows is split into.
func (r *Resolver) ChunkCount(n int) int {
	if n <= 0 {
		return 0
	}

	return (n + r.cfg.ChunkSize - 1) / r.cfg.ChunkSize
}

func (r *Resolver) selectProviders() []*providerHandle {
	if r.cfg.Strategy != StrategyTag {
		return r.handles
	}

	selected := make([]*providerHandle, 0, len(r.handles))

	for _, h := range r.handles {
		if h.cfg.HasTag(r.cfg.Tags) {
			selected = append(selected, h)
		}
	}

	return selected
}

// Geocode resolves a single address, counting one cache hit.
func (r *Resolver) Geocode(ctx context.Context, address string) (RowResult, error) {
	normalized := canonicalization.NormalizeAddress(address)
	if normalized == "" {
		return RowResult{}, failure.AsValidation(fmt.Errorf("%w: empty address", ErrNotFound))
	}

	loc, fromCache, err := r.lookup(ctx, normalized, address)
	if err != nil {
		return RowResult{}, err
	}

	r.countHits(ctx, normalized, 1)

	result := RowResult{OriginalAddress: address, NormalizedAddress: normalized, Provenance: ProvenanceNone}
	result.applyLocation(loc, fromCache)

	return result, nil
}

// ResolveBatch resolves location signals chunk by chunk, starting at startChunk.
//
// Rows with a valid explicit coordinate keep it with import provenance. Other rows
// fall back to their address. Each unique normalized address in a chunk is looked up
// once and every row served from that lookup counts as a cache hit. checkpoint runs
// after every chunk. Row-level failures are reported on the row; the batch aborts only
// on a configuration error or after MaxFailedChunks consecutive chunks in which every
// lookup failed.
func (r *Resolver) ResolveBatch(
	ctx context.Context,
	signals []Signal,
	startChunk int,
	checkpoint CheckpointFunc,
) ([]RowResult, error) {
	size := r.cfg.ChunkSize
	results := make([]RowResult, 0, len(signals))
	failedRun := 0

	for chunk, start := 0, 0; start < len(signals); chunk, start = chunk+1, start+size {
		if chunk < startChunk {
			continue
		}

		if err := ctx.Err(); err != nil {
			return results, err
		}

		end := min(start+size, len(signals))

		chunkResults, outcome := r.resolveChunk(ctx, signals[start:end])
		if err := ctx.Err(); err != nil {
			return results, err
		}

		if outcome.fatal != nil {
			return results, outcome.fatal
		}

		if checkpoint != nil {
			if err := checkpoint(ctx, chunk, chunkResults); err != nil {
				return results, fmt.Errorf("checkpoint chunk %d: %w", chunk, err)
			}
		}

		results = append(results, chunkResults...)

		if outcome.failed > 0 && outcome.failed == outcome.attempted {
			failedRun++

			r.logger.Warn("Geocoding chunk failed",
				slog.Int("chunk", chunk),
				slog.Int("consecutive_failures", failedRun),
				slog.String("error", outcome.lastErr.Error()))

			if failedRun >= r.cfg.MaxFailedChunks {
				return results, failure.New(failure.CategoryOf(outcome.lastErr),
					fmt.Errorf("%w: %w", ErrTooManyFailedChunks, outcome.lastErr))
			}
		} else {
			failedRun = 0
		}
	}

	return results, nil
}

type chunkOutcome struct {
	attempted int
	failed    int
	lastErr   error
	fatal     error
}

type addressLookup struct {
	loc       *CachedLocation
	fromCache bool
	err       error
}

func (r *Resolver) resolveChunk(ctx context.Context, signals []Signal) ([]RowResult, chunkOutcome) {
	out := make([]RowResult, len(signals))
	pending := make(map[string][]int)
	originals := make(map[string]string)

	for i, sig := range signals {
		out[i] = RowResult{
			Row:             sig.Row,
			Status:          sig.Status,
			Provenance:      ProvenanceNone,
			OriginalAddress: sig.Address,
		}

		if sig.Coordinate != nil && sig.Status == StatusValid {
			c := *sig.Coordinate
			out[i].Coordinate = &c
			out[i].Provenance = ProvenanceImport
			out[i].Confidence = 1

			continue
		}

		out[i].NeedsReview = sig.Status != "" && sig.Status.NeedsReview()
		out[i].Error = sig.ParseError

		normalized := canonicalization.NormalizeAddress(sig.Address)
		if normalized == "" {
			continue
		}

		out[i].NormalizedAddress = normalized
		if _, seen := originals[normalized]; !seen {
			originals[normalized] = strings.TrimSpace(sig.Address)
		}

		pending[normalized] = append(pending[normalized], i)
	}

	keys := make([]string, 0, len(pending))
	for key := range pending {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	found := make([]addressLookup, len(keys))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)

	for i, key := range keys {
		g.Go(func() error {
			loc, fromCache, err := r.lookup(ctx, key, originals[key])
			found[i] = addressLookup{loc: loc, fromCache: fromCache, err: err}

			return nil
		})
	}

	_ = g.Wait()

	outcome := chunkOutcome{attempted: len(keys)}

	for i, key := range keys {
		res := found[i]
		rows := pending[key]

		if res.err != nil {
			if failure.CategoryOf(res.err) == failure.Configuration {
				outcome.fatal = res.err
			}

			if !errors.Is(res.err, ErrNotFound) {
				outcome.failed++
				outcome.lastErr = res.err
			}

			for _, j := range rows {
				out[j].Error = res.err.Error()
			}

			continue
		}

		r.countHits(ctx, key, len(rows))

		for _, j := range rows {
			out[j].applyLocation(res.loc, res.fromCache)
		}
	}

	return out, outcome
}

func (rr *RowResult) applyLocation(loc *CachedLocation, fromCache bool) {
	c := loc.Coordinate
	rr.Coordinate = &c
	rr.Provenance = ProvenanceGeocoded
	rr.Confidence = loc.Confidence
	rr.Provider = loc.Provider
	rr.FormattedAddress = loc.FormattedAddress
	rr.FromCache = fromCache
	rr.Error = ""
}

// lookup returns the cached location for normalized or asks the providers and
// stores the answer. Cache failures are logged and never fail the lookup.
func (r *Resolver) lookup(ctx context.Context, normalized, original string) (*CachedLocation, bool, error) {
	cached, err := r.cache.GetLocation(ctx, normalized)
	if err != nil {
		r.logger.Warn("Location cache read failed",
			slog.String("address", normalized),
			slog.String("error", err.Error()))
	} else if cached != nil {
		return cached, true, nil
	}

	res, err := r.geocodeExternal(ctx, original)
	if err != nil {
		return nil, false, err
	}

	loc := &CachedLocation{
		NormalizedAddress: normalized,
		OriginalAddress:   original,
		Coordinate:        res.Coordinate,
		Provider:          res.Provider,
		Confidence:        res.Confidence,
		FormattedAddress:  res.FormattedAddress,
	}

	if err := r.cache.PutLocation(ctx, loc); err != nil {
		r.logger.Warn("Location cache write failed",
			slog.String("address", normalized),
			slog.String("error", err.Error()))
	}

	return loc, false, nil
}

func (r *Resolver) countHits(ctx context.Context, normalized string, n int) {
	if err := r.cache.IncrementHits(ctx, normalized, n); err != nil {
		r.logger.Warn("Location cache hit update failed",
			slog.String("address", normalized),
			slog.String("error", err.Error()))
	}
}

func (r *Resolver) geocodeExternal(ctx context.Context, address string) (*Result, error) {
	handles := r.selectProviders()
	if len(handles) == 0 {
		return nil, failure.AsConfiguration(ErrNoProviders)
	}

	errs := make([]error, 0, len(handles))

	for _, h := range handles {
		res, err := r.callProvider(ctx, h, address)
		if err == nil {
			return res, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		errs = append(errs, err)

		if !r.cfg.Fallback {
			break
		}
	}

	return nil, combineProviderErrors(errs)
}

// combineProviderErrors keeps every provider error and picks the category: a
// definitive not-found wins, then transient, then configuration.
func combineProviderErrors(errs []error) error {
	joined := errors.Join(errs...)

	for _, err := range errs {
		if errors.Is(err, ErrNotFound) {
			return failure.AsValidation(joined)
		}
	}

	for _, category := range []failure.Category{failure.Transient, failure.Configuration} {
		for _, err := range errs {
			if failure.CategoryOf(err) == category {
				return failure.New(category, joined)
			}
		}
	}

	return failure.AsValidation(joined)
}

func (r *Resolver) callProvider(ctx context.Context, h *providerHandle, address string) (*Result, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := r.now()

	out, err := h.breaker.Execute(func() (interface{}, error) {
		callCtx := ctx

		if h.cfg.Timeout > 0 {
			var cancel context.CancelFunc

			callCtx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
			defer cancel()
		}

		res, err := h.provider.Geocode(callCtx, address)
		if err == nil && res == nil {
			return nil, notFound(h.cfg.Name, address)
		}

		return res, err
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, failure.AsTransient(fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, h.cfg.Name, err))
	}

	r.record(ctx, h.cfg.Name, err, r.now().Sub(start))

	if err != nil {
		return nil, err
	}

	res, _ := out.(*Result)
	if res.Provider == "" {
		res.Provider = h.cfg.Name
	}

	return res, nil
}

func (r *Resolver) record(ctx context.Context, provider string, callErr error, latency time.Duration) {
	at := r.now()

	r.mu.Lock()

	s, ok := r.usage[provider]
	if !ok {
		s = &ProviderStats{Provider: provider}
		r.usage[provider] = s
	}

	s.Requests++
	s.AvgLatency += (latency - s.AvgLatency) / time.Duration(s.Requests)
	s.LastUsedAt = at

	var errMsg string

	if callErr == nil {
		s.Successes++
	} else {
		errMsg = callErr.Error()
		s.Failures++
		s.LastErrorMsg = errMsg
	}

	r.mu.Unlock()

	if r.stats == nil {
		return
	}

	if err := r.stats.RecordProviderCall(ctx, provider, callErr == nil, errMsg, latency, at); err != nil {
		r.logger.Warn("Failed to record provider usage",
			slog.String("provider", provider),
			slog.String("error", err.Error()))
	}
}

// Stats returns a snapshot of provider usage since the resolver was created.
func (r *Resolver) Stats() []ProviderStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ProviderStats, 0, len(r.usage))
	for _, s := range r.usage {
		out = append(out, *s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })

	return out
}
