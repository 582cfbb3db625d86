package agents

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jingkaihe/agentry/pkg/cache"
	"github.com/jingkaihe/agentry/pkg/classifier"
	"github.com/jingkaihe/agentry/pkg/logger"
	"github.com/jingkaihe/agentry/pkg/telemetry"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// Cache keys. Every key owned by the registry lives under KeyPrefix.
const (
	KeyPrefix         = "agents:"
	SnapshotKey       = "agents:snapshot"
	metadataKeyPrefix = "agents:metadata:"
	searchKeyPrefix   = "agents:search:"
)

// TierResolver computes the tier list for a start directory.
type TierResolver interface {
	Resolve(ctx context.Context, start string) ([]agenttypes.Tier, error)
}

// Entry is everything known about one agent name.
type Entry struct {
	// Effective is the highest precedence valid record, or the highest
	// precedence record when none is valid.
	Effective agenttypes.AgentMetadata `json:"effective"`
	// Tiers holds one record per tier the agent appears in, highest first.
	Tiers []agenttypes.AgentMetadata `json:"tiers"`
}

// Snapshot is the result of one discovery pass. It is never mutated after
// being published.
type Snapshot struct {
	Agents       map[string]*Entry `json:"agents"`
	Tiers        []agenttypes.Tier `json:"tiers"`
	DiscoveredAt time.Time         `json:"discovered_at"`
	Diagnostics  []string          `json:"diagnostics,omitempty"`

	// generation is the invalidation count the pass started under.
	generation uint64
}

// Names returns the agent names in the snapshot, sorted.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.Agents))
	for name := range s.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CacheSize estimates the snapshot footprint from its content sizes.
func (s *Snapshot) CacheSize() int64 {
	size := int64(256)
	for name, e := range s.Agents {
		size += int64(len(name)) + 512*int64(len(e.Tiers)+1)
	}
	return size
}

// Filter narrows ListAgents. Zero values match everything.
type Filter struct {
	Type          string
	Tier          agenttypes.TierKind
	HybridOnly    bool
	ValidatedOnly bool
	MinScore      float64
}

func (f Filter) matches(m agenttypes.AgentMetadata) bool {
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Tier != "" && m.Tier != f.Tier {
		return false
	}
	if f.HybridOnly && !m.IsHybrid {
		return false
	}
	if f.ValidatedOnly && !m.Validated {
		return false
	}
	return m.ValidationScore >= f.MinScore
}

// Stats aggregates the current snapshot for health reporting.
type Stats struct {
	Total              int                         `json:"total"`
	ByTier             map[agenttypes.TierKind]int `json:"by_tier"`
	ByType             map[string]int              `json:"by_type"`
	ByComplexity       map[string]int              `json:"by_complexity"`
	Validated          int                         `json:"validated"`
	Failed             int                         `json:"failed"`
	Hybrid             int                         `json:"hybrid"`
	AverageScore       float64                     `json:"average_score"`
	AverageScoreByType map[string]float64          `json:"average_score_by_type"`
	LastDiscovery      time.Time                   `json:"last_discovery"`
	DiscoveryPaths     []string                    `json:"discovery_paths"`
	Cache              *cache.Metrics              `json:"cache,omitempty"`
}

// Registry merges discovered agents by tier precedence and answers queries
// over the current snapshot.
type Registry struct {
	resolver    TierResolver
	discoverer  *Discoverer
	classifier  *classifier.Classifier
	cache       cache.Cache
	startDir    string
	snapshotTTL time.Duration

	refreshMu sync.Mutex
	// invalidations counts InvalidateAgent and InvalidateAll calls. A pass
	// that overlaps one is not cached.
	invalidations atomic.Uint64

	mu   sync.RWMutex
	last *Snapshot
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry) error

// WithCache sets the cache handle. Without it every call recomputes.
func WithCache(c cache.Cache) RegistryOption {
	return func(r *Registry) error {
		r.cache = c
		return nil
	}
}

// WithStartDir sets the directory tier resolution starts from.
func WithStartDir(dir string) RegistryOption {
	return func(r *Registry) error {
		if dir == "" {
			return errors.New("start directory cannot be empty")
		}
		r.startDir = dir
		return nil
	}
}

// WithSnapshotTTL sets how long a snapshot stays fresh in the cache.
func WithSnapshotTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) error {
		r.snapshotTTL = ttl
		return nil
	}
}

// WithDiscoverer replaces the default discoverer.
func WithDiscoverer(d *Discoverer) RegistryOption {
	return func(r *Registry) error {
		if d == nil {
			return errors.New("discoverer cannot be nil")
		}
		r.discoverer = d
		return nil
	}
}

// NewRegistry creates a registry over resolver and c.
func NewRegistry(resolver TierResolver, c *classifier.Classifier, opts ...RegistryOption) (*Registry, error) {
	if resolver == nil {
		return nil, errors.New("tier resolver cannot be nil")
	}
	if c == nil {
		return nil, errors.New("classifier cannot be nil")
	}

	r := &Registry{
		resolver:    resolver,
		classifier:  c,
		startDir:    ".",
		snapshotTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, errors.Wrap(err, "failed to apply registry option")
		}
	}

	if r.discoverer == nil {
		d, err := NewDiscoverer()
		if err != nil {
			return nil, err
		}
		r.discoverer = d
	}

	return r, nil
}

// Discoverer returns the discoverer used by the registry.
func (r *Registry) Discoverer() *Discoverer {
	return r.discoverer
}

// Classifier returns the classifier used by the registry.
func (r *Registry) Classifier() *classifier.Classifier {
	return r.classifier
}

// Tiers resolves the current tier list.
func (r *Registry) Tiers(ctx context.Context) ([]agenttypes.Tier, error) {
	return r.resolver.Resolve(ctx, r.startDir)
}

// DiscoverAgents returns the cached snapshot when it is fresh and rebuilds it
// otherwise. While another refresh is running it returns the last-known-good
// snapshot instead of waiting; only a caller with no snapshot at all waits.
// A forced call always waits for the running pass and then runs its own, so
// it observes every change made before it was issued.
func (r *Registry) DiscoverAgents(ctx context.Context, forceRefresh bool) (*Snapshot, error) {
	if !forceRefresh {
		if snap, ok := cache.GetAs[*Snapshot](r.cache, SnapshotKey); ok {
			return snap, nil
		}
	}

	if r.refreshMu.TryLock() {
		defer r.refreshMu.Unlock()
		return r.refresh(ctx)
	}

	if !forceRefresh {
		if last := r.lastSnapshot(); last != nil {
			logger.G(ctx).Debug("refresh in flight, serving last known snapshot")
			return last, nil
		}
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	if !forceRefresh {
		// the refresh we waited on may have produced what we need
		if snap, ok := cache.GetAs[*Snapshot](r.cache, SnapshotKey); ok {
			return snap, nil
		}
	}
	return r.refresh(ctx)
}

func (r *Registry) lastSnapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Registry) refresh(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	generation := r.invalidations.Load()

	err := telemetry.WithSpan(ctx, "registry.discover", func(ctx context.Context) error {
		tierList, err := r.resolver.Resolve(ctx, r.startDir)
		if err != nil {
			return errors.Wrap(err, "failed to resolve tiers")
		}

		result, err := r.discoverer.Discover(ctx, tierList)
		if err != nil {
			return err
		}

		snap = r.build(tierList, result)
		snap.generation = generation
		telemetry.SetAttributes(ctx,
			attribute.Int("agents.count", len(snap.Agents)),
			attribute.Int("tiers.count", len(tierList)),
		)
		return nil
	})
	if err != nil {
		if last := r.lastSnapshot(); last != nil {
			logger.G(ctx).WithError(err).Warn("discovery failed, serving last known snapshot")
			return last, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.last = snap
	r.mu.Unlock()

	if !r.current(snap) {
		logger.G(ctx).Debug("cache invalidated during discovery, not caching snapshot")
		return snap, nil
	}

	// derived keys were computed from the previous snapshot
	cache.Drop(ctx, r.cache, metadataKeyPrefix+"*")
	cache.Drop(ctx, r.cache, searchKeyPrefix+"**")
	cache.Put(ctx, r.cache, SnapshotKey, snap, r.snapshotTTL)

	logger.G(ctx).WithField("agents", len(snap.Agents)).WithField("tiers", len(snap.Tiers)).Debug("discovered agents")
	return snap, nil
}

// current reports whether no invalidation happened since snap's pass began.
func (r *Registry) current(snap *Snapshot) bool {
	return snap.generation == r.invalidations.Load()
}

func (r *Registry) build(tierList []agenttypes.Tier, result *DiscoveryResult) *Snapshot {
	snap := &Snapshot{
		Agents:       make(map[string]*Entry, len(result.Records)),
		Tiers:        tierList,
		DiscoveredAt: time.Now(),
	}

	if merr, ok := result.Diagnostics.(interface{ WrappedErrors() []error }); ok {
		for _, err := range merr.WrappedErrors() {
			snap.Diagnostics = append(snap.Diagnostics, err.Error())
		}
	} else if result.Diagnostics != nil {
		snap.Diagnostics = []string{result.Diagnostics.Error()}
	}

	for name, records := range result.Records {
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Definition.Tier.Level < records[j].Definition.Tier.Level
		})

		entry := &Entry{Tiers: make([]agenttypes.AgentMetadata, 0, len(records))}
		effective := -1
		for i, rec := range records {
			entry.Tiers = append(entry.Tiers, r.classifier.Classify(rec))
			if effective < 0 && rec.Valid() {
				effective = i
			}
		}
		if effective < 0 {
			effective = 0
		}
		entry.Effective = entry.Tiers[effective]
		snap.Agents[name] = entry
	}
	return snap
}

// GetAgent returns the resolved metadata for name.
func (r *Registry) GetAgent(ctx context.Context, name string) (agenttypes.AgentMetadata, error) {
	key := metadataKeyPrefix + name
	if m, ok := cache.GetAs[agenttypes.AgentMetadata](r.cache, key); ok {
		return m, nil
	}

	snap, err := r.DiscoverAgents(ctx, false)
	if err != nil {
		return agenttypes.AgentMetadata{}, err
	}
	entry, ok := snap.Agents[name]
	if !ok {
		return agenttypes.AgentMetadata{}, &agenttypes.NotFoundError{Name: name}
	}

	if r.current(snap) {
		cache.Put(ctx, r.cache, key, entry.Effective, r.snapshotTTL)
	}
	return entry.Effective, nil
}

// GetAgentTiers returns the per-tier records for name, highest precedence first.
func (r *Registry) GetAgentTiers(ctx context.Context, name string) ([]agenttypes.AgentMetadata, error) {
	snap, err := r.DiscoverAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	entry, ok := snap.Agents[name]
	if !ok {
		return nil, &agenttypes.NotFoundError{Name: name}
	}
	return append([]agenttypes.AgentMetadata(nil), entry.Tiers...), nil
}

// ListAgents returns the resolved metadata matching filter, sorted by name.
func (r *Registry) ListAgents(ctx context.Context, filter Filter) ([]agenttypes.AgentMetadata, error) {
	snap, err := r.DiscoverAgents(ctx, false)
	if err != nil {
		return nil, err
	}

	result := []agenttypes.AgentMetadata{}
	for _, name := range snap.Names() {
		if m := snap.Agents[name].Effective; filter.matches(m) {
			result = append(result, m)
		}
	}
	return result, nil
}

// SearchByCapability matches a case-insensitive substring of any capability.
func (r *Registry) SearchByCapability(ctx context.Context, capability string) ([]agenttypes.AgentMetadata, error) {
	needle := strings.ToLower(strings.TrimSpace(capability))
	return r.search(ctx, "capability", needle, func(m agenttypes.AgentMetadata) bool {
		for _, c := range m.Capabilities {
			if strings.Contains(strings.ToLower(c), needle) {
				return true
			}
		}
		return false
	})
}

// SearchByFramework matches frameworks case-insensitively.
func (r *Registry) SearchByFramework(ctx context.Context, framework string) ([]agenttypes.AgentMetadata, error) {
	return r.searchList(ctx, "framework", framework, func(m agenttypes.AgentMetadata) []string { return m.Frameworks })
}

// SearchByDomain matches domains case-insensitively.
func (r *Registry) SearchByDomain(ctx context.Context, domain string) ([]agenttypes.AgentMetadata, error) {
	return r.searchList(ctx, "domain", domain, func(m agenttypes.AgentMetadata) []string { return m.Domains })
}

// SearchByRole matches roles case-insensitively.
func (r *Registry) SearchByRole(ctx context.Context, role string) ([]agenttypes.AgentMetadata, error) {
	return r.searchList(ctx, "role", role, func(m agenttypes.AgentMetadata) []string { return m.Roles })
}

// SearchBySpecialization matches specializations case-insensitively.
func (r *Registry) SearchBySpecialization(ctx context.Context, specialization string) ([]agenttypes.AgentMetadata, error) {
	return r.searchList(ctx, "specialization", specialization, func(m agenttypes.AgentMetadata) []string { return m.Specializations })
}

// GetHybridAgents returns every resolved hybrid agent.
func (r *Registry) GetHybridAgents(ctx context.Context) ([]agenttypes.AgentMetadata, error) {
	return r.ListAgents(ctx, Filter{HybridOnly: true})
}

func (r *Registry) searchList(ctx context.Context, kind, value string, field func(agenttypes.AgentMetadata) []string) ([]agenttypes.AgentMetadata, error) {
	needle := strings.ToLower(strings.TrimSpace(value))
	return r.search(ctx, kind, needle, func(m agenttypes.AgentMetadata) bool {
		for _, v := range field(m) {
			if strings.EqualFold(v, needle) {
				return true
			}
		}
		return false
	})
}

func (r *Registry) search(ctx context.Context, kind, needle string, match func(agenttypes.AgentMetadata) bool) ([]agenttypes.AgentMetadata, error) {
	key := searchKeyPrefix + kind + ":" + needle
	if hits, ok := cache.GetAs[[]agenttypes.AgentMetadata](r.cache, key); ok {
		return hits, nil
	}

	snap, err := r.DiscoverAgents(ctx, false)
	if err != nil {
		return nil, err
	}

	result := []agenttypes.AgentMetadata{}
	for _, name := range snap.Names() {
		if m := snap.Agents[name].Effective; match(m) {
			result = append(result, m)
		}
	}

	if r.current(snap) {
		cache.Put(ctx, r.cache, key, result, r.snapshotTTL)
	}
	return result, nil
}

// AgentTypes returns the distinct resolved types, sorted.
func (r *Registry) AgentTypes(ctx context.Context) ([]string, error) {
	snap, err := r.DiscoverAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var types []string
	for _, e := range snap.Agents {
		if !seen[e.Effective.Type] {
			seen[e.Effective.Type] = true
			types = append(types, e.Effective.Type)
		}
	}
	sort.Strings(types)
	return types, nil
}

// Stats aggregates the resolved agents of the current snapshot.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	snap, err := r.DiscoverAgents(ctx, false)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByTier:             make(map[agenttypes.TierKind]int),
		ByType:             make(map[string]int),
		ByComplexity:       make(map[string]int),
		AverageScoreByType: make(map[string]float64),
		LastDiscovery:      snap.DiscoveredAt,
	}
	for _, t := range snap.Tiers {
		stats.DiscoveryPaths = append(stats.DiscoveryPaths, t.Path)
	}

	var total float64
	typeTotals := make(map[string]float64)
	for _, e := range snap.Agents {
		m := e.Effective
		stats.Total++
		stats.ByTier[m.Tier]++
		stats.ByType[m.Type]++
		stats.ByComplexity[string(m.Complexity)]++
		if m.Validated {
			stats.Validated++
		} else {
			stats.Failed++
		}
		if m.IsHybrid {
			stats.Hybrid++
		}
		total += m.ValidationScore
		typeTotals[m.Type] += m.ValidationScore
	}

	if stats.Total > 0 {
		stats.AverageScore = total / float64(stats.Total)
	}
	for t, sum := range typeTotals {
		stats.AverageScoreByType[t] = sum / float64(stats.ByType[t])
	}
	if r.cache != nil {
		m := r.cache.Metrics()
		stats.Cache = &m
	}
	return stats, nil
}

// InvalidateAgent drops the snapshot and every derived key of name. The next
// query rebuilds.
func (r *Registry) InvalidateAgent(ctx context.Context, name string) {
	r.invalidations.Add(1)
	if r.cache == nil {
		return
	}
	r.cache.Delete(SnapshotKey)
	cache.Drop(ctx, r.cache, KeyPrefix+"*:"+glob.QuoteMeta(name))
	cache.Drop(ctx, r.cache, searchKeyPrefix+"**")
	logger.G(ctx).WithField("agent", name).Debug("invalidated agent cache entries")
}

// InvalidateAll drops every registry key.
func (r *Registry) InvalidateAll(ctx context.Context) {
	r.invalidations.Add(1)
	if r.cache == nil {
		return
	}
	cache.Drop(ctx, r.cache, KeyPrefix+"**")
	logger.G(ctx).Debug("invalidated all agent cache entries")
}

