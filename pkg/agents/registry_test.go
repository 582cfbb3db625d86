package agents

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/agentry/pkg/cache"
	"github.com/jingkaihe/agentry/pkg/classifier"
	"github.com/jingkaihe/agentry/pkg/tiers"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

type staticResolver struct {
	tiers []agenttypes.Tier
	calls atomic.Int32
}

func (s *staticResolver) Resolve(context.Context, string) ([]agenttypes.Tier, error) {
	s.calls.Add(1)
	return s.tiers, nil
}

func builtinTier(level int) agenttypes.Tier {
	return agenttypes.Tier{
		Kind: agenttypes.TierSystem, Path: tiers.BuiltinPath, Level: level,
		ReadOnly: true, Builtin: true, FS: tiers.BuiltinFS(),
	}
}

func newTestRegistry(t *testing.T, resolver TierResolver, opts ...RegistryOption) *Registry {
	t.Helper()
	c, err := classifier.New(classifier.DefaultConfig())
	require.NoError(t, err)
	r, err := NewRegistry(resolver, c, opts...)
	require.NoError(t, err)
	return r
}

const (
	// readable + well-formed + description
	projectEngineer = `---
description: Project specific engineer
---

Follows the conventions of this repository.
`
	// everything but a matching specialization signal
	systemEngineer = `---
description: General purpose engineer
capabilities:
  - implementation
frameworks:
  - go
---

General purpose.
`
	// full checklist
	userEngineer = `---
description: Senior engineer
capabilities:
  - implementation
  - refactoring
specializations:
  - engineer
frameworks:
  - go
domains:
  - developer tooling
---

Senior.
`
)

type tierDirs struct {
	project, user, system string
}

func newTierDirs(t *testing.T) (tierDirs, *staticResolver) {
	root := t.TempDir()
	dirs := tierDirs{
		project: filepath.Join(root, "project"),
		user:    filepath.Join(root, "user"),
		system:  filepath.Join(root, "system"),
	}
	for _, d := range []string{dirs.project, dirs.user, dirs.system} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	system := diskTier(agenttypes.TierSystem, dirs.system, 2)
	system.ReadOnly = true
	return dirs, &staticResolver{tiers: []agenttypes.Tier{
		diskTier(agenttypes.TierProject, dirs.project, 0),
		diskTier(agenttypes.TierUser, dirs.user, 1),
		system,
	}}
}

func TestGetAgentPrecedenceIgnoresScore(t *testing.T) {
	dirs, resolver := newTierDirs(t)
	writeAgent(t, dirs.project, "engineer.md", projectEngineer)
	writeAgent(t, dirs.user, "engineer.md", userEngineer)
	writeAgent(t, dirs.system, "engineer.md", systemEngineer)

	r := newTestRegistry(t, resolver, WithCache(cache.New()))
	ctx := context.Background()

	got, err := r.GetAgent(ctx, "engineer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.TierProject, got.Tier)
	assert.Equal(t, "Project specific engineer", got.Description)

	perTier, err := r.GetAgentTiers(ctx, "engineer")
	require.NoError(t, err)
	require.Len(t, perTier, 3)
	project, user, system := perTier[0], perTier[1], perTier[2]
	assert.Equal(t, agenttypes.TierUser, user.Tier)
	assert.Equal(t, agenttypes.TierSystem, system.Tier)

	assert.Equal(t, 40.0, project.ValidationScore)
	assert.Less(t, project.ValidationScore, system.ValidationScore)
	assert.Less(t, system.ValidationScore, user.ValidationScore)
}

func TestGetAgentFallsThroughInvalidRecords(t *testing.T) {
	dirs, resolver := newTierDirs(t)
	writeAgent(t, dirs.project, "engineer.md", "---\ndescription: [unclosed\n---\n")
	writeAgent(t, dirs.user, "engineer.md", userEngineer)

	r := newTestRegistry(t, resolver)
	ctx := context.Background()

	got, err := r.GetAgent(ctx, "engineer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.TierUser, got.Tier)
	assert.True(t, got.Validated)

	perTier, err := r.GetAgentTiers(ctx, "engineer")
	require.NoError(t, err)
	require.Len(t, perTier, 2)
	assert.False(t, perTier[0].Validated)
	assert.NotEmpty(t, perTier[0].ErrorMessage)
}

func TestGetAgentAllRecordsInvalid(t *testing.T) {
	dirs, resolver := newTierDirs(t)
	writeAgent(t, dirs.project, "broken.md", "---\ndescription: [unclosed\n---\n")

	r := newTestRegistry(t, resolver)
	got, err := r.GetAgent(context.Background(), "broken")
	require.NoError(t, err)
	assert.False(t, got.Validated)
	assert.Equal(t, agenttypes.TierProject, got.Tier)
}

func TestGetAgentNotFound(t *testing.T) {
	_, resolver := newTierDirs(t)
	r := newTestRegistry(t, resolver)

	_, err := r.GetAgent(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, agenttypes.IsNotFound(err))

	_, err = r.GetAgentTiers(context.Background(), "ghost")
	assert.True(t, agenttypes.IsNotFound(err))
}

func TestDiscoverAgentsIdempotent(t *testing.T) {
	dirs, resolver := newTierDirs(t)
	writeAgent(t, dirs.project, "engineer.md", projectEngineer)
	writeAgent(t, dirs.user, "qa.md", "---\ndescription: tests things\n---\n")

	t.Run("cached", func(t *testing.T) {
		r := newTestRegistry(t, resolver, WithCache(cache.New()))
		first, err := r.DiscoverAgents(context.Background(), false)
		require.NoError(t, err)
		second, err := r.DiscoverAgents(context.Background(), false)
		require.NoError(t, err)
		assert.Same(t, first, second)
	})

	t.Run("recomputed", func(t *testing.T) {
		r := newTestRegistry(t, resolver)
		first, err := r.DiscoverAgents(context.Background(), false)
		require.NoError(t, err)
		second, err := r.DiscoverAgents(context.Background(), true)
		require.NoError(t, err)
		assert.Equal(t, first.Agents, second.Agents)
		assert.Equal(t, first.Names(), second.Names())
	})
}

func TestDiscoverAgentsUsesSnapshotTTL(t *testing.T) {
	dirs, resolver := newTierDirs(t)
	writeAgent(t, dirs.project, "engineer.md", projectEngineer)

	now := time.Now()
	clock := func() time.Time { return now }
	c := cache.New(cache.WithClock(clock))
	r := newTestRegistry(t, resolver, WithCache(c), WithSnapshotTTL(time.Minute))
	ctx := context.Background()

	_, err := r.DiscoverAgents(ctx, false)
	require.NoError(t, err)
	_, err = r.DiscoverAgents(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), resolver.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = r.DiscoverAgents(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), resolver.calls.Load())

	_, err = r.DiscoverAgents(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), resolver.calls.Load())
}

func TestDiscoverAgentsServesLastSnapshotDuringRefresh(t *testing.T) {
	dirs, resolver := newTierDirs(t)
	writeAgent(t, dirs.project, "engineer.md", projectEngineer)

	r := newTestRegistry(t, resolver, WithCache(cache.New()))
	ctx := context.Background()

	first, err := r.DiscoverAgents(ctx, false)
	require.NoError(t, err)
	r.InvalidateAll(ctx)

	// simulate a refresh in flight
	r.refreshMu.Lock()
	done := make(chan *Snapshot, 1)
	go func() {
		snap, _ := r.DiscoverAgents(ctx, false)
		done <- snap
	}()

	select {
	case snap := <-done:
		assert.Same(t, first, snap)
	case <-time.After(time.Second):
		t.Fatal("DiscoverAgents blocked on an in-flight refresh")
	}
	r.refreshMu.Unlock()
}

// gatedFS blocks the first Open of name until release is closed.
type gatedFS struct {
	fs.FS
	name    string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFS) Open(name string) (fs.File, error) {
	if name == g.name {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.FS.Open(name)
}

func TestInvalidateAgentDuringRefresh(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "slow.md", "---\ndescription: takes a while to read\n---\n")

	gate := &gatedFS{
		FS:      os.DirFS(dir),
		name:    "slow.md",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	resolver := &staticResolver{tiers: []agenttypes.Tier{
		{Kind: agenttypes.TierProject, Path: dir, Level: 0, FS: gate},
	}}
	r := newTestRegistry(t, resolver, WithCache(cache.New()))
	ctx := context.Background()

	stale := make(chan *Snapshot, 1)
	go func() {
		snap, _ := r.DiscoverAgents(ctx, true)
		stale <- snap
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("background discovery never reached slow.md")
	}

	writeAgent(t, dir, "fresh.md", "---\ndescription: written while discovery ran\n---\n")
	r.InvalidateAgent(ctx, "fresh")

	time.AfterFunc(50*time.Millisecond, func() { close(gate.release) })
	snap, err := r.DiscoverAgents(ctx, true)
	require.NoError(t, err)
	assert.Contains(t, snap.Agents, "fresh")

	old := <-stale
	require.NotNil(t, old)
	assert.NotContains(t, old.Agents, "fresh")

	got, err := r.GetAgent(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "written while discovery ran", got.Description)

	cached, ok := cache.GetAs[*Snapshot](r.cache, SnapshotKey)
	require.True(t, ok)
	assert.Contains(t, cached.Agents, "fresh")
}

func TestStaleRefreshIsNotCached(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "slow.md", "---\ndescription: takes a while to read\n---\n")

	gate := &gatedFS{
		FS:      os.DirFS(dir),
		name:    "slow.md",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	resolver := &staticResolver{tiers: []agenttypes.Tier{
		{Kind: agenttypes.TierProject, Path: dir, Level: 0, FS: gate},
	}}
	c := cache.New()
	r := newTestRegistry(t, resolver, WithCache(c))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.DiscoverAgents(ctx, false)
	}()
	<-gate.entered
	r.InvalidateAll(ctx)
	close(gate.release)
	<-done

	_, ok := c.Get(SnapshotKey)
	assert.False(t, ok, "a pass overlapping an invalidation must not be cached")

	_, err := r.GetAgent(ctx, "slow")
	require.NoError(t, err)
	_, ok = c.Get(SnapshotKey)
	assert.True(t, ok)
}

func TestInvalidateAgent(t *testing.T) {
	dirs, resolver := newTierDirs(t)
	path := writeAgent(t, dirs.project, "engineer.md", projectEngineer)
	writeAgent(t, dirs.project, "qa.md", "---\ndescription: tests\ncapabilities: [regression]\n---\n")

	c := cache.New()
	r := newTestRegistry(t, resolver, WithCache(c))
	ctx := context.Background()

	_, err := r.GetAgent(ctx, "engineer")
	require.NoError(t, err)
	_, err = r.GetAgent(ctx, "qa")
	require.NoError(t, err)
	_, err = r.SearchByCapability(ctx, "regression")
	require.NoError(t, err)

	_, ok := c.Get("agents:metadata:engineer")
	require.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("---\ndescription: Rewritten\n---\n"), 0o644))
	r.InvalidateAgent(ctx, "engineer")

	_, ok = c.Get(SnapshotKey)
	assert.False(t, ok)
	_, ok = c.Get("agents:metadata:engineer")
	assert.False(t, ok)
	_, ok = c.Get("agents:search:capability:regression")
	assert.False(t, ok)
	_, ok = c.Get("agents:metadata:qa")
	assert.True(t, ok, "other agents keep their derived keys")

	got, err := r.GetAgent(ctx, "engineer")
	require.NoError(t, err)
	assert.Equal(t, "Rewritten", got.Description)
}

func TestSearchAndList(t *testing.T) {
	dirs, resolver := newTierDirs(t)
	writeAgent(t, dirs.project, "engineer.md", userEngineer)
	writeAgent(t, dirs.project, "gatekeeper.md", `---
description: Quality and security gate
capabilities: [regression, audit, "role:reviewer"]
domains: [fintech]
---

Runs regression suites and audit checks. Tracks coverage and vulnerability reports.
`)
	writeAgent(t, dirs.user, "docs.md", "---\ndescription: Writes documentation and guides\ntype: documentation\n---\n")

	r := newTestRegistry(t, resolver, WithCache(cache.New()))
	ctx := context.Background()

	names := func(ms []agenttypes.AgentMetadata) []string {
		var out []string
		for _, m := range ms {
			out = append(out, m.Name)
		}
		return out
	}

	all, err := r.ListAgents(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "engineer", "gatekeeper"}, names(all))

	byTier, err := r.ListAgents(ctx, Filter{Tier: agenttypes.TierUser})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs"}, names(byTier))

	byType, err := r.ListAgents(ctx, Filter{Type: "engineer"})
	require.NoError(t, err)
	assert.Equal(t, []string{"engineer"}, names(byType))

	none, err := r.ListAgents(ctx, Filter{MinScore: 101})
	require.NoError(t, err)
	assert.Empty(t, none)

	hits, err := r.SearchByCapability(ctx, "REFACTOR")
	require.NoError(t, err)
	assert.Equal(t, []string{"engineer"}, names(hits))

	hits, err = r.SearchByFramework(ctx, "Go")
	require.NoError(t, err)
	assert.Equal(t, []string{"engineer"}, names(hits))

	hits, err = r.SearchByDomain(ctx, "fintech")
	require.NoError(t, err)
	assert.Equal(t, []string{"gatekeeper"}, names(hits))

	hits, err = r.SearchByRole(ctx, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, []string{"gatekeeper"}, names(hits))

	hits, err = r.SearchBySpecialization(ctx, "engineer")
	require.NoError(t, err)
	assert.Equal(t, []string{"engineer"}, names(hits))

	hybrids, err := r.GetHybridAgents(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"gatekeeper"}, names(hybrids))
	assert.Equal(t, []string{"qa", "security"}, hybrids[0].HybridTypes)

	types, err := r.AgentTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"documentation", "engineer", "qa"}, types)
}

func TestStats(t *testing.T) {
	dirs, resolver := newTierDirs(t)
	writeAgent(t, dirs.project, "engineer.md", projectEngineer)
	writeAgent(t, dirs.user, "broken.md", "---\ndescription: [unclosed\n---\n")
	writeAgent(t, dirs.system, "qa.md", "---\ndescription: tests\n---\n")

	r := newTestRegistry(t, resolver, WithCache(cache.New()))
	stats, err := r.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Validated)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.ByTier[agenttypes.TierProject])
	assert.Equal(t, 1, stats.ByTier[agenttypes.TierUser])
	assert.Equal(t, 1, stats.ByTier[agenttypes.TierSystem])
	assert.Equal(t, 1, stats.ByType["engineer"])
	assert.Equal(t, []string{dirs.project, dirs.user, dirs.system}, stats.DiscoveryPaths)
	assert.NotZero(t, stats.LastDiscovery)
	assert.InDelta(t, 40.0, stats.AverageScoreByType["engineer"], 1e-9)
	require.NotNil(t, stats.Cache)
	assert.GreaterOrEqual(t, stats.Cache.Entries, 1)
}

func TestRegistryWithBuiltinSystemTier(t *testing.T) {
	project := t.TempDir()
	writeAgent(t, project, "engineer.md", projectEngineer)

	resolver := &staticResolver{tiers: []agenttypes.Tier{
		diskTier(agenttypes.TierProject, project, 0),
		builtinTier(1),
	}}
	r := newTestRegistry(t, resolver)
	ctx := context.Background()

	got, err := r.GetAgent(ctx, "engineer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.TierProject, got.Tier)

	security, err := r.GetAgent(ctx, "security")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.TierSystem, security.Tier)
	assert.Equal(t, "security", security.Type)
	assert.True(t, security.Validated)
}

func TestNewRegistryValidation(t *testing.T) {
	c, err := classifier.New(classifier.DefaultConfig())
	require.NoError(t, err)

	_, err = NewRegistry(nil, c)
	assert.Error(t, err)
	_, err = NewRegistry(&staticResolver{}, nil)
	assert.Error(t, err)
	_, err = NewRegistry(&staticResolver{}, c, WithStartDir(""))
	assert.Error(t, err)
}

// For any placement of one agent across three tiers with any mix of valid
// and invalid files, the resolved record comes from the first tier holding a
// valid file, or the first tier holding any file when none are valid.
func TestPrecedenceProperty(t *testing.T) {
	c, err := classifier.New(classifier.DefaultConfig())
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	kinds := []agenttypes.TierKind{agenttypes.TierProject, agenttypes.TierAncestor, agenttypes.TierUser}

	properties.Property("effective record follows tier precedence", prop.ForAll(
		func(present []bool, valid []bool, rich []bool) bool {
			root := t.TempDir()
			resolver := &staticResolver{}
			expected := -1
			fallback := -1
			for i, kind := range kinds {
				dir := filepath.Join(root, string(kind))
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return false
				}
				resolver.tiers = append(resolver.tiers, diskTier(kind, dir, i))
				if !present[i] {
					continue
				}
				content := fmt.Sprintf("---\ndescription: tier %d\n---\n", i)
				if rich[i] {
					content = userEngineer
				}
				if !valid[i] {
					content = "---\ndescription: [unclosed\n---\n"
				}
				if err := os.WriteFile(filepath.Join(dir, "engineer.md"), []byte(content), 0o644); err != nil {
					return false
				}
				if fallback < 0 {
					fallback = i
				}
				if expected < 0 && valid[i] {
					expected = i
				}
			}
			if expected < 0 {
				expected = fallback
			}

			r, err := NewRegistry(resolver, c)
			if err != nil {
				return false
			}
			got, err := r.GetAgent(context.Background(), "engineer")
			if expected < 0 {
				return agenttypes.IsNotFound(err)
			}
			return err == nil && got.Tier == kinds[expected]
		},
		gen.SliceOfN(3, gen.Bool()),
		gen.SliceOfN(3, gen.Bool()),
		gen.SliceOfN(3, gen.Bool()),
	))

	properties.TestingRun(t)
}
