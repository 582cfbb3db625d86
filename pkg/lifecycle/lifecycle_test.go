package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/agentry/pkg/agents"
	"github.com/jingkaihe/agentry/pkg/cache"
	"github.com/jingkaihe/agentry/pkg/classifier"
	"github.com/jingkaihe/agentry/pkg/persistence"
	"github.com/jingkaihe/agentry/pkg/tiers"
	"github.com/jingkaihe/agentry/pkg/tracker"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

const (
	reviewerV1 = `---
description: Reviews pull requests
type: engineer
capabilities:
  - code review
specializations:
  - engineer
frameworks:
  - go
domains:
  - developer tooling
---

Reviews code.
`
	reviewerV2 = `---
description: Reviews pull requests and suggests fixes
type: engineer
capabilities:
  - code review
  - debugging
specializations:
  - engineer
frameworks:
  - go
domains:
  - developer tooling
---

Reviews code and proposes patches.
`
	external  = reviewerV1 + "\nEdited by hand.\n"
	lowScore  = "just some notes\n"
	malformed = "---\ndescription: [unclosed\n---\nbody\n"
)

type env struct {
	root     string
	start    string
	project  string
	registry *agents.Registry
	store    *persistence.Service
	tracker  *tracker.Tracker
	manager  *Manager
	resolver *tiers.Resolver
	cls      *classifier.Classifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		root:  root,
		start: filepath.Join(root, "work", "app"),
	}
	e.project = filepath.Join(e.start, ".agentry", "agents")
	require.NoError(t, os.MkdirAll(e.start, 0o755))

	var err error
	e.resolver, err = tiers.NewResolver(
		tiers.WithHomeDir(root),
		tiers.WithUserDir(filepath.Join(root, "user-agents")),
	)
	require.NoError(t, err)
	e.cls, err = classifier.New(classifier.DefaultConfig())
	require.NoError(t, err)
	d, err := agents.NewDiscoverer()
	require.NoError(t, err)

	c := cache.New()
	t.Cleanup(c.Close)
	e.registry, err = agents.NewRegistry(e.resolver, e.cls,
		agents.WithCache(c), agents.WithStartDir(e.start), agents.WithDiscoverer(d))
	require.NoError(t, err)

	historyStore, err := tracker.OpenStore(context.Background(), filepath.Join(root, "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { historyStore.Close() })
	e.tracker, err = tracker.New(historyStore, e.cls, d, tracker.WithInvalidator(e.registry))
	require.NoError(t, err)

	e.store, err = persistence.New(e.resolver, d, e.cls,
		persistence.WithStartDir(e.start),
		persistence.WithBackupDir(filepath.Join(root, "backups")),
		persistence.WithExpecter(e.tracker),
	)
	require.NoError(t, err)

	e.manager = e.newManager(t)
	return e
}

func (e *env) newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(e.registry, e.store, WithRecorder(e.tracker))
	require.NoError(t, err)
	return m
}

func (e *env) read(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(e.project, name+".md"))
	require.NoError(t, err)
	return string(b)
}

func TestAgentLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.manager.CreateAgent(ctx, CreateRequest{Name: "reviewer", Content: []byte(reviewerV1)})
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateActive, created.State.State)
	assert.Equal(t, agenttypes.TierProject, created.State.Tier)
	assert.Equal(t, 1, created.State.Version)
	require.Len(t, created.Records, 1)
	assert.Equal(t, agenttypes.ChangeCreate, created.Records[0].Type)
	assert.Equal(t, agenttypes.OriginLifecycle, created.Records[0].Origin)
	assert.True(t, created.Records[0].Validation.Validated)
	assert.Equal(t, reviewerV1, e.read(t, "reviewer"))

	meta, err := e.registry.GetAgent(ctx, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.TierProject, meta.Tier)

	updated, err := e.manager.UpdateAgent(ctx, UpdateRequest{Name: "reviewer", Content: []byte(reviewerV2)})
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateModified, updated.State.State)
	assert.Equal(t, 2, updated.State.Version)
	require.Len(t, updated.Records, 1)
	rec := updated.Records[0]
	assert.Equal(t, agenttypes.ChangeModify, rec.Type)
	assert.Equal(t, agenttypes.HashContent([]byte(reviewerV1)), rec.HashBefore)
	assert.Equal(t, agenttypes.HashContent([]byte(reviewerV2)), rec.HashAfter)
	assert.NotEmpty(t, rec.BackupRef)
	assert.Contains(t, rec.Diff, "+  - debugging")
	assert.Equal(t, reviewerV2, e.read(t, "reviewer"))

	meta, err = e.registry.GetAgent(ctx, "reviewer")
	require.NoError(t, err)
	assert.Contains(t, meta.Capabilities, "debugging")

	deleted, err := e.manager.DeleteAgent(ctx, "reviewer", "")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateDeleted, deleted.State.State)
	assert.NoFileExists(t, filepath.Join(e.project, "reviewer.md"))
	_, err = e.registry.GetAgent(ctx, "reviewer")
	assert.True(t, agenttypes.IsNotFound(err))

	_, err = e.manager.UpdateAgent(ctx, UpdateRequest{Name: "reviewer", Content: []byte(reviewerV1)})
	assert.True(t, errors.Is(err, agenttypes.ErrValidation))
	_, err = e.manager.DeleteAgent(ctx, "reviewer", "")
	assert.True(t, errors.Is(err, agenttypes.ErrValidation))
	_, err = e.manager.CreateAgent(ctx, CreateRequest{Name: "reviewer", Content: []byte(reviewerV1)})
	assert.True(t, errors.Is(err, agenttypes.ErrValidation))

	restored, err := e.manager.RestoreAgent(ctx, "reviewer", "")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateActive, restored.State.State)
	assert.Equal(t, reviewerV2, e.read(t, "reviewer"))
	require.Len(t, restored.Records, 1)
	assert.Equal(t, agenttypes.ChangeRestore, restored.Records[0].Type)

	history, err := e.tracker.History(ctx, "reviewer", 0)
	require.NoError(t, err)
	var types []agenttypes.ChangeType
	for _, r := range history {
		types = append(types, r.Type)
	}
	assert.Equal(t, []agenttypes.ChangeType{
		agenttypes.ChangeRestore, agenttypes.ChangeDelete, agenttypes.ChangeModify, agenttypes.ChangeCreate,
	}, types)
}

func TestUpdateThenRestoreIsByteForByte(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	original := reviewerV1 + "\r\nWindows line \t tab\n\n\n"

	require.NoError(t, os.MkdirAll(e.project, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.project, "reviewer.md"), []byte(original), 0o600))

	updated, err := e.manager.UpdateAgent(ctx, UpdateRequest{Name: "reviewer", Content: []byte(reviewerV2)})
	require.NoError(t, err)
	require.NotEmpty(t, updated.Operation.BackupRef)

	_, err = e.manager.RestoreAgent(ctx, "reviewer", updated.Operation.BackupRef)
	require.NoError(t, err)
	assert.Equal(t, original, e.read(t, "reviewer"))

	info, err := os.Stat(filepath.Join(e.project, "reviewer.md"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRestoreFromRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.manager.CreateAgent(ctx, CreateRequest{Name: "reviewer", Content: []byte(reviewerV1)})
	require.NoError(t, err)
	updated, err := e.manager.UpdateAgent(ctx, UpdateRequest{Name: "reviewer", Content: []byte(reviewerV2)})
	require.NoError(t, err)

	out, err := e.manager.RestoreFromRecord(ctx, updated.Records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateActive, out.State.State)
	assert.Equal(t, reviewerV1, e.read(t, "reviewer"))

	created, err := e.tracker.History(ctx, "reviewer", 0)
	require.NoError(t, err)
	first := created[len(created)-1]
	_, err = e.manager.RestoreFromRecord(ctx, first.ID)
	assert.True(t, errors.Is(err, agenttypes.ErrValidation), "a create has no backup")

	_, err = e.manager.RestoreFromRecord(ctx, "missing")
	assert.True(t, agenttypes.IsNotFound(err))
}

func TestValidationRejectsBeforeWriting(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.manager.CreateAgent(ctx, CreateRequest{Name: "notes", Content: []byte(lowScore)})
	var verr *agenttypes.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Less(t, verr.Score, verr.MinScore)
	assert.Equal(t, e.cls.MinScore(), verr.MinScore)

	_, err = e.manager.CreateAgent(ctx, CreateRequest{Name: "broken", Content: []byte(malformed)})
	require.True(t, errors.As(err, &verr))
	assert.NotEmpty(t, verr.Reason)

	_, err = e.manager.CreateAgent(ctx, CreateRequest{Name: "empty"})
	assert.True(t, errors.Is(err, agenttypes.ErrValidation))

	assert.NoDirExists(t, e.project)
}

func TestCreateTwiceInSameTier(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.manager.CreateAgent(ctx, CreateRequest{Name: "reviewer", Content: []byte(reviewerV1)})
	require.NoError(t, err)
	_, err = e.manager.CreateAgent(ctx, CreateRequest{Name: "reviewer", Content: []byte(reviewerV2)})
	assert.True(t, errors.Is(err, agenttypes.ErrValidation))
	assert.Equal(t, reviewerV1, e.read(t, "reviewer"))
}

func TestCreateShadowsSystemAgent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	before, err := e.registry.GetAgent(ctx, "engineer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.TierSystem, before.Tier)

	out, err := e.manager.CreateAgent(ctx, CreateRequest{Name: "engineer", Content: []byte(reviewerV1)})
	require.NoError(t, err)
	assert.Equal(t, agenttypes.TierProject, out.State.Tier)

	after, err := e.registry.GetAgent(ctx, "engineer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.TierProject, after.Tier)
}

func TestDeleteSystemOnlyAgent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.manager.DeleteAgent(ctx, "engineer", "")
	var ioErr *agenttypes.IOError
	require.True(t, errors.As(err, &ioErr))
	assert.True(t, errors.Is(err, agenttypes.ErrReadOnly))

	state, err := e.manager.GetAgentState(ctx, "engineer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateActive, state.State)
	assert.Equal(t, agenttypes.TierSystem, state.Tier)
}

func TestConflictNeedsExplicitResolution(t *testing.T) {
	tests := []struct {
		name       string
		resolution persistence.Resolution
		want       string
		wantState  agenttypes.LifecycleState
	}{
		{"keep incoming", persistence.KeepIncoming, reviewerV2, agenttypes.StateModified},
		{"keep current", persistence.KeepCurrent, external, agenttypes.StateActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			path := filepath.Join(e.project, "reviewer.md")

			_, err := e.manager.CreateAgent(ctx, CreateRequest{Name: "reviewer", Content: []byte(reviewerV1)})
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, []byte(external), 0o644))

			_, err = e.manager.UpdateAgent(ctx, UpdateRequest{
				Name:     "reviewer",
				Content:  []byte(reviewerV2),
				BaseHash: agenttypes.HashContent([]byte(reviewerV1)),
				Conflict: agenttypes.ConflictManual,
			})
			var conflict *agenttypes.ConflictError
			require.True(t, errors.As(err, &conflict))

			state, err := e.manager.GetAgentState(ctx, "reviewer")
			require.NoError(t, err)
			assert.Equal(t, agenttypes.StateConflicted, state.State)
			assert.Equal(t, conflict.OperationID, state.ConflictID)
			assert.Len(t, e.manager.Pending(), 1)

			_, err = e.manager.UpdateAgent(ctx, UpdateRequest{Name: "reviewer", Content: []byte(reviewerV2)})
			assert.True(t, errors.Is(err, agenttypes.ErrValidation))
			_, err = e.manager.DeleteAgent(ctx, "reviewer", "")
			assert.True(t, errors.Is(err, agenttypes.ErrValidation))
			_, err = e.manager.RestoreAgent(ctx, "reviewer", "")
			assert.True(t, errors.Is(err, agenttypes.ErrValidation))

			out, err := e.manager.ResolveConflict(ctx, "reviewer", tt.resolution)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, out.State.State)
			assert.Empty(t, out.State.ConflictID)
			assert.Equal(t, tt.want, e.read(t, "reviewer"))
			assert.Empty(t, e.manager.Pending())

			_, err = e.manager.ResolveConflict(ctx, "reviewer", tt.resolution)
			assert.True(t, errors.Is(err, agenttypes.ErrValidation))
		})
	}
}

func TestStateIsDerivedFromHistory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.manager.CreateAgent(ctx, CreateRequest{Name: "reviewer", Content: []byte(reviewerV1)})
	require.NoError(t, err)
	_, err = e.manager.UpdateAgent(ctx, UpdateRequest{Name: "reviewer", Content: []byte(reviewerV2)})
	require.NoError(t, err)

	fresh := e.newManager(t)
	state, err := fresh.GetAgentState(ctx, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateModified, state.State)

	deleted, err := e.manager.DeleteAgent(ctx, "reviewer", agenttypes.TierProject)
	require.NoError(t, err)

	fresh = e.newManager(t)
	state, err = fresh.GetAgentState(ctx, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateDeleted, state.State)
	assert.Equal(t, deleted.Operation.BackupRef, state.LastBackup)

	_, err = fresh.RestoreAgent(ctx, "reviewer", "")
	require.NoError(t, err)
	assert.Equal(t, reviewerV2, e.read(t, "reviewer"))

	_, err = fresh.GetAgentState(ctx, "never-existed")
	assert.True(t, agenttypes.IsNotFound(err))
}

func TestOutsideChangeRevivesDeletedAgent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.tracker.OnModification(e.manager.Observe)

	_, err := e.manager.CreateAgent(ctx, CreateRequest{Name: "reviewer", Content: []byte(reviewerV1)})
	require.NoError(t, err)
	_, err = e.manager.DeleteAgent(ctx, "reviewer", "")
	require.NoError(t, err)

	state, err := e.manager.GetAgentState(ctx, "reviewer")
	require.NoError(t, err)
	require.Equal(t, agenttypes.StateDeleted, state.State)

	tierList, err := e.resolver.Resolve(ctx, e.start)
	require.NoError(t, err)
	require.NoError(t, e.tracker.Start(ctx, tierList))
	t.Cleanup(e.tracker.Stop)

	// land the file in one step so the watcher sees a single create
	tmp := filepath.Join(e.project, "reviewer.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(external), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(e.project, "reviewer.md")))
	require.Eventually(t, func() bool {
		history, err := e.tracker.History(ctx, "reviewer", 1)
		return err == nil && len(history) == 1 && history[0].Origin == agenttypes.OriginWatcher
	}, 5*time.Second, 10*time.Millisecond)

	state, err = e.manager.GetAgentState(ctx, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateActive, state.State)
	assert.Equal(t, agenttypes.HashContent([]byte(external)), state.ContentHash)
	assert.Equal(t, 1, state.Version, "version survives re-derivation")

	updated, err := e.manager.UpdateAgent(ctx, UpdateRequest{Name: "reviewer", Content: []byte(reviewerV2)})
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateModified, updated.State.State)
	assert.Equal(t, reviewerV2, e.read(t, "reviewer"))
}

func TestObserveIgnoresManagerChanges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.manager.CreateAgent(ctx, CreateRequest{Name: "reviewer", Content: []byte(reviewerV1)})
	require.NoError(t, err)

	e.manager.Observe(created.Records[0])
	e.manager.mu.Lock()
	stale := e.manager.states["reviewer"].stale
	e.manager.mu.Unlock()
	assert.False(t, stale)

	e.manager.Observe(agenttypes.ModificationRecord{AgentName: "reviewer", Origin: agenttypes.OriginWatcher})
	e.manager.mu.Lock()
	stale = e.manager.states["reviewer"].stale
	e.manager.mu.Unlock()
	assert.True(t, stale)

	state, err := e.manager.GetAgentState(ctx, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, agenttypes.StateActive, state.State)
	assert.Equal(t, 1, state.Version)
}

func TestListAgentStates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.manager.CreateAgent(ctx, CreateRequest{Name: "reviewer", Content: []byte(reviewerV1)})
	require.NoError(t, err)
	_, err = e.manager.CreateAgent(ctx, CreateRequest{Name: "gone", Content: []byte(reviewerV1)})
	require.NoError(t, err)
	_, err = e.manager.DeleteAgent(ctx, "gone", "")
	require.NoError(t, err)

	states, err := e.manager.ListAgentStates(ctx)
	require.NoError(t, err)

	byName := make(map[string]AgentState)
	for i, s := range states {
		byName[s.Name] = s
		if i > 0 {
			assert.Less(t, states[i-1].Name, s.Name)
		}
	}
	assert.Equal(t, agenttypes.StateActive, byName["reviewer"].State)
	assert.Equal(t, agenttypes.StateDeleted, byName["gone"].State)
	assert.Equal(t, agenttypes.TierSystem, byName["engineer"].Tier)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
