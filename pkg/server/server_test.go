package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/agentry/pkg/agents"
	"github.com/jingkaihe/agentry/pkg/cache"
	"github.com/jingkaihe/agentry/pkg/classifier"
	"github.com/jingkaihe/agentry/pkg/lifecycle"
	"github.com/jingkaihe/agentry/pkg/persistence"
	"github.com/jingkaihe/agentry/pkg/tiers"
	"github.com/jingkaihe/agentry/pkg/tracker"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

const reviewer = `---
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

type fixture struct {
	server  *Server
	project string
}

func newFixture(t *testing.T, withHistory bool) *fixture {
	t.Helper()
	root := t.TempDir()
	start := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(start, 0o755))

	resolver, err := tiers.NewResolver(tiers.WithHomeDir(root), tiers.WithUserDir(filepath.Join(root, "user")))
	require.NoError(t, err)
	c, err := classifier.New(classifier.DefaultConfig())
	require.NoError(t, err)
	d, err := agents.NewDiscoverer()
	require.NoError(t, err)

	store := cache.New()
	t.Cleanup(store.Close)
	registry, err := agents.NewRegistry(resolver, c, agents.WithCache(store), agents.WithStartDir(start), agents.WithDiscoverer(d))
	require.NoError(t, err)

	persistOpts := []persistence.Option{
		persistence.WithStartDir(start),
		persistence.WithBackupDir(filepath.Join(root, "backups")),
	}
	var (
		managerOpts []lifecycle.Option
		history     History
	)
	if withHistory {
		historyStore, err := tracker.OpenStore(context.Background(), filepath.Join(root, "storage.db"))
		require.NoError(t, err)
		t.Cleanup(func() { historyStore.Close() })
		tr, err := tracker.New(historyStore, c, d, tracker.WithInvalidator(registry))
		require.NoError(t, err)
		persistOpts = append(persistOpts, persistence.WithExpecter(tr))
		managerOpts = append(managerOpts, lifecycle.WithRecorder(tr))
		history = tr
	}

	p, err := persistence.New(resolver, d, c, persistOpts...)
	require.NoError(t, err)
	manager, err := lifecycle.New(registry, p, managerOpts...)
	require.NoError(t, err)

	s, err := New(&Config{Host: "localhost", Port: 8741}, registry, manager, history)
	require.NoError(t, err)
	return &fixture{server: s, project: filepath.Join(start, ".agentry", "agents")}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type agentList struct {
	Agents []agenttypes.AgentMetadata `json:"agents"`
	Total  int                        `json:"total"`
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name          string
		config        *Config
		expectedError string
	}{
		{"valid config", &Config{Host: "localhost", Port: 8080}, ""},
		{"empty host", &Config{Port: 8080}, "host cannot be empty"},
		{"port too low", &Config{Host: "localhost"}, "port must be between 1 and 65535"},
		{"port too high", &Config{Host: "localhost", Port: 65536}, "port must be between 1 and 65535"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestListAndGetAgents(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, "GET", "/api/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	list := decodeBody[agentList](t, w)
	assert.Equal(t, 9, list.Total)

	w = f.do(t, "GET", "/api/agents?type=qa", nil)
	list = decodeBody[agentList](t, w)
	require.Len(t, list.Agents, 1)
	assert.Equal(t, "qa", list.Agents[0].Name)

	w = f.do(t, "GET", "/api/agents?min_score=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "GET", "/api/agents/engineer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	meta := decodeBody[agenttypes.AgentMetadata](t, w)
	assert.Equal(t, agenttypes.TierSystem, meta.Tier)
	assert.True(t, meta.Validated)

	w = f.do(t, "GET", "/api/agents/nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, float64(http.StatusNotFound), body["status"])
}

func TestAgentMutations(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, "POST", "/api/agents", AgentRequest{
		Header: &agenttypes.DeclaredFields{
			Name:            "reviewer",
			Description:     "Reviews pull requests",
			Type:            "engineer",
			Capabilities:    []string{"code review"},
			Specializations: []string{"engineer"},
			Frameworks:      []string{"go"},
			Domains:         []string{"developer tooling"},
		},
		Body: "Reviews code.",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[lifecycle.Outcome](t, w)
	assert.Equal(t, agenttypes.StateActive, created.State.State)
	assert.FileExists(t, filepath.Join(f.project, "reviewer.md"))

	w = f.do(t, "GET", "/api/agents/reviewer/tiers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tierList := decodeBody[map[string][]agenttypes.AgentMetadata](t, w)
	require.Len(t, tierList["tiers"], 1)
	assert.Equal(t, agenttypes.TierProject, tierList["tiers"][0].Tier)

	w = f.do(t, "PUT", "/api/agents/reviewer", AgentRequest{Content: reviewer + "\nAlso checks tests.\n"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decodeBody[lifecycle.Outcome](t, w)
	assert.Equal(t, agenttypes.StateModified, updated.State.State)
	require.NotEmpty(t, updated.Operation.BackupRef)

	w = f.do(t, "GET", "/api/agents/reviewer/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decodeBody[lifecycle.AgentState](t, w)
	assert.Equal(t, agenttypes.StateModified, state.State)
	assert.Equal(t, 2, state.Version)

	w = f.do(t, "GET", "/api/agents/reviewer/history?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decodeBody[struct {
		Records []agenttypes.ModificationRecord `json:"records"`
	}](t, w)
	require.Len(t, history.Records, 1)
	assert.Equal(t, agenttypes.ChangeModify, history.Records[0].Type)

	w = f.do(t, "GET", "/api/agents/reviewer/history?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "DELETE", "/api/agents/reviewer", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NoFileExists(t, filepath.Join(f.project, "reviewer.md"))
	w = f.do(t, "GET", "/api/agents/reviewer", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, "POST", "/api/agents/reviewer/restore", restoreRequest{BackupRef: updated.Operation.BackupRef})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	b, err := os.ReadFile(filepath.Join(f.project, "reviewer.md"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "description: Reviews pull requests")
	assert.NotContains(t, string(b), "Also checks tests.")
}

func TestMutationErrors(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, "POST", "/api/agents", AgentRequest{Name: "notes", Content: "just notes\n"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, 50.0, body["min_score"])
	assert.Less(t, body["score"].(float64), 50.0)

	w = f.do(t, "DELETE", "/api/agents/engineer", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, "PUT", "/api/agents/nobody", AgentRequest{Content: reviewer})
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest("POST", "/api/agents", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = f.do(t, "GET", "/api/agents/engineer/history", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestConflictAndResolve(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, "POST", "/api/agents", AgentRequest{Name: "reviewer", Content: reviewer})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	staleHash := agenttypes.HashContent([]byte(reviewer))
	require.NoError(t, os.WriteFile(filepath.Join(f.project, "reviewer.md"), []byte(reviewer+"\nhand edit\n"), 0o644))

	w = f.do(t, "PUT", "/api/agents/reviewer", AgentRequest{
		Content:  reviewer + "\nAPI edit\n",
		BaseHash: staleHash,
		Conflict: agenttypes.ConflictManual,
	})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	body := decodeBody[map[string]any](t, w)
	assert.NotEmpty(t, body["operation_id"])

	w = f.do(t, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody[StatsResponse](t, w)
	assert.Equal(t, 1, stats.Pending)

	w = f.do(t, "POST", "/api/agents/reviewer/resolve", resolveRequest{Resolution: persistence.KeepIncoming})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	b, err := os.ReadFile(filepath.Join(f.project, "reviewer.md"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "API edit")

	w = f.do(t, "POST", "/api/agents/reviewer/resolve", resolveRequest{Resolution: persistence.KeepIncoming})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSearchAndHybrids(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, "GET", "/api/search?capability=Regression%20Testing", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[agentList](t, w)
	require.Len(t, list.Agents, 1)
	assert.Equal(t, "qa", list.Agents[0].Name)

	w = f.do(t, "GET", "/api/search?framework=go", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = decodeBody[agentList](t, w)
	names := make([]string, 0, len(list.Agents))
	for _, a := range list.Agents {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "engineer")

	w = f.do(t, "GET", "/api/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "GET", "/api/hybrids", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = decodeBody[agentList](t, w)
	for _, a := range list.Agents {
		assert.True(t, a.IsHybrid)
	}
}

func TestStatsSchemaAndHealth(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(t, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody[StatsResponse](t, w)
	require.NotNil(t, stats.Registry)
	assert.Equal(t, 9, stats.Registry.Total)
	assert.Equal(t, 9, stats.Registry.ByTier[agenttypes.TierSystem])
	require.NotNil(t, stats.History)
	assert.Zero(t, stats.History.Total)

	w = f.do(t, "GET", "/api/schema", nil)
	require.Equal(t, http.StatusOK, w.Code)
	schema := decodeBody[map[string]any](t, w)
	assert.Equal(t, "object", schema["type"])
	assert.Contains(t, schema["properties"], "capabilities")

	w = f.do(t, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeBody[HealthResponse](t, w)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 9, health.Agents)
	assert.Positive(t, health.Goroutines)

	w = f.do(t, "POST", "/healthz", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&agenttypes.NotFoundError{Name: "x"}, http.StatusNotFound},
		{&agenttypes.ConflictError{Name: "x"}, http.StatusConflict},
		{&agenttypes.ValidationError{Name: "x"}, http.StatusUnprocessableEntity},
		{agenttypes.NewIOError("delete", "/x", agenttypes.ErrReadOnly), http.StatusForbidden},
		{agenttypes.NewIOError("write", "/x", os.ErrClosed), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
