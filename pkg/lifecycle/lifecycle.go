// Package lifecycle is the single entry point for creating, updating,
// deleting and restoring agent definitions. It validates content, commits it
// through the persistence service, refreshes the registry and records every
// change in the modification history.
package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/agents"
	"github.com/jingkaihe/agentry/pkg/logger"
	"github.com/jingkaihe/agentry/pkg/persistence"
	"github.com/jingkaihe/agentry/pkg/telemetry"
	"github.com/jingkaihe/agentry/pkg/tracker"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// ChangeRecorder stores modification records. *tracker.Tracker implements it.
type ChangeRecorder interface {
	TrackChange(ctx context.Context, rec agenttypes.ModificationRecord) (agenttypes.ModificationRecord, error)
	History(ctx context.Context, agent string, limit int) ([]agenttypes.ModificationRecord, error)
	Record(ctx context.Context, id string) (agenttypes.ModificationRecord, error)
}

// AgentState is the lifecycle view of one agent.
type AgentState struct {
	Name        string                    `json:"name"`
	State       agenttypes.LifecycleState `json:"state"`
	Tier        agenttypes.TierKind       `json:"tier,omitempty"`
	Path        string                    `json:"path,omitempty"`
	ContentHash string                    `json:"content_hash,omitempty"`
	Score       float64                   `json:"validation_score"`
	// Version counts the mutations made through this manager.
	Version          int       `json:"version"`
	LastBackup       string    `json:"last_backup,omitempty"`
	LastModification string    `json:"last_modification,omitempty"`
	ConflictID       string    `json:"conflict_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`

	// resumed when a conflict is resolved in favour of the current content
	previous agenttypes.LifecycleState
	// set when a change made outside the manager touched the agent
	stale bool
}

// CreateRequest creates a new agent.
type CreateRequest struct {
	Name    string              `json:"name"`
	Content []byte              `json:"-"`
	Tier    agenttypes.TierKind `json:"tier,omitempty"`
	// Strategy defaults to the persistence service default.
	Strategy agenttypes.WriteStrategy `json:"strategy,omitempty"`
}

// UpdateRequest replaces the content of an existing agent.
type UpdateRequest struct {
	Name     string                      `json:"name"`
	Content  []byte                      `json:"-"`
	Tier     agenttypes.TierKind         `json:"tier,omitempty"`
	Strategy agenttypes.WriteStrategy    `json:"strategy,omitempty"`
	Conflict agenttypes.ConflictStrategy `json:"conflict,omitempty"`
	// BaseHash is the content hash the caller last saw. Empty means the
	// hash currently held by the registry for the target tier.
	BaseHash string    `json:"base_hash,omitempty"`
	EditedAt time.Time `json:"edited_at,omitempty"`
}

// Outcome is what a mutating operation returns.
type Outcome struct {
	State     AgentState                      `json:"state"`
	Operation agenttypes.PersistenceOperation `json:"operation"`
	Records   []agenttypes.ModificationRecord `json:"records"`
}

// Manager coordinates the classifier, persistence, registry and tracker.
type Manager struct {
	registry    *agents.Registry
	persistence *persistence.Service
	recorder    ChangeRecorder
	now         func() time.Time

	mu     sync.Mutex
	states map[string]*AgentState
}

// Option configures a Manager
type Option func(*Manager)

// WithRecorder records every mutation through r.
func WithRecorder(r ChangeRecorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a lifecycle manager.
func New(registry *agents.Registry, p *persistence.Service, opts ...Option) (*Manager, error) {
	if registry == nil || p == nil {
		return nil, errors.New("lifecycle needs a registry and a persistence service")
	}
	m := &Manager{
		registry:    registry,
		persistence: p,
		now:         time.Now,
		states:      make(map[string]*AgentState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateAgent validates and writes a new agent.
func (m *Manager) CreateAgent(ctx context.Context, req CreateRequest) (*Outcome, error) {
	var out *Outcome
	err := telemetry.WithSpan(ctx, "lifecycle.create", func(ctx context.Context) error {
		current, err := m.stateOf(ctx, req.Name)
		if err != nil && !agenttypes.IsNotFound(err) {
			return err
		}
		if current != nil && current.State != agenttypes.StateActive && current.State != agenttypes.StateModified {
			return illegal(req.Name, current.State, "create")
		}

		tier := req.Tier
		switch {
		case req.Strategy == agenttypes.StrategyPreferUser:
			tier = agenttypes.TierUser
		case tier == "":
			tier = agenttypes.TierProject
		}
		// shadowing an agent of another tier is a create, not an update
		if current != nil && m.observedHash(ctx, req.Name, tier) != "" {
			return &agenttypes.ValidationError{
				Name:   req.Name,
				Reason: "agent already exists in the " + string(tier) + " tier, update it instead",
			}
		}

		meta, err := m.validate(req.Name, tier, req.Content)
		if err != nil {
			return err
		}

		res, err := m.persistence.Write(ctx, persistence.Request{
			Name:       req.Name,
			Content:    req.Content,
			SourceTier: tier,
			Strategy:   req.Strategy,
			Conflict:   agenttypes.ConflictManual,
		})
		if err != nil {
			return m.failed(ctx, req.Name, nil, err)
		}

		out = m.committed(ctx, req.Name, agenttypes.StateActive, meta, res, req.Content, agenttypes.ChangeCreate)
		return nil
	}, telemetry.AgentAttrs(req.Name, string(req.Tier))...)
	return out, err
}

// UpdateAgent validates and writes new content for an active or modified
// agent.
func (m *Manager) UpdateAgent(ctx context.Context, req UpdateRequest) (*Outcome, error) {
	var out *Outcome
	err := telemetry.WithSpan(ctx, "lifecycle.update", func(ctx context.Context) error {
		current, err := m.stateOf(ctx, req.Name)
		if err != nil {
			return err
		}
		if current.State != agenttypes.StateActive && current.State != agenttypes.StateModified {
			return illegal(req.Name, current.State, "update")
		}

		tier := req.Tier
		if tier == "" && req.Strategy != agenttypes.StrategyPreferUser {
			tier = current.Tier
		}
		if req.Strategy == agenttypes.StrategyPreferUser {
			tier = agenttypes.TierUser
		}

		meta, err := m.validate(req.Name, tier, req.Content)
		if err != nil {
			return err
		}

		base := req.BaseHash
		if base == "" {
			base = m.observedHash(ctx, req.Name, tier)
		}

		res, err := m.persistence.Write(ctx, persistence.Request{
			Name:       req.Name,
			Content:    req.Content,
			SourceTier: tier,
			Strategy:   req.Strategy,
			Conflict:   req.Conflict,
			BaseHash:   base,
			EditedAt:   req.EditedAt,
		})
		if err != nil {
			return m.failed(ctx, req.Name, current, err)
		}

		out = m.committed(ctx, req.Name, agenttypes.StateModified, meta, res, req.Content, agenttypes.ChangeModify)
		return nil
	}, telemetry.AgentAttrs(req.Name, string(req.Tier))...)
	return out, err
}

// DeleteAgent backs up and removes an agent. Its history is kept and it can
// be restored from the backup.
func (m *Manager) DeleteAgent(ctx context.Context, name string, tier agenttypes.TierKind) (*Outcome, error) {
	var out *Outcome
	err := telemetry.WithSpan(ctx, "lifecycle.delete", func(ctx context.Context) error {
		current, err := m.stateOf(ctx, name)
		if err != nil {
			return err
		}
		if current.State != agenttypes.StateActive && current.State != agenttypes.StateModified {
			return illegal(name, current.State, "delete")
		}

		res, err := m.persistence.Delete(ctx, persistence.DeleteRequest{Name: name, Tier: tier})
		if err != nil {
			return err
		}

		m.refresh(ctx, name)
		records := m.record(ctx, name, agenttypes.ChangeDelete, agenttypes.ValidationOutcome{}, res, nil)

		state := m.setState(name, func(s *AgentState) {
			s.State = agenttypes.StateDeleted
			s.Tier = res.Operation.TargetTier
			s.Path = res.Targets[0].Path
			s.ContentHash = ""
			s.Score = 0
			s.LastBackup = res.Operation.BackupRef
			s.ConflictID = ""
			s.setLastModification(records)
		})
		// the agent may still resolve from another tier
		if meta, err := m.registry.GetAgent(ctx, name); err == nil {
			state = m.setState(name, func(s *AgentState) {
				s.State = agenttypes.StateActive
				s.Tier = meta.Tier
				s.Path = meta.Path
				s.ContentHash = meta.ContentHash
				s.Score = meta.ValidationScore
			})
		}

		out = &Outcome{State: state, Operation: res.Operation, Records: records}
		return nil
	}, telemetry.AgentAttrs(name, string(tier))...)
	return out, err
}

// RestoreAgent puts a backup back in place. An empty backupRef restores the
// most recent backup of the agent. The agent becomes active.
func (m *Manager) RestoreAgent(ctx context.Context, name, backupRef string) (*Outcome, error) {
	var out *Outcome
	err := telemetry.WithSpan(ctx, "lifecycle.restore", func(ctx context.Context) error {
		current, err := m.stateOf(ctx, name)
		if err != nil && !agenttypes.IsNotFound(err) {
			return err
		}
		if current != nil && current.State == agenttypes.StateConflicted {
			return illegal(name, current.State, "restore")
		}

		if backupRef == "" {
			if current != nil && current.LastBackup != "" {
				backupRef = current.LastBackup
			} else {
				backups, err := m.persistence.ListBackups(ctx, name)
				if err != nil {
					return err
				}
				if len(backups) == 0 {
					return errors.Wrapf(agenttypes.ErrNotFound, "no backup of agent '%s'", name)
				}
				backupRef = backups[0].Ref
			}
		}

		_, content, err := m.persistence.BackupContent(backupRef)
		if err != nil {
			return err
		}

		res, err := m.persistence.Restore(ctx, name, backupRef)
		if err != nil {
			return err
		}

		meta := m.classify(name, res.Operation.TargetTier, content)
		out = m.committed(ctx, name, agenttypes.StateActive, meta, res, content, agenttypes.ChangeRestore)
		return nil
	}, telemetry.AgentAttrs(name, "")...)
	return out, err
}

// RestoreFromRecord restores the backup referenced by a modification record.
func (m *Manager) RestoreFromRecord(ctx context.Context, recordID string) (*Outcome, error) {
	if m.recorder == nil {
		return nil, errors.New("modification history is not enabled")
	}
	rec, err := m.recorder.Record(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.BackupRef == "" {
		return nil, &agenttypes.ValidationError{Name: rec.AgentName, Reason: "modification " + recordID + " has no backup"}
	}
	return m.RestoreAgent(ctx, rec.AgentName, rec.BackupRef)
}

// ResolveConflict settles the parked write of a conflicted agent.
func (m *Manager) ResolveConflict(ctx context.Context, name string, resolution persistence.Resolution) (*Outcome, error) {
	var out *Outcome
	err := telemetry.WithSpan(ctx, "lifecycle.resolve", func(ctx context.Context) error {
		current, err := m.stateOf(ctx, name)
		if err != nil {
			return err
		}
		if current.State != agenttypes.StateConflicted || current.ConflictID == "" {
			return illegal(name, current.State, "resolve")
		}

		var incoming []byte
		for _, c := range m.persistence.Pending() {
			if c.Operation.ID == current.ConflictID {
				incoming = c.Incoming
			}
		}

		res, err := m.persistence.ResolveConflict(ctx, current.ConflictID, resolution)
		if err != nil {
			return err
		}

		if resolution == persistence.KeepCurrent {
			m.refresh(ctx, name)
			state := m.setState(name, func(s *AgentState) {
				s.State = s.previous
				if s.State == "" {
					s.State = agenttypes.StateActive
				}
				s.ConflictID = ""
			})
			out = &Outcome{State: state, Operation: res.Operation}
			return nil
		}

		meta := m.classify(name, res.Operation.TargetTier, incoming)
		out = m.committed(ctx, name, agenttypes.StateModified, meta, res, incoming, agenttypes.ChangeModify)
		return nil
	}, telemetry.AgentAttrs(name, "")...)
	return out, err
}

// GetAgentState returns the lifecycle state of name. Agents not touched by
// this manager are derived from the registry and the modification history.
func (m *Manager) GetAgentState(ctx context.Context, name string) (AgentState, error) {
	s, err := m.stateOf(ctx, name)
	if err != nil {
		return AgentState{}, err
	}
	return *s, nil
}

// ListAgentStates returns the state of every discovered or managed agent,
// sorted by name.
func (m *Manager) ListAgentStates(ctx context.Context) ([]AgentState, error) {
	snap, err := m.registry.DiscoverAgents(ctx, false)
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(snap.Agents))
	for name := range snap.Agents {
		names[name] = true
	}
	m.mu.Lock()
	for name := range m.states {
		names[name] = true
	}
	m.mu.Unlock()

	result := make([]AgentState, 0, len(names))
	for name := range names {
		s, err := m.stateOf(ctx, name)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("agent", name).Warn("failed to derive agent state")
			continue
		}
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Pending lists the parked conflicts.
func (m *Manager) Pending() []persistence.Conflict {
	return m.persistence.Pending()
}

// Observe takes note of a recorded modification. Changes made outside the
// manager mark the tracked state stale so the next read re-derives it from
// the registry and history. Register it with tracker.OnModification.
func (m *Manager) Observe(rec agenttypes.ModificationRecord) {
	if rec.Origin == agenttypes.OriginLifecycle {
		return
	}

	m.mu.Lock()
	s, ok := m.states[rec.AgentName]
	if ok && s.State != agenttypes.StateConflicted {
		s.stale = true
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.registry.InvalidateAgent(context.Background(), rec.AgentName)
}

// stateOf returns a copy of the tracked state, deriving and caching it when
// the manager has not seen name yet or the tracked state went stale.
func (m *Manager) stateOf(ctx context.Context, name string) (*AgentState, error) {
	m.mu.Lock()
	tracked, ok := m.states[name]
	if ok && !tracked.stale {
		cp := *tracked
		m.mu.Unlock()
		return &cp, nil
	}
	var version int
	if ok {
		version = tracked.Version
	}
	m.mu.Unlock()

	s, err := m.derive(ctx, name)
	if err != nil {
		if ok && agenttypes.IsNotFound(err) {
			m.mu.Lock()
			if existing := m.states[name]; existing == tracked && existing.stale {
				delete(m.states, name)
			}
			m.mu.Unlock()
		}
		return nil, err
	}
	s.Version = version

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.states[name]; ok && !existing.stale {
		cp := *existing
		return &cp, nil
	}
	m.states[name] = s
	cp := *s
	return &cp, nil
}

func (m *Manager) derive(ctx context.Context, name string) (*AgentState, error) {
	var last *agenttypes.ModificationRecord
	if m.recorder != nil {
		history, err := m.recorder.History(ctx, name, 1)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("agent", name).Warn("failed to read modification history")
		} else if len(history) > 0 {
			last = &history[0]
		}
	}

	meta, err := m.registry.GetAgent(ctx, name)
	if err != nil {
		if !agenttypes.IsNotFound(err) {
			return nil, err
		}
		if last != nil && last.Type == agenttypes.ChangeDelete {
			return &AgentState{
				Name:             name,
				State:            agenttypes.StateDeleted,
				Tier:             last.Tier,
				Path:             last.Path,
				LastBackup:       last.BackupRef,
				LastModification: last.ID,
				UpdatedAt:        last.Timestamp,
			}, nil
		}
		return nil, err
	}

	s := &AgentState{
		Name:        name,
		State:       agenttypes.StateActive,
		Tier:        meta.Tier,
		Path:        meta.Path,
		ContentHash: meta.ContentHash,
		Score:       meta.ValidationScore,
		UpdatedAt:   meta.ModTime,
	}
	if last != nil {
		s.LastModification = last.ID
		s.LastBackup = last.BackupRef
		if last.Type == agenttypes.ChangeModify {
			s.State = agenttypes.StateModified
		}
	}
	return s, nil
}

func (m *Manager) setState(name string, fn func(s *AgentState)) AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	if !ok {
		s = &AgentState{Name: name}
		m.states[name] = s
	}
	fn(s)
	s.stale = false
	s.UpdatedAt = m.now()
	return *s
}

// validate parses and classifies content, rejecting malformed headers and
// scores below the minimum.
func (m *Manager) validate(name string, tier agenttypes.TierKind, content []byte) (agenttypes.AgentMetadata, error) {
	if len(content) == 0 {
		return agenttypes.AgentMetadata{}, &agenttypes.ValidationError{Name: name, Reason: "content is empty"}
	}
	meta := m.classify(name, tier, content)
	if !meta.Validated {
		return meta, &agenttypes.ValidationError{Name: name, Reason: meta.ErrorMessage}
	}
	c := m.registry.Classifier()
	if !c.MeetsMinimum(meta.ValidationScore) {
		return meta, &agenttypes.ValidationError{
			Name:     name,
			Score:    meta.ValidationScore,
			MinScore: c.MinScore(),
		}
	}
	return meta, nil
}

func (m *Manager) classify(name string, tier agenttypes.TierKind, content []byte) agenttypes.AgentMetadata {
	rec := agents.Parse(agenttypes.AgentDefinition{
		Name:    name,
		Path:    name + ".md",
		Tier:    agenttypes.Tier{Kind: tier, Level: tier.Rank()},
		Content: content,
		ModTime: m.now(),
		Size:    int64(len(content)),
	})
	return m.registry.Classifier().Classify(rec)
}

// observedHash is the hash the registry holds for name in tier, or in the
// effective tier when tier is empty.
func (m *Manager) observedHash(ctx context.Context, name string, tier agenttypes.TierKind) string {
	records, err := m.registry.GetAgentTiers(ctx, name)
	if err != nil {
		return ""
	}
	for _, rec := range records {
		if tier == "" || rec.Tier == tier {
			return rec.ContentHash
		}
	}
	return ""
}

// failed parks the agent as conflicted when err is a ConflictError.
func (m *Manager) failed(ctx context.Context, name string, current *AgentState, err error) error {
	var conflict *agenttypes.ConflictError
	if !errors.As(err, &conflict) {
		return err
	}

	previous := agenttypes.StateActive
	if current != nil {
		previous = current.State
	}
	m.setState(name, func(s *AgentState) {
		s.previous = previous
		s.State = agenttypes.StateConflicted
		s.ConflictID = conflict.OperationID
	})
	logger.G(ctx).WithField("agent", name).WithField("operation", conflict.OperationID).
		WithField("strategy", conflict.Strategy).Warn("agent write conflicted")
	return err
}

// committed refreshes the registry, records the change and moves name to state.
func (m *Manager) committed(ctx context.Context, name string, state agenttypes.LifecycleState, meta agenttypes.AgentMetadata,
	res *persistence.Result, content []byte, change agenttypes.ChangeType,
) *Outcome {
	m.refresh(ctx, name)

	validation := agenttypes.ValidationOutcome{
		Score:     meta.ValidationScore,
		Validated: meta.Validated,
		Error:     meta.ErrorMessage,
	}
	records := m.record(ctx, name, change, validation, res, content)

	s := m.setState(name, func(s *AgentState) {
		s.State = state
		s.Tier = res.Operation.TargetTier
		s.Path = res.Targets[0].Path
		s.ContentHash = agenttypes.HashContent(content)
		s.Score = meta.ValidationScore
		s.Version++
		s.ConflictID = ""
		s.previous = ""
		if ref := res.Targets[0].BackupRef; ref != "" {
			s.LastBackup = ref
		}
		s.setLastModification(records)
	})

	logger.G(ctx).WithField("agent", name).WithField("state", state).WithField("op", change).Info("agent lifecycle change committed")
	return &Outcome{State: s, Operation: res.Operation, Records: records}
}

func (m *Manager) refresh(ctx context.Context, name string) {
	m.registry.InvalidateAgent(ctx, name)
	if _, err := m.registry.DiscoverAgents(ctx, true); err != nil {
		logger.G(ctx).WithError(err).WithField("agent", name).Warn("failed to refresh registry")
	}
}

// record appends one history entry per touched file. A failure to record is
// logged; the change itself is already on disk.
func (m *Manager) record(ctx context.Context, name string, change agenttypes.ChangeType, validation agenttypes.ValidationOutcome,
	res *persistence.Result, content []byte,
) []agenttypes.ModificationRecord {
	if m.recorder == nil {
		return nil
	}

	records := make([]agenttypes.ModificationRecord, 0, len(res.Targets))
	for _, t := range res.Targets {
		typ := change
		if typ == agenttypes.ChangeModify && !t.Existed {
			typ = agenttypes.ChangeCreate
		}
		rec := agenttypes.ModificationRecord{
			AgentName:  name,
			Type:       typ,
			Tier:       t.Tier,
			Path:       t.Path,
			Timestamp:  m.now(),
			HashBefore: t.HashBefore,
			HashAfter:  agenttypes.HashContent(content),
			SizeBefore: t.SizeBefore,
			SizeAfter:  int64(len(content)),
			Validation: validation,
			Diff:       tracker.Diff(t.Path, t.Before, content),
			BackupRef:  t.BackupRef,
			Origin:     agenttypes.OriginLifecycle,
		}
		stored, err := m.recorder.TrackChange(ctx, rec)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("agent", name).Warn("failed to record lifecycle change")
			continue
		}
		records = append(records, stored)
	}
	return records
}

func (s *AgentState) setLastModification(records []agenttypes.ModificationRecord) {
	if len(records) > 0 {
		s.LastModification = records[0].ID
	}
}

func illegal(name string, from agenttypes.LifecycleState, op string) error {
	return &agenttypes.ValidationError{
		Name:   name,
		Reason: "cannot " + op + " agent in state " + string(from),
	}
}
