// Package persistence writes agent definitions to their tier directories.
// Every write is checked against the caller's last observed content, backed
// up first and swapped into place atomically.
package persistence

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jingkaihe/agentry/pkg/agents"
	"github.com/jingkaihe/agentry/pkg/classifier"
	"github.com/jingkaihe/agentry/pkg/config"
	"github.com/jingkaihe/agentry/pkg/logger"
	"github.com/jingkaihe/agentry/pkg/telemetry"
	"github.com/jingkaihe/agentry/pkg/tiers"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// Resolver provides the tier list and the write directory of each writable
// tier. *tiers.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, start string) ([]agenttypes.Tier, error)
	WritableDir(start string, kind agenttypes.TierKind) (string, error)
}

// Expecter is told about every file the service is about to change, so a
// watcher does not report it a second time.
type Expecter interface {
	Expect(path, hash string)
}

// Request is a single write of an agent definition.
type Request struct {
	Name    string
	Content []byte
	// SourceTier is the tier the edit was made against. It is the target of
	// tier_specific writes and ranks the edit under tier_precedence.
	SourceTier agenttypes.TierKind
	Strategy   agenttypes.WriteStrategy
	Conflict   agenttypes.ConflictStrategy
	// BaseHash is the content hash the caller last observed at the primary
	// target. Empty means the caller expects the file to be absent.
	BaseHash string
	// EditedAt orders the edit under most_recent. An edit without one never
	// overrides a diverged file.
	EditedAt time.Time
}

// DeleteRequest removes an agent from one tier, or from every writable tier
// holding it when Tier is empty.
type DeleteRequest struct {
	Name string
	Tier agenttypes.TierKind
}

// Target is one file touched by an operation.
type Target struct {
	Tier       agenttypes.TierKind `json:"tier"`
	Path       string              `json:"path"`
	Existed    bool                `json:"existed"`
	Before     []byte              `json:"-"`
	HashBefore string              `json:"hash_before,omitempty"`
	SizeBefore int64               `json:"size_before"`
	HashAfter  string              `json:"hash_after,omitempty"`
	SizeAfter  int64               `json:"size_after"`
	BackupRef  string              `json:"backup_ref,omitempty"`
}

// Result is the outcome of a committed operation.
type Result struct {
	Operation agenttypes.PersistenceOperation `json:"operation"`
	Targets   []Target                        `json:"targets"`
}

// Conflict is a parked operation waiting for ResolveConflict.
type Conflict struct {
	Operation   agenttypes.PersistenceOperation `json:"operation"`
	CurrentHash string                          `json:"current_hash"`
	Incoming    []byte                          `json:"-"`
}

// Resolution picks the side that wins a parked conflict.
type Resolution string

const (
	// KeepIncoming commits the parked content over the current file.
	KeepIncoming Resolution = "incoming"
	// KeepCurrent discards the parked content.
	KeepCurrent Resolution = "current"
)

type parked struct {
	op          agenttypes.PersistenceOperation
	req         Request
	currentHash string
}

// Service commits agent writes, deletes and restores.
type Service struct {
	resolver   Resolver
	discoverer *agents.Discoverer
	classifier *classifier.Classifier
	expecter   Expecter

	startDir      string
	backupDir     string
	retention     int
	retryAttempts uint
	retryDelay    time.Duration
	strategy      agenttypes.WriteStrategy
	conflict      agenttypes.ConflictStrategy
	now           func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	pending map[string]*parked
}

// Option configures a Service
type Option func(*Service) error

// WithStartDir sets the directory the project tier is relative to.
func WithStartDir(dir string) Option {
	return func(s *Service) error {
		if dir == "" {
			return errors.New("start directory cannot be empty")
		}
		s.startDir = dir
		return nil
	}
}

// WithBackupDir sets where backups and lock files are kept.
func WithBackupDir(dir string) Option {
	return func(s *Service) error {
		if dir == "" {
			return errors.New("backup directory cannot be empty")
		}
		s.backupDir = dir
		return nil
	}
}

// WithRetention keeps the n most recent backups per agent.
func WithRetention(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return errors.Errorf("backup retention must be positive, got %d", n)
		}
		s.retention = n
		return nil
	}
}

// WithRetry bounds the retry of transient storage failures.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(s *Service) error {
		if attempts == 0 {
			return errors.New("retry attempts must be at least 1")
		}
		if delay < 0 {
			return errors.Errorf("retry delay cannot be negative: %s", delay)
		}
		s.retryAttempts = attempts
		s.retryDelay = delay
		return nil
	}
}

// WithDefaultStrategy sets the strategies used when a request leaves them empty.
func WithDefaultStrategy(write agenttypes.WriteStrategy, conflict agenttypes.ConflictStrategy) Option {
	return func(s *Service) error {
		if !validWriteStrategy(write) {
			return errors.Errorf("unknown write strategy '%s'", write)
		}
		if !validConflictStrategy(conflict) {
			return errors.Errorf("unknown conflict strategy '%s'", conflict)
		}
		s.strategy = write
		s.conflict = conflict
		return nil
	}
}

// WithExpecter announces upcoming changes to e.
func WithExpecter(e Expecter) Option {
	return func(s *Service) error {
		s.expecter = e
		return nil
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		s.now = now
		return nil
	}
}

// OptionsFromConfig maps the persistence configuration onto options.
func OptionsFromConfig(c config.PersistenceConfig) []Option {
	opts := []Option{
		WithRetention(c.BackupRetention),
		WithRetry(c.RetryAttempts, c.RetryDelay),
		WithDefaultStrategy(c.Strategy, c.Conflict),
	}
	if c.BackupDir != "" {
		opts = append(opts, WithBackupDir(c.BackupDir))
	}
	return opts
}

// New creates a persistence service.
func New(resolver Resolver, d *agents.Discoverer, c *classifier.Classifier, opts ...Option) (*Service, error) {
	if resolver == nil || d == nil || c == nil {
		return nil, errors.New("persistence needs a resolver, a discoverer and a classifier")
	}

	s := &Service{
		resolver:      resolver,
		discoverer:    d,
		classifier:    c,
		startDir:      ".",
		retention:     10,
		retryAttempts: 3,
		retryDelay:    50 * time.Millisecond,
		strategy:      agenttypes.StrategyTierSpecific,
		conflict:      agenttypes.ConflictManual,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
		pending:       make(map[string]*parked),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.Wrap(err, "failed to apply persistence option")
		}
	}

	if s.backupDir == "" {
		base, err := config.BasePath()
		if err != nil {
			return nil, err
		}
		s.backupDir = filepath.Join(base, "backups")
	}
	return s, nil
}

// Write commits req. A diverged target is resolved by the conflict strategy;
// a losing or manual conflict is parked and reported as a ConflictError.
func (s *Service) Write(ctx context.Context, req Request) (*Result, error) {
	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if req.Content == nil {
		req.Content = []byte{}
	}
	if req.Strategy == "" {
		req.Strategy = s.strategy
	}
	if req.Conflict == "" {
		req.Conflict = s.conflict
	}
	if !validWriteStrategy(req.Strategy) {
		return nil, errors.Errorf("unknown write strategy '%s'", req.Strategy)
	}
	if !validConflictStrategy(req.Conflict) {
		return nil, errors.Errorf("unknown conflict strategy '%s'", req.Conflict)
	}
	var result *Result
	err := telemetry.WithSpan(ctx, "persistence.write", func(ctx context.Context) error {
		unlock, err := s.lock(req.Name)
		if err != nil {
			return err
		}
		defer unlock()

		result, err = s.write(ctx, req, false)
		return err
	}, append(telemetry.AgentAttrs(req.Name, string(req.SourceTier)),
		attribute.String("persistence.strategy", string(req.Strategy)),
		attribute.String("persistence.conflict", string(req.Conflict)))...)
	return result, err
}

func (s *Service) write(ctx context.Context, req Request, force bool) (*Result, error) {
	log := logger.G(ctx).WithField("agent", req.Name).WithField("strategy", req.Strategy)

	targets, err := s.targets(ctx, req.Name, req.SourceTier, req.Strategy)
	if err != nil {
		return nil, err
	}

	op := agenttypes.PersistenceOperation{
		ID:         uuid.NewString(),
		AgentName:  req.Name,
		SourceTier: req.SourceTier,
		TargetTier: targets[0].Tier,
		Strategy:   req.Strategy,
		Conflict:   req.Conflict,
		Status:     agenttypes.StatusPending,
		HashAfter:  agenttypes.HashContent(req.Content),
		StartedAt:  s.now(),
	}
	for _, t := range targets {
		op.TargetPaths = append(op.TargetPaths, t.Path)
	}

	var primaryModTime time.Time
	for i := range targets {
		content, info, err := readCurrent(targets[i].Path)
		if err != nil {
			return nil, agenttypes.NewIOError("read", targets[i].Path, err)
		}
		targets[i].Existed = content != nil
		targets[i].Before = content
		targets[i].HashBefore = agenttypes.HashContent(content)
		targets[i].SizeBefore = int64(len(content))
		targets[i].HashAfter = op.HashAfter
		targets[i].SizeAfter = int64(len(req.Content))
		if i == 0 && info != nil {
			primaryModTime = info.ModTime()
		}
	}
	op.HashBefore = targets[0].HashBefore

	if !force && targets[0].HashBefore != req.BaseHash {
		wins, reason := s.decide(req, targets[0], primaryModTime)
		log.WithField("conflict", req.Conflict).WithField("incoming_wins", wins).Info(reason)
		if !wins {
			return nil, s.park(op, req, targets[0].HashBefore, reason)
		}
		op.ConflictNote = reason
	}

	if err := s.commit(ctx, req.Name, req.Content, targets); err != nil {
		op.Status = agenttypes.StatusRolledBack
		op.FinishedAt = s.now()
		log.WithError(err).Warn("agent write rolled back")
		return nil, err
	}

	op.Status = agenttypes.StatusCommitted
	op.BackupRef = targets[0].BackupRef
	op.FinishedAt = s.now()
	log.WithField("targets", len(targets)).Info("agent written")
	return &Result{Operation: op, Targets: targets}, nil
}

// decide applies the conflict strategy to a diverged primary target and
// reports whether the incoming content wins.
func (s *Service) decide(req Request, current Target, currentModTime time.Time) (bool, string) {
	switch req.Conflict {
	case agenttypes.ConflictTierPrecedence:
		if req.SourceTier != "" && req.SourceTier.Rank() < current.Tier.Rank() {
			return true, "edit comes from a higher precedence tier than the concurrent change"
		}
		return false, "concurrent change in a tier of equal or higher precedence"
	case agenttypes.ConflictMostRecent:
		if !current.Existed {
			return true, "file on disk was removed since it was last read"
		}
		if req.EditedAt.IsZero() {
			return false, "edit has no edit time to order against the file on disk"
		}
		if req.EditedAt.After(currentModTime) {
			return true, "edit is newer than the file on disk"
		}
		return false, "file on disk is newer than the edit"
	case agenttypes.ConflictHighestScore:
		incoming := s.score(req.Name, current, req.Content)
		onDisk := 0.0
		if current.Existed {
			onDisk = s.score(req.Name, current, current.Before)
		}
		if incoming > onDisk {
			return true, "edit out-scores the file on disk"
		}
		return false, "edit does not out-score the file on disk"
	default:
		return false, "content changed since it was last read"
	}
}

func (s *Service) score(name string, target Target, content []byte) float64 {
	rec := agents.Parse(agenttypes.AgentDefinition{
		Name:    name,
		Path:    target.Path,
		Tier:    agenttypes.Tier{Kind: target.Tier},
		Content: content,
		Size:    int64(len(content)),
	})
	return s.classifier.Classify(rec).ValidationScore
}

func (s *Service) park(op agenttypes.PersistenceOperation, req Request, currentHash, reason string) error {
	op.Status = agenttypes.StatusConflicted
	op.ConflictNote = reason
	op.FinishedAt = s.now()

	s.mu.Lock()
	s.pending[op.ID] = &parked{op: op, req: req, currentHash: currentHash}
	s.mu.Unlock()

	return &agenttypes.ConflictError{
		Name:        req.Name,
		OperationID: op.ID,
		Strategy:    req.Conflict,
		BaseHash:    req.BaseHash,
		CurrentHash: currentHash,
		Reason:      reason,
	}
}

// commit backs up and swaps every target in order. When a target fails, the
// ones already swapped are put back.
func (s *Service) commit(ctx context.Context, name string, content []byte, targets []Target) error {
	hash := agenttypes.HashContent(content)
	var done []Target

	for i := range targets {
		t := &targets[i]
		if t.Existed {
			b, err := s.backup(ctx, name, t.Tier, t.Path, t.Before)
			if err != nil {
				return s.rollback(ctx, done, err)
			}
			t.BackupRef = b.Ref
		}

		s.expect(t.Path, hash)
		perm := filePerm(t.Path)
		err := s.withRetry(ctx, "write", t.Path, func() error {
			return writeFileAtomic(t.Path, content, perm)
		})
		if err != nil {
			s.expect(t.Path, t.HashBefore)
			return s.rollback(ctx, done, err)
		}
		done = append(done, *t)
	}
	return nil
}

func (s *Service) rollback(ctx context.Context, done []Target, cause error) error {
	if len(done) == 0 {
		return cause
	}

	result := multierror.Append(nil, cause)
	for i := len(done) - 1; i >= 0; i-- {
		t := done[i]
		s.expect(t.Path, t.HashBefore)
		var err error
		if t.Existed {
			err = writeFileAtomic(t.Path, t.Before, filePerm(t.Path))
		} else {
			err = os.Remove(t.Path)
		}
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "failed to roll back '%s'", t.Path))
			continue
		}
		logger.G(ctx).WithField("path", t.Path).Info("rolled back agent file")
	}

	var ioErr *agenttypes.IOError
	if errors.As(cause, &ioErr) {
		return agenttypes.NewIOError(ioErr.Op, ioErr.Path, result.ErrorOrNil())
	}
	return result.ErrorOrNil()
}

// Delete backs up and removes an agent. An agent found only in read-only
// tiers fails with an IOError wrapping ErrReadOnly.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (*Result, error) {
	if err := validateName(req.Name); err != nil {
		return nil, err
	}

	var result *Result
	err := telemetry.WithSpan(ctx, "persistence.delete", func(ctx context.Context) error {
		unlock, err := s.lock(req.Name)
		if err != nil {
			return err
		}
		defer unlock()

		result, err = s.delete(ctx, req)
		return err
	}, telemetry.AgentAttrs(req.Name, string(req.Tier))...)
	return result, err
}

func (s *Service) delete(ctx context.Context, req DeleteRequest) (*Result, error) {
	tierList, err := s.resolver.Resolve(ctx, s.startDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve tiers")
	}

	var targets []Target
	var readOnly []string
	for _, tier := range tierList {
		if req.Tier != "" && tier.Kind != req.Tier {
			continue
		}
		path, ok := s.locate(tier, req.Name)
		if !ok {
			continue
		}
		if tier.ReadOnly {
			readOnly = append(readOnly, path)
			continue
		}
		targets = append(targets, Target{Tier: tier.Kind, Path: path})
	}

	if len(targets) == 0 {
		if len(readOnly) > 0 {
			return nil, agenttypes.NewIOError("delete", readOnly[0], agenttypes.ErrReadOnly)
		}
		return nil, &agenttypes.NotFoundError{Name: req.Name}
	}

	op := agenttypes.PersistenceOperation{
		ID:         uuid.NewString(),
		AgentName:  req.Name,
		SourceTier: req.Tier,
		TargetTier: targets[0].Tier,
		Strategy:   agenttypes.StrategyTierSpecific,
		Status:     agenttypes.StatusPending,
		StartedAt:  s.now(),
	}
	if req.Tier == "" {
		op.Strategy = agenttypes.StrategyDistribute
	}

	// removed targets are put back from memory if a later one fails
	var removed []Target
	for i := range targets {
		t := &targets[i]
		op.TargetPaths = append(op.TargetPaths, t.Path)

		content, _, err := readCurrent(t.Path)
		if err != nil {
			return nil, s.rollback(ctx, removed, agenttypes.NewIOError("read", t.Path, err))
		}
		if content == nil {
			continue
		}
		t.Existed = true
		t.Before = content
		t.HashBefore = agenttypes.HashContent(content)
		t.SizeBefore = int64(len(content))

		b, err := s.backup(ctx, req.Name, t.Tier, t.Path, content)
		if err != nil {
			return nil, s.rollback(ctx, removed, err)
		}
		t.BackupRef = b.Ref

		s.expect(t.Path, "")
		err = s.withRetry(ctx, "delete", t.Path, func() error {
			err := os.Remove(t.Path)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		})
		if err != nil {
			s.expect(t.Path, t.HashBefore)
			logger.G(ctx).WithError(err).WithField("agent", req.Name).Warn("agent delete rolled back")
			return nil, s.rollback(ctx, removed, err)
		}
		removed = append(removed, *t)
	}

	op.HashBefore = targets[0].HashBefore
	op.BackupRef = targets[0].BackupRef
	op.Status = agenttypes.StatusCommitted
	op.FinishedAt = s.now()
	logger.G(ctx).WithField("agent", req.Name).WithField("targets", len(targets)).Info("agent deleted")
	return &Result{Operation: op, Targets: targets}, nil
}

// Restore puts the content of a backup back at the path it was taken from.
// The current file, if any, is backed up first.
func (s *Service) Restore(ctx context.Context, name, ref string) (*Result, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(ref, name+"/") {
		return nil, &agenttypes.ValidationError{Name: name, Reason: "backup '" + ref + "' belongs to another agent"}
	}

	var result *Result
	err := telemetry.WithSpan(ctx, "persistence.restore", func(ctx context.Context) error {
		unlock, err := s.lock(name)
		if err != nil {
			return err
		}
		defer unlock()

		b, content, err := s.BackupContent(ref)
		if err != nil {
			return err
		}

		target := Target{Tier: b.Tier, Path: b.Path, HashAfter: b.Hash, SizeAfter: b.Size}
		if err := s.checkWritable(ctx, target); err != nil {
			return err
		}

		current, _, err := readCurrent(target.Path)
		if err != nil {
			return agenttypes.NewIOError("read", target.Path, err)
		}
		target.Existed = current != nil
		target.Before = current
		target.HashBefore = agenttypes.HashContent(current)
		target.SizeBefore = int64(len(current))

		op := agenttypes.PersistenceOperation{
			ID:          uuid.NewString(),
			AgentName:   name,
			SourceTier:  b.Tier,
			TargetTier:  b.Tier,
			TargetPaths: []string{b.Path},
			Strategy:    agenttypes.StrategyTierSpecific,
			Status:      agenttypes.StatusPending,
			HashBefore:  target.HashBefore,
			HashAfter:   b.Hash,
			StartedAt:   s.now(),
		}

		targets := []Target{target}
		if err := s.commit(ctx, name, content, targets); err != nil {
			return err
		}

		op.Status = agenttypes.StatusCommitted
		// the restored backup, not the one just taken of the replaced file
		op.BackupRef = ref
		op.FinishedAt = s.now()
		logger.G(ctx).WithField("agent", name).WithField("backup", ref).Info("agent restored from backup")
		result = &Result{Operation: op, Targets: targets}
		return nil
	}, telemetry.AgentAttrs(name, "")...)
	return result, err
}

// checkWritable refuses targets inside a read-only tier.
func (s *Service) checkWritable(ctx context.Context, t Target) error {
	if t.Tier == agenttypes.TierSystem || strings.HasPrefix(t.Path, tiers.BuiltinPath) {
		return agenttypes.NewIOError("write", t.Path, agenttypes.ErrReadOnly)
	}
	tierList, err := s.resolver.Resolve(ctx, s.startDir)
	if err != nil {
		return errors.Wrap(err, "failed to resolve tiers")
	}
	for _, tier := range tierList {
		if tier.ReadOnly && !tier.Builtin && within(tier.Path, t.Path) {
			return agenttypes.NewIOError("write", t.Path, agenttypes.ErrReadOnly)
		}
	}
	return nil
}

// Pending lists parked conflicts, oldest first.
func (s *Service) Pending() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Conflict, 0, len(s.pending))
	for _, p := range s.pending {
		result = append(result, Conflict{Operation: p.op, CurrentHash: p.currentHash, Incoming: p.req.Content})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Operation.StartedAt.Before(result[j].Operation.StartedAt)
	})
	return result
}

// ResolveConflict settles a parked operation. KeepIncoming commits the parked
// content over whatever is on disk now; KeepCurrent drops it.
func (s *Service) ResolveConflict(ctx context.Context, operationID string, resolution Resolution) (*Result, error) {
	if resolution != KeepIncoming && resolution != KeepCurrent {
		return nil, errors.Errorf("unknown conflict resolution '%s'", resolution)
	}

	// taking the entry out makes concurrent resolutions of one operation exclusive
	s.mu.Lock()
	p, ok := s.pending[operationID]
	delete(s.pending, operationID)
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(agenttypes.ErrNotFound, "no pending conflict '%s'", operationID)
	}

	if resolution == KeepCurrent {
		op := p.op
		op.Status = agenttypes.StatusRolledBack
		op.FinishedAt = s.now()
		logger.G(ctx).WithField("agent", op.AgentName).WithField("operation", operationID).Info("conflict resolved, kept current content")
		return &Result{Operation: op}, nil
	}

	var result *Result
	err := telemetry.WithSpan(ctx, "persistence.resolve", func(ctx context.Context) error {
		unlock, err := s.lock(p.req.Name)
		if err != nil {
			return err
		}
		defer unlock()

		result, err = s.write(ctx, p.req, true)
		return err
	}, telemetry.AgentAttrs(p.req.Name, string(p.req.SourceTier))...)
	if err != nil {
		s.mu.Lock()
		s.pending[operationID] = p
		s.mu.Unlock()
		return nil, err
	}

	result.Operation.ConflictNote = "resolved from conflicted operation " + operationID
	logger.G(ctx).WithField("agent", p.req.Name).WithField("operation", operationID).Info("conflict resolved, kept incoming content")
	return result, nil
}

// targets lists the files a write with strategy lands in, primary first.
func (s *Service) targets(ctx context.Context, name string, hint agenttypes.TierKind, strategy agenttypes.WriteStrategy) ([]Target, error) {
	tierList, err := s.resolver.Resolve(ctx, s.startDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve tiers")
	}

	switch strategy {
	case agenttypes.StrategyPreferUser:
		t, err := s.tierTarget(tierList, name, agenttypes.TierUser)
		if err != nil {
			return nil, err
		}
		return []Target{t}, nil
	case agenttypes.StrategyDistribute:
		var targets []Target
		for _, tier := range tierList {
			if tier.ReadOnly {
				continue
			}
			if path, ok := s.locate(tier, name); ok {
				targets = append(targets, Target{Tier: tier.Kind, Path: path})
			}
		}
		if len(targets) > 0 {
			return targets, nil
		}
		t, err := s.tierTarget(tierList, name, agenttypes.TierProject)
		if err != nil {
			return nil, err
		}
		return []Target{t}, nil
	default:
		if hint == "" {
			hint = agenttypes.TierProject
		}
		t, err := s.tierTarget(tierList, name, hint)
		if err != nil {
			return nil, err
		}
		return []Target{t}, nil
	}
}

// tierTarget is the file of name in the tier of kind: the existing file when
// there is one, otherwise <dir>/<name>.md.
func (s *Service) tierTarget(tierList []agenttypes.Tier, name string, kind agenttypes.TierKind) (Target, error) {
	if kind == agenttypes.TierSystem {
		path := systemTierPath(tierList)
		return Target{}, agenttypes.NewIOError("write", path, agenttypes.ErrReadOnly)
	}

	for _, tier := range tierList {
		if tier.Kind != kind {
			continue
		}
		if tier.ReadOnly {
			return Target{}, agenttypes.NewIOError("write", tier.Path, agenttypes.ErrReadOnly)
		}
		if path, ok := s.locate(tier, name); ok {
			return Target{Tier: kind, Path: path}, nil
		}
		if kind == agenttypes.TierAncestor {
			// the nearest ancestor holding the agent wins, keep looking
			continue
		}
	}

	if kind == agenttypes.TierAncestor {
		return Target{}, &agenttypes.NotFoundError{Name: name}
	}

	dir, err := s.resolver.WritableDir(s.startDir, kind)
	if err != nil {
		if errors.Is(err, agenttypes.ErrReadOnly) {
			return Target{}, agenttypes.NewIOError("write", string(kind), err)
		}
		return Target{}, errors.Wrapf(err, "no write target for tier '%s'", kind)
	}
	return Target{Tier: kind, Path: filepath.Join(dir, name+".md")}, nil
}

func systemTierPath(tierList []agenttypes.Tier) string {
	for _, tier := range tierList {
		if tier.Kind == agenttypes.TierSystem {
			return tier.Path
		}
	}
	return string(agenttypes.TierSystem)
}

// locate finds the file of name in tier. Same-tier duplicates resolve to the
// most recently modified file, as in discovery.
func (s *Service) locate(tier agenttypes.Tier, name string) (string, bool) {
	if tier.FS == nil {
		return "", false
	}
	candidates, err := s.discoverer.Candidates(tier.FS)
	if err != nil {
		return "", false
	}

	var found string
	var newest time.Time
	for _, rel := range candidates {
		if agents.AgentName(rel) != name {
			continue
		}
		info, err := fs.Stat(tier.FS, rel)
		if err != nil {
			continue
		}
		if found == "" || info.ModTime().After(newest) {
			found = agents.TierFilePath(tier, rel)
			newest = info.ModTime()
		}
	}
	return found, found != ""
}

// lock serializes operations on name within this process and across
// processes sharing the backup directory.
func (s *Service) lock(name string) (func(), error) {
	s.mu.Lock()
	m, ok := s.locks[name]
	if !ok {
		m = &sync.Mutex{}
		s.locks[name] = m
	}
	s.mu.Unlock()

	m.Lock()

	lockDir := filepath.Join(s.backupDir, ".locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		m.Unlock()
		return nil, agenttypes.NewIOError("lock", lockDir, err)
	}
	unlock, err := lockedfile.MutexAt(filepath.Join(lockDir, name+".lock")).Lock()
	if err != nil {
		m.Unlock()
		return nil, agenttypes.NewIOError("lock", lockDir, err)
	}

	return func() {
		unlock()
		m.Unlock()
	}, nil
}

func (s *Service) expect(path, hash string) {
	if s.expecter != nil {
		s.expecter.Expect(path, hash)
	}
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func validateName(name string) error {
	switch {
	case name == "":
		return &agenttypes.ValidationError{Name: name, Reason: "agent name cannot be empty"}
	case strings.ContainsAny(name, `/\`), strings.HasPrefix(name, "."):
		return &agenttypes.ValidationError{Name: name, Reason: "agent name must be a plain file stem"}
	}
	return nil
}

func validWriteStrategy(s agenttypes.WriteStrategy) bool {
	switch s {
	case agenttypes.StrategyTierSpecific, agenttypes.StrategyPreferUser, agenttypes.StrategyDistribute:
		return true
	}
	return false
}

func validConflictStrategy(s agenttypes.ConflictStrategy) bool {
	switch s {
	case agenttypes.ConflictTierPrecedence, agenttypes.ConflictMostRecent, agenttypes.ConflictHighestScore, agenttypes.ConflictManual:
		return true
	}
	return false
}
