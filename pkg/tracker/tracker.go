// Package tracker watches the tier directories, records every change to an
// agent definition in an append-only history and invalidates registry cache
// entries of changed agents.
package tracker

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aymanbagabas/go-udiff"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/agents"
	"github.com/jingkaihe/agentry/pkg/classifier"
	"github.com/jingkaihe/agentry/pkg/config"
	"github.com/jingkaihe/agentry/pkg/logger"
	"github.com/jingkaihe/agentry/pkg/telemetry"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// Invalidator drops cached state derived from agent files. The registry
// implements it.
type Invalidator interface {
	InvalidateAgent(ctx context.Context, name string)
	InvalidateAll(ctx context.Context)
}

// Subscriber is called with every committed record, in commit order.
type Subscriber func(rec agenttypes.ModificationRecord)

type fileOp int

const (
	opWrite fileOp = iota
	opRemove
	opRename
)

type fileEvent struct {
	path string
	op   fileOp
}

// fileState is the last content seen at a path.
type fileState struct {
	name    string
	tier    agenttypes.Tier
	hash    string
	size    int64
	modTime time.Time
	content []byte
}

// Stats reports the history aggregates plus the watcher state.
type Stats struct {
	HistoryStats
	Watching int   `json:"watching"`
	Polling  bool  `json:"polling"`
	Known    int   `json:"known_files"`
	Dropped  int64 `json:"dropped_events"`
}

// Tracker observes tier directories and keeps the modification history.
type Tracker struct {
	store       *Store
	classifier  *classifier.Classifier
	discoverer  *agents.Discoverer
	invalidator Invalidator

	debounce        time.Duration
	queueSize       int
	pollInterval    time.Duration
	maxAge          time.Duration
	cleanupInterval time.Duration
	forcePoll       bool
	now             func() time.Time

	queue   chan fileEvent
	rescans chan struct{}
	dropped atomic.Int64

	mu          sync.Mutex
	tiers       []agenttypes.Tier
	known       map[string]*fileState
	expected    map[string]string
	pending     map[string]*time.Timer
	subscribers []Subscriber
	started     bool
	polling     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// Option configures a Tracker
type Option func(*Tracker) error

// WithInvalidator sets who gets told about changed agents.
func WithInvalidator(inv Invalidator) Option {
	return func(t *Tracker) error {
		t.invalidator = inv
		return nil
	}
}

// WithDebounce sets how long a path must be quiet before its event is handled.
func WithDebounce(d time.Duration) Option {
	return func(t *Tracker) error {
		if d < 0 {
			return errors.Errorf("debounce cannot be negative: %s", d)
		}
		t.debounce = d
		return nil
	}
}

// WithQueueSize bounds the event queue between the watcher and the handler.
func WithQueueSize(n int) Option {
	return func(t *Tracker) error {
		if n <= 0 {
			return errors.Errorf("queue size must be positive, got %d", n)
		}
		t.queueSize = n
		return nil
	}
}

// WithPollInterval sets the rescan interval used when fsnotify is unavailable.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) error {
		if d <= 0 {
			return errors.Errorf("poll interval must be positive, got %s", d)
		}
		t.pollInterval = d
		return nil
	}
}

// WithRetention keeps history for maxAge, pruning every interval. A zero
// maxAge keeps everything.
func WithRetention(maxAge, interval time.Duration) Option {
	return func(t *Tracker) error {
		if maxAge < 0 || interval < 0 {
			return errors.New("retention durations cannot be negative")
		}
		t.maxAge = maxAge
		t.cleanupInterval = interval
		return nil
	}
}

// WithPolling skips fsnotify and polls from the start.
func WithPolling() Option {
	return func(t *Tracker) error {
		t.forcePoll = true
		return nil
	}
}

// WithClock overrides time.Now for record timestamps and retention.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) error {
		t.now = now
		return nil
	}
}

// OptionsFromConfig maps the tracker section of the configuration to options.
func OptionsFromConfig(c config.TrackerConfig) []Option {
	opts := []Option{
		WithDebounce(c.Debounce),
		WithRetention(c.HistoryMaxAge, c.CleanupInterval),
	}
	if c.QueueSize > 0 {
		opts = append(opts, WithQueueSize(c.QueueSize))
	}
	if c.PollInterval > 0 {
		opts = append(opts, WithPollInterval(c.PollInterval))
	}
	return opts
}

// New creates a tracker writing to store. It does nothing until Start.
func New(store *Store, c *classifier.Classifier, d *agents.Discoverer, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("history store cannot be nil")
	}
	if c == nil || d == nil {
		return nil, errors.New("classifier and discoverer are required")
	}

	t := &Tracker{
		store:           store,
		classifier:      c,
		discoverer:      d,
		debounce:        25 * time.Millisecond,
		queueSize:       256,
		pollInterval:    2 * time.Second,
		maxAge:          30 * 24 * time.Hour,
		cleanupInterval: time.Hour,
		now:             time.Now,
		known:           make(map[string]*fileState),
		expected:        make(map[string]string),
		pending:         make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, errors.Wrap(err, "failed to apply tracker option")
		}
	}
	t.queue = make(chan fileEvent, t.queueSize)
	t.rescans = make(chan struct{}, 1)
	return t, nil
}

// OnModification registers fn for every committed record.
func (t *Tracker) OnModification(fn Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// Expect announces that path is about to hold content with hash, or be
// removed when hash is empty. The watcher then skips recording that change,
// since the writer records it through TrackChange.
func (t *Tracker) Expect(path, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expected[path] = hash
}

// Start takes a baseline of tiers and begins watching them. Embedded tiers
// are skipped. Watching stops when ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context, tierList []agenttypes.Tier) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("tracker already started")
	}
	t.started = true
	t.mu.Unlock()

	t.setTiers(tierList)
	t.baseline(ctx)
	t.prune(ctx)

	ctx, cancel := context.WithCancel(ctx)
	watcher, err := t.newWatcher(ctx)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("filesystem events unavailable, falling back to polling")
	}

	t.mu.Lock()
	t.cancel = cancel
	t.polling = watcher == nil
	t.mu.Unlock()

	t.wg.Add(1)
	go t.consume(ctx)

	if watcher != nil {
		t.wg.Add(1)
		go t.watch(ctx, watcher)
	}

	if t.maxAge > 0 && t.cleanupInterval > 0 {
		t.wg.Add(1)
		go t.cleanup(ctx)
	}

	logger.G(ctx).WithField("tiers", len(t.watchedTiers())).WithField("polling", watcher == nil).Info("tracking agent modifications")
	return nil
}

// Stop ends watching and waits for the handler to finish.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	for path, timer := range t.pending {
		timer.Stop()
		delete(t.pending, path)
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) setTiers(tierList []agenttypes.Tier) {
	var watched []agenttypes.Tier
	for _, tier := range tierList {
		if tier.Builtin || tier.FS == nil {
			continue
		}
		if info, err := os.Stat(tier.Path); err != nil || !info.IsDir() {
			continue
		}
		watched = append(watched, tier)
	}

	t.mu.Lock()
	t.tiers = watched
	t.mu.Unlock()
}

func (t *Tracker) watchedTiers() []agenttypes.Tier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]agenttypes.Tier(nil), t.tiers...)
}

// baseline records the current state of every candidate without producing
// history.
func (t *Tracker) baseline(ctx context.Context) {
	for _, tier := range t.watchedTiers() {
		candidates, err := t.discoverer.Candidates(tier.FS)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("tier", tier.Kind).Warn("failed to enumerate tier for baseline")
			continue
		}
		for _, rel := range candidates {
			raw := t.discoverer.Load(ctx, tier, rel)
			if raw.Definition.Content == nil {
				continue
			}
			t.mu.Lock()
			t.known[filepath.Join(tier.Path, filepath.FromSlash(rel))] = stateOf(tier, raw)
			t.mu.Unlock()
		}
	}
}

func stateOf(tier agenttypes.Tier, raw *agenttypes.RawRecord) *fileState {
	return &fileState{
		name:    raw.Definition.Name,
		tier:    tier,
		hash:    agenttypes.HashContent(raw.Definition.Content),
		size:    int64(len(raw.Definition.Content)),
		modTime: raw.Definition.ModTime,
		content: raw.Definition.Content,
	}
}

func (t *Tracker) newWatcher(ctx context.Context) (*fsnotify.Watcher, error) {
	if t.forcePoll {
		return nil, errors.New("polling requested")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create watcher")
	}

	for _, tier := range t.watchedTiers() {
		if err := addTierDirs(w, tier.Path); err != nil {
			w.Close()
			return nil, err
		}
		logger.G(ctx).WithField("tier", tier.Kind).WithField("path", tier.Path).Debug("watching tier")
	}
	return w, nil
}

// addTierDirs watches root and its direct non-hidden subdirectories, the
// depth discovery patterns reach.
func addTierDirs(w *fsnotify.Watcher, root string) error {
	if err := w.Add(root); err != nil {
		return errors.Wrapf(err, "failed to watch '%s'", root)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return errors.Wrapf(err, "failed to list '%s'", root)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			if err := w.Add(filepath.Join(root, e.Name())); err != nil {
				return errors.Wrapf(err, "failed to watch '%s'", e.Name())
			}
		}
	}
	return nil
}

func (t *Tracker) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer t.wg.Done()
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			t.handleFSEvent(ctx, w, event)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.G(ctx).WithError(err).Warn("filesystem watcher error")
		}
	}
}

func (t *Tracker) handleFSEvent(ctx context.Context, w *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if t.isTierRoot(filepath.Dir(event.Name)) && !strings.HasPrefix(filepath.Base(event.Name), ".") {
				if err := w.Add(event.Name); err != nil {
					logger.G(ctx).WithError(err).WithField("path", event.Name).Warn("failed to watch new directory")
				}
				// files may have landed before the watch was added
				t.requestRescan()
			}
			return
		}
	}

	op := opWrite
	switch {
	case event.Has(fsnotify.Remove):
		op = opRemove
	case event.Has(fsnotify.Rename):
		op = opRename
	}
	t.schedule(ctx, fileEvent{path: event.Name, op: op})
}

func (t *Tracker) isTierRoot(dir string) bool {
	for _, tier := range t.watchedTiers() {
		if filepath.Clean(tier.Path) == filepath.Clean(dir) {
			return true
		}
	}
	return false
}

// schedule delays ev until its path has been quiet for the debounce window.
func (t *Tracker) schedule(ctx context.Context, ev fileEvent) {
	if t.debounce <= 0 {
		t.enqueue(ctx, ev)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.pending[ev.path]; ok {
		timer.Stop()
	}
	t.pending[ev.path] = time.AfterFunc(t.debounce, func() {
		t.mu.Lock()
		delete(t.pending, ev.path)
		t.mu.Unlock()
		t.enqueue(ctx, ev)
	})
}

// enqueue never blocks. A full queue drops the event, invalidates
// everything and schedules a rescan to catch up with disk.
func (t *Tracker) enqueue(ctx context.Context, ev fileEvent) {
	if ctx.Err() != nil {
		return
	}
	select {
	case t.queue <- ev:
	default:
		t.dropped.Add(1)
		t.requestRescan()
		logger.G(ctx).WithField("path", ev.path).Warn("modification queue full, dropping event")
		if t.invalidator != nil {
			t.invalidator.InvalidateAll(ctx)
		}
	}
}

// requestRescan asks the handler for a full rescan. Requests coalesce.
func (t *Tracker) requestRescan() {
	select {
	case t.rescans <- struct{}{}:
	default:
	}
}

func (t *Tracker) consume(ctx context.Context) {
	defer t.wg.Done()

	var tick <-chan time.Time
	t.mu.Lock()
	polling := t.polling
	t.mu.Unlock()
	if polling {
		ticker := time.NewTicker(t.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.queue:
			t.handle(ctx, ev)
		case <-t.rescans:
			t.rescan(ctx)
		case <-tick:
			t.rescan(ctx)
		}
	}
}

func (t *Tracker) cleanup(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.prune(ctx)
		}
	}
}

func (t *Tracker) prune(ctx context.Context) {
	if t.maxAge <= 0 {
		return
	}
	n, err := t.store.Prune(ctx, t.now().Add(-t.maxAge))
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to prune modification history")
		return
	}
	if n > 0 {
		logger.G(ctx).WithField("removed", n).Info("pruned modification history")
	}
}

// locate finds the tier holding path and the tier-relative slash path.
func (t *Tracker) locate(path string) (agenttypes.Tier, string, bool) {
	var (
		best    agenttypes.Tier
		bestRel string
		found   bool
	)
	for _, tier := range t.watchedTiers() {
		rel, err := filepath.Rel(tier.Path, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if !found || len(rel) < len(bestRel) {
			best, bestRel, found = tier, rel, true
		}
	}
	return best, filepath.ToSlash(bestRel), found
}

func (t *Tracker) handle(ctx context.Context, ev fileEvent) {
	tier, rel, ok := t.locate(ev.path)
	if !ok || !t.discoverer.Matches(rel) {
		return
	}
	t.apply(ctx, tier, rel, ev.path, ev.op)
}

func (t *Tracker) apply(ctx context.Context, tier agenttypes.Tier, rel, path string, op fileOp) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		t.removed(ctx, path, op)
		return
	}

	raw := t.discoverer.Load(ctx, tier, rel)
	if raw.Definition.Content == nil {
		logger.G(ctx).WithError(raw.Err).WithField("path", path).Warn("failed to read changed agent file")
		return
	}
	t.changed(ctx, tier, path, raw)
}

func (t *Tracker) changed(ctx context.Context, tier agenttypes.Tier, path string, raw *agenttypes.RawRecord) {
	state := stateOf(tier, raw)

	t.mu.Lock()
	prev, had := t.known[path]
	if had && prev.hash == state.hash {
		prev.modTime = state.modTime
		t.mu.Unlock()
		return
	}
	t.known[path] = state
	announced := t.consumeExpectationLocked(path, state.hash)
	t.mu.Unlock()

	if announced {
		t.invalidate(ctx, state.name)
		return
	}

	meta := t.classifier.Classify(raw)
	rec := agenttypes.ModificationRecord{
		AgentName: state.name,
		Type:      agenttypes.ChangeCreate,
		Tier:      tier.Kind,
		Path:      path,
		HashAfter: state.hash,
		SizeAfter: state.size,
		Validation: agenttypes.ValidationOutcome{
			Score:     meta.ValidationScore,
			Validated: meta.Validated,
			Error:     meta.ErrorMessage,
		},
		Origin: agenttypes.OriginWatcher,
	}
	var before []byte
	if had {
		rec.Type = agenttypes.ChangeModify
		rec.HashBefore = prev.hash
		rec.SizeBefore = prev.size
		before = prev.content
	}
	rec.Diff = Diff(path, before, state.content)

	if _, err := t.commit(ctx, rec); err != nil {
		logger.G(ctx).WithError(err).WithField("agent", rec.AgentName).Warn("failed to record modification")
	}
}

func (t *Tracker) removed(ctx context.Context, path string, op fileOp) {
	t.mu.Lock()
	prev, had := t.known[path]
	delete(t.known, path)
	announced := t.consumeExpectationLocked(path, "")
	t.mu.Unlock()

	if !had {
		return
	}
	if announced {
		t.invalidate(ctx, prev.name)
		return
	}

	rec := agenttypes.ModificationRecord{
		AgentName:  prev.name,
		Type:       agenttypes.ChangeDelete,
		Tier:       prev.tier.Kind,
		Path:       path,
		HashBefore: prev.hash,
		SizeBefore: prev.size,
		Diff:       Diff(path, prev.content, nil),
		Origin:     agenttypes.OriginWatcher,
	}
	if op == opRename {
		rec.Type = agenttypes.ChangeMove
	}

	if _, err := t.commit(ctx, rec); err != nil {
		logger.G(ctx).WithError(err).WithField("agent", rec.AgentName).Warn("failed to record modification")
	}
}

// consumeExpectationLocked reports whether hash was announced for path. Any
// announcement for path is used up either way.
func (t *Tracker) consumeExpectationLocked(path, hash string) bool {
	want, ok := t.expected[path]
	if !ok {
		return false
	}
	delete(t.expected, path)
	return want == hash
}

// rescan compares every candidate on disk with the known state. It replaces
// filesystem events in polling mode and after dropped events.
func (t *Tracker) rescan(ctx context.Context) {
	seen := make(map[string]bool)

	for _, tier := range t.watchedTiers() {
		candidates, err := t.discoverer.Candidates(tier.FS)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("tier", tier.Kind).Warn("failed to rescan tier")
			continue
		}
		for _, rel := range candidates {
			path := filepath.Join(tier.Path, filepath.FromSlash(rel))
			seen[path] = true

			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			t.mu.Lock()
			prev, had := t.known[path]
			unchanged := had && prev.size == info.Size() && prev.modTime.Equal(info.ModTime())
			t.mu.Unlock()
			if unchanged {
				continue
			}
			t.apply(ctx, tier, rel, path, opWrite)
		}
	}

	t.mu.Lock()
	var gone []string
	for path := range t.known {
		if !seen[path] {
			gone = append(gone, path)
		}
	}
	t.mu.Unlock()

	for _, path := range gone {
		t.removed(ctx, path, opRemove)
	}
}

// TrackChange records a change made through the lifecycle API. ID, Timestamp
// and Origin are filled in when empty.
func (t *Tracker) TrackChange(ctx context.Context, rec agenttypes.ModificationRecord) (agenttypes.ModificationRecord, error) {
	if rec.AgentName == "" {
		return rec, errors.New("modification record needs an agent name")
	}
	if rec.Origin == "" {
		rec.Origin = agenttypes.OriginLifecycle
	}
	return t.commit(ctx, rec)
}

func (t *Tracker) commit(ctx context.Context, rec agenttypes.ModificationRecord) (agenttypes.ModificationRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}

	err := telemetry.WithSpan(ctx, "tracker.record", func(ctx context.Context) error {
		return t.store.Append(ctx, rec)
	}, telemetry.AgentAttrs(rec.AgentName, string(rec.Tier))...)
	if err != nil {
		return rec, err
	}

	logger.G(ctx).WithField("agent", rec.AgentName).WithField("type", rec.Type).
		WithField("origin", rec.Origin).WithField("path", rec.Path).Info("agent modified")

	t.mu.Lock()
	subscribers := append([]Subscriber(nil), t.subscribers...)
	t.mu.Unlock()
	for _, fn := range subscribers {
		fn(rec)
	}

	t.invalidate(ctx, rec.AgentName)
	return rec, nil
}

func (t *Tracker) invalidate(ctx context.Context, name string) {
	if t.invalidator != nil {
		t.invalidator.InvalidateAgent(ctx, name)
	}
}

// History returns the records of agent, newest first. limit <= 0 means all.
func (t *Tracker) History(ctx context.Context, agent string, limit int) ([]agenttypes.ModificationRecord, error) {
	return t.store.History(ctx, agent, limit)
}

// Recent returns every record since the given time, newest first.
func (t *Tracker) Recent(ctx context.Context, since time.Time) ([]agenttypes.ModificationRecord, error) {
	return t.store.Since(ctx, since)
}

// Record returns a single record by id.
func (t *Tracker) Record(ctx context.Context, id string) (agenttypes.ModificationRecord, error) {
	return t.store.Get(ctx, id)
}

// Stats aggregates the history and reports the watcher state.
func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	history, err := t.store.Stats(ctx, t.now())
	if err != nil {
		return Stats{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		HistoryStats: history,
		Watching:     len(t.tiers),
		Polling:      t.polling,
		Known:        len(t.known),
		Dropped:      t.dropped.Load(),
	}, nil
}

// Diff renders a unified diff of an agent file. Missing content is empty.
func Diff(path string, before, after []byte) string {
	return udiff.Unified("a/"+filepath.Base(path), "b/"+filepath.Base(path), string(before), string(after))
}
