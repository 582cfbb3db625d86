package agents

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/logger"
	"github.com/jingkaihe/agentry/pkg/tiers"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// DiscoveryResult is the output of one discovery pass.
type DiscoveryResult struct {
	// Records maps agent name to at most one record per tier, in tier order.
	Records map[string][]*agenttypes.RawRecord
	// Diagnostics aggregates per-file problems. It is never a pass failure.
	Diagnostics error
}

// Discoverer enumerates candidate files in each tier and parses them.
type Discoverer struct {
	patterns    []string
	exclude     []string
	readTimeout time.Duration
}

// DiscovererOption configures a Discoverer
type DiscovererOption func(*Discoverer) error

// WithPatterns sets the doublestar patterns candidate files must match.
func WithPatterns(patterns ...string) DiscovererOption {
	return func(d *Discoverer) error {
		if len(patterns) == 0 {
			return errors.New("at least one discovery pattern must be specified")
		}
		for _, p := range patterns {
			if !doublestar.ValidatePattern(p) {
				return errors.Errorf("invalid discovery pattern '%s'", p)
			}
		}
		d.patterns = patterns
		return nil
	}
}

// WithExclude sets doublestar patterns for files to skip.
func WithExclude(patterns ...string) DiscovererOption {
	return func(d *Discoverer) error {
		for _, p := range patterns {
			if !doublestar.ValidatePattern(p) {
				return errors.Errorf("invalid exclude pattern '%s'", p)
			}
		}
		d.exclude = patterns
		return nil
	}
}

// WithReadTimeout bounds every single file read.
func WithReadTimeout(timeout time.Duration) DiscovererOption {
	return func(d *Discoverer) error {
		if timeout <= 0 {
			return errors.New("read timeout must be positive")
		}
		d.readTimeout = timeout
		return nil
	}
}

// NewDiscoverer creates a discoverer matching *.md and */*.md, excluding
// READMEs and dotfiles.
func NewDiscoverer(opts ...DiscovererOption) (*Discoverer, error) {
	d := &Discoverer{
		patterns:    []string{"*.md", "*/*.md"},
		exclude:     []string{"README.md", "**/README.md", ".*", "**/.*"},
		readTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, errors.Wrap(err, "failed to apply discoverer option")
		}
	}
	return d, nil
}

// Discover scans every tier. Unreadable or malformed files become invalid
// records; nothing aborts the pass except ctx being cancelled.
func (d *Discoverer) Discover(ctx context.Context, tierList []agenttypes.Tier) (*DiscoveryResult, error) {
	result := &DiscoveryResult{Records: make(map[string][]*agenttypes.RawRecord)}
	var diagnostics *multierror.Error

	for _, tier := range tierList {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "discovery cancelled")
		}

		records, err := d.scanTier(ctx, tier)
		diagnostics = multierror.Append(diagnostics, err)

		for _, rec := range records {
			name := rec.Definition.Name
			result.Records[name] = append(result.Records[name], rec)
		}
	}

	result.Diagnostics = diagnostics.ErrorOrNil()
	return result, nil
}

// scanTier returns one record per agent name found in tier.
func (d *Discoverer) scanTier(ctx context.Context, tier agenttypes.Tier) ([]*agenttypes.RawRecord, error) {
	log := logger.G(ctx).WithField("tier", tier.Kind).WithField("path", tier.Path)

	if tier.FS == nil {
		return nil, nil
	}

	candidates, err := d.candidates(tier.FS)
	if err != nil {
		log.WithError(err).Warn("failed to enumerate agent files")
		return nil, errors.Wrapf(err, "failed to enumerate tier '%s'", tier.Path)
	}

	var diagnostics *multierror.Error
	byName := make(map[string]*agenttypes.RawRecord)
	var order []string

	for _, rel := range candidates {
		rec := d.load(ctx, tier, rel)
		if rec.Err != nil {
			diagnostics = multierror.Append(diagnostics, rec.Err)
			log.WithError(rec.Err).WithField("file", rel).Warn("invalid agent definition")
		}

		name := rec.Definition.Name
		if declared := rec.Fields.Name; declared != "" && declared != name {
			log.WithField("agent", name).WithField("declared", declared).
				Warn("frontmatter name differs from file name, using file name")
		}

		existing, ok := byName[name]
		if !ok {
			byName[name] = rec
			order = append(order, name)
			continue
		}
		// same tier duplicates: most recently modified wins
		if rec.Definition.ModTime.After(existing.Definition.ModTime) {
			byName[name] = rec
			log.WithField("agent", name).WithField("kept", rec.Definition.Path).
				WithField("dropped", existing.Definition.Path).Warn("duplicate agent in tier")
		} else {
			log.WithField("agent", name).WithField("kept", existing.Definition.Path).
				WithField("dropped", rec.Definition.Path).Warn("duplicate agent in tier")
		}
	}

	records := make([]*agenttypes.RawRecord, 0, len(order))
	for _, name := range order {
		records = append(records, byName[name])
	}
	return records, diagnostics.ErrorOrNil()
}

// Candidates lists the tier-relative paths of candidate files in fsys.
func (d *Discoverer) Candidates(fsys fs.FS) ([]string, error) {
	return d.candidates(fsys)
}

// candidates lists matching regular files in glob order, without duplicates.
func (d *Discoverer) candidates(fsys fs.FS) ([]string, error) {
	var result []string
	seen := make(map[string]bool)

	for _, pattern := range d.patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if seen[m] || d.excluded(m) {
				continue
			}
			seen[m] = true
			info, err := fs.Stat(fsys, m)
			if err != nil || info.IsDir() {
				continue
			}
			result = append(result, m)
		}
	}
	return result, nil
}

func (d *Discoverer) excluded(rel string) bool {
	for _, pattern := range d.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Matches reports whether a tier-relative slash path is a candidate file.
// The tracker uses it to filter filesystem events.
func (d *Discoverer) Matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	if d.excluded(rel) {
		return false
	}
	for _, pattern := range d.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Load reads and parses a single file of tier. rel is slash separated and
// relative to the tier root.
func (d *Discoverer) Load(ctx context.Context, tier agenttypes.Tier, rel string) *agenttypes.RawRecord {
	return d.load(ctx, tier, rel)
}

func (d *Discoverer) load(ctx context.Context, tier agenttypes.Tier, rel string) *agenttypes.RawRecord {
	def := agenttypes.AgentDefinition{
		Name: AgentName(rel),
		Path: TierFilePath(tier, rel),
		Tier: tier,
	}

	content, info, err := d.readFile(ctx, tier.FS, rel)
	if info != nil {
		def.ModTime = info.ModTime()
		def.Size = info.Size()
	}
	if err != nil {
		return &agenttypes.RawRecord{
			Definition: def,
			Err:        &agenttypes.ParseError{Path: def.Path, Err: err},
		}
	}

	def.Content = content
	return Parse(def)
}

type readResult struct {
	content []byte
	info    fs.FileInfo
	err     error
}

// readFile reads name with the configured timeout. A read that hangs is
// abandoned; its goroutine finishes on its own.
func (d *Discoverer) readFile(ctx context.Context, fsys fs.FS, name string) ([]byte, fs.FileInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.readTimeout)
	defer cancel()

	ch := make(chan readResult, 1)
	go func() {
		info, err := fs.Stat(fsys, name)
		if err != nil {
			ch <- readResult{err: err}
			return
		}
		content, err := fs.ReadFile(fsys, name)
		if content == nil && err == nil {
			content = []byte{}
		}
		ch <- readResult{content: content, info: info, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.info, errors.Wrap(r.err, "failed to read agent file")
		}
		return r.content, r.info, nil
	case <-ctx.Done():
		return nil, nil, errors.Wrapf(ctx.Err(), "timed out reading agent file after %s", d.readTimeout)
	}
}

// AgentName is the file stem of a definition path.
func AgentName(p string) string {
	base := path.Base(filepath.ToSlash(p))
	return strings.TrimSuffix(base, path.Ext(base))
}

// TierFilePath is the display path of rel inside tier.
func TierFilePath(tier agenttypes.Tier, rel string) string {
	if tier.Builtin {
		return tiers.BuiltinPath + "/" + rel
	}
	return filepath.Join(tier.Path, filepath.FromSlash(rel))
}
