// Package classifier assigns a type to raw agent records, extracts their
// specializations, frameworks, domains and roles, and computes a validation
// score from a weighted checklist.
package classifier

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/config"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// CustomType is assigned when nothing in the tables matches.
const CustomType = "custom"

// nameWeight is how much a keyword hit in the agent name counts compared to
// a hit in the content.
const nameWeight = 3

// Weights are the checklist points.
type Weights struct {
	Readable       float64
	WellFormed     float64
	Description    float64
	Capabilities   float64
	Specialization float64
	Signal         float64
	HybridBonus    float64
}

// Config tunes scoring and hybrid detection.
type Config struct {
	Weights     Weights
	MinScore    float64
	HybridRatio float64
	MinStrength int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.Default().Classifier)
}

// ConfigFrom converts the loaded configuration section.
func ConfigFrom(c config.ClassifierConfig) Config {
	return Config{
		Weights: Weights{
			Readable:       c.Weights.Readable,
			WellFormed:     c.Weights.WellFormed,
			Description:    c.Weights.Description,
			Capabilities:   c.Weights.Capabilities,
			Specialization: c.Weights.Specialization,
			Signal:         c.Weights.Signal,
			HybridBonus:    c.Weights.HybridBonus,
		},
		MinScore:    c.MinScore,
		HybridRatio: c.HybridRatio,
		MinStrength: c.MinStrength,
	}
}

type matcher struct {
	label   string
	words   []string
	regexes []*regexp.Regexp
}

func newMatcher(label string, keywords []string) (*matcher, error) {
	m := &matcher{label: label}
	if err := m.add(keywords...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *matcher) add(keywords ...string) error {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		re, err := compileKeyword(kw)
		if err != nil {
			return errors.Wrapf(err, "invalid keyword '%s' for '%s'", kw, m.label)
		}
		m.words = append(m.words, kw)
		m.regexes = append(m.regexes, re)
	}
	return nil
}

// hits counts the distinct keywords found in text.
func (m *matcher) hits(text string) int {
	n := 0
	for _, re := range m.regexes {
		if re.MatchString(text) {
			n++
		}
	}
	return n
}

func compileKeyword(kw string) (*regexp.Regexp, error) {
	parts := strings.Split(kw, "_")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile(`\b` + strings.Join(parts, `[_\s-]`) + `\b`)
}

func compileGroups(groups []group) ([]*matcher, error) {
	result := make([]*matcher, 0, len(groups))
	for _, g := range groups {
		m, err := newMatcher(g.label, g.keywords)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, nil
}

// Classifier is safe for concurrent use.
type Classifier struct {
	cfg Config

	mu          sync.RWMutex
	core        []*matcher
	specialized []*matcher
	frameworks  []*matcher
	roles       []*matcher
	domains     []*matcher
}

// Option configures a Classifier
type Option func(*Classifier) error

// WithExtraPatterns registers keywords per type on top of the built-in tables.
func WithExtraPatterns(patterns map[string][]string) Option {
	return func(c *Classifier) error {
		labels := make([]string, 0, len(patterns))
		for label := range patterns {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			if err := c.register(label, patterns[label]...); err != nil {
				return err
			}
		}
		return nil
	}
}

// New builds a classifier from the built-in keyword tables.
func New(cfg Config, opts ...Option) (*Classifier, error) {
	c := &Classifier{cfg: cfg}

	var err error
	if c.core, err = compileGroups(coreKeywords); err != nil {
		return nil, err
	}
	if c.specialized, err = compileGroups(specializedKeywords); err != nil {
		return nil, err
	}
	if c.frameworks, err = compileGroups(frameworkKeywords); err != nil {
		return nil, err
	}
	if c.roles, err = compileGroups(roleKeywords); err != nil {
		return nil, err
	}
	if c.domains, err = compileGroups(domainKeywords); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "failed to apply classifier option")
		}
	}

	return c, nil
}

// RegisterPattern adds keywords to a type. Unknown types become new
// specialized types.
func (c *Classifier) RegisterPattern(agentType string, keywords ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.register(agentType, keywords...)
}

func (c *Classifier) register(agentType string, keywords ...string) error {
	agentType = normalizeLabel(agentType)
	if agentType == "" {
		return errors.New("agent type cannot be empty")
	}
	for _, table := range [][]*matcher{c.core, c.specialized} {
		for _, m := range table {
			if m.label == agentType {
				return m.add(keywords...)
			}
		}
	}
	m, err := newMatcher(agentType, keywords)
	if err != nil {
		return err
	}
	c.specialized = append(c.specialized, m)
	return nil
}

// MeetsMinimum reports whether score clears the configured minimum.
func (c *Classifier) MeetsMinimum(score float64) bool {
	return score >= c.cfg.MinScore
}

// MinScore returns the configured minimum score.
func (c *Classifier) MinScore() float64 {
	return c.cfg.MinScore
}

// IsCoreType reports whether t is one of the fixed core types.
func IsCoreType(t string) bool {
	for _, core := range CoreTypes {
		if core == t {
			return true
		}
	}
	return false
}

// Types returns every known type label, core types first.
func (c *Classifier) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, 0, len(c.core)+len(c.specialized))
	for _, m := range c.core {
		result = append(result, m.label)
	}
	for _, m := range c.specialized {
		result = append(result, m.label)
	}
	return result
}

type strength struct {
	label string
	value int
}

// Classify computes the metadata of one raw record. Records are classified
// independently; nothing here depends on other tiers.
func (c *Classifier) Classify(rec *agenttypes.RawRecord) agenttypes.AgentMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def := rec.Definition
	f := rec.Fields

	meta := agenttypes.AgentMetadata{
		Name:        def.Name,
		Tier:        def.Tier.Kind,
		TierLevel:   def.Tier.Level,
		Path:        def.Path,
		Description: strings.TrimSpace(f.Description),
		Version:     f.Version,
		Validated:   rec.Valid(),
		ContentHash: agenttypes.HashContent(def.Content),
		ModTime:     def.ModTime,
		Size:        def.Size,
	}
	if rec.Err != nil {
		meta.ErrorMessage = rec.Err.Error()
	}

	// capabilities may carry prefixed metadata
	var specs, frameworks, domains, roles []string
	for _, capability := range f.Capabilities {
		capability = strings.TrimSpace(capability)
		switch {
		case capability == "":
		case strings.HasPrefix(capability, "specialization:"):
			specs = append(specs, strings.TrimPrefix(capability, "specialization:"))
		case strings.HasPrefix(capability, "framework:"):
			frameworks = append(frameworks, strings.TrimPrefix(capability, "framework:"))
		case strings.HasPrefix(capability, "domain:"):
			domains = append(domains, strings.TrimPrefix(capability, "domain:"))
		case strings.HasPrefix(capability, "role:"):
			roles = append(roles, strings.TrimPrefix(capability, "role:"))
		default:
			meta.Capabilities = append(meta.Capabilities, capability)
		}
	}

	name := strings.ToLower(strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(def.Name))
	text := strings.ToLower(strings.Join([]string{
		f.Description,
		strings.Join(f.Capabilities, "\n"),
		strings.Join(f.Specializations, "\n"),
		rec.Body,
	}, "\n"))

	// pass 1: type
	coreStrengths := c.strengths(c.core, name, text)
	specializedStrengths := c.strengths(c.specialized, name, text)
	meta.Type = c.primaryType(f.Type, coreStrengths, specializedStrengths)
	meta.HybridTypes = c.hybridTypes(coreStrengths)
	meta.IsHybrid = len(meta.HybridTypes) >= 2
	if !meta.IsHybrid {
		meta.HybridTypes = nil
	}

	// pass 2: specializations, frameworks, domains, roles
	specs = append(append(specs, f.Specializations...), detected(specializedStrengths, c.cfg.MinStrength)...)
	frameworks = append(append(frameworks, f.Frameworks...), scan(c.frameworks, text)...)
	domains = append(append(domains, f.Domains...), scan(c.domains, text)...)
	roles = append(append(roles, f.Roles...), scan(c.roles, text)...)

	meta.Specializations = dedupe(specs)
	meta.Frameworks = dedupe(frameworks)
	meta.Domains = dedupe(domains)
	meta.Roles = dedupe(roles)
	meta.Capabilities = dedupe(meta.Capabilities)

	meta.Complexity = Complexity(len(meta.Capabilities) + len(meta.Specializations))
	meta.ValidationScore = c.score(rec, &meta)

	return meta
}

func (c *Classifier) strengths(table []*matcher, name, text string) []strength {
	result := make([]strength, 0, len(table))
	for _, m := range table {
		v := m.hits(name)*nameWeight + m.hits(text)
		result = append(result, strength{label: m.label, value: v})
	}
	return result
}

func strongest(s []strength) strength {
	var top strength
	for _, st := range s {
		if st.value > top.value {
			top = st
		}
	}
	return top
}

func (c *Classifier) primaryType(declared string, core, specialized []strength) string {
	if declared = normalizeLabel(declared); declared != "" {
		return declared
	}

	topCore := strongest(core)
	topSpecialized := strongest(specialized)
	switch {
	case topCore.value >= c.cfg.MinStrength:
		return topCore.label
	case topSpecialized.value >= c.cfg.MinStrength:
		return topSpecialized.label
	case topCore.value > 0:
		return topCore.label
	case topSpecialized.value > 0:
		return topSpecialized.label
	}
	return CustomType
}

// hybridTypes returns the core types whose strength is comparable to the
// strongest one, strongest first.
func (c *Classifier) hybridTypes(core []strength) []string {
	top := strongest(core)
	if top.value < c.cfg.MinStrength {
		return nil
	}
	threshold := c.cfg.HybridRatio * float64(top.value)

	var matched []strength
	for _, st := range core {
		if st.value >= c.cfg.MinStrength && float64(st.value) >= threshold {
			matched = append(matched, st)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].value != matched[j].value {
			return matched[i].value > matched[j].value
		}
		return matched[i].label < matched[j].label
	})

	result := make([]string, 0, len(matched))
	for _, st := range matched {
		result = append(result, st.label)
	}
	return result
}

func detected(s []strength, minStrength int) []string {
	var result []string
	for _, st := range s {
		if st.value >= minStrength {
			result = append(result, st.label)
		}
	}
	return result
}

func scan(table []*matcher, text string) []string {
	var result []string
	for _, m := range table {
		if m.hits(text) > 0 {
			result = append(result, m.label)
		}
	}
	return result
}

// score evaluates the checklist. A hybrid record averages the checklist over
// each of its types and adds the bonus. The result never exceeds 100.
func (c *Classifier) score(rec *agenttypes.RawRecord, meta *agenttypes.AgentMetadata) float64 {
	w := c.cfg.Weights

	base := 0.0
	if rec.Definition.Content != nil {
		base += w.Readable
	}
	if rec.WellFormed && rec.Err == nil {
		base += w.WellFormed
	}
	if meta.Description != "" {
		base += w.Description
	}
	if len(meta.Capabilities) > 0 {
		base += w.Capabilities
	}
	base += math.Min(1, float64(len(meta.Frameworks)+len(meta.Domains))/2) * w.Signal

	if !meta.IsHybrid {
		return capScore(base + c.alignment(meta.Type, meta.Specializations))
	}

	total := 0.0
	for _, t := range meta.HybridTypes {
		total += base + c.alignment(t, meta.Specializations)
	}
	return capScore(total/float64(len(meta.HybridTypes)) + w.HybridBonus)
}

// alignment gives full points when a specialization matches agentType, a
// third when specializations exist but none match, and nothing otherwise.
func (c *Classifier) alignment(agentType string, specs []string) float64 {
	if len(specs) == 0 {
		return 0
	}
	var m *matcher
	for _, table := range [][]*matcher{c.core, c.specialized} {
		for _, candidate := range table {
			if candidate.label == agentType {
				m = candidate
			}
		}
	}
	for _, spec := range specs {
		spec = normalizeLabel(spec)
		if spec == agentType {
			return c.cfg.Weights.Specialization
		}
		if m != nil && m.hits(strings.ReplaceAll(spec, "_", " ")) > 0 {
			return c.cfg.Weights.Specialization
		}
	}
	return c.cfg.Weights.Specialization / 3
}

// Complexity buckets a combined capability and specialization count.
func Complexity(count int) agenttypes.ComplexityLevel {
	switch {
	case count >= 10:
		return agenttypes.ComplexityExpert
	case count >= 6:
		return agenttypes.ComplexityAdvanced
	case count >= 3:
		return agenttypes.ComplexityIntermediate
	default:
		return agenttypes.ComplexityBasic
	}
}

func capScore(v float64) float64 {
	v = math.Max(0, math.Min(100, v))
	return math.Round(v*10) / 10
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	result := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, s)
	}
	return result
}
