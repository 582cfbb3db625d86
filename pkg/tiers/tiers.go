// Package tiers resolves the ordered list of directories agent definitions are
// discovered from: the current directory, each ancestor up to the filesystem
// root, the user home directory and finally the read-only system tier.
package tiers

import (
	"context"
	"embed"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/logger"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

//go:embed builtin/*.md
var builtinFS embed.FS

// BuiltinPath is the display path of the embedded system tier.
const BuiltinPath = "builtin:agents"

// BuiltinFS returns the embedded system agents rooted at their directory.
func BuiltinFS() fs.FS {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		// the embed pattern guarantees the directory
		panic(err)
	}
	return sub
}

// Resolver computes tier lists.
type Resolver struct {
	agentDirName string
	userDir      string
	systemDir    string
	homeDir      string
}

// Option configures a Resolver
type Option func(*Resolver) error

// WithAgentDirName sets the directory name joined onto the current directory
// and each ancestor, e.g. ".agentry/agents".
func WithAgentDirName(name string) Option {
	return func(r *Resolver) error {
		if name == "" {
			return errors.New("agent directory name cannot be empty")
		}
		r.agentDirName = name
		return nil
	}
}

// WithUserDir sets the user-home agent directory.
func WithUserDir(dir string) Option {
	return func(r *Resolver) error {
		r.userDir = dir
		return nil
	}
}

// WithSystemDir points the system tier at an on-disk directory instead of the
// embedded built-in agents.
func WithSystemDir(dir string) Option {
	return func(r *Resolver) error {
		r.systemDir = dir
		return nil
	}
}

// WithHomeDir overrides the home directory skipped during the ancestor walk.
func WithHomeDir(dir string) Option {
	return func(r *Resolver) error {
		r.homeDir = dir
		return nil
	}
}

// NewResolver creates a resolver. Without options it uses ".agentry/agents"
// and ~/.agentry/agents.
func NewResolver(opts ...Option) (*Resolver, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user home directory")
	}

	r := &Resolver{
		agentDirName: filepath.Join(".agentry", "agents"),
		userDir:      filepath.Join(homeDir, ".agentry", "agents"),
		homeDir:      homeDir,
	}

	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, errors.Wrap(err, "failed to apply tier resolver option")
		}
	}

	return r, nil
}

// Resolve returns the tiers visible from start, highest precedence first.
// Directories that do not exist are left out; the system tier is always last.
func (r *Resolver) Resolve(ctx context.Context, start string) ([]agenttypes.Tier, error) {
	start, err := filepath.Abs(start)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve start directory '%s'", start)
	}

	var result []agenttypes.Tier
	seen := make(map[string]bool)

	add := func(kind agenttypes.TierKind, path string) {
		path = filepath.Clean(path)
		if seen[path] || !isDir(path) {
			return
		}
		seen[path] = true
		result = append(result, agenttypes.Tier{
			Kind:  kind,
			Path:  path,
			Level: len(result),
			FS:    os.DirFS(path),
		})
	}

	add(agenttypes.TierProject, filepath.Join(start, r.agentDirName))

	home := filepath.Clean(r.homeDir)
	dir := start
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
		// the home agent directory is the user tier, not an ancestor
		if r.homeDir != "" && dir == home {
			continue
		}
		add(agenttypes.TierAncestor, filepath.Join(dir, r.agentDirName))
	}

	if r.userDir != "" {
		add(agenttypes.TierUser, r.userDir)
	}

	result = append(result, r.systemTier(ctx, len(result)))

	return result, nil
}

func (r *Resolver) systemTier(ctx context.Context, level int) agenttypes.Tier {
	if r.systemDir != "" {
		if isDir(r.systemDir) {
			return agenttypes.Tier{
				Kind:     agenttypes.TierSystem,
				Path:     filepath.Clean(r.systemDir),
				Level:    level,
				ReadOnly: true,
				FS:       os.DirFS(r.systemDir),
			}
		}
		logger.G(ctx).WithField("path", r.systemDir).Debug("System agent directory not found, using built-in agents")
	}

	return agenttypes.Tier{
		Kind:     agenttypes.TierSystem,
		Path:     BuiltinPath,
		Level:    level,
		ReadOnly: true,
		Builtin:  true,
		FS:       BuiltinFS(),
	}
}

// WritableDir returns the directory a write to kind lands in, whether or not
// it exists yet. Only the project and user tiers are writable.
func (r *Resolver) WritableDir(start string, kind agenttypes.TierKind) (string, error) {
	switch kind {
	case agenttypes.TierProject, "":
		start, err := filepath.Abs(start)
		if err != nil {
			return "", errors.Wrapf(err, "failed to resolve start directory '%s'", start)
		}
		return filepath.Join(start, r.agentDirName), nil
	case agenttypes.TierUser:
		if r.userDir == "" {
			return "", errors.New("no user agent directory configured")
		}
		return r.userDir, nil
	case agenttypes.TierSystem:
		return "", agenttypes.ErrReadOnly
	default:
		return "", errors.Errorf("tier '%s' is not a write target", kind)
	}
}

// UserDir returns the configured user-home agent directory.
func (r *Resolver) UserDir() string {
	return r.userDir
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
