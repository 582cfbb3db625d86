package persistence

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jingkaihe/agentry/pkg/logger"
	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

const (
	backupExt     = ".md"
	backupMetaExt = ".json"

	// sortable and filesystem safe
	backupStampLayout = "20060102T150405.000000000Z"
)

// Backup describes one saved copy of an agent file.
type Backup struct {
	Ref       string              `json:"ref"`
	Agent     string              `json:"agent"`
	Tier      agenttypes.TierKind `json:"tier"`
	Path      string              `json:"path"`
	Hash      string              `json:"hash"`
	Size      int64               `json:"size"`
	CreatedAt time.Time           `json:"created_at"`
}

func (s *Service) agentBackupDir(name string) string {
	return filepath.Join(s.backupDir, name)
}

// refPaths maps a backup reference to its content and metadata files.
func (s *Service) refPaths(ref string) (string, string, error) {
	agent, id, ok := strings.Cut(ref, "/")
	if !ok || agent == "" || id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", "", errors.Errorf("invalid backup reference '%s'", ref)
	}
	if err := validateName(agent); err != nil {
		return "", "", errors.Errorf("invalid backup reference '%s'", ref)
	}
	base := filepath.Join(s.agentBackupDir(agent), id)
	return base + backupExt, base + backupMetaExt, nil
}

// backup saves content as the newest backup of name and prunes the oldest
// ones beyond the retention limit.
func (s *Service) backup(ctx context.Context, name string, tier agenttypes.TierKind, path string, content []byte) (Backup, error) {
	now := s.now().UTC()
	id := now.Format(backupStampLayout) + "-" + string(tier) + "-" + uuid.NewString()[:8]
	b := Backup{
		Ref:       name + "/" + id,
		Agent:     name,
		Tier:      tier,
		Path:      path,
		Hash:      agenttypes.HashContent(content),
		Size:      int64(len(content)),
		CreatedAt: now,
	}

	contentPath, metaPath, err := s.refPaths(b.Ref)
	if err != nil {
		return b, err
	}
	meta, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return b, errors.Wrap(err, "failed to marshal backup metadata")
	}

	err = s.withRetry(ctx, "backup", contentPath, func() error {
		if err := writeFileAtomic(contentPath, content, 0o644); err != nil {
			return err
		}
		return writeFileAtomic(metaPath, meta, 0o644)
	})
	if err != nil {
		return b, err
	}

	logger.G(ctx).WithField("agent", name).WithField("backup", b.Ref).Debug("backed up agent file")
	s.pruneBackups(ctx, name)
	return b, nil
}

// ListBackups returns the backups of name, newest first.
func (s *Service) ListBackups(ctx context.Context, name string) ([]Backup, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.agentBackupDir(name))
	if errors.Is(err, fs.ErrNotExist) {
		return []Backup{}, nil
	}
	if err != nil {
		return nil, agenttypes.NewIOError("list backups", s.agentBackupDir(name), err)
	}

	backups := make([]Backup, 0, len(entries))
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || strings.HasPrefix(fileName, ".") || !strings.HasSuffix(fileName, backupMetaExt) {
			continue
		}
		b, err := s.readBackup(name + "/" + strings.TrimSuffix(fileName, backupMetaExt))
		if err != nil {
			logger.G(ctx).WithError(err).WithField("agent", name).WithField("file", fileName).Warn("skipping unreadable backup")
			continue
		}
		backups = append(backups, b)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Ref > backups[j].Ref
	})
	return backups, nil
}

func (s *Service) readBackup(ref string) (Backup, error) {
	_, metaPath, err := s.refPaths(ref)
	if err != nil {
		return Backup{}, err
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Backup{}, errors.Wrapf(agenttypes.ErrNotFound, "backup '%s'", ref)
		}
		return Backup{}, agenttypes.NewIOError("read backup", metaPath, err)
	}
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return Backup{}, errors.Wrapf(err, "corrupt backup metadata '%s'", metaPath)
	}
	b.Ref = ref
	return b, nil
}

// BackupContent returns the metadata and saved bytes of ref.
func (s *Service) BackupContent(ref string) (Backup, []byte, error) {
	b, err := s.readBackup(ref)
	if err != nil {
		return Backup{}, nil, err
	}
	contentPath, _, _ := s.refPaths(ref)
	content, err := os.ReadFile(contentPath)
	if err != nil {
		return Backup{}, nil, agenttypes.NewIOError("read backup", contentPath, err)
	}
	if agenttypes.HashContent(content) != b.Hash {
		return Backup{}, nil, agenttypes.NewIOError("read backup", contentPath,
			errors.New("backup content does not match its recorded hash"))
	}
	return b, content, nil
}

func (s *Service) pruneBackups(ctx context.Context, name string) {
	backups, err := s.ListBackups(ctx, name)
	if err != nil || len(backups) <= s.retention {
		return
	}
	for _, b := range backups[s.retention:] {
		contentPath, metaPath, err := s.refPaths(b.Ref)
		if err != nil {
			continue
		}
		for _, p := range []string{contentPath, metaPath} {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.G(ctx).WithError(err).WithField("path", p).Warn("failed to prune backup")
			}
		}
	}
}
