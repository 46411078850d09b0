package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/worldvault/server/internal/save"
	"go.uber.org/zap"
)

// FileStore keeps one snapshot file per slot under a configurable directory
// (a platform per-user writable dir in a real deployment). Writes go to a
// temp file first and are moved into place with rename, so a crash can never
// leave a truncated document at the canonical path.
type FileStore struct {
	dir string
	log *zap.Logger
}

func NewFileStore(dir string, log *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create save dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, log: log}, nil
}

func (s *FileStore) Write(_ context.Context, slot string, data []byte) error {
	path, err := s.slotPath(slot)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	s.log.Debug("快照已寫入", zap.String("path", path), zap.Int("bytes", len(data)))
	return nil
}

func (s *FileStore) Read(_ context.Context, slot string) ([]byte, error) {
	path, err := s.slotPath(slot)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, save.ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// slotPath rejects slot names that would escape the save directory.
func (s *FileStore) slotPath(slot string) (string, error) {
	if slot == "" || strings.ContainsAny(slot, `/\`) || strings.Contains(slot, "..") || slot != filepath.Base(slot) {
		return "", fmt.Errorf("invalid slot name %q", slot)
	}
	return filepath.Join(s.dir, slot+".json"), nil
}
