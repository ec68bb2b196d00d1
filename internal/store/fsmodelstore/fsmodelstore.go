// Package fsmodelstore implements domain.ModelStore as a directory of
// checkpoint files named after their keys, one per item or category key, with
// atomic publication and a quarantine suffix for corrupt entries.
package fsmodelstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tutu-network/forecast-core/internal/domain"
	"github.com/tutu-network/forecast-core/internal/forecast/checkpoint"
)

// Store persists checkpoints as binary envelope files under a root
// directory. Keys such as "items/milk" and "pretrained/Dairy" map directly
// onto subdirectories, mirroring the checkpoint package's key convention.
type Store struct {
	root string
}

// New returns a Store rooted at dir. The directory is created on first
// write if it does not exist.
func New(dir string) *Store {
	return &Store{root: dir}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+".ckpt")
}

func (s *Store) quarantinePath(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+".ckpt.bad")
}

// Load reads and decodes the checkpoint at key. A missing file is not an
// error: it returns (nil, nil) so callers fall through to the next
// warm-start source. A checksum or schema mismatch quarantines nothing by
// itself — Quarantine is the caller's explicit follow-up, per
// domain.ModelStore's contract.
func (s *Store) Load(ctx context.Context, key string) (*domain.ModelCheckpoint, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, "", "read checkpoint "+key, err)
	}
	ckpt, err := checkpoint.Decode(data)
	if err != nil {
		return nil, domain.NewForecastError(domain.KindCheckpointCorrupt, "", "decode checkpoint "+key, err)
	}
	return &ckpt, nil
}

// Store encodes ckpt and publishes it atomically: write to a temp file in
// the same directory, fsync, then rename over the destination. A reader can
// never observe a partially written file.
func (s *Store) Store(ctx context.Context, key string, ckpt domain.ModelCheckpoint) error {
	data, err := checkpoint.Encode(ckpt)
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, "", "encode checkpoint "+key, err)
	}

	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, "", "create checkpoint dir for "+key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, "", "create temp file for "+key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return domain.NewForecastError(domain.KindStoreUnavailable, "", "write checkpoint "+key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return domain.NewForecastError(domain.KindStoreUnavailable, "", "sync checkpoint "+key, err)
	}
	if err := tmp.Close(); err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, "", "close checkpoint "+key, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, "", "publish checkpoint "+key, err)
	}
	return nil
}

// ListCategories walks the pretrained/ subtree and returns the category
// names with a persisted warm-start checkpoint.
func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	dir := filepath.Join(s.root, "pretrained")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, "", "list categories", err)
	}
	var categories []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasSuffix(name, ".ckpt") {
			categories = append(categories, strings.TrimSuffix(name, ".ckpt"))
		}
	}
	return categories, nil
}

// Quarantine renames the backing file to a .bad suffix so future Load calls
// see it as absent and fall through to the next warm-start source.
func (s *Store) Quarantine(ctx context.Context, key, reason string) error {
	src := s.path(key)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dest := s.quarantinePath(key)
	if err := os.Rename(src, dest); err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, "", "quarantine checkpoint "+key, err)
	}
	if err := os.WriteFile(dest+".reason", []byte(reason), 0o644); err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, "", fmt.Sprintf("write quarantine reason for %s", key), err)
	}
	return nil
}
