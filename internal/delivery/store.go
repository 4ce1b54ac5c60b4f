package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
)

// ArtifactStore holds artifact files on disk. It has no delivery logic.
type ArtifactStore interface {
	Read(path string) ([]byte, error)
	Delete(ctx context.Context, path string)
	Quarantine(path string, dest Destination) (string, error)
	QuarantineDir(dest Destination) (string, bool)
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	// QuarantineDirs maps destinations to their unsent directory.
	// Destinations without an entry run in degraded mode.
	QuarantineDirs map[Destination]string
	DeleteAttempts int
	DeleteDelay    time.Duration
	Logger         *zap.Logger
	Sleep          SleepFunc
}

// FileStore is the filesystem ArtifactStore.
type FileStore struct {
	quarantine     map[Destination]string
	deleteAttempts int
	deleteDelay    time.Duration
	log            *zap.Logger
	sleep          SleepFunc

	// remove and rename are swapped in tests to simulate a locked file.
	remove func(string) error
	rename func(string, string) error
}

func NewFileStore(config FileStoreConfig) *FileStore {
	s := &FileStore{
		quarantine:     make(map[Destination]string, len(config.QuarantineDirs)),
		deleteAttempts: config.DeleteAttempts,
		deleteDelay:    config.DeleteDelay,
		log:            config.Logger,
		sleep:          config.Sleep,
		remove:         os.Remove,
		rename:         os.Rename,
	}
	for dest, dir := range config.QuarantineDirs {
		if dir != "" {
			s.quarantine[dest] = dir
		}
	}
	if s.deleteAttempts <= 0 {
		s.deleteAttempts = 3
	}
	if s.deleteDelay <= 0 {
		s.deleteDelay = time.Second
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.sleep == nil {
		s.sleep = Sleep
	}
	return s
}

func (s *FileStore) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Delete removes path, retrying a bounded number of times because the OS can
// hold a transient lock on a freshly sent file. A file that is already gone
// counts as deleted. Exhaustion is logged and swallowed.
func (s *FileStore) Delete(ctx context.Context, path string) {
	var err error
	for i := 0; i < s.deleteAttempts; i++ {
		err = s.remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			s.log.Debug("artifact deleted", zap.String("path", path))
			return
		}
		s.log.Warn("delete failed",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Error(err))
		if i < s.deleteAttempts-1 {
			if s.sleep(ctx, s.deleteDelay) != nil {
				break
			}
		}
	}
	s.log.Error("giving up on delete, file left behind", zap.String("path", path), zap.Error(err))
}

func (s *FileStore) QuarantineDir(dest Destination) (string, bool) {
	dir, ok := s.quarantine[dest]
	return dir, ok
}

// Quarantine moves path into dest's unsent directory under the same name,
// replacing any earlier copy of that name. The rename is atomic on a single
// filesystem.
func (s *FileStore) Quarantine(path string, dest Destination) (string, error) {
	dir, ok := s.quarantine[dest]
	if !ok {
		return "", ErrNoQuarantine
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrQuarantineFailed, dir, err)
	}

	target := filepath.Join(dir, filepath.Base(path))
	if err := s.rename(path, target); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrQuarantineFailed, path, err)
	}
	return target, nil
}

// ListQuarantined returns the artifacts sitting in dest's unsent directory in
// sequence order.
func (s *FileStore) ListQuarantined(dest Destination) ([]Artifact, error) {
	dir, ok := s.quarantine[dest]
	if !ok {
		return nil, ErrNoQuarantine
	}
	return Pending(dir)
}

// Requeue moves a quarantined file back into dir so a producer picks it up
// again.
func (s *FileStore) Requeue(dest Destination, name, dir string) (string, error) {
	qdir, ok := s.quarantine[dest]
	if !ok {
		return "", ErrNoQuarantine
	}
	if filepath.Base(name) != name {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(dir, name)
	if err := s.rename(filepath.Join(qdir, name), target); err != nil {
		return "", fmt.Errorf("requeue %s: %w", name, err)
	}
	return target, nil
}

// Pending lists the artifact files directly inside dir, ordered by sequence
// and then by name. Non-artifact entries and subdirectories are skipped.
func Pending(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []Artifact
	for _, e := range entries {
		if e.IsDir() || !IsArtifactName(e.Name()) {
			continue
		}
		a, err := ParseArtifact(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

var _ ArtifactStore = (*FileStore)(nil)
