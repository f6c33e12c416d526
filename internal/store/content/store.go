package content

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/voxelforge/engine/pkg/types"
)

// ErrNotFound is returned when no blob exists for a hash.
var ErrNotFound = errors.New("blob not found")

// knownExts are the extensions Put may have appended to a blob file, in
// lookup order.
var knownExts = []string{"", types.ExtSnappy, types.ExtLZ4}

// Store is a content-addressed blob store. Bytes are identified by the hex
// sha256 digest of their content and stored once; same-hash writes are
// idempotent no-ops, which makes the store safe for concurrent writers.
type Store struct {
	root      string
	algorithm string
	logger    *zap.Logger
}

// NewStore creates a blob store rooted at dir. The directory is created if
// missing.
func NewStore(dir, algorithm string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{root: dir, algorithm: algorithm, logger: logger}, nil
}

// Hash returns the hex sha256 digest of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Put stores content and returns its hash. If a blob with the same hash
// already exists the call is a no-op.
func (s *Store) Put(content []byte) (string, error) {
	hash := Hash(content)

	if s.Exists(hash) {
		s.logger.Debug("Blob already present", zap.String("hash", hash))
		return hash, nil
	}

	compressed, ext, err := Compress(content, s.algorithm)
	if err != nil {
		return "", fmt.Errorf("failed to compress blob: %w", err)
	}

	path := s.blobPath(hash, ext)
	if err := s.writeAtomic(path, compressed); err != nil {
		return "", err
	}

	s.logger.Debug("Blob stored",
		zap.String("hash", hash),
		zap.Int("size", len(content)),
		zap.Int("disk_size", len(compressed)))

	return hash, nil
}

// Get returns the (decompressed) bytes of the blob for hash.
func (s *Store) Get(hash string) ([]byte, error) {
	path, err := s.Resolve(hash)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}

	content, err := Decompress(raw, path)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob %s: %w", hash, err)
	}

	return content, nil
}

// Exists reports whether a blob for hash is on disk.
func (s *Store) Exists(hash string) bool {
	_, err := s.Resolve(hash)
	return err == nil
}

// Resolve returns the on-disk path of the blob for hash, trying each known
// compression extension.
func (s *Store) Resolve(hash string) (string, error) {
	for _, ext := range knownExts {
		path := s.blobPath(hash, ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, hash)
}

// blobPath shards blobs two directory levels deep by the first four hex
// characters of the digest, bounding per-directory fan-out.
func (s *Store) blobPath(hash, ext string) string {
	return filepath.Join(s.root, hash[0:2], hash[2:4], hash+ext)
}

// writeAtomic writes to a temp file and renames into place so concurrent
// readers never observe partial blobs.
func (s *Store) writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write temp blob: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp blob: %w", err)
	}

	return nil
}
