package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// ErrArchiveValidation wraps fatal archive-level violations. Per-member
// violations are skips, not errors.
var ErrArchiveValidation = errors.New("archive validation failed")

// Limits bounds extraction of untrusted archives.
type Limits struct {
	MaxFileCount        int
	MaxSingleFileSize   int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
	Extensions          []string
}

// DefaultLimits are the production extraction bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxFileCount:        100,
		MaxSingleFileSize:   25 * 1024 * 1024,
		MaxTotalSize:        100 * 1024 * 1024,
		MaxCompressionRatio: 100,
		Extensions:          []string{".schem", ".schematic", ".nbt", ".litematic"},
	}
}

// Member is one successfully extracted archive member.
type Member struct {
	Name string // name inside the archive
	Path string // absolute path in the workspace
	Size int64
}

// Result reports what an extraction produced.
type Result struct {
	WorkDir string
	Members []Member
	Skipped []string // member names skipped with a reason suffix
}

// Extractor unpacks untrusted zip archives into fresh temporary
// workspaces under bounded resource limits.
type Extractor struct {
	limits Limits
	logger *zap.Logger
}

// NewExtractor creates an archive extractor.
func NewExtractor(limits Limits, logger *zap.Logger) *Extractor {
	if limits.MaxFileCount <= 0 {
		limits = DefaultLimits()
	}
	return &Extractor{limits: limits, logger: logger}
}

// Extract unpacks archive bytes into a fresh temporary directory. Archive
// level violations (member count, total size, compression ratio) are
// fatal and abort the whole extraction; per-member violations (path
// traversal, oversize member, unsupported extension) skip the member and
// continue. The caller owns the returned workspace and must remove it.
func (e *Extractor) Extract(archive []byte) (*Result, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid zip archive: %v", ErrArchiveValidation, err)
	}

	if len(reader.File) > e.limits.MaxFileCount {
		return nil, fmt.Errorf("%w: archive has %d members, limit is %d",
			ErrArchiveValidation, len(reader.File), e.limits.MaxFileCount)
	}

	var declaredTotal uint64
	var declaredCompressed uint64
	for _, f := range reader.File {
		declaredTotal += f.UncompressedSize64
		declaredCompressed += f.CompressedSize64
	}
	if declaredTotal > uint64(e.limits.MaxTotalSize) {
		return nil, fmt.Errorf("%w: declared size %d exceeds limit %d",
			ErrArchiveValidation, declaredTotal, e.limits.MaxTotalSize)
	}
	if declaredCompressed > 0 {
		ratio := float64(declaredTotal) / float64(declaredCompressed)
		if ratio > e.limits.MaxCompressionRatio {
			return nil, fmt.Errorf("%w: compression ratio %.1f exceeds limit %.1f",
				ErrArchiveValidation, ratio, e.limits.MaxCompressionRatio)
		}
	}

	workDir, err := os.MkdirTemp("", "batch-extract-*")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	result := &Result{WorkDir: workDir}
	var extractedTotal int64

	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}

		if skip := e.memberViolation(f); skip != "" {
			e.logger.Warn("Skipping archive member",
				zap.String("member", f.Name),
				zap.String("reason", skip))
			result.Skipped = append(result.Skipped, f.Name+": "+skip)
			continue
		}

		dest, err := safeJoin(workDir, f.Name)
		if err != nil {
			e.logger.Warn("Skipping archive member",
				zap.String("member", f.Name),
				zap.String("reason", "path traversal"))
			result.Skipped = append(result.Skipped, f.Name+": path traversal")
			continue
		}

		size, err := e.writeMember(f, dest)
		if err != nil {
			os.RemoveAll(workDir)
			return nil, err
		}

		extractedTotal += size
		if extractedTotal > e.limits.MaxTotalSize {
			os.RemoveAll(workDir)
			return nil, fmt.Errorf("%w: extracted size exceeds limit %d",
				ErrArchiveValidation, e.limits.MaxTotalSize)
		}

		result.Members = append(result.Members, Member{
			Name: f.Name,
			Path: dest,
			Size: size,
		})
	}

	if len(result.Members) == 0 {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("%w: no renderable members in archive", ErrArchiveValidation)
	}

	e.logger.Info("Archive extracted",
		zap.String("work_dir", workDir),
		zap.Int("members", len(result.Members)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int64("total_bytes", extractedTotal))

	return result, nil
}

// memberViolation returns a skip reason for a member, or "" if it passes.
func (e *Extractor) memberViolation(f *zip.File) string {
	if f.UncompressedSize64 > uint64(e.limits.MaxSingleFileSize) {
		return fmt.Sprintf("declared size %d exceeds per-member limit %d",
			f.UncompressedSize64, e.limits.MaxSingleFileSize)
	}
	if !e.supportedExtension(f.Name) {
		return "unsupported extension"
	}
	return ""
}

func (e *Extractor) supportedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range e.limits.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// writeMember copies one member to disk, enforcing the per-member size
// limit against the actual decompressed stream, not just the header.
func (e *Extractor) writeMember(f *zip.File, dest string) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: open member %s: %v", ErrArchiveValidation, f.Name, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create member dir: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create member file: %w", err)
	}
	defer out.Close()

	// LimitReader with one extra byte detects headers that lied
	limited := io.LimitReader(rc, e.limits.MaxSingleFileSize+1)
	size, err := io.Copy(out, limited)
	if err != nil {
		return 0, fmt.Errorf("extract member %s: %w", f.Name, err)
	}
	if size > e.limits.MaxSingleFileSize {
		return 0, fmt.Errorf("%w: member %s larger than declared", ErrArchiveValidation, f.Name)
	}

	return size, nil
}

// safeJoin resolves a member name inside root, rejecting escapes.
func safeJoin(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("unsafe member path %q", name)
	}

	dest := filepath.Join(root, cleaned)
	if !strings.HasPrefix(dest, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("unsafe member path %q", name)
	}

	return dest, nil
}
