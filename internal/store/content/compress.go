package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/voxelforge/engine/pkg/types"
)

// ErrDecompression is returned when a stored blob fails to decompress.
var ErrDecompression = errors.New("decompression failed")

// Compress compresses content using the given algorithm. Returns the
// compressed bytes plus the file extension to append. Content below the
// threshold, or algorithm "none", comes back unchanged with no extension.
func Compress(content []byte, algorithm string) ([]byte, string, error) {
	if len(content) < types.CompressionMinSize {
		return content, "", nil
	}

	switch algorithm {
	case types.CompressionSnappy:
		return snappy.Encode(nil, content), types.ExtSnappy, nil

	case types.CompressionLZ4:
		// Stream format embeds the uncompressed size
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(content); err != nil {
			w.Close()
			return nil, "", fmt.Errorf("lz4 compression failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("lz4 compression close failed: %w", err)
		}
		return buf.Bytes(), types.ExtLZ4, nil

	default:
		return content, "", nil
	}
}

// Decompress reverses Compress based on the file path extension. Paths
// without a recognized extension are returned as-is.
func Decompress(content []byte, filePath string) ([]byte, error) {
	switch DetectAlgorithmFromPath(filePath) {
	case types.CompressionSnappy:
		decompressed, err := snappy.Decode(nil, content)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrDecompression, err)
		}
		return decompressed, nil

	case types.CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(content))
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrDecompression, err)
		}
		return decompressed, nil

	default:
		return content, nil
	}
}

// DetectAlgorithmFromPath returns the compression algorithm implied by a
// blob file's extension.
func DetectAlgorithmFromPath(filePath string) string {
	if strings.HasSuffix(filePath, types.ExtSnappy) {
		return types.CompressionSnappy
	}
	if strings.HasSuffix(filePath, types.ExtLZ4) {
		return types.CompressionLZ4
	}
	return types.CompressionNone
}
