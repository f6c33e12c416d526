package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// RenderKind identifies the kind of output a render produces.
type RenderKind string

const (
	KindImage RenderKind = "image"
	KindVideo RenderKind = "video"
)

// Valid reports whether the kind is one of the supported output kinds.
func (k RenderKind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// Render record statuses. A record transitions running -> completed or
// running -> error exactly once and is immutable afterward.
const (
	RenderStatusRunning   = "running"
	RenderStatusCompleted = "completed"
	RenderStatusError     = "error"
)

// Batch job statuses
const (
	BatchStatusRunning   = "running"
	BatchStatusCompleted = "completed"
	BatchStatusError     = "error"
)

// Batch item statuses. Items are created pending and mutated exactly once
// to one of the terminal statuses.
const (
	ItemStatusPending  = "pending"
	ItemStatusCached   = "cached"
	ItemStatusRendered = "rendered"
	ItemStatusFailed   = "failed"
)

// Artifact types
const (
	ArtifactImage     = "image"
	ArtifactVideo     = "video"
	ArtifactThumbnail = "thumbnail"
)

// Output format constants
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatWebM = "webm"
)

// Compression algorithm identifiers for stored blobs
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

// File extensions appended to compressed blob files
const (
	ExtSnappy = ".snappy"
	ExtLZ4    = ".lz4"
)

// CompressionMinSize is the minimum content size worth compressing
const CompressionMinSize = 512

// RenderOptions describes how a structure should be rendered. The zero
// value is not usable directly; call Normalize to apply defaults.
type RenderOptions struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Format     string `json:"format"`
	Isometric  bool   `json:"isometric"`
	Background string `json:"background"`
	Framing    string `json:"framing"`
}

// DefaultRenderOptions returns the options used when a caller provides none.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		Width:      1280,
		Height:     720,
		Format:     FormatPNG,
		Background: "transparent",
		Framing:    "fit",
	}
}

// Normalize fills in defaults for unset fields.
func (o *RenderOptions) Normalize() {
	def := DefaultRenderOptions()
	if o.Width <= 0 {
		o.Width = def.Width
	}
	if o.Height <= 0 {
		o.Height = def.Height
	}
	if o.Format == "" {
		o.Format = def.Format
	}
	if o.Background == "" {
		o.Background = def.Background
	}
	if o.Framing == "" {
		o.Framing = def.Framing
	}
}

// CanonicalJSON serializes options to a canonical form with a fixed,
// alphabetical key order. Equivalent option sets always serialize to the
// same string, so the result is safe to use as part of a cache key.
func (o RenderOptions) CanonicalJSON() string {
	return fmt.Sprintf(
		`{"background":%q,"format":%q,"framing":%q,"height":%d,"isometric":%t,"width":%d}`,
		o.Background, o.Format, o.Framing, o.Height, o.Isometric, o.Width)
}

// OptionsKey returns a short stable digest of the canonical serialization.
func (o RenderOptions) OptionsKey() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(o.CanonicalJSON()))
}

// RenderOptionsFromJSON parses options from arbitrary JSON. Field order in
// the input does not matter; the parsed struct canonicalizes on output.
func RenderOptionsFromJSON(data []byte) (RenderOptions, error) {
	var o RenderOptions
	if err := json.Unmarshal(data, &o); err != nil {
		return RenderOptions{}, fmt.Errorf("invalid render options: %w", err)
	}
	o.Normalize()
	return o, nil
}

// CacheKey identifies one distinct render: input content plus options.
type CacheKey struct {
	InputHash  string
	OptionsKey string
}

// String returns the Redis-safe string form of the cache key.
func (k CacheKey) String() string {
	return k.InputHash + ":" + k.OptionsKey
}

// Provenance tags a render with where it came from.
type Provenance struct {
	Source    string `json:"source"`
	Requester string `json:"requester"`
}

// RenderRecord tracks one rendering attempt.
type RenderRecord struct {
	ID              string        `json:"id"`
	InputHash       string        `json:"input_hash"`
	Kind            RenderKind    `json:"kind"`
	Status          string        `json:"status"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time,omitempty"`
	Duration        time.Duration `json:"duration,omitempty"`
	OptionsSnapshot string        `json:"options_snapshot"`
	OutputSize      int64         `json:"output_size,omitempty"`
	ElementCount    int           `json:"element_count,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Source          string        `json:"source,omitempty"`
	Requester       string        `json:"requester,omitempty"`
}

// Artifact is a stored render output tied to a RenderRecord and to the
// content blob of the input.
type Artifact struct {
	RecordID  string `json:"record_id"`
	InputHash string `json:"input_hash"`
	Type      string `json:"type"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// BatchJob tracks one archive-processing run.
type BatchJob struct {
	ID              string        `json:"id"`
	Requester       string        `json:"requester"`
	TotalItems      int           `json:"total_items"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Cached          int           `json:"cached"`
	Status          string        `json:"status"`
	OptionsSnapshot string        `json:"options_snapshot"`
	CreatedAt       time.Time     `json:"created_at"`
	FinishedAt      time.Time     `json:"finished_at,omitempty"`
	Duration        time.Duration `json:"duration,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	ResultArchive   string        `json:"result_archive,omitempty"`
	SourceArchive   string        `json:"source_archive,omitempty"`
	SkippedFiles    []string      `json:"skipped_files,omitempty"`
}

// BatchItem is one archive member's render lifecycle within a BatchJob.
type BatchItem struct {
	ID           string        `json:"id"`
	BatchID      string        `json:"batch_id"`
	InputHash    string        `json:"input_hash,omitempty"`
	Filename     string        `json:"filename"`
	Status       string        `json:"status"`
	RenderID     string        `json:"render_id,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// BatchProgress is the periodic progress snapshot emitted while a batch runs.
type BatchProgress struct {
	JobID     string        `json:"job_id"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Cached    int           `json:"cached"`
	ETA       time.Duration `json:"eta"`
}
