package metadata

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/voxelforge/engine/pkg/types"
)

// renderToHash converts a RenderRecord to Redis hash fields.
func renderToHash(r *types.RenderRecord) map[string]interface{} {
	hash := map[string]interface{}{
		"id":               r.ID,
		"input_hash":       r.InputHash,
		"kind":             string(r.Kind),
		"status":           r.Status,
		"start_time":       r.StartTime.UnixMilli(),
		"options_snapshot": r.OptionsSnapshot,
	}

	if !r.EndTime.IsZero() {
		hash["end_time"] = r.EndTime.UnixMilli()
	}
	if r.Duration > 0 {
		hash["duration_ms"] = r.Duration.Milliseconds()
	}
	if r.OutputSize > 0 {
		hash["output_size"] = r.OutputSize
	}
	if r.ElementCount > 0 {
		hash["element_count"] = r.ElementCount
	}
	if r.ErrorMessage != "" {
		hash["error_message"] = r.ErrorMessage
	}
	if r.Source != "" {
		hash["source"] = r.Source
	}
	if r.Requester != "" {
		hash["requester"] = r.Requester
	}

	return hash
}

// renderFromHash populates a RenderRecord from Redis hash fields.
func renderFromHash(data map[string]string) (*types.RenderRecord, error) {
	r := &types.RenderRecord{
		ID:              data["id"],
		InputHash:       data["input_hash"],
		Kind:            types.RenderKind(data["kind"]),
		Status:          data["status"],
		OptionsSnapshot: data["options_snapshot"],
		ErrorMessage:    data["error_message"],
		Source:          data["source"],
		Requester:       data["requester"],
	}

	start, err := parseMillis(data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("invalid start_time: %w", err)
	}
	r.StartTime = start

	if v := data["end_time"]; v != "" {
		end, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("invalid end_time: %w", err)
		}
		r.EndTime = end
	}
	if v := data["duration_ms"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duration_ms: %w", err)
		}
		r.Duration = time.Duration(ms) * time.Millisecond
	}
	if v := data["output_size"]; v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid output_size: %w", err)
		}
		r.OutputSize = size
	}
	if v := data["element_count"]; v != "" {
		count, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid element_count: %w", err)
		}
		r.ElementCount = count
	}

	return r, nil
}

func artifactToHash(a *types.Artifact) map[string]interface{} {
	return map[string]interface{}{
		"record_id":  a.RecordID,
		"input_hash": a.InputHash,
		"type":       a.Type,
		"path":       a.Path,
		"size":       a.Size,
		"width":      a.Width,
		"height":     a.Height,
	}
}

func artifactFromHash(data map[string]string) (*types.Artifact, error) {
	a := &types.Artifact{
		RecordID:  data["record_id"],
		InputHash: data["input_hash"],
		Type:      data["type"],
		Path:      data["path"],
	}

	size, err := strconv.ParseInt(data["size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid size: %w", err)
	}
	a.Size = size

	if v := data["width"]; v != "" {
		if a.Width, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid width: %w", err)
		}
	}
	if v := data["height"]; v != "" {
		if a.Height, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid height: %w", err)
		}
	}

	return a, nil
}

func batchToHash(j *types.BatchJob) map[string]interface{} {
	hash := map[string]interface{}{
		"id":               j.ID,
		"requester":        j.Requester,
		"total_items":      j.TotalItems,
		"succeeded":        j.Succeeded,
		"failed":           j.Failed,
		"cached":           j.Cached,
		"status":           j.Status,
		"options_snapshot": j.OptionsSnapshot,
		"created_at":       j.CreatedAt.UnixMilli(),
	}

	if !j.FinishedAt.IsZero() {
		hash["finished_at"] = j.FinishedAt.UnixMilli()
	}
	if j.Duration > 0 {
		hash["duration_ms"] = j.Duration.Milliseconds()
	}
	if j.ErrorMessage != "" {
		hash["error_message"] = j.ErrorMessage
	}
	if j.ResultArchive != "" {
		hash["result_archive"] = j.ResultArchive
	}
	if j.SourceArchive != "" {
		hash["source_archive"] = j.SourceArchive
	}
	if len(j.SkippedFiles) > 0 {
		hash["skipped_files"] = strings.Join(j.SkippedFiles, "\n")
	}

	return hash
}

func batchFromHash(data map[string]string) (*types.BatchJob, error) {
	j := &types.BatchJob{
		ID:              data["id"],
		Requester:       data["requester"],
		Status:          data["status"],
		OptionsSnapshot: data["options_snapshot"],
		ErrorMessage:    data["error_message"],
		ResultArchive:   data["result_archive"],
		SourceArchive:   data["source_archive"],
	}

	var err error
	if j.TotalItems, err = strconv.Atoi(data["total_items"]); err != nil {
		return nil, fmt.Errorf("invalid total_items: %w", err)
	}
	if j.Succeeded, err = strconv.Atoi(data["succeeded"]); err != nil {
		return nil, fmt.Errorf("invalid succeeded: %w", err)
	}
	if j.Failed, err = strconv.Atoi(data["failed"]); err != nil {
		return nil, fmt.Errorf("invalid failed: %w", err)
	}
	if j.Cached, err = strconv.Atoi(data["cached"]); err != nil {
		return nil, fmt.Errorf("invalid cached: %w", err)
	}

	created, err := parseMillis(data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	j.CreatedAt = created

	if v := data["finished_at"]; v != "" {
		finished, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("invalid finished_at: %w", err)
		}
		j.FinishedAt = finished
	}
	if v := data["duration_ms"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duration_ms: %w", err)
		}
		j.Duration = time.Duration(ms) * time.Millisecond
	}
	if v := data["skipped_files"]; v != "" {
		j.SkippedFiles = strings.Split(v, "\n")
	}

	return j, nil
}

func itemToHash(i *types.BatchItem) map[string]interface{} {
	hash := map[string]interface{}{
		"id":       i.ID,
		"batch_id": i.BatchID,
		"filename": i.Filename,
		"status":   i.Status,
	}

	if i.InputHash != "" {
		hash["input_hash"] = i.InputHash
	}
	if i.RenderID != "" {
		hash["render_id"] = i.RenderID
	}
	if i.Duration > 0 {
		hash["duration_ms"] = i.Duration.Milliseconds()
	}
	if i.ErrorMessage != "" {
		hash["error_message"] = i.ErrorMessage
	}

	return hash
}

func itemFromHash(data map[string]string) (*types.BatchItem, error) {
	i := &types.BatchItem{
		ID:           data["id"],
		BatchID:      data["batch_id"],
		InputHash:    data["input_hash"],
		Filename:     data["filename"],
		Status:       data["status"],
		RenderID:     data["render_id"],
		ErrorMessage: data["error_message"],
	}

	if v := data["duration_ms"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duration_ms: %w", err)
		}
		i.Duration = time.Duration(ms) * time.Millisecond
	}

	return i, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// flattenHash converts a field map into HSet variadic arguments.
func flattenHash(hash map[string]interface{}) []interface{} {
	values := make([]interface{}, 0, len(hash)*2)
	for k, v := range hash {
		values = append(values, k, v)
	}
	return values
}
