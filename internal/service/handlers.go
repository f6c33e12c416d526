package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	batchengine "github.com/voxelforge/engine/internal/batch/engine"
	"github.com/voxelforge/engine/internal/batch/extract"
	"github.com/voxelforge/engine/internal/common/requestid"
	renderengine "github.com/voxelforge/engine/internal/render/engine"
	"github.com/voxelforge/engine/internal/render/metrics"
	"github.com/voxelforge/engine/internal/render/pipeline"
	"github.com/voxelforge/engine/internal/render/session"
	"github.com/voxelforge/engine/internal/store/metadata"
	"github.com/voxelforge/engine/pkg/types"
)

// ErrorResponse is the JSON error envelope for all endpoints.
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status            string `json:"status"`
	PoolCapacity      int    `json:"pool_capacity"`
	AvailableSessions int    `json:"available_sessions"`
	ActiveSessions    int    `json:"active_sessions"`
}

// BatchStatusResponse pairs a job with its item states.
type BatchStatusResponse struct {
	Job   *types.BatchJob    `json:"job"`
	Items []*types.BatchItem `json:"items"`
}

// Server wires the HTTP surface to the pool, pipeline, batch engine and
// metadata store.
type Server struct {
	pool             *session.Pool
	renderer         Renderer
	batch            *batchengine.Engine
	meta             *metadata.Store
	metricsCollector *metrics.MetricsCollector
	state            *State
	logger           *zap.Logger
}

// Renderer is the slice of the render pipeline the HTTP surface drives.
type Renderer interface {
	Render(ctx context.Context, requestID string, input []byte, opts types.RenderOptions,
		kind types.RenderKind, prov types.Provenance) (*pipeline.Result, error)
}

// NewServer creates the HTTP server facade.
func NewServer(pool *session.Pool, renderer Renderer, batch *batchengine.Engine, meta *metadata.Store,
	metricsCollector *metrics.MetricsCollector, state *State, logger *zap.Logger,
) *Server {
	return &Server{
		pool:             pool,
		renderer:         renderer,
		batch:            batch,
		meta:             meta,
		metricsCollector: metricsCollector,
		state:            state,
		logger:           logger,
	}
}

// writeJSONResponse writes a JSON response with proper error handling
func writeJSONResponse(ctx *fasthttp.RequestCtx, statusCode int, response interface{}, path string, metricsCollector *metrics.MetricsCollector, logger *zap.Logger) {
	body, err := json.Marshal(response)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"success":false,"error":"Failed to marshal response"}`)
		ctx.SetContentType("application/json")
		metricsCollector.RecordHTTPRequest(path, "500")
		logger.Error("Failed to marshal JSON response",
			zap.String("path", path),
			zap.Error(err))
		return
	}

	ctx.SetStatusCode(statusCode)
	ctx.SetBody(body)
	ctx.SetContentType("application/json")
	metricsCollector.RecordHTTPRequest(path, fmt.Sprintf("%d", statusCode))
}

// writeErrorResponse writes an error response with consistent formatting.
// errorCategory feeds the error metrics (validation, render, timeout,
// archive, internal).
func writeErrorResponse(ctx *fasthttp.RequestCtx, statusCode int, errorMsg string, requestID string, path string, metricsCollector *metrics.MetricsCollector, errorCategory string, logger *zap.Logger) {
	resp := ErrorResponse{
		Success:   false,
		Error:     errorMsg,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}

	writeJSONResponse(ctx, statusCode, resp, path, metricsCollector, logger)

	switch errorCategory {
	case "validation":
		metricsCollector.RecordValidationError()
	case "render":
		metricsCollector.RecordRenderErrorMetric()
	case "timeout":
		metricsCollector.RecordTimeoutError()
	case "archive":
		metricsCollector.RecordArchiveError()
	case "internal":
		metricsCollector.RecordInternalError()
	}
}

// parseRenderOptions reads options from query parameters. Unset fields
// get defaults via Normalize.
func parseRenderOptions(ctx *fasthttp.RequestCtx) (types.RenderOptions, error) {
	args := ctx.QueryArgs()
	var opts types.RenderOptions

	if v := args.Peek("width"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil || n <= 0 || n > 7680 {
			return opts, fmt.Errorf("invalid width %q", v)
		}
		opts.Width = n
	}
	if v := args.Peek("height"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil || n <= 0 || n > 4320 {
			return opts, fmt.Errorf("invalid height %q", v)
		}
		opts.Height = n
	}
	if v := args.Peek("format"); len(v) > 0 {
		format := string(v)
		if format != types.FormatPNG && format != types.FormatJPEG {
			return opts, fmt.Errorf("invalid format %q", format)
		}
		opts.Format = format
	}
	if v := args.Peek("isometric"); len(v) > 0 {
		b, err := strconv.ParseBool(string(v))
		if err != nil {
			return opts, fmt.Errorf("invalid isometric %q", v)
		}
		opts.Isometric = b
	}
	opts.Background = string(args.Peek("background"))
	opts.Framing = string(args.Peek("framing"))

	opts.Normalize()
	return opts, nil
}

// parseRenderKind reads the output kind query parameter, defaulting to image.
func parseRenderKind(ctx *fasthttp.RequestCtx) (types.RenderKind, error) {
	v := string(ctx.QueryArgs().Peek("kind"))
	if v == "" {
		return types.KindImage, nil
	}
	kind := types.RenderKind(v)
	if !kind.Valid() {
		return "", fmt.Errorf("invalid kind %q", v)
	}
	return kind, nil
}

// HandleRender processes POST /render requests
func (s *Server) HandleRender(ctx *fasthttp.RequestCtx) {
	startTime := time.Now().UTC()
	requester := string(ctx.Request.Header.Peek("X-Requester"))
	requestID := requestid.Generate(string(ctx.Request.Header.Peek("X-Request-Id")))

	if !s.state.AllowRequest(requester) {
		writeErrorResponse(ctx, fasthttp.StatusTooManyRequests, "Rate limit exceeded", requestID, "/render", s.metricsCollector, "validation", s.logger)
		s.logger.Warn("Rate limited render request",
			zap.String("request_id", requestID),
			zap.String("requester", requester))
		return
	}

	input := ctx.PostBody()
	if len(input) == 0 {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, "Request body must contain structure bytes", requestID, "/render", s.metricsCollector, "validation", s.logger)
		return
	}

	opts, err := parseRenderOptions(ctx)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, err.Error(), requestID, "/render", s.metricsCollector, "validation", s.logger)
		return
	}
	kind, err := parseRenderKind(ctx)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, err.Error(), requestID, "/render", s.metricsCollector, "validation", s.logger)
		return
	}

	prov := types.Provenance{
		Source:    string(ctx.Request.Header.Peek("X-Source")),
		Requester: requester,
	}

	s.logger.Info("Starting render request",
		zap.String("request_id", requestID),
		zap.String("kind", string(kind)),
		zap.Int("input_bytes", len(input)))

	result, err := s.renderer.Render(ctx, requestID, input, opts, kind, prov)
	if err != nil {
		s.writeRenderError(ctx, requestID, err)
		return
	}

	ctx.Response.Header.Set("X-Render-Id", result.RecordID)
	ctx.Response.Header.Set("X-Input-Hash", result.InputHash)
	ctx.Response.Header.Set("X-Cache-Hit", strconv.FormatBool(result.CacheHit))
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(result.Output)
	ctx.SetContentType(outputContentType(kind, opts.Format))
	s.metricsCollector.RecordHTTPRequest("/render", "200")

	s.logger.Info("Render request served",
		zap.String("request_id", requestID),
		zap.String("render_id", result.RecordID),
		zap.Bool("cache_hit", result.CacheHit),
		zap.Int("output_bytes", len(result.Output)),
		zap.Duration("duration", time.Since(startTime)))
}

// writeRenderError maps pipeline failures onto HTTP statuses.
func (s *Server) writeRenderError(ctx *fasthttp.RequestCtx, requestID string, err error) {
	switch {
	case errors.Is(err, session.ErrResourceExhausted), errors.Is(err, session.ErrPoolShutdown):
		writeErrorResponse(ctx, fasthttp.StatusServiceUnavailable, err.Error(), requestID, "/render", s.metricsCollector, "internal", s.logger)
	case errors.Is(err, renderengine.ErrRenderTimeout):
		writeErrorResponse(ctx, fasthttp.StatusGatewayTimeout, err.Error(), requestID, "/render", s.metricsCollector, "timeout", s.logger)
	case errors.Is(err, renderengine.ErrEngineScript):
		writeErrorResponse(ctx, fasthttp.StatusUnprocessableEntity, err.Error(), requestID, "/render", s.metricsCollector, "render", s.logger)
	default:
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, err.Error(), requestID, "/render", s.metricsCollector, "internal", s.logger)
	}

	s.logger.Error("Render request failed",
		zap.String("request_id", requestID),
		zap.Error(err))
}

// HandleBatchSubmit processes POST /batch requests
func (s *Server) HandleBatchSubmit(ctx *fasthttp.RequestCtx) {
	requester := string(ctx.Request.Header.Peek("X-Requester"))
	requestID := requestid.Generate(string(ctx.Request.Header.Peek("X-Request-Id")))

	if !s.state.AllowRequest(requester) {
		writeErrorResponse(ctx, fasthttp.StatusTooManyRequests, "Rate limit exceeded", requestID, "/batch", s.metricsCollector, "validation", s.logger)
		return
	}

	archive := ctx.PostBody()
	if len(archive) == 0 {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, "Request body must contain a zip archive", requestID, "/batch", s.metricsCollector, "validation", s.logger)
		return
	}

	opts, err := parseRenderOptions(ctx)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, err.Error(), requestID, "/batch", s.metricsCollector, "validation", s.logger)
		return
	}
	kind, err := parseRenderKind(ctx)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, err.Error(), requestID, "/batch", s.metricsCollector, "validation", s.logger)
		return
	}

	jobID, err := s.batch.Submit(ctx, archive, opts, kind, requester)
	if err != nil {
		if errors.Is(err, extract.ErrArchiveValidation) {
			writeErrorResponse(ctx, fasthttp.StatusBadRequest, err.Error(), requestID, "/batch", s.metricsCollector, "archive", s.logger)
		} else {
			writeErrorResponse(ctx, fasthttp.StatusInternalServerError, err.Error(), requestID, "/batch", s.metricsCollector, "internal", s.logger)
		}
		s.logger.Warn("Batch submission rejected",
			zap.String("request_id", requestID),
			zap.Error(err))
		return
	}

	writeJSONResponse(ctx, fasthttp.StatusAccepted, map[string]string{"job_id": jobID}, "/batch", s.metricsCollector, s.logger)
}

// HandleBatchStatus processes GET /batch/status requests
func (s *Server) HandleBatchStatus(ctx *fasthttp.RequestCtx) {
	jobID := string(ctx.QueryArgs().Peek("id"))
	if jobID == "" {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, "id parameter is required", "", "/batch/status", s.metricsCollector, "validation", s.logger)
		return
	}

	job, err := s.meta.GetBatch(ctx, jobID)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, err.Error(), "", "/batch/status", s.metricsCollector, "internal", s.logger)
		return
	}
	if job == nil {
		writeErrorResponse(ctx, fasthttp.StatusNotFound, "batch job not found", "", "/batch/status", s.metricsCollector, "validation", s.logger)
		return
	}

	items, err := s.meta.ListItems(ctx, jobID)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, err.Error(), "", "/batch/status", s.metricsCollector, "internal", s.logger)
		return
	}

	writeJSONResponse(ctx, fasthttp.StatusOK, BatchStatusResponse{Job: job, Items: items}, "/batch/status", s.metricsCollector, s.logger)
}

// HandleBatchDownload processes GET /batch/download requests. Each
// (job, kind) archive can be downloaded exactly once.
func (s *Server) HandleBatchDownload(ctx *fasthttp.RequestCtx) {
	jobID := string(ctx.QueryArgs().Peek("id"))
	kind := string(ctx.QueryArgs().Peek("kind"))
	if kind == "" {
		kind = "result"
	}
	if jobID == "" {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, "id parameter is required", "", "/batch/download", s.metricsCollector, "validation", s.logger)
		return
	}
	if kind != "result" && kind != "source" {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, "kind must be result or source", "", "/batch/download", s.metricsCollector, "validation", s.logger)
		return
	}

	job, err := s.meta.GetBatch(ctx, jobID)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, err.Error(), "", "/batch/download", s.metricsCollector, "internal", s.logger)
		return
	}
	if job == nil {
		writeErrorResponse(ctx, fasthttp.StatusNotFound, "batch job not found", "", "/batch/download", s.metricsCollector, "validation", s.logger)
		return
	}

	path := job.ResultArchive
	if kind == "source" {
		path = job.SourceArchive
	}
	if path == "" {
		writeErrorResponse(ctx, fasthttp.StatusNotFound, "archive not available", "", "/batch/download", s.metricsCollector, "validation", s.logger)
		return
	}

	if !s.state.ConsumeDownload(jobID, kind) {
		writeErrorResponse(ctx, fasthttp.StatusGone, "archive already downloaded", "", "/batch/download", s.metricsCollector, "validation", s.logger)
		return
	}

	ctx.Response.Header.Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", jobID+"-"+kind+".zip"))
	ctx.SetContentType("application/zip")
	ctx.SendFile(path)
	s.metricsCollector.RecordHTTPRequest("/batch/download", "200")

	s.logger.Info("Batch archive downloaded",
		zap.String("job_id", jobID),
		zap.String("kind", kind))
}

// HandleStatus returns current pool occupancy
func (s *Server) HandleStatus(ctx *fasthttp.RequestCtx) {
	writeJSONResponse(ctx, fasthttp.StatusOK, s.pool.Status(), "/status", s.metricsCollector, s.logger)
}

// HandleStats returns aggregate render and batch counters
func (s *Server) HandleStats(ctx *fasthttp.RequestCtx) {
	stats, err := s.meta.Stats(ctx)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, err.Error(), "", "/stats", s.metricsCollector, "internal", s.logger)
		return
	}
	writeJSONResponse(ctx, fasthttp.StatusOK, stats, "/stats", s.metricsCollector, s.logger)
}

// HandleRecentRenders returns the most recently started render records
func (s *Server) HandleRecentRenders(ctx *fasthttp.RequestCtx) {
	count := queryCount(ctx, 20)
	records, err := s.meta.RecentRenders(ctx, count)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, err.Error(), "", "/renders/recent", s.metricsCollector, "internal", s.logger)
		return
	}
	writeJSONResponse(ctx, fasthttp.StatusOK, records, "/renders/recent", s.metricsCollector, s.logger)
}

// HandleHistory returns the render history for one input hash
func (s *Server) HandleHistory(ctx *fasthttp.RequestCtx) {
	hash := string(ctx.QueryArgs().Peek("hash"))
	if hash == "" {
		writeErrorResponse(ctx, fasthttp.StatusBadRequest, "hash parameter is required", "", "/history", s.metricsCollector, "validation", s.logger)
		return
	}

	count := queryCount(ctx, 20)
	records, err := s.meta.History(ctx, hash, count)
	if err != nil {
		writeErrorResponse(ctx, fasthttp.StatusInternalServerError, err.Error(), "", "/history", s.metricsCollector, "internal", s.logger)
		return
	}
	writeJSONResponse(ctx, fasthttp.StatusOK, records, "/history", s.metricsCollector, s.logger)
}

// HandleHealth returns the current health status and pool occupancy
func (s *Server) HandleHealth(ctx *fasthttp.RequestCtx) {
	status := s.pool.Status()

	resp := HealthResponse{
		Status:            "ok",
		PoolCapacity:      status.Capacity,
		AvailableSessions: status.Available,
		ActiveSessions:    status.Active,
	}

	writeJSONResponse(ctx, fasthttp.StatusOK, resp, "/health", s.metricsCollector, s.logger)
}

func queryCount(ctx *fasthttp.RequestCtx, def int) int {
	v := ctx.QueryArgs().Peek("count")
	if len(v) == 0 {
		return def
	}
	n, err := strconv.Atoi(string(v))
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}

func outputContentType(kind types.RenderKind, format string) string {
	if kind == types.KindVideo {
		return "video/webm"
	}
	if format == types.FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}
