package service

import (
	"github.com/valyala/fasthttp"
)

// CreateHTTPHandler creates the main HTTP request handler with routing
func (s *Server) CreateHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		method := string(ctx.Method())

		switch {
		case method == "POST" && path == "/render":
			s.HandleRender(ctx)
		case method == "POST" && path == "/batch":
			s.HandleBatchSubmit(ctx)
		case method == "GET" && path == "/batch/status":
			s.HandleBatchStatus(ctx)
		case method == "GET" && path == "/batch/download":
			s.HandleBatchDownload(ctx)
		case method == "GET" && path == "/status":
			s.HandleStatus(ctx)
		case method == "GET" && path == "/stats":
			s.HandleStats(ctx)
		case method == "GET" && path == "/renders/recent":
			s.HandleRecentRenders(ctx)
		case method == "GET" && path == "/history":
			s.HandleHistory(ctx)
		case method == "GET" && path == "/health":
			s.HandleHealth(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString("Not Found")
			s.metricsCollector.RecordHTTPRequest(path, "404")
		}
	}
}
