package gateway

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/codes"

	otelPkg "github.com/basket/escrowmirror/internal/otel"
	"github.com/basket/escrowmirror/internal/shared"
)

// statusRecorder captures the response code. Unwrap lets the websocket
// handshake reach the underlying Hijacker.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument wraps every request in a server span, tags it with a trace
// id and records its duration by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx = shared.WithChainID(ctx, s.coord.ChainID())
		ctx, span := otelPkg.StartServerSpan(ctx, s.tracer, "http "+r.Method)
		defer span.End()

		w.Header().Set("X-Trace-Id", traceID)
		rec := &statusRecorder{ResponseWriter: w}
		req := r.WithContext(ctx)
		next.ServeHTTP(rec, req)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetName("http " + route)
		span.SetAttributes(otelPkg.AttrRoute.String(route), otelPkg.AttrStatusCode.Int(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		s.cfg.Metrics.RecordRequest(ctx, route, status, time.Since(start))
		s.logger.Debug("http request", "method", r.Method, "route", route, "status", status,
			"duration_ms", time.Since(start).Milliseconds(), "trace_id", traceID)
	})
}
