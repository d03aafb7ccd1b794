package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Context keys for trace propagation.
type contextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey contextKey = "traceID"

	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "requestID"

	// RequestIDHeader is the HTTP header for request ID.
	RequestIDHeader = "X-Request-ID"

	// TraceIDHeader is the HTTP header for trace ID.
	TraceIDHeader = "X-Trace-ID"
)

// TracerName is the instrumentation scope of HTTP spans.
const TracerName = "callbill-api"

// Route patterns whose parameters identify billing entities.
const (
	routeCall   = "/calls/{id}"
	routeRecord = "/calls/records/{id}"
	routeBill   = "/bills/{subscriber}"
)

// routeTarget describes what a matched route operates on. Only known once
// chi has routed the request.
type routeTarget struct {
	pattern    string
	callID     string
	recordID   string
	subscriber string
	period     string
}

func targetOf(r *http.Request) routeTarget {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return routeTarget{}
	}

	t := routeTarget{pattern: rctx.RoutePattern()}
	switch t.pattern {
	case routeCall:
		t.callID = rctx.URLParam("id")
	case routeRecord:
		t.recordID = rctx.URLParam("id")
	case routeBill:
		t.subscriber = rctx.URLParam("subscriber")
		t.period = r.URL.Query().Get("period")
	}
	return t
}

func (t routeTarget) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("http.route", t.pattern)}
	if t.callID != "" {
		attrs = append(attrs, attribute.String("call.id", t.callID))
	}
	if t.recordID != "" {
		attrs = append(attrs, attribute.String("record.id", t.recordID))
	}
	if t.subscriber != "" {
		attrs = append(attrs, attribute.String("bill.subscriber", t.subscriber))
	}
	if t.period != "" {
		attrs = append(attrs, attribute.String("bill.period", t.period))
	}
	return attrs
}

func (t routeTarget) logArgs() []any {
	args := []any{"route", t.pattern}
	if t.callID != "" {
		args = append(args, "call_id", t.callID)
	}
	if t.recordID != "" {
		args = append(args, "record_id", t.recordID)
	}
	if t.subscriber != "" {
		args = append(args, "subscriber", t.subscriber)
	}
	if t.period != "" {
		args = append(args, "period", t.period)
	}
	return args
}

// TracingMiddleware continues any incoming W3C trace, opens a span per
// request and names it after the matched route.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otel.Tracer(TracerName).Start(ctx, "HTTP "+r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		}

		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		rw := wrapResponseWriter(w)
		req := r.WithContext(ctx)
		next.ServeHTTP(rw, req)

		if target := targetOf(req); target.pattern != "" {
			span.SetName(r.Method + " " + target.pattern)
			span.SetAttributes(target.attributes()...)
		}
		span.SetAttributes(attribute.Int("http.status_code", rw.statusCode))
		if rw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}

// LoggingMiddleware logs one line per request with the billing entity the
// route addressed. Client errors log at warn and server errors at error.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrapResponseWriter(w)

		next.ServeHTTP(rw, r)

		args := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", r.Context().Value(RequestIDKey),
			"trace_id", GetTraceID(r.Context()),
		}
		args = append(args, targetOf(r).logArgs()...)

		level := slog.LevelInfo
		switch {
		case rw.statusCode >= http.StatusInternalServerError:
			level = slog.LevelError
		case rw.statusCode >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "http request", args...)
	})
}

// CORSMiddleware lets browser clients call the billing API. There is no
// authentication, so credentials are never allowed.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, traceparent, tracestate")
		h.Set("Access-Control-Expose-Headers", RequestIDHeader+", "+TraceIDHeader)
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a handler panic into a JSON 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"trace_id", GetTraceID(r.Context()),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// wrapResponseWriter records the status written by inner handlers. An
// already wrapped writer is reused.
func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// GetTraceID extracts trace ID from context.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}
