package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware returns middleware that traces requests and records the
// HTTP instruments. With telemetry disabled it only creates noop spans.
func HTTPMiddleware(tel *Telemetry, serviceName string) func(http.Handler) http.Handler {
	tracer := tel.TracerProvider().Tracer(serviceName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			attrs := []attribute.KeyValue{
				AttrHTTPMethod.String(r.Method),
				AttrHTTPTarget.String(r.URL.Path),
			}
			if r.Host != "" {
				attrs = append(attrs, AttrHTTPHost.String(r.Host))
			}
			if r.RemoteAddr != "" {
				attrs = append(attrs, AttrHTTPRemoteAddr.String(r.RemoteAddr))
			}

			ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
				trace.WithAttributes(attrs...),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
				span.SetName(r.Method + " " + route)
			}

			if m := tel.Metrics(); m != nil {
				mattrs := metric.WithAttributes(
					AttrHTTPMethod.String(r.Method),
					AttrHTTPRoute.String(route),
					AttrHTTPStatusCode.Int(status),
				)
				m.HTTPRequestCount.Add(ctx, 1, mattrs)
				m.HTTPRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), mattrs)
				if n := ww.BytesWritten(); n > 0 {
					m.HTTPResponseSize.Record(ctx, int64(n), mattrs)
				}
			}

			if status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.SetAttributes(AttrHTTPStatusCode.Int(status), AttrHTTPRoute.String(route))
		})
	}
}
