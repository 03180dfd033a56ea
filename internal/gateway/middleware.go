package gateway

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/audit"
	"github.com/basket/storyforge/internal/otel"
	"github.com/basket/storyforge/internal/shared"
)

type loggerKey struct{}

// routeKey holds a *string the mux wrapper fills with the matched pattern.
type routeKey struct{}

// recordRoute copies the matched route pattern back to logRequests.
func recordRoute(mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		if p, ok := r.Context().Value(routeKey{}).(*string); ok && r.Pattern != "" {
			*p = r.Pattern
		}
	})
}

func logger(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Hijack keeps websocket upgrades working behind the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.ErrorContext(r.Context(), "panic in handler",
					"request_id", shared.RequestID(r.Context()), "panic", v, "stack", string(debug.Stack()))
				writeStatus(w, http.StatusInternalServerError, envelope{Error: &errorBody{Code: apperr.CodeInternal, Message: "internal error"}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// logRequests assigns a request id, opens a server span and records the
// request duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = shared.NewID()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := shared.WithRequestID(r.Context(), id)
		ctx, span := otel.StartRequestSpan(ctx, s.cfg.Tracer, r.Method, r.URL.Path, id)
		defer span.End()
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = shared.WithTraceID(ctx, sc.TraceID().String())
		}
		ctx = context.WithValue(ctx, loggerKey{}, s.logger.With("request_id", id))
		route := "unmatched"
		ctx = context.WithValue(ctx, routeKey{}, &route)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		d := time.Since(start)
		if route != "unmatched" {
			span.SetName(route)
			span.SetAttributes(otel.AttrRoute.String(route))
		}
		span.SetAttributes(otel.AttrStatus.Int(rec.status))
		if rec.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		s.cfg.Metrics.RecordRequest(ctx, route, rec.status, d)
		if isMutation(r.Method) && rec.status < 400 {
			audit.Record(ctx, audit.DecisionAllow, route, strconv.Itoa(rec.status), clientIP(r))
		}
		level := slog.LevelInfo
		if rec.status >= 500 {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "http request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", d.Milliseconds(),
		)
	})
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
