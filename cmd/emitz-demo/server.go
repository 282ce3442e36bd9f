package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/emitz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// RequestIDHeader carries the request id in and out of the service.
const RequestIDHeader = "X-Request-ID"

var endpoints = []string{"/", "/hello/{name}", "/slow", "/error", "/process"}

var errRandom = errors.New("random error occurred")

type server struct {
	tracer     *emitz.Tracer
	logger     *emitz.Logger
	service    string
	propagator propagation.TextMapPropagator

	// random returns a value in [0, 1).
	random func() float64
	// pause simulates work.
	pause func(ctx context.Context, d time.Duration) error
}

func newServer(p *emitz.Pipeline, propagator propagation.TextMapPropagator) *server {
	return &server{
		tracer:     p.Tracer(),
		logger:     p.Logger(),
		service:    p.Resource().ServiceName,
		propagator: propagator,
		random:     rand.Float64,
		pause:      clockSleep(clockz.RealClock),
	}
}

func clockSleep(clock clockz.Clock) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		select {
		case <-clock.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// uniform returns a duration between lo and hi.
func (s *server) uniform(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(s.random()*float64(hi-lo))
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /hello/{name}", s.handleHello)
	mux.HandleFunc("GET /slow", s.handleSlow)
	mux.HandleFunc("GET /error", s.handleError)
	mux.HandleFunc("GET /process", s.handleProcess)
	return s.instrument(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps every request in a span continuing any incoming W3C
// trace, and logs its arrival and completion.
func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := s.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		ctx = emitz.WithAmbient(ctx, attribute.String("request.id", requestID))

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		ctx, span := s.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.RequestURI()),
			attribute.String("http.scheme", scheme),
		)

		s.logger.Info(ctx, "request received",
			attribute.String("http.path", r.URL.Path),
			attribute.String("http.remote_addr", r.RemoteAddr),
		)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		defer func() {
			if p := recover(); p != nil {
				// net/http recovers the panic and drops the connection.
				rec.status = http.StatusInternalServerError
				s.logger.Error(ctx, "request panicked", attribute.String("panic", fmt.Sprint(p)))
				s.finish(ctx, span, req, rec)
				panic(p)
			}
			s.finish(ctx, span, req, rec)
		}()
		next.ServeHTTP(rec, req)
	})
}

// finish records the outcome of req on its span, logs completion and ends
// the span.
func (s *server) finish(ctx context.Context, span *emitz.ActiveSpan, req *http.Request, rec *statusRecorder) {
	// The mux records the matched pattern on the request it was given.
	if _, route, ok := strings.Cut(req.Pattern, " "); ok {
		span.SetAttributes(attribute.String("http.route", route))
	}
	span.SetAttributes(attribute.Int("http.status_code", rec.status))
	if rec.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(rec.status))
	}

	s.logger.Info(ctx, "request completed", attribute.String("http.path", req.URL.Path))
	span.End()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.logger.Info(r.Context(), "index page accessed", attribute.String("endpoint", "/"))
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   s.service,
		"status":    "healthy",
		"endpoints": endpoints,
	})
}

func (s *server) handleHello(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var greeting string

	err := s.tracer.InSpan(r.Context(), "process_greeting", func(ctx context.Context, span *emitz.ActiveSpan) error {
		s.logger.Info(ctx, "processing greeting",
			attribute.String("name", name),
			attribute.String("endpoint", "/hello"),
		)
		if err := s.pause(ctx, s.uniform(100*time.Millisecond, 300*time.Millisecond)); err != nil {
			return err
		}

		greeting = fmt.Sprintf("Hello, %s!", name)
		span.SetAttributes(attribute.String("response.message", greeting))
		s.logger.Info(ctx, "greeting completed",
			attribute.String("name", name),
			attribute.String("greeting", greeting),
		)
		return nil
	}, attribute.String("user.name", name))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": greeting})
}

func (s *server) handleSlow(w http.ResponseWriter, r *http.Request) {
	steps := []string{"initialization", "processing", "finalization"}

	err := s.tracer.InSpan(r.Context(), "slow_operation", func(ctx context.Context, _ *emitz.ActiveSpan) error {
		s.logger.Info(ctx, "starting slow operation", attribute.String("endpoint", "/slow"))

		for _, step := range steps {
			d := s.uniform(500*time.Millisecond, 1500*time.Millisecond)
			err := s.tracer.InSpan(ctx, "step_"+step, func(ctx context.Context, _ *emitz.ActiveSpan) error {
				s.logger.Debug(ctx, "executing step: "+step,
					attribute.String("step", step),
					attribute.Int64("duration_ms", d.Milliseconds()),
				)
				return s.pause(ctx, d)
			},
				attribute.String("step.name", step),
				attribute.Float64("step.duration", d.Seconds()),
			)
			if err != nil {
				return err
			}
		}

		s.logger.Info(ctx, "slow operation completed", attribute.String("endpoint", "/slow"))
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "operation completed", "steps": steps})
}

func (s *server) handleError(w http.ResponseWriter, r *http.Request) {
	err := s.tracer.InSpan(r.Context(), "error_operation", func(ctx context.Context, _ *emitz.ActiveSpan) error {
		s.logger.Warn(ctx, "entering error-prone endpoint", attribute.String("endpoint", "/error"))

		if s.random() < 0.5 {
			s.logger.Error(ctx, "error occurred during operation",
				attribute.String("error_type", fmt.Sprintf("%T", errRandom)),
				attribute.String("error_message", errRandom.Error()),
				attribute.String("endpoint", "/error"),
			)
			return errRandom
		}

		s.logger.Info(ctx, "operation succeeded without error")
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "success"})
}

type processResult struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

func (s *server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var result processResult

	err := s.tracer.InSpan(r.Context(), "data_processing", func(ctx context.Context, span *emitz.ActiveSpan) error {
		result.Total = 5 + int(s.random()*16)
		span.SetAttributes(attribute.Int("data.item_count", result.Total))
		s.logger.Info(ctx, "starting data processing", attribute.Int("item_count", result.Total))

		for i := 0; i < result.Total; i++ {
			err := s.tracer.InSpan(ctx, "process_item", func(ctx context.Context, item *emitz.ActiveSpan) error {
				if s.random() < 0.1 {
					result.Errors++
					item.SetStatus(codes.Error, "processing failed")
					s.logger.Error(ctx, "item processing failed",
						attribute.Int("item_id", i),
						attribute.String("reason", "validation_error"),
					)
				} else {
					result.Processed++
					item.SetAttributes(attribute.String("item.status", "success"))
				}
				return s.pause(ctx, s.uniform(10*time.Millisecond, 50*time.Millisecond))
			}, attribute.Int("item.id", i))
			if err != nil {
				return err
			}
		}

		span.SetAttributes(
			attribute.Int("data.processed", result.Processed),
			attribute.Int("data.errors", result.Errors),
		)
		s.logger.Info(ctx, "data processing completed",
			attribute.Int("total_items", result.Total),
			attribute.Int("processed", result.Processed),
			attribute.Int("errors", result.Errors),
			attribute.String("success_rate", fmt.Sprintf("%.1f%%", float64(result.Processed)/float64(result.Total)*100)),
		)
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
