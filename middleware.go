package fedplan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type middleware func(http.Handler) http.Handler

// DebugKey is used to request debug info from the context
const DebugKey contextKey = "debug"

const (
	debugHeader     = "X-Fedplan-Debug"
	requestIDHeader = "X-Request-Id"
)

// DebugInfo contains the requested debug info for a planning request
type DebugInfo struct {
	Tree   bool
	Check  bool
	Timing bool
}

func debugMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := DebugInfo{}
		for _, field := range strings.Fields(r.Header.Get(debugHeader)) {
			switch field {
			case "all":
				info.Tree = true
				info.Check = true
				info.Timing = true
			case "tree":
				info.Tree = true
			case "check":
				info.Check = true
			case "timing":
				info.Timing = true
			}
		}

		ctx := context.WithValue(r.Context(), DebugKey, info)
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func debugInfo(ctx context.Context) DebugInfo {
	info, _ := ctx.Value(DebugKey).(DebugInfo)
	return info
}

func requestIDMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if strings.TrimSpace(requestID) == "" {
			requestID = uuid.Must(uuid.NewV4()).String()
		} else if id, err := uuid.FromString(requestID); err == nil {
			requestID = id.String()
		}
		ctx := r.Context()
		AddField(ctx, "request.id", requestID)
		w.Header().Set(requestIDHeader, requestID)
		h.ServeHTTP(w, r.WithContext(AddRequestIDToContext(ctx, requestID)))
	})
}

func corsMiddleware(origins []string) middleware {
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", debugHeader, requestIDHeader},
	})
	return c.Handler
}

func tracingMiddleware(h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, "fedplan")
}

func monitoringMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, event := startEvent(r.Context(), planEventName)
		if r.URL.Path != "/health" {
			defer event.finish()
		}

		if host := r.Header.Get("X-Forwarded-Host"); host != "" {
			event.addField("forwarded_host", host)
		}

		var buf bytes.Buffer
		_, err := io.Copy(&buf, r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		r.Body = io.NopCloser(&buf)

		r = r.WithContext(ctx)

		// request bodies carry whole operations
		if event.debugEnabled() {
			addRequestBody(event, r, buf)
		}

		m := httpsnoop.CaptureMetrics(h, w, r)

		event.addFields(EventFields{
			"response.status": m.Code,
			"request.path":    r.URL.Path,
			"response.size":   m.Written,
		})

		promHTTPRequestCounter.With(prometheus.Labels{
			"code": fmt.Sprintf("%dXX", m.Code/100),
		}).Inc()
		promHTTPRequestSizes.With(prometheus.Labels{}).Observe(float64(buf.Len()))
		promHTTPResponseSizes.With(prometheus.Labels{}).Observe(float64(m.Written))
		promHTTPResponseDurations.With(prometheus.Labels{}).Observe(m.Duration.Seconds())
	})
}

func addRequestBody(e *event, r *http.Request, buf bytes.Buffer) {
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	e.addField("request.content-type", contentType)

	if r.Method == http.MethodHead || r.Method == http.MethodGet {
		return
	}
	if contentType == "application/json" {
		var payload interface{}
		if err := json.Unmarshal(buf.Bytes(), &payload); err == nil {
			e.addField("request.body", &payload)
			return
		} else {
			e.addField("request.error", err)
		}
	}
	e.addField("request.body", buf.String())
}

func applyMiddleware(h http.Handler, mws ...middleware) http.Handler {
	for _, mw := range mws {
		h = mw(h)
	}
	return h
}
